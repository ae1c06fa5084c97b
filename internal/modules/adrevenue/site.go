// Package adrevenue is the ad revenue module: tenant sites, ad impression
// and click tracking, and affiliate/sponsorship revenue recorded to the
// ledger.
package adrevenue

import (
	"errors"
	"time"
)

var (
	ErrSiteNotFound      = errors.New("adrevenue: site not found")
	ErrSiteURLTaken      = errors.New("adrevenue: site url already registered")
	ErrInvalidTransition = errors.New("adrevenue: invalid site status transition")
)

// Platform a site runs on.
type Platform string

const (
	PlatformWordPress Platform = "wordpress"
	PlatformCustom    Platform = "custom"
)

// SiteStatus is the site lifecycle state.
type SiteStatus string

const (
	SiteActive    SiteStatus = "active"
	SiteInactive  SiteStatus = "inactive"
	SiteSuspended SiteStatus = "suspended"
)

var siteTransitions = map[SiteStatus][]SiteStatus{
	SiteActive:   {SiteInactive, SiteSuspended},
	SiteInactive: {SiteActive, SiteSuspended},
}

// CanTransition reports whether a site may move between statuses.
// Suspended is terminal.
func CanTransition(from, to SiteStatus) bool {
	for _, s := range siteTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Site is a tenant's monetized website. URL is stored normalized and is
// unique across the platform.
type Site struct {
	ID                   string     `json:"id"`
	TenantID             string     `json:"tenantId"`
	Name                 string     `json:"name"`
	URL                  string     `json:"url"`
	Platform             Platform   `json:"platform"`
	AdsensePublisherID   string     `json:"adsensePublisherId,omitempty"`
	AnalyticsTrackingID  string     `json:"analyticsTrackingId,omitempty"`
	NewsletterAudienceID string     `json:"newsletterAudienceId,omitempty"`
	Status               SiteStatus `json:"status"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// AdStats is one day of ad activity for a site.
type AdStats struct {
	TenantID    string    `json:"tenantId"`
	SiteID      string    `json:"siteId"`
	Day         time.Time `json:"day"`
	Impressions int64     `json:"impressions"`
	Clicks      int64     `json:"clicks"`
}

// CTR is clicks per impression, 0 with no impressions.
func (s AdStats) CTR() float64 {
	if s.Impressions == 0 {
		return 0
	}
	return float64(s.Clicks) / float64(s.Impressions)
}
