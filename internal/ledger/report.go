package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Period is a trailing reporting window.
type Period string

const (
	Period7d  Period = "7d"
	Period30d Period = "30d"
	Period90d Period = "90d"
	Period1y  Period = "1y"
)

// ParsePeriod validates a period name. Empty means 30d.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case "":
		return Period30d, nil
	case Period7d, Period30d, Period90d, Period1y:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q (want 7d, 30d, 90d or 1y)", ErrInvalidPeriod, s)
	}
}

// Window returns the inclusive [from, to] range of p ending at now.
func (p Period) Window(now time.Time) (from, to time.Time) {
	to = now.UTC()
	switch p {
	case Period7d:
		from = to.AddDate(0, 0, -7)
	case Period90d:
		from = to.AddDate(0, 0, -90)
	case Period1y:
		from = to.AddDate(-1, 0, 0)
	default:
		from = to.AddDate(0, 0, -30)
	}
	return from, to
}

// Report aggregates completed revenue over a period.
type Report struct {
	TenantID string                     `json:"tenantId"`
	Period   Period                     `json:"period"`
	From     time.Time                  `json:"from"`
	To       time.Time                  `json:"to"`
	Currency string                     `json:"currency"`
	Total    decimal.Decimal            `json:"total"`
	BySource map[Source]decimal.Decimal `json:"bySource"`
	// Completed revenue in currencies other than Currency, kept apart
	// rather than summed at an arbitrary rate.
	OtherCurrencies map[string]decimal.Decimal `json:"otherCurrencies,omitempty"`
	EventCount      int                        `json:"eventCount"`
	CountBySource   map[Source]int             `json:"countBySource"`
}

// Sources returns the report's sources in a stable order.
func (r *Report) Sources() []Source {
	out := make([]Source, 0, len(r.BySource))
	for s := range r.BySource {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReportFor sums a tenant's completed events whose OccurredAt falls inside
// the period window. Pending, failed and refunded events are excluded.
func (l *Ledger) ReportFor(ctx context.Context, tenantID string, period Period) (*Report, error) {
	if _, err := ParsePeriod(string(period)); err != nil {
		return nil, err
	}
	from, to := period.Window(l.now())

	events, err := l.store.ListCompleted(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}

	r := &Report{
		TenantID:      tenantID,
		Period:        period,
		From:          from,
		To:            to,
		Currency:      DefaultCurrency,
		Total:         decimal.Zero,
		BySource:      make(map[Source]decimal.Decimal),
		CountBySource: make(map[Source]int),
	}
	for _, e := range events {
		if e.Status != StatusCompleted || e.OccurredAt.Before(from) || e.OccurredAt.After(to) {
			continue
		}
		if e.Currency != r.Currency {
			if r.OtherCurrencies == nil {
				r.OtherCurrencies = make(map[string]decimal.Decimal)
			}
			r.OtherCurrencies[e.Currency] = r.OtherCurrencies[e.Currency].Add(e.Amount)
			continue
		}
		r.Total = r.Total.Add(e.Amount)
		r.BySource[e.Source] = r.BySource[e.Source].Add(e.Amount)
		r.EventCount++
		r.CountBySource[e.Source]++
	}
	return r, nil
}

// Only returns a copy of the report narrowed to one source. Revenue in
// other currencies is dropped.
func (r *Report) Only(s Source) *Report {
	cp := *r
	cp.Total = r.BySource[s]
	cp.BySource = map[Source]decimal.Decimal{s: cp.Total}
	cp.CountBySource = map[Source]int{s: r.CountBySource[s]}
	cp.EventCount = r.CountBySource[s]
	cp.OtherCurrencies = nil
	return &cp
}

// SourceTotal sums a tenant's completed revenue for one source over a period.
func (l *Ledger) SourceTotal(ctx context.Context, tenantID string, source Source, period Period) (decimal.Decimal, error) {
	r, err := l.ReportFor(ctx, tenantID, period)
	if err != nil {
		return decimal.Zero, err
	}
	return r.BySource[source], nil
}
