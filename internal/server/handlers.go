package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/monetize/internal/app"
	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/auth"
	"github.com/mbd888/monetize/internal/logging"
	"github.com/mbd888/monetize/internal/modules/adrevenue"
	"github.com/mbd888/monetize/internal/modules/automation"
	"github.com/mbd888/monetize/internal/modules/newsletter"
	"github.com/mbd888/monetize/internal/modules/payments"
	"github.com/mbd888/monetize/internal/tier"
)

// maxWebhookBody bounds a provider webhook payload.
const maxWebhookBody = 64 << 10

// writeError renders a classified error. Internal details stay in the log.
func writeError(c *gin.Context, err error) {
	ae := apperr.As(err)
	if ae.Kind == apperr.KindInternal || ae.Kind == apperr.KindProvider {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.FullPath(),
			"kind", string(ae.Kind),
			"error", err,
		)
	}
	body := gin.H{"error": ae.Code, "message": ae.Message}
	if ae.Kind == apperr.KindEntitlementDenied {
		body["limit"] = ae.Limit
		body["usage"] = ae.Usage
	}
	c.JSON(apperr.HTTPStatus(ae.Kind), body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
}

func queryLimit(c *gin.Context) int {
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 0
}

// -----------------------------------------------------------------------------
// Entitlements
// -----------------------------------------------------------------------------

func (s *Server) getTier(c *gin.Context) {
	ctx := c.Request.Context()
	tenantID := auth.GetTenantID(c)

	t, err := s.app.GetUserTier(ctx, tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	usage, err := s.app.Usage(ctx, tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	plan := s.app.Settings().Tiers()[t]
	c.JSON(http.StatusOK, gin.H{"tier": t, "limits": plan.Limits, "usage": usage})
}

func (s *Server) getFeature(c *gin.Context) {
	feature := c.Param("feature")
	ok, err := s.app.CanAccessFeature(c.Request.Context(), auth.GetTenantID(c), feature)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feature": feature, "allowed": ok})
}

func (s *Server) getEntitlement(c *gin.Context) {
	d, err := s.app.Authorize(c.Request.Context(), auth.GetTenantID(c), tier.Action(c.Param("action")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) listActivity(c *gin.Context) {
	entries, err := s.app.Activity(c.Request.Context(), auth.GetTenantID(c), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries, "count": len(entries)})
}

// -----------------------------------------------------------------------------
// Sites
// -----------------------------------------------------------------------------

type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) createSite(c *gin.Context) {
	var in adrevenue.SiteInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	site, err := s.app.CreateSite(c.Request.Context(), auth.GetTenantID(c), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"site": site})
}

func (s *Server) listSites(c *gin.Context) {
	sites, next, err := s.app.Sites(c.Request.Context(), auth.GetTenantID(c), queryLimit(c), c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sites": sites, "count": len(sites), "nextCursor": next})
}

func (s *Server) setSiteStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	site, err := s.app.SetSiteStatus(c.Request.Context(), auth.GetTenantID(c), c.Param("id"), adrevenue.SiteStatus(req.Status))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"site": site})
}

// -----------------------------------------------------------------------------
// Newsletter
// -----------------------------------------------------------------------------

func (s *Server) addSubscriber(c *gin.Context) {
	var in newsletter.SubscriberInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	sub, err := s.app.AddSubscriber(c.Request.Context(), auth.GetTenantID(c), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscriber": sub})
}

func (s *Server) listSubscribers(c *gin.Context) {
	subs, next, err := s.app.Subscribers(c.Request.Context(), auth.GetTenantID(c), queryLimit(c), c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribers": subs, "count": len(subs), "nextCursor": next})
}

func (s *Server) updateSubscriber(c *gin.Context) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		badRequest(c, err)
		return
	}
	sub, err := s.app.UpdateSubscriber(c.Request.Context(), auth.GetTenantID(c), c.Param("id"), fields)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriber": sub})
}

type sendRequest struct {
	Subject string `json:"subject" binding:"required,max=200"`
}

func (s *Server) sendNewsletter(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	send, err := s.app.SendNewsletter(c.Request.Context(), auth.GetTenantID(c), req.Subject)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, send)
}

// -----------------------------------------------------------------------------
// Automation
// -----------------------------------------------------------------------------

func (s *Server) createTask(c *gin.Context) {
	var in automation.TaskInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	task, err := s.app.CreateAutomationTask(c.Request.Context(), auth.GetTenantID(c), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, next, err := s.app.AutomationTasks(c.Request.Context(), auth.GetTenantID(c), queryLimit(c), c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks), "nextCursor": next})
}

func (s *Server) setTaskStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	task, err := s.app.SetTaskStatus(c.Request.Context(), auth.GetTenantID(c), c.Param("id"), automation.Status(req.Status))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

// -----------------------------------------------------------------------------
// Events and revenue
// -----------------------------------------------------------------------------

func (s *Server) dispatchEvent(c *gin.Context) {
	var in app.EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.app.Dispatch(c.Request.Context(), auth.GetTenantID(c), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) listEvents(c *gin.Context) {
	events, next, err := s.app.Events(c.Request.Context(), auth.GetTenantID(c), queryLimit(c), c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events), "nextCursor": next})
}

func (s *Server) revenueReport(c *gin.Context) {
	r, err := s.app.ReportFor(c.Request.Context(), auth.GetTenantID(c),
		c.DefaultQuery("period", "30d"), c.Query("source"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) recommendations(c *gin.Context) {
	recs := s.app.Recommendations(c.Request.Context(), auth.GetTenantID(c))
	c.JSON(http.StatusOK, gin.H{"recommendations": recs, "count": len(recs)})
}

func (s *Server) runOptimizations(c *gin.Context) {
	results := s.app.RunOptimizations(c.Request.Context(), auth.GetTenantID(c))
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// -----------------------------------------------------------------------------
// Billing
// -----------------------------------------------------------------------------

type subscriptionRequest struct {
	Tier          string `json:"tier" binding:"required"`
	BillingPeriod string `json:"billingPeriod"`
}

func (s *Server) createSubscription(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	period := payments.BillingPeriod(req.BillingPeriod)
	if period == "" {
		period = payments.BillingMonthly
	}
	co, err := s.app.CreateSubscription(c.Request.Context(), auth.GetTenantID(c), tier.Name(req.Tier), period)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, co)
}

func (s *Server) getSubscription(c *gin.Context) {
	sub, err := s.app.Subscription(c.Request.Context(), auth.GetTenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

func (s *Server) cancelSubscription(c *gin.Context) {
	sub, err := s.app.CancelSubscription(c.Request.Context(), auth.GetTenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// stripeWebhook handles POST /v1/webhooks/stripe. The signature covers the
// raw body, so it is read before any decoding.
func (s *Server) stripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		badRequest(c, err)
		return
	}
	if len(payload) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "message": "webhook payload too large"})
		return
	}
	res, err := s.app.HandleWebhook(c.Request.Context(), payments.ProviderStripe, payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "result": res})
}

// -----------------------------------------------------------------------------
// Tenant data
// -----------------------------------------------------------------------------

func (s *Server) exportData(c *gin.Context) {
	out, err := s.app.ExportTenantData(c.Request.Context(), auth.GetTenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="export.json"`)
	c.JSON(http.StatusOK, out)
}

func (s *Server) deleteData(c *gin.Context) {
	res, err := s.app.DeleteTenantData(c.Request.Context(), auth.GetTenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) stream(c *gin.Context) {
	s.realtimeHub.ServeWS(c.Writer, c.Request, auth.GetTenantID(c))
}

// -----------------------------------------------------------------------------
// Admin settings
// -----------------------------------------------------------------------------

// settingKey accepts both /tier_limits/free/sites and /tier_limits.free.sites.
func settingKey(c *gin.Context) string {
	key := strings.Trim(c.Param("key"), "/")
	return strings.ReplaceAll(key, "/", ".")
}

func (s *Server) getSetting(c *gin.Context) {
	key := settingKey(c)
	v, err := s.app.Setting(key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": v})
}

type settingRequest struct {
	Value any `json:"value"`
}

func (s *Server) putSetting(c *gin.Context) {
	var req settingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Value == nil {
		writeError(c, apperr.Validation("missing_value", "value is required"))
		return
	}
	key := settingKey(c)
	if err := s.app.UpdateSetting(c.Request.Context(), key, req.Value); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": req.Value})
}
