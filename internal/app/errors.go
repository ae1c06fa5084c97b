package app

import (
	"errors"
	"strings"

	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/auth"
	"github.com/mbd888/monetize/internal/ledger"
	"github.com/mbd888/monetize/internal/modules/adrevenue"
	"github.com/mbd888/monetize/internal/modules/automation"
	"github.com/mbd888/monetize/internal/modules/newsletter"
	"github.com/mbd888/monetize/internal/modules/payments"
	"github.com/mbd888/monetize/internal/pagination"
	"github.com/mbd888/monetize/internal/registry"
	"github.com/mbd888/monetize/internal/settings"
	"github.com/mbd888/monetize/internal/tenant"
	"github.com/mbd888/monetize/internal/validation"
)

// classify converts package sentinels into apperr kinds. Errors that are
// already classified pass through; anything unrecognized is internal.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		return invalid("validation_failed", verrs.Error(), err)
	}

	switch {
	case errors.Is(err, adrevenue.ErrSiteURLTaken):
		return apperr.Conflict("site_url_taken", "a site with this URL is already registered", err)
	case errors.Is(err, newsletter.ErrSubscriberExists):
		return apperr.Conflict("subscriber_exists", "this email is already subscribed for the site", err)
	case errors.Is(err, payments.ErrOpenSubscriptionExists):
		return apperr.Conflict("subscription_exists", "tenant already has an open subscription", err)
	case errors.Is(err, payments.ErrDuplicateProviderID):
		return apperr.Conflict("duplicate_subscription", "provider subscription already recorded", err)
	case errors.Is(err, ledger.ErrDuplicateTransaction):
		return apperr.Conflict("duplicate_transaction", "transaction already recorded", err)
	case errors.Is(err, tenant.ErrSlugTaken):
		return apperr.Conflict("slug_taken", "slug already in use", err)

	case errors.Is(err, adrevenue.ErrSiteNotFound):
		return apperr.NotFound("site_not_found", "site not found")
	case errors.Is(err, newsletter.ErrSubscriberNotFound):
		return apperr.NotFound("subscriber_not_found", "subscriber not found")
	case errors.Is(err, automation.ErrTaskNotFound):
		return apperr.NotFound("task_not_found", "automation task not found")
	case errors.Is(err, payments.ErrSubscriptionNotFound):
		return apperr.NotFound("subscription_not_found", "no open subscription")
	case errors.Is(err, tenant.ErrTenantNotFound):
		return apperr.NotFound("tenant_not_found", "tenant not found")
	case errors.Is(err, ledger.ErrEventNotFound):
		return apperr.NotFound("revenue_event_not_found", "revenue event not found")
	case errors.Is(err, auth.ErrKeyNotFound):
		return apperr.NotFound("key_not_found", "API key not found")

	case errors.Is(err, adrevenue.ErrInvalidTransition),
		errors.Is(err, newsletter.ErrInvalidTransition),
		errors.Is(err, automation.ErrInvalidTransition):
		return invalid("invalid_transition", message(err), err)
	case errors.Is(err, newsletter.ErrFieldNotUpdatable):
		return invalid("field_not_updatable", message(err), err)
	case errors.Is(err, pagination.ErrInvalidCursor):
		return invalid("invalid_cursor", "cursor is malformed", err)
	case errors.Is(err, ledger.ErrInvalidPeriod):
		return invalid("invalid_period", "period must be one of 7d, 30d, 90d, 1y", err)
	case errors.Is(err, registry.ErrInvalidEvent),
		errors.Is(err, ledger.ErrInvalidEvent),
		errors.Is(err, adrevenue.ErrMissingTransaction),
		errors.Is(err, automation.ErrMissingTaskID):
		return invalid("invalid_event", message(err), err)
	case errors.Is(err, settings.ErrInvalidKey),
		errors.Is(err, settings.ErrInvalidValue):
		return invalid("invalid_setting", message(err), err)
	}
	return apperr.Internal(err)
}

func invalid(code, msg string, err error) *apperr.Error {
	e := apperr.Validation(code, msg)
	e.Err = err
	return e
}

// message drops the "pkg: " prefix from a sentinel's text.
func message(err error) string {
	s := err.Error()
	if i := strings.Index(s, ": "); i > 0 && !strings.Contains(s[:i], " ") {
		return s[i+2:]
	}
	return s
}
