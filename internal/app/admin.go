package app

import (
	"context"

	"github.com/mbd888/monetize/internal/apperr"
	"github.com/mbd888/monetize/internal/logging"
)

// Setting returns the configuration value at key, or the whole tree when
// key is empty. Credentials are masked.
func (a *App) Setting(key string) (any, error) {
	if key == "" {
		return a.settings.Redacted(), nil
	}
	v, ok := a.settings.RedactedGet(key)
	if !ok {
		return nil, apperr.NotFound("setting_not_found", "no setting at "+key)
	}
	return v, nil
}

// UpdateSetting persists an operator override. Tier limit and module flag
// changes apply to the next request.
func (a *App) UpdateSetting(ctx context.Context, key string, value any) error {
	if err := a.settings.Set(ctx, key, value); err != nil {
		return classify(err)
	}
	logging.L(ctx).Info("setting updated", "key", key)
	return nil
}
