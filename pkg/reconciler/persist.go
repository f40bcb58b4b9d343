package reconciler

import (
	"context"

	"marshal/pkg/blocklist"
	"marshal/pkg/store"
)

var configKeys = []string{
	store.KeyStudyModeActive,
	store.KeyCustomBlockedSites,
	store.KeyDisabledDefaultSites,
	store.KeyDisabledCustomSites,
}

// loadConfig reads the block list. Unreadable values fall back to the
// first-install state; disabled entries that no longer belong to their owning
// set are dropped.
func (r *Reconciler) loadConfig(ctx context.Context) *blocklist.Config {
	cfg := blocklist.NewConfig(r.defaults)
	raw, err := r.kv.Get(ctx, configKeys...)
	if err != nil {
		r.log.Warn("failed to read block list, using defaults", "error", err)
		return cfg
	}

	var active bool
	var custom, disabledDefault, disabledCustom []string
	targets := map[string]any{
		store.KeyStudyModeActive:      &active,
		store.KeyCustomBlockedSites:   &custom,
		store.KeyDisabledDefaultSites: &disabledDefault,
		store.KeyDisabledCustomSites:  &disabledCustom,
	}
	for key, dst := range targets {
		if _, err := store.Decode(raw, key, dst); err != nil {
			r.log.Warn("ignoring unreadable stored value", "key", key, "error", err)
		}
	}

	cfg.StudyModeActive = active
	for _, host := range custom {
		cfg.AddCustom(host)
	}
	for _, host := range disabledDefault {
		cfg.SetDefaultEnabled(host, false)
	}
	for _, host := range disabledCustom {
		cfg.SetCustomEnabled(host, false)
	}
	r.log.Info("loaded block list",
		"study_mode", cfg.StudyModeActive,
		"custom", cfg.Custom.Len(),
		"disabled_default", cfg.DisabledDefault.Len(),
		"disabled_custom", cfg.DisabledCustom.Len(),
	)
	return cfg
}

// persistConfig writes the block list through to the store. Failures are
// logged and otherwise ignored.
func (r *Reconciler) persistConfig(ctx context.Context, cfg *blocklist.Config) {
	err := store.SetJSON(ctx, r.kv, map[string]any{
		store.KeyStudyModeActive:      cfg.StudyModeActive,
		store.KeyCustomBlockedSites:   cfg.Custom.Sorted(),
		store.KeyDisabledDefaultSites: cfg.DisabledDefault.Sorted(),
		store.KeyDisabledCustomSites:  cfg.DisabledCustom.Sorted(),
	})
	if err != nil {
		r.log.Error("failed to persist block list", "error", err)
	}
}

// adoptInstalled returns the IDs in the private range that the engine
// already holds, so the first resync removes them.
func (r *Reconciler) adoptInstalled(ctx context.Context) map[int]struct{} {
	installed := make(map[int]struct{})
	existing, err := r.engine.Rules(ctx)
	if err != nil {
		r.log.Warn("failed to list installed rules", "error", err)
		return installed
	}
	for _, rule := range existing {
		if r.ids.Owns(rule.ID) {
			installed[rule.ID] = struct{}{}
		}
	}
	if len(installed) > 0 {
		r.log.Info("adopted rules from previous run", "rules", len(installed))
	}
	return installed
}
