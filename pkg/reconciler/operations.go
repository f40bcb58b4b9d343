package reconciler

import (
	"context"
	"net/url"
	"strings"

	"marshal/pkg/blocklist"
	"marshal/pkg/telemetry"
)

// mutation edits cfg and reports whether anything changed.
type mutation func(cfg *blocklist.Config) bool

// mutate applies fn on the actor, writes the block list through when it
// changed and, while study mode is on, schedules a resync.
func (r *Reconciler) mutate(ctx context.Context, op string, site string, fn mutation) error {
	return r.submit(ctx, func(st *actorState) {
		if !fn(st.cfg) {
			r.log.Debug("block list unchanged", "op", op, "site", site)
			return
		}
		r.persistConfig(ctx, st.cfg)
		r.log.Info("block list updated", "op", op, "site", site)
		if st.cfg.StudyModeActive {
			r.requestResync(ctx, st)
			return
		}
		r.publish(st)
	})
}

// SetStudyMode flips the master switch. Turning study mode on resets block
// telemetry. A resync always follows; its failures never undo the switch.
func (r *Reconciler) SetStudyMode(ctx context.Context, active bool) error {
	return r.submit(ctx, func(st *actorState) {
		starting := active && !st.cfg.StudyModeActive
		st.cfg.StudyModeActive = active
		r.persistConfig(ctx, st.cfg)
		if starting && r.telemetry != nil {
			if err := r.telemetry.Reset(ctx); err != nil {
				r.log.Warn("failed to reset telemetry", "error", err)
			}
		}
		r.log.Info("study mode toggled", "active", active)
		r.requestResync(ctx, st)
	})
}

// AddCustomSite adds host to the custom sites. Adding a present host is a no-op.
func (r *Reconciler) AddCustomSite(ctx context.Context, host string) error {
	return r.mutate(ctx, "add_custom", host, func(cfg *blocklist.Config) bool {
		return cfg.AddCustom(host)
	})
}

// RemoveCustomSite removes host from the custom and disabled custom sites.
func (r *Reconciler) RemoveCustomSite(ctx context.Context, host string) error {
	return r.mutate(ctx, "remove_custom", host, func(cfg *blocklist.Config) bool {
		return cfg.RemoveCustom(host)
	})
}

// SetDefaultSiteEnabled enables or disables a catalogue site.
func (r *Reconciler) SetDefaultSiteEnabled(ctx context.Context, host string, enabled bool) error {
	return r.mutate(ctx, "set_default_enabled", host, func(cfg *blocklist.Config) bool {
		return cfg.SetDefaultEnabled(host, enabled)
	})
}

// ToggleDefaultSite flips the enabled state of a catalogue site.
func (r *Reconciler) ToggleDefaultSite(ctx context.Context, host string) error {
	return r.mutate(ctx, "toggle_default", host, func(cfg *blocklist.Config) bool {
		return cfg.SetDefaultEnabled(host, cfg.DisabledDefault.Contains(host))
	})
}

// SetCustomSiteEnabled enables or disables a custom site without removing it.
func (r *Reconciler) SetCustomSiteEnabled(ctx context.Context, host string, enabled bool) error {
	return r.mutate(ctx, "set_custom_enabled", host, func(cfg *blocklist.Config) bool {
		return cfg.SetCustomEnabled(host, enabled)
	})
}

// Reload re-reads the block list from the store and resyncs. It picks up
// edits made by another process sharing the store.
func (r *Reconciler) Reload(ctx context.Context) error {
	return r.submit(ctx, func(st *actorState) {
		st.cfg = r.loadConfig(ctx)
		r.requestResync(ctx, st)
	})
}

// Lists returns the current block list.
func (r *Reconciler) Lists(ctx context.Context) (blocklist.Lists, error) {
	var lists blocklist.Lists
	err := r.submit(ctx, func(st *actorState) {
		lists = st.cfg.Lists()
	})
	return lists, err
}

// Settle waits until no resync is running or pending.
func (r *Reconciler) Settle(ctx context.Context) error {
	wait := make(chan struct{})
	err := r.submit(ctx, func(st *actorState) {
		if !st.inFlight && !st.pending {
			close(wait)
			return
		}
		st.waiters = append(st.waiters, wait)
	})
	if err != nil {
		return err
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShouldBlock reports whether a top-level navigation to rawURL is blocked.
func (r *Reconciler) ShouldBlock(rawURL string) bool {
	return r.matcher.Load().ShouldBlock(rawURL)
}

// EffectiveSites returns the sites that are blocked while study mode is on.
func (r *Reconciler) EffectiveSites() []string {
	return r.matcher.Load().Sites()
}

// RecordBlockAttempt counts one block of host.
func (r *Reconciler) RecordBlockAttempt(ctx context.Context, host string) {
	if r.telemetry == nil {
		return
	}
	r.telemetry.Record(ctx, strings.ToLower(strings.TrimSpace(host)), "", "manual")
}

// Stats summarises the recorded telemetry.
func (r *Reconciler) Stats(ctx context.Context, topN int) telemetry.Summary {
	if r.telemetry == nil {
		return telemetry.Summarize(telemetry.State{}, topN)
	}
	state, err := r.telemetry.Snapshot(ctx)
	if err != nil {
		r.log.Warn("failed to read telemetry", "error", err)
	}
	return telemetry.Summarize(state, topN)
}

func (r *Reconciler) siteForURL(rawURL string) (string, bool) {
	host := hostOf(rawURL)
	if site, ok := r.matcher.Load().SiteFor(host); ok {
		return site, true
	}
	return host, false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
