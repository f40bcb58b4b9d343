package reconciler

import (
	"context"
	"sort"

	"marshal/pkg/blocklist"
	"marshal/pkg/navigation"
	"marshal/pkg/rules"
)

type resyncJob struct {
	cfg       *blocklist.Config
	installed map[int]struct{}
	listeners map[navigation.Kind]navigation.ListenerID
}

type resyncResult struct {
	installed map[int]struct{}
	listeners map[navigation.Kind]navigation.ListenerID
	err       error
}

// requestResync starts a resync, or marks one pending if a resync is
// already running.
func (r *Reconciler) requestResync(ctx context.Context, st *actorState) {
	if st.inFlight {
		st.pending = true
		r.publish(st)
		return
	}
	r.startResync(ctx, st)
}

func (r *Reconciler) startResync(ctx context.Context, st *actorState) {
	st.inFlight = true
	job := resyncJob{
		cfg:       st.cfg.Clone(),
		installed: copyIDs(st.installed),
		listeners: copyListeners(st.listeners),
	}
	// Resyncs are not cancellable: a shutdown waits for the running one.
	workCtx := context.WithoutCancel(ctx)
	go func() {
		r.results <- r.resync(workCtx, job)
	}()
	r.publish(st)
}

func (r *Reconciler) finishResync(ctx context.Context, st *actorState, res resyncResult) {
	r.applyResult(st, res)
	if st.pending {
		st.pending = false
		r.startResync(ctx, st)
		return
	}
	for _, w := range st.waiters {
		close(w)
	}
	st.waiters = nil
	r.publish(st)
}

func (r *Reconciler) applyResult(st *actorState, res resyncResult) {
	st.inFlight = false
	st.installed = res.installed
	st.listeners = res.listeners
	st.lastErr = ""
	if res.err != nil {
		st.lastErr = res.err.Error()
	}
}

// resync replaces every rule this reconciler installed with the rules for
// the effective block set, then (un)registers the navigation fallback.
func (r *Reconciler) resync(ctx context.Context, job resyncJob) resyncResult {
	res := resyncResult{installed: job.installed}
	sites := job.cfg.Effective().Sorted()
	enforce := job.cfg.StudyModeActive && len(sites) > 0

	remove := make([]int, 0, len(job.installed))
	for id := range job.installed {
		remove = append(remove, id)
	}
	sort.Ints(remove)

	var add []rules.Rule
	if enforce {
		ids, err := r.ids.Allocate(len(sites)*rules.VariantsPerSite, job.installed)
		if err == nil {
			add, err = rules.Generate(sites, ids, r.redirectURL)
		}
		if err != nil {
			r.log.Error("failed to build blocking rules", "sites", len(sites), "error", err)
			res.err = err
			res.listeners = r.syncListeners(enforce, job.listeners)
			return res
		}
	}

	if len(remove) > 0 || len(add) > 0 {
		if err := r.engine.UpdateRules(ctx, remove, add); err != nil {
			r.log.Error("failed to install blocking rules, navigation fallback stays active",
				"remove", len(remove), "add", len(add), "error", err)
			res.err = err
		} else {
			res.installed = make(map[int]struct{}, len(add))
			for _, rule := range add {
				res.installed[rule.ID] = struct{}{}
			}
			r.log.Info("blocking rules synced", "sites", len(sites), "removed", len(remove), "installed", len(add))
		}
	}

	res.listeners = r.syncListeners(enforce, job.listeners)
	return res
}

// syncListeners registers the beforeNavigate/committed pair when enforcing
// and removes it otherwise.
func (r *Reconciler) syncListeners(enforce bool, current map[navigation.Kind]navigation.ListenerID) map[navigation.Kind]navigation.ListenerID {
	out := copyListeners(current)
	if r.nav == nil {
		return out
	}
	if enforce {
		for _, kind := range []navigation.Kind{navigation.BeforeNavigate, navigation.Committed} {
			if _, ok := out[kind]; ok {
				continue
			}
			id, err := r.nav.AddListener(kind, r.onNavigation)
			if err != nil {
				r.log.Error("failed to register navigation listener", "kind", kind, "error", err)
				continue
			}
			out[kind] = id
		}
		return out
	}
	for kind, id := range out {
		if err := r.nav.RemoveListener(id); err != nil {
			r.log.Warn("failed to remove navigation listener", "kind", kind, "error", err)
		}
		delete(out, kind)
	}
	return out
}

// onNavigation is the imperative fallback. It records telemetry only for
// hosts no installed rule reports, so one navigation is never counted twice.
func (r *Reconciler) onNavigation(ctx context.Context, ev navigation.Event) string {
	if ev.FrameID != 0 || !r.ShouldBlock(ev.URL) {
		return ""
	}
	if ev.Kind == navigation.BeforeNavigate && r.telemetry != nil {
		site, _ := r.siteForURL(ev.URL)
		if !r.ruleReports(hostOf(ev.URL)) {
			r.telemetry.Record(ctx, site, ev.Client, "navigation")
		}
	}
	return r.redirectURL
}

// ruleLookup is implemented by engines that can name the rule covering a
// host.
type ruleLookup interface {
	Lookup(host string) (rules.Rule, bool)
}

// ruleReports reports whether a navigation to host is counted by the
// rule-match hook. After a failed install the previous rules stay in the
// engine and keep reporting matches for the hosts they cover.
func (r *Reconciler) ruleReports(host string) bool {
	if r.declarative.Load() {
		return true
	}
	if !r.observing {
		return false
	}
	lookup, ok := r.engine.(ruleLookup)
	if !ok {
		return false
	}
	_, covered := lookup.Lookup(host)
	return covered
}

func (r *Reconciler) onRuleMatched(m rules.Match) {
	if !r.matcher.Load().Active() {
		return
	}
	r.telemetry.Record(context.Background(), m.Rule.Site, m.Client, "rule")
}

func copyIDs(in map[int]struct{}) map[int]struct{} {
	out := make(map[int]struct{}, len(in))
	for id := range in {
		out[id] = struct{}{}
	}
	return out
}

func copyListeners(in map[navigation.Kind]navigation.ListenerID) map[navigation.Kind]navigation.ListenerID {
	out := make(map[navigation.Kind]navigation.ListenerID, len(in))
	for kind, id := range in {
		out[kind] = id
	}
	return out
}
