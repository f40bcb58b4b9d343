package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"marshal/pkg/blocklist"
	"marshal/pkg/navigation"
	"marshal/pkg/rules"
	"marshal/pkg/store"
	"marshal/pkg/telemetry"
)

const blockedPage = "http://127.0.0.1:8053/blocked"

// slowEngine delays updates so overlapping resyncs would be visible.
type slowEngine struct {
	*rules.Table
	delay     time.Duration
	running   atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32
}

func (e *slowEngine) UpdateRules(ctx context.Context, removeIDs []int, add []rules.Rule) error {
	n := e.running.Add(1)
	defer e.running.Add(-1)
	for {
		current := e.maxActive.Load()
		if n <= current || e.maxActive.CompareAndSwap(current, n) {
			break
		}
	}
	e.calls.Add(1)
	time.Sleep(e.delay)
	return e.Table.UpdateRules(ctx, removeIDs, add)
}

type brokenNavigator struct{}

func (brokenNavigator) AddListener(navigation.Kind, navigation.Listener) (navigation.ListenerID, error) {
	return 0, errors.New("listener registration refused")
}

func (brokenNavigator) RemoveListener(navigation.ListenerID) error {
	return nil
}

type harness struct {
	kv       *store.Memory
	engine   *slowEngine
	hub      *navigation.Hub
	recorder *telemetry.Recorder
	r        *Reconciler
	ctx      context.Context
}

type harnessOptions struct {
	defaults  []string
	quota     int
	navigator navigation.Navigator
	seed      func(kv *store.Memory, table *rules.Table)
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		kv:     store.NewMemory(),
		engine: &slowEngine{Table: rules.NewTable(opts.quota), delay: 2 * time.Millisecond},
		hub:    navigation.NewHub(logger),
	}
	if opts.seed != nil {
		opts.seed(h.kv, h.engine.Table)
	}
	h.recorder = telemetry.NewRecorder(h.kv, telemetry.Options{Log: logger})

	var nav navigation.Navigator = h.hub
	if opts.navigator != nil {
		nav = opts.navigator
	}
	h.r = New(Options{
		Defaults:    opts.defaults,
		Store:       h.kv,
		Engine:      h.engine,
		Navigator:   nav,
		Telemetry:   h.recorder,
		RedirectURL: blockedPage,
		Log:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	if err := h.r.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		<-h.r.Done()
	})
	h.settle(t)
	return h
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	if err := h.r.Settle(ctx); err != nil {
		t.Fatalf("Settle: %v", err)
	}
}

func (h *harness) patterns(t *testing.T) []string {
	t.Helper()
	installed, err := h.engine.Rules(context.Background())
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	out := make([]string, 0, len(installed))
	for _, rule := range installed {
		out = append(out, rule.HostPattern)
	}
	sort.Strings(out)
	return out
}

func TestStudyModeScenario(t *testing.T) {
	h := newHarness(t, harnessOptions{
		defaults: []string{"x.com"},
		seed: func(kv *store.Memory, _ *rules.Table) {
			_ = store.SetJSON(context.Background(), kv, map[string]any{
				store.KeyDailyBlockedAttempts: 9,
				store.KeyHourlyAttempts:       map[int]int{3: 9},
			})
		},
	})
	ctx := context.Background()

	if got := h.r.Status().State; got != StateInactive {
		t.Fatalf("expected inactive state, got %s", got)
	}
	if len(h.patterns(t)) != 0 {
		t.Fatal("expected no rules while inactive")
	}

	if err := h.r.SetStudyMode(ctx, true); err != nil {
		t.Fatalf("SetStudyMode: %v", err)
	}
	h.settle(t)

	if diff := cmp.Diff([]string{"x.com"}, h.r.EffectiveSites()); diff != "" {
		t.Errorf("effective set mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"*.x.com", "www.x.com", "x.com"}, h.patterns(t)); diff != "" {
		t.Errorf("rules mismatch (-want +got):\n%s", diff)
	}
	state, _ := h.recorder.Snapshot(ctx)
	if state.DailyBlockedAttempts != 0 || len(state.HourlyAttempts) != 0 || state.StudyStartTime == 0 {
		t.Errorf("expected telemetry reset on study start, got %+v", state)
	}
	if st := h.r.Status(); st.State != StateActiveEnforcing || !st.Declarative || !st.Fallback || st.Rules != 3 {
		t.Errorf("unexpected status %+v", st)
	}
	if !h.r.ShouldBlock("https://x.com") {
		t.Error("expected x.com to be blocked")
	}

	if err := h.r.SetDefaultSiteEnabled(ctx, "x.com", false); err != nil {
		t.Fatalf("SetDefaultSiteEnabled: %v", err)
	}
	h.settle(t)

	if len(h.r.EffectiveSites()) != 0 {
		t.Errorf("expected empty effective set, got %v", h.r.EffectiveSites())
	}
	if len(h.patterns(t)) != 0 {
		t.Errorf("expected all rules removed, got %v", h.patterns(t))
	}
	if h.r.ShouldBlock("https://x.com") {
		t.Error("expected x.com to be allowed once disabled")
	}
	if st := h.r.Status(); st.State != StateActiveEmpty || st.Listeners != 0 {
		t.Errorf("unexpected status %+v", st)
	}

	if err := h.r.SetStudyMode(ctx, false); err != nil {
		t.Fatalf("SetStudyMode(false): %v", err)
	}
	h.settle(t)
	if got := h.r.Status().State; got != StateInactive {
		t.Errorf("expected inactive state, got %s", got)
	}
}

func TestResyncRoundTrip(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	_ = h.r.SetStudyMode(ctx, true)
	for _, site := range []string{"a.com", "b.com", "c.com"} {
		_ = h.r.AddCustomSite(ctx, site)
	}
	h.settle(t)

	if got := len(h.patterns(t)); got != 9 {
		t.Fatalf("expected 9 rules, got %d", got)
	}

	_ = h.r.RemoveCustomSite(ctx, "b.com")
	h.settle(t)

	want := []string{"*.a.com", "*.c.com", "a.com", "c.com", "www.a.com", "www.c.com"}
	if diff := cmp.Diff(want, h.patterns(t)); diff != "" {
		t.Errorf("rules mismatch (-want +got):\n%s", diff)
	}
}

func TestBackToBackAddRemove(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.engine.delay = 20 * time.Millisecond
	ctx := context.Background()
	_ = h.r.SetStudyMode(ctx, true)
	_ = h.r.AddCustomSite(ctx, "keep.com")
	h.settle(t)

	_ = h.r.AddCustomSite(ctx, "a.com")
	_ = h.r.RemoveCustomSite(ctx, "a.com")
	h.settle(t)

	if got := h.engine.maxActive.Load(); got > 1 {
		t.Errorf("expected at most one resync in flight, saw %d", got)
	}
	if diff := cmp.Diff([]string{"*.keep.com", "keep.com", "www.keep.com"}, h.patterns(t)); diff != "" {
		t.Errorf("rules mismatch (-want +got):\n%s", diff)
	}
	lists, _ := h.r.Lists(ctx)
	if len(lists.Custom) != 1 || lists.Custom[0] != "keep.com" {
		t.Errorf("unexpected custom sites %v", lists.Custom)
	}
}

func TestConcurrentMutatorsCoalesce(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.engine.delay = 10 * time.Millisecond
	ctx := context.Background()
	_ = h.r.SetStudyMode(ctx, true)

	sites := []string{"a.com", "b.com", "c.com", "d.com", "e.com", "f.com", "g.com", "h.com"}
	var wg sync.WaitGroup
	for _, site := range sites {
		wg.Add(1)
		go func(site string) {
			defer wg.Done()
			_ = h.r.AddCustomSite(ctx, site)
		}(site)
	}
	wg.Wait()
	h.settle(t)

	if got := h.engine.maxActive.Load(); got > 1 {
		t.Errorf("expected at most one resync in flight, saw %d", got)
	}
	if got := h.engine.calls.Load(); got > int32(len(sites)) {
		t.Errorf("expected coalesced resyncs, got %d engine calls", got)
	}
	installed, _ := h.engine.Rules(ctx)
	if len(installed) != len(sites)*rules.VariantsPerSite {
		t.Errorf("expected %d rules, got %d", len(sites)*rules.VariantsPerSite, len(installed))
	}
	seen := map[int]bool{}
	for _, rule := range installed {
		if seen[rule.ID] {
			t.Errorf("duplicate rule id %d", rule.ID)
		}
		seen[rule.ID] = true
	}
}

func TestInactiveMutationsDoNotInstallRules(t *testing.T) {
	h := newHarness(t, harnessOptions{defaults: []string{"x.com"}})
	ctx := context.Background()
	before := h.engine.calls.Load()

	_ = h.r.AddCustomSite(ctx, "a.com")
	_ = h.r.SetCustomSiteEnabled(ctx, "a.com", false)
	_ = h.r.SetDefaultSiteEnabled(ctx, "x.com", false)
	h.settle(t)

	if got := h.engine.calls.Load(); got != before {
		t.Errorf("expected no rule work while inactive, got %d calls", got-before)
	}
	raw, _ := h.kv.Get(ctx, store.KeyCustomBlockedSites, store.KeyDisabledCustomSites)
	var custom, disabled []string
	_, _ = store.Decode(raw, store.KeyCustomBlockedSites, &custom)
	_, _ = store.Decode(raw, store.KeyDisabledCustomSites, &disabled)
	if diff := cmp.Diff([]string{"a.com"}, custom); diff != "" {
		t.Errorf("persisted custom mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a.com"}, disabled); diff != "" {
		t.Errorf("persisted disabled mismatch (-want +got):\n%s", diff)
	}
}

func TestIdempotentMutatorsLeaveStateUnchanged(t *testing.T) {
	h := newHarness(t, harnessOptions{defaults: []string{"x.com"}})
	ctx := context.Background()

	_ = h.r.AddCustomSite(ctx, "a.com")
	first, _ := h.r.Lists(ctx)
	_ = h.r.AddCustomSite(ctx, "a.com")
	_ = h.r.SetDefaultSiteEnabled(ctx, "x.com", true)
	second, _ := h.r.Lists(ctx)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("lists changed (-first +second):\n%s", diff)
	}
}

func TestInstallFailureKeepsConfigAndFallback(t *testing.T) {
	h := newHarness(t, harnessOptions{quota: 2, defaults: []string{"x.com"}})
	ctx := context.Background()

	if err := h.r.SetStudyMode(ctx, true); err != nil {
		t.Fatalf("SetStudyMode must not surface rule failures: %v", err)
	}
	h.settle(t)

	st := h.r.Status()
	if st.Declarative || !st.Fallback || st.LastError == "" {
		t.Errorf("expected fallback-only enforcement, got %+v", st)
	}
	raw, _ := h.kv.Get(ctx, store.KeyStudyModeActive)
	var active bool
	if _, err := store.Decode(raw, store.KeyStudyModeActive, &active); err != nil || !active {
		t.Error("expected study mode to stay persisted after rule failure")
	}

	redirect := h.hub.Dispatch(ctx, navigation.Event{Kind: navigation.BeforeNavigate, URL: "https://www.x.com/feed"})
	if redirect != blockedPage {
		t.Errorf("expected fallback redirect, got %q", redirect)
	}
	if redirect := h.hub.Dispatch(ctx, navigation.Event{Kind: navigation.BeforeNavigate, FrameID: 3, URL: "https://x.com/embed"}); redirect != "" {
		t.Errorf("sub-frame navigations must not be redirected, got %q", redirect)
	}
	state, _ := h.recorder.Snapshot(ctx)
	if state.DailyBlockedAttempts != 1 || state.BlockedSitesCount["x.com"] != 1 {
		t.Errorf("expected the fallback to record the block, got %+v", state)
	}
}

func TestBothEnforcementPathsFail(t *testing.T) {
	h := newHarness(t, harnessOptions{quota: 1, defaults: []string{"x.com"}, navigator: brokenNavigator{}})
	ctx := context.Background()

	_ = h.r.SetStudyMode(ctx, true)
	h.settle(t)

	st := h.r.Status()
	if st.Enforced() {
		t.Errorf("expected no enforcement path to be engaged, got %+v", st)
	}
	if st.State != StateActiveEnforcing {
		t.Errorf("config state must still be active/enforcing, got %s", st.State)
	}
	if redirect := h.hub.Dispatch(ctx, navigation.Event{Kind: navigation.BeforeNavigate, URL: "https://x.com"}); redirect != "" {
		t.Errorf("expected site to stay reachable, got redirect %q", redirect)
	}
	if len(h.patterns(t)) != 0 {
		t.Error("expected no rules installed")
	}
}

func TestSingleNavigationCountsOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{defaults: []string{"x.com"}})
	ctx := context.Background()
	_ = h.r.SetStudyMode(ctx, true)
	h.settle(t)

	rule, ok := h.engine.Lookup("x.com")
	if !ok {
		t.Fatal("expected an installed rule for x.com")
	}
	h.engine.Observe(rules.Match{Rule: rule, Host: "x.com", At: time.Now()})
	for _, kind := range []navigation.Kind{navigation.BeforeNavigate, navigation.Committed} {
		if redirect := h.hub.Dispatch(ctx, navigation.Event{Kind: kind, URL: "https://x.com/"}); redirect != blockedPage {
			t.Errorf("%s: expected redirect, got %q", kind, redirect)
		}
	}

	state, _ := h.recorder.Snapshot(ctx)
	if state.DailyBlockedAttempts != 1 {
		t.Errorf("expected one recorded attempt, got %d", state.DailyBlockedAttempts)
	}
}

func TestNavigationCountsOnceAfterFailedInstall(t *testing.T) {
	h := newHarness(t, harnessOptions{quota: 3, defaults: []string{"x.com"}})
	ctx := context.Background()
	_ = h.r.SetStudyMode(ctx, true)
	h.settle(t)
	if err := h.r.AddCustomSite(ctx, "y.com"); err != nil {
		t.Fatalf("AddCustomSite: %v", err)
	}
	h.settle(t)

	st := h.r.Status()
	if st.Declarative || !st.Fallback || st.Rules != 3 {
		t.Fatalf("expected stale x.com rules with the fallback engaged, got %+v", st)
	}

	rule, ok := h.engine.Lookup("x.com")
	if !ok {
		t.Fatal("expected the previous x.com rule to stay installed")
	}
	h.engine.Observe(rules.Match{Rule: rule, Host: "x.com", At: time.Now()})
	for _, target := range []string{"https://x.com/", "https://y.com/"} {
		if redirect := h.hub.Dispatch(ctx, navigation.Event{Kind: navigation.BeforeNavigate, URL: target}); redirect != blockedPage {
			t.Errorf("%s: expected redirect, got %q", target, redirect)
		}
	}

	state, _ := h.recorder.Snapshot(ctx)
	want := map[string]int{"x.com": 1, "y.com": 1}
	if diff := cmp.Diff(want, state.BlockedSitesCount); diff != "" {
		t.Errorf("blocked sites mismatch (-want +got):\n%s", diff)
	}
	if state.DailyBlockedAttempts != 2 {
		t.Errorf("expected two recorded attempts, got %d", state.DailyBlockedAttempts)
	}
}

func TestRuleMatchesIgnoredWhileInactive(t *testing.T) {
	h := newHarness(t, harnessOptions{defaults: []string{"x.com"}})
	h.engine.Observe(rules.Match{Rule: rules.Rule{Site: "x.com"}, Host: "x.com"})
	state, _ := h.recorder.Snapshot(context.Background())
	if state.DailyBlockedAttempts != 0 {
		t.Errorf("expected no telemetry while inactive, got %d", state.DailyBlockedAttempts)
	}
}

func TestStartAdoptsStaleRules(t *testing.T) {
	foreign := rules.Rule{ID: 7, HostPattern: "other.example", Priority: 1}
	h := newHarness(t, harnessOptions{
		seed: func(_ *store.Memory, table *rules.Table) {
			stale, _ := rules.Generate([]string{"old.com"}, []int{DefaultRuleIDBase, DefaultRuleIDBase + 1, DefaultRuleIDBase + 2}, blockedPage)
			_ = table.UpdateRules(context.Background(), nil, append(stale, foreign))
		},
	})

	installed, _ := h.engine.Rules(context.Background())
	if len(installed) != 1 || installed[0].ID != foreign.ID {
		t.Errorf("expected only the foreign rule to survive, got %+v", installed)
	}
}

func TestStartRestoresPersistedConfig(t *testing.T) {
	h := newHarness(t, harnessOptions{
		defaults: []string{"x.com", "y.com"},
		seed: func(kv *store.Memory, _ *rules.Table) {
			_ = store.SetJSON(context.Background(), kv, map[string]any{
				store.KeyStudyModeActive:      true,
				store.KeyCustomBlockedSites:   []string{"a.com", "b.com"},
				store.KeyDisabledDefaultSites: []string{"y.com", "gone.com"},
				store.KeyDisabledCustomSites:  []string{"b.com", "never-added.com"},
			})
		},
	})

	lists, _ := h.r.Lists(context.Background())
	want := blocklist.Lists{
		Default:         []string{"x.com", "y.com"},
		Custom:          []string{"a.com", "b.com"},
		DisabledDefault: []string{"y.com"},
		DisabledCustom:  []string{"b.com"},
	}
	if diff := cmp.Diff(want, lists); diff != "" {
		t.Errorf("lists mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"*.a.com", "*.x.com", "a.com", "www.a.com", "www.x.com", "x.com"}, h.patterns(t)); diff != "" {
		t.Errorf("startup resync mismatch (-want +got):\n%s", diff)
	}
}

func TestToggleDefaultSite(t *testing.T) {
	h := newHarness(t, harnessOptions{defaults: []string{"x.com"}})
	ctx := context.Background()

	_ = h.r.ToggleDefaultSite(ctx, "x.com")
	lists, _ := h.r.Lists(ctx)
	if len(lists.DisabledDefault) != 1 {
		t.Fatalf("expected x.com disabled, got %v", lists.DisabledDefault)
	}
	_ = h.r.ToggleDefaultSite(ctx, "x.com")
	lists, _ = h.r.Lists(ctx)
	if len(lists.DisabledDefault) != 0 {
		t.Errorf("expected x.com enabled again, got %v", lists.DisabledDefault)
	}
}

func TestRecordBlockAttemptAndStats(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.r.RecordBlockAttempt(ctx, "y.com")

	summary := h.r.Stats(ctx, 5)
	if summary.BlockedAttempts != 1 || len(summary.TopSites) != 1 || summary.TopSites[0].Site != "y.com" {
		t.Errorf("unexpected summary %+v", summary)
	}
	if summary.TimeSavedText != "5m" {
		t.Errorf("time saved = %q", summary.TimeSavedText)
	}
}

func TestOperationsAfterStopReturnErrStopped(t *testing.T) {
	kv := store.NewMemory()
	r := New(Options{Store: kv, Engine: rules.NewTable(0), Log: slog.New(slog.NewTextHandler(io.Discard, nil))})
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
	<-r.Done()

	if err := r.AddCustomSite(context.Background(), "a.com"); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestReloadPicksUpExternalEdits(t *testing.T) {
	h := newHarness(t, harnessOptions{defaults: []string{"x.com"}})
	ctx := context.Background()

	other := New(Options{Defaults: []string{"x.com"}, Store: h.kv, Engine: rules.NewTable(0), Log: slog.New(slog.NewTextHandler(io.Discard, nil))})
	otherCtx, cancel := context.WithCancel(ctx)
	if err := other.Start(otherCtx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	_ = other.AddCustomSite(ctx, "a.com")
	_ = other.SetStudyMode(ctx, true)
	_ = other.Settle(ctx)
	cancel()
	<-other.Done()

	if err := h.r.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	h.settle(t)

	if diff := cmp.Diff([]string{"a.com", "x.com"}, h.r.EffectiveSites()); diff != "" {
		t.Errorf("effective set mismatch (-want +got):\n%s", diff)
	}
	if got := len(h.patterns(t)); got != 6 {
		t.Errorf("expected 6 rules after reload, got %d", got)
	}
}
