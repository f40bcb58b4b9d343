// Package reconciler keeps installed redirect rules and navigation listeners
// consistent with the study-mode block list.
//
// A single actor goroutine owns the block list configuration and the table of
// installed rule IDs. Mutators are messages to the actor. Rule resyncs run on
// a worker with at most one in flight; requests that arrive meanwhile are
// coalesced into one follow-up resync that reads the configuration current
// when it starts.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"marshal/pkg/blocklist"
	"marshal/pkg/navigation"
	"marshal/pkg/rules"
	"marshal/pkg/store"
	"marshal/pkg/telemetry"
)

const (
	DefaultRuleIDBase = 1000
	DefaultRuleIDSpan = 100000
)

// ErrStopped is returned by operations issued after the actor exited.
var ErrStopped = errors.New("reconciler stopped")

// Options configures a Reconciler.
type Options struct {
	Defaults    []string
	Store       store.KV
	Engine      rules.Engine
	Navigator   navigation.Navigator
	Telemetry   *telemetry.Recorder
	RedirectURL string
	RuleIDBase  int
	RuleIDSpan  int
	Log         *slog.Logger
}

// Reconciler is the block-rule reconciler.
type Reconciler struct {
	kv          store.KV
	engine      rules.Engine
	nav         navigation.Navigator
	telemetry   *telemetry.Recorder
	redirectURL string
	ids         *rules.IDRange
	defaults    []string
	log         *slog.Logger

	cmds        chan command
	results     chan resyncResult
	done        chan struct{}
	matcher     atomic.Pointer[blocklist.Matcher]
	status      atomic.Pointer[Status]
	declarative atomic.Bool
	observing   bool
}

type command func(st *actorState)

// actorState is only touched by the actor goroutine.
type actorState struct {
	cfg       *blocklist.Config
	installed map[int]struct{}
	listeners map[navigation.Kind]navigation.ListenerID
	inFlight  bool
	pending   bool
	waiters   []chan struct{}
	lastErr   string
}

// New creates a Reconciler. Call Start before using it.
func New(opts Options) *Reconciler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	base, span := opts.RuleIDBase, opts.RuleIDSpan
	if base <= 0 {
		base = DefaultRuleIDBase
	}
	if span <= 0 {
		span = DefaultRuleIDSpan
	}
	r := &Reconciler{
		kv:          opts.Store,
		engine:      opts.Engine,
		nav:         opts.Navigator,
		telemetry:   opts.Telemetry,
		redirectURL: opts.RedirectURL,
		ids:         rules.NewIDRange(base, span),
		defaults:    opts.Defaults,
		log:         log,
		cmds:        make(chan command),
		results:     make(chan resyncResult),
		done:        make(chan struct{}),
	}
	r.matcher.Store(blocklist.NewMatcher(nil))
	r.status.Store(&Status{State: StateInactive})
	return r
}

// Start loads the persisted configuration, adopts rules left in the private
// ID range by a previous run, launches the actor and schedules an initial
// resync. The actor stops when ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) error {
	cfg := r.loadConfig(ctx)
	st := &actorState{
		cfg:       cfg,
		installed: r.adoptInstalled(ctx),
		listeners: make(map[navigation.Kind]navigation.ListenerID),
	}
	if observer, ok := r.engine.(rules.MatchObserver); ok && r.telemetry != nil {
		observer.OnRuleMatched(r.onRuleMatched)
		r.observing = true
	}
	r.publish(st)

	go r.run(ctx, st)
	return r.submit(ctx, func(st *actorState) { r.requestResync(ctx, st) })
}

// Done is closed once the actor has exited.
func (r *Reconciler) Done() <-chan struct{} {
	return r.done
}

func (r *Reconciler) run(ctx context.Context, st *actorState) {
	defer close(r.done)
	for {
		select {
		case cmd := <-r.cmds:
			cmd(st)
		case res := <-r.results:
			r.finishResync(ctx, st, res)
		case <-ctx.Done():
			if st.inFlight {
				res := <-r.results
				r.applyResult(st, res)
			}
			for _, w := range st.waiters {
				close(w)
			}
			return
		}
	}
}

// submit runs fn on the actor and waits for it to return.
func (r *Reconciler) submit(ctx context.Context, fn command) error {
	reply := make(chan struct{})
	cmd := func(st *actorState) {
		defer close(reply)
		fn(st)
	}
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-reply
	return nil
}

// publish refreshes the lock-free views read by ShouldBlock and Status.
func (r *Reconciler) publish(st *actorState) {
	matcher := blocklist.NewMatcher(st.cfg)
	r.matcher.Store(matcher)

	status := &Status{
		State:     StateInactive,
		Sites:     len(matcher.Sites()),
		Rules:     len(st.installed),
		Listeners: len(st.listeners),
		Resyncing: st.inFlight || st.pending,
		LastError: st.lastErr,
	}
	if st.cfg.StudyModeActive {
		status.State = StateActiveEmpty
		if status.Sites > 0 {
			status.State = StateActiveEnforcing
		}
	}
	status.Declarative = status.State == StateActiveEnforcing && st.lastErr == "" && status.Rules > 0
	status.Fallback = status.State == StateActiveEnforcing && len(st.listeners) > 0
	r.declarative.Store(status.Declarative && r.observing)
	r.status.Store(status)
}
