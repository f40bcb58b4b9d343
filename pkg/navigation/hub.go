// Package navigation dispatches browser navigation events to registered
// listeners, the imperative counterpart of declarative rules.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Kind names a navigation lifecycle event.
type Kind string

const (
	BeforeNavigate Kind = "beforeNavigate"
	Committed      Kind = "committed"
)

// Event describes one navigation. FrameID 0 is the top-level frame.
type Event struct {
	Kind    Kind   `json:"kind"`
	TabID   int    `json:"tabId"`
	FrameID int    `json:"frameId"`
	URL     string `json:"url"`
	Client  string `json:"client,omitempty"`
}

// Listener handles an event and returns a URL to redirect to, or "".
type Listener func(ctx context.Context, ev Event) string

// ListenerID identifies a registration.
type ListenerID int

// Navigator is the host API for navigation listeners.
type Navigator interface {
	AddListener(kind Kind, fn Listener) (ListenerID, error)
	RemoveListener(id ListenerID) error
}

// ErrUnknownListener is returned when removing an ID that is not registered.
var ErrUnknownListener = errors.New("unknown listener")

type registration struct {
	kind Kind
	fn   Listener
}

// Hub is an in-process Navigator.
type Hub struct {
	mu        sync.RWMutex
	next      ListenerID
	listeners map[ListenerID]registration
	log       *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{listeners: make(map[ListenerID]registration), log: log}
}

func (h *Hub) AddListener(kind Kind, fn Listener) (ListenerID, error) {
	if kind != BeforeNavigate && kind != Committed {
		return 0, fmt.Errorf("unsupported navigation event %q", kind)
	}
	if fn == nil {
		return 0, errors.New("nil listener")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.listeners[h.next] = registration{kind: kind, fn: fn}
	h.log.Debug("navigation listener added", "kind", kind, "id", h.next)
	return h.next, nil
}

func (h *Hub) RemoveListener(id ListenerID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.listeners[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownListener, id)
	}
	delete(h.listeners, id)
	h.log.Debug("navigation listener removed", "id", id)
	return nil
}

// Len returns the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Dispatch delivers ev to the listeners registered for ev.Kind in
// registration order and returns the first redirect requested.
func (h *Hub) Dispatch(ctx context.Context, ev Event) string {
	h.mu.RLock()
	ids := make([]ListenerID, 0, len(h.listeners))
	for id, reg := range h.listeners {
		if reg.kind == ev.Kind {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Listener, len(ids))
	for i, id := range ids {
		fns[i] = h.listeners[id].fn
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		if redirect := fn(ctx, ev); redirect != "" {
			return redirect
		}
	}
	return ""
}
