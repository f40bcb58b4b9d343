package reconciler

// State is the reconciler's position in the study-mode state machine.
type State string

const (
	StateInactive        State = "inactive"
	StateActiveEmpty     State = "active/empty"
	StateActiveEnforcing State = "active/enforcing"
)

// Status reports the state machine and which enforcement paths are engaged.
type Status struct {
	State       State  `json:"state" yaml:"state"`
	Sites       int    `json:"sites" yaml:"sites"`
	Rules       int    `json:"rules" yaml:"rules"`
	Listeners   int    `json:"listeners" yaml:"listeners"`
	Declarative bool   `json:"declarative" yaml:"declarative"`
	Fallback    bool   `json:"fallback" yaml:"fallback"`
	Resyncing   bool   `json:"resyncing" yaml:"resyncing"`
	LastError   string `json:"lastError,omitempty" yaml:"lastError,omitempty"`
}

// Enforced reports whether at least one blocking path is engaged.
func (s Status) Enforced() bool {
	return s.Declarative || s.Fallback
}

// Status returns the latest published status.
func (r *Reconciler) Status() Status {
	return *r.status.Load()
}
