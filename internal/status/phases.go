// Package status tracks the lifecycle phase of a customization transaction
// and rejects transitions the lifecycle does not allow.
package status

import (
	"fmt"
	"sync"
	"time"
)

// Phase is a lifecycle state of one guest transaction.
type Phase string

const (
	PhaseIdle                Phase = "Idle"
	PhaseBooting             Phase = "Booting"
	PhaseAwaitingReachable   Phase = "AwaitingReachable"
	PhaseReady               Phase = "Ready"
	PhaseCustomizing         Phase = "Customizing"
	PhaseCollectingInventory Phase = "CollectingInventory"
	PhaseShuttingDown        Phase = "ShuttingDown"
	PhaseTornDown            Phase = "TornDown"
	PhaseFailed              Phase = "Failed"
)

// allowed lists the legal targets of each phase. Failed is reachable from
// every phase and is handled separately.
var allowed = map[Phase][]Phase{
	// Idle → TornDown is the short-circuit when there is nothing to do.
	PhaseIdle:                {PhaseBooting, PhaseTornDown},
	PhaseBooting:             {PhaseAwaitingReachable, PhaseShuttingDown},
	PhaseAwaitingReachable:   {PhaseReady, PhaseShuttingDown},
	PhaseReady:               {PhaseCustomizing, PhaseCollectingInventory, PhaseShuttingDown},
	PhaseCustomizing:         {PhaseCollectingInventory, PhaseShuttingDown},
	PhaseCollectingInventory: {PhaseShuttingDown},
	PhaseShuttingDown:        {PhaseTornDown},
	PhaseFailed:              {PhaseShuttingDown, PhaseTornDown},
	PhaseTornDown:            {},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to Phase) bool {
	if to == PhaseFailed {
		return true
	}
	for _, p := range allowed[from] {
		if p == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true once teardown has run.
func IsTerminal(phase Phase) bool {
	return phase == PhaseTornDown
}

// IsGuestRunning returns true for phases in which the guest may be booted.
func IsGuestRunning(phase Phase) bool {
	switch phase {
	case PhaseBooting, PhaseAwaitingReachable, PhaseReady, PhaseCustomizing, PhaseCollectingInventory, PhaseShuttingDown:
		return true
	default:
		return false
	}
}

// Transition is one recorded phase change.
type Transition struct {
	From   Phase
	To     Phase
	Reason string
	At     time.Time
}

// Tracker holds the current phase of a transaction and its history.
type Tracker struct {
	mu       sync.Mutex
	phase    Phase
	history  []Transition
	failure  error
	now      func() time.Time
	observer func(Transition)
}

// NewTracker returns a tracker in PhaseIdle. observer, if non-nil, is called
// after every transition.
func NewTracker(observer func(Transition)) *Tracker {
	return &Tracker{
		phase:    PhaseIdle,
		now:      time.Now,
		observer: observer,
	}
}

// Phase returns the current phase.
func (t *Tracker) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// To moves to phase, or returns an error and leaves the phase unchanged if
// the move is not allowed.
func (t *Tracker) To(phase Phase, reason string) error {
	t.mu.Lock()
	from := t.phase
	if !CanTransition(from, phase) {
		t.mu.Unlock()
		return fmt.Errorf("cannot transition to %s from phase %s", phase, from)
	}
	tr := t.record(phase, reason)
	t.mu.Unlock()

	t.notify(tr)
	return nil
}

// Fail moves to PhaseFailed from any phase. The first failure is kept.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	if t.failure == nil {
		t.failure = err
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	tr := t.record(PhaseFailed, reason)
	t.mu.Unlock()

	t.notify(tr)
}

// Err returns the first failure recorded with Fail.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure
}

// History returns a copy of all transitions so far.
func (t *Tracker) History() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transition(nil), t.history...)
}

// Phases returns the sequence of phases visited, starting with Idle.
func (t *Tracker) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	phases := []Phase{PhaseIdle}
	for _, tr := range t.history {
		phases = append(phases, tr.To)
	}
	return phases
}

// record must be called with t.mu held.
func (t *Tracker) record(phase Phase, reason string) Transition {
	tr := Transition{From: t.phase, To: phase, Reason: reason, At: t.now()}
	t.history = append(t.history, tr)
	t.phase = phase
	return tr
}

func (t *Tracker) notify(tr Transition) {
	if t.observer != nil {
		t.observer(tr)
	}
}
