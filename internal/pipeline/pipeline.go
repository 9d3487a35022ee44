// Package pipeline runs an ordered list of reversible stages.
//
// Setup applies stages in order. When stage k fails, the undo of stage k runs,
// then the undos of stages k-1..1, and the original error is returned.
// Teardown runs every undo in reverse order regardless of how setup went,
// continuing past failures and reporting all of them. Stages flagged
// Irreversible are logged as a warning whenever they are undone.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// ErrSetupAlreadyRan is returned when Setup is called twice on one pipeline.
var ErrSetupAlreadyRan = errors.New("setup already ran for this pipeline")

// Op names a stage operation for observers.
type Op string

const (
	OpApply Op = "apply"
	OpUndo  Op = "undo"
)

// Stage is one reversible unit of work. E is the environment handed to each
// pass, typically an open guest filesystem handle.
type Stage[E any] struct {
	// ID identifies the stage in logs and errors.
	ID string

	// Apply performs the change. A nil Apply marks an undo-only stage, which
	// Setup skips and which is not part of a setup unwind.
	Apply func(ctx context.Context, env E) error

	// Undo reverts the change. It must tolerate Apply never having run or
	// having stopped partway.
	Undo func(ctx context.Context, env E) error

	// Irreversible marks a stage whose effects Undo cannot fully remove.
	Irreversible bool
}

// Observer is notified after every stage operation.
type Observer func(stage string, op Op, err error)

// StageError ties an error to the stage that produced it.
type StageError struct {
	Stage string
	Op    Op
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s %s failed: %v", e.Stage, e.Op, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// SetupError is returned by Setup when a stage fails to apply. It unwraps to
// the original apply error.
type SetupError struct {
	// Stage is the ID of the stage whose apply failed.
	Stage string
	// Err is the apply error.
	Err error
	// UnwindErrs holds undo failures hit while unwinding.
	UnwindErrs []error
}

func (e *SetupError) Error() string {
	msg := fmt.Sprintf("setup failed at stage %s: %v", e.Stage, e.Err)
	if len(e.UnwindErrs) > 0 {
		msg += fmt.Sprintf(" (%d undo failures during unwind)", len(e.UnwindErrs))
	}
	return msg
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Options configures a Pipeline.
type Options struct {
	Log      logrus.FieldLogger
	Observer Observer
}

// Pipeline is an ordered set of stages bound to one transaction.
type Pipeline[E any] struct {
	stages   []Stage[E]
	log      logrus.FieldLogger
	observer Observer

	mu       sync.Mutex
	setupRan bool
}

// New creates a pipeline. Stage IDs must be unique and every stage needs an Undo.
func New[E any](stages []Stage[E], opts Options) (*Pipeline[E], error) {
	seen := make(map[string]bool, len(stages))
	for i, st := range stages {
		if st.ID == "" {
			return nil, fmt.Errorf("stage %d has no ID", i)
		}
		if seen[st.ID] {
			return nil, fmt.Errorf("duplicate stage ID %q", st.ID)
		}
		seen[st.ID] = true
		if st.Undo == nil {
			return nil, fmt.Errorf("stage %q has no undo", st.ID)
		}
	}

	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Pipeline[E]{
		stages:   append([]Stage[E](nil), stages...),
		log:      log,
		observer: opts.Observer,
	}, nil
}

// Stages returns the IDs of the stages in apply order.
func (p *Pipeline[E]) Stages() []string {
	ids := make([]string, len(p.stages))
	for i, st := range p.stages {
		ids[i] = st.ID
	}
	return ids
}

// Irreversible returns the IDs of stages flagged as not fully revertible.
func (p *Pipeline[E]) Irreversible() []string {
	var ids []string
	for _, st := range p.stages {
		if st.Irreversible {
			ids = append(ids, st.ID)
		}
	}
	return ids
}

// Setup applies every stage in order. On failure the failing stage and all
// earlier stages are undone, in reverse, before a *SetupError is returned.
func (p *Pipeline[E]) Setup(ctx context.Context, env E) error {
	p.mu.Lock()
	if p.setupRan {
		p.mu.Unlock()
		return ErrSetupAlreadyRan
	}
	p.setupRan = true
	p.mu.Unlock()

	for i, st := range p.stages {
		if st.Apply == nil {
			continue
		}

		log := p.log.WithField("stage", st.ID)
		log.Infof("Step %d/%d: applying %s", i+1, len(p.stages), st.ID)

		err := st.Apply(ctx, env)
		p.notify(st.ID, OpApply, err)
		if err == nil {
			continue
		}

		log.WithError(err).Error("stage apply failed, unwinding")
		return &SetupError{
			Stage:      st.ID,
			Err:        err,
			UnwindErrs: p.unwind(ctx, env, i),
		}
	}

	return nil
}

// unwind undoes stages cursor..0, skipping undo-only stages.
func (p *Pipeline[E]) unwind(ctx context.Context, env E, cursor int) []error {
	var errs []error
	for i := cursor; i >= 0; i-- {
		st := p.stages[i]
		if st.Apply == nil {
			continue
		}
		p.warnIrreversible(st)
		if err := p.undo(ctx, env, st); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Teardown runs every stage's undo in reverse order. Failures do not stop
// the remaining undos; all of them are returned together.
func (p *Pipeline[E]) Teardown(ctx context.Context, env E) error {
	var result *multierror.Error
	for i := len(p.stages) - 1; i >= 0; i-- {
		st := p.stages[i]
		p.log.WithField("stage", st.ID).Infof("Teardown %d/%d: undoing %s", len(p.stages)-i, len(p.stages), st.ID)
		p.warnIrreversible(st)
		if err := p.undo(ctx, env, st); err != nil {
			p.log.WithField("stage", st.ID).WithError(err).Warn("stage undo failed, continuing teardown")
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (p *Pipeline[E]) warnIrreversible(st Stage[E]) {
	if st.Irreversible {
		p.log.WithField("stage", st.ID).Warn("stage cannot be fully reverted")
	}
}

func (p *Pipeline[E]) undo(ctx context.Context, env E, st Stage[E]) error {
	err := st.Undo(ctx, env)
	p.notify(st.ID, OpUndo, err)
	if err != nil {
		return &StageError{Stage: st.ID, Op: OpUndo, Err: err}
	}
	return nil
}

func (p *Pipeline[E]) notify(stage string, op Op, err error) {
	if p.observer != nil {
		p.observer(stage, op, err)
	}
}
