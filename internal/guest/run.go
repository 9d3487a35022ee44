package guest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/tailor/internal/inventory"
	"github.com/jbweber/tailor/internal/status"
)

// Action selects the workflow a transaction runs inside its envelope.
type Action string

const (
	// ActionGenAndMod customizes the guest, then collects its inventory.
	ActionGenAndMod Action = "gen_and_mod"
	// ActionGenOnly only collects the inventory.
	ActionGenOnly Action = "gen_only"
	// ActionModOnly only customizes the guest.
	ActionModOnly Action = "mod_only"
)

// ErrInvalidAction is returned for an unknown Action value.
var ErrInvalidAction = errors.New("invalid action")

// Validate checks that a is a known action.
func (a Action) Validate() error {
	switch a {
	case ActionGenAndMod, ActionGenOnly, ActionModOnly:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidAction, string(a))
}

func (a Action) customizes() bool { return a == ActionGenAndMod || a == ActionModOnly }

func (a Action) collects() bool { return a == ActionGenAndMod || a == ActionGenOnly }

// Run performs one transaction: setup, boot, the action's workflow,
// shutdown and teardown. Teardown runs whenever setup succeeded, whatever
// happened in between. The artifact is nil for ActionModOnly.
func (g *Guest) Run(ctx context.Context, action Action) (art *inventory.Artifact, err error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}

	started := time.Now()
	log := g.log.WithField("action", action)
	defer func() {
		if g.metrics != nil {
			g.metrics.ObserveTransaction(string(action), started, err)
		}
		if err != nil {
			entry := log.WithError(err)
			if phase, ok := failedIn(g.status.History()); ok {
				entry = entry.WithFields(logrus.Fields{"phase": phase, "guest_running": status.IsGuestRunning(phase)})
			}
			entry.Errorf("Transaction failed after %v", elapsed(started))
		} else {
			log.Infof("Transaction finished in %v", elapsed(started))
		}
		log.Debugf("Phases: %v", g.status.Phases())
	}()

	if action == ActionModOnly && g.cfg.Customize.IsEmpty() {
		log.Info("No additional packages, files, or commands to install, skipping")
		if err := os.RemoveAll(g.workDir); err != nil {
			log.Warnf("failed to remove work directory: %v", err)
		}
		g.enter(status.PhaseTornDown, "nothing to do")
		return nil, nil
	}

	if err := g.RunSetup(ctx); err != nil {
		if !g.setupDone {
			// Setup unwound itself; only the work directory is left.
			if rerr := os.RemoveAll(g.workDir); rerr != nil {
				log.Warnf("failed to remove work directory: %v", rerr)
			}
			g.enter(status.PhaseTornDown, "setup unwound")
		}
		return nil, err
	}

	var result *multierror.Error

	art, actErr := g.boot(ctx, action)
	if actErr != nil {
		result = multierror.Append(result, actErr)
	}

	if terr := g.RunTeardown(ctx); terr != nil {
		result = multierror.Append(result, fmt.Errorf("teardown failed: %w", terr))
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return art, nil
}

// boot runs the part of the transaction during which the guest is up. The
// guest is shut down whenever it was started.
func (g *Guest) boot(ctx context.Context, action Action) (*inventory.Artifact, error) {
	var result *multierror.Error

	b, err := g.BootAndWait(ctx)
	var art *inventory.Artifact
	if err == nil {
		art, err = g.act(ctx, action, b.Address)
	}
	if err != nil {
		result = multierror.Append(result, err)
	}

	if b.Started {
		if serr := g.Shutdown(ctx, b.Address, b.Domain); serr != nil {
			result = multierror.Append(result, serr)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return art, nil
}

// act runs the action's workflow against a reachable guest.
func (g *Guest) act(ctx context.Context, action Action, addr string) (*inventory.Artifact, error) {
	if action.customizes() {
		if err := g.Customize(ctx, addr); err != nil {
			return nil, err
		}
	}
	if !action.collects() {
		return nil, nil
	}
	return g.CollectInventory(ctx, addr)
}

// failedIn returns the phase the first recorded failure interrupted.
func failedIn(history []status.Transition) (status.Phase, bool) {
	for _, t := range history {
		if t.To == status.PhaseFailed {
			return t.From, true
		}
	}
	return "", false
}

func elapsed(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
