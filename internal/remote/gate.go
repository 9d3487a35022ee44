package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultProbeAttempts is the reachability retry budget.
	DefaultProbeAttempts = 30

	// DefaultProbeTimeout bounds each reachability attempt.
	DefaultProbeTimeout = time.Second

	// ProbeCommand is the trivial command used to test the channel.
	ProbeCommand = "ls"
)

// ErrUnreachable is returned when the gate's attempt budget is exhausted.
var ErrUnreachable = errors.New("could not reach guest")

// Runner is the part of Executor the gate needs.
type Runner interface {
	Execute(ctx context.Context, addr, command string, timeout time.Duration, tunnels ...Tunnel) (Result, error)
}

// Gate waits until a guest accepts remote commands.
//
// Each attempt runs ProbeCommand with Timeout. An attempt that fails sooner
// than Timeout is padded to the full window before the next one starts, so
// the budget always covers Attempts × Timeout of wall time.
type Gate struct {
	Attempts int
	Timeout  time.Duration
	Log      logrus.FieldLogger

	// OnAttempt, if set, is called after every attempt.
	OnAttempt func(attempt int, err error)

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGate returns a gate with the default budget.
func NewGate(log logrus.FieldLogger) *Gate {
	return &Gate{
		Attempts: DefaultProbeAttempts,
		Timeout:  DefaultProbeTimeout,
		Log:      log,
	}
}

// Wait probes addr until a command succeeds. It returns the number of
// attempts made. Once the budget is spent the error wraps ErrUnreachable
// and the last probe error.
func (g *Gate) Wait(ctx context.Context, r Runner, addr string) (int, error) {
	attempts := g.Attempts
	if attempts <= 0 {
		attempts = DefaultProbeAttempts
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	log := g.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := g.now
	if now == nil {
		now = time.Now
	}
	sleep := g.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	log = log.WithField("address", addr)
	log.Infof("Testing remote command channel (%d attempts, %v each)", attempts, timeout)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := now()
		_, err := r.Execute(ctx, addr, ProbeCommand, timeout)
		if g.OnAttempt != nil {
			g.OnAttempt(attempt, err)
		}
		if err == nil {
			log.WithField("attempt", attempt).Info("Guest accepts remote commands")
			return attempt, nil
		}
		lastErr = err
		log.WithField("attempt", attempt).Debugf("probe failed: %v", err)

		if attempt == attempts {
			break
		}
		if remaining := timeout - now().Sub(start); remaining > 0 {
			if err := sleep(ctx, remaining); err != nil {
				return attempt, fmt.Errorf("%w: %v", ErrUnreachable, err)
			}
		}
	}

	return attempts, fmt.Errorf("%w at %s after %d attempts: %v", ErrUnreachable, addr, attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
