package guest

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/tailor/internal/config"
	"github.com/jbweber/tailor/internal/debian"
	"github.com/jbweber/tailor/internal/guestfs"
	tailorlibvirt "github.com/jbweber/tailor/internal/libvirt"
	"github.com/jbweber/tailor/internal/metrics"
	"github.com/jbweber/tailor/internal/pipeline"
	"github.com/jbweber/tailor/internal/remote"
	"github.com/jbweber/tailor/internal/status"
)

// Options holds the dependencies of a Guest.
type Options struct {
	Config     *config.Config
	Descriptor *tailorlibvirt.Descriptor
	Libvirt    LibvirtClient
	Remote     RemoteClient
	OpenHandle HandleOpener
	// WorkDir is this transaction's scratch directory. It is removed at the
	// end of teardown.
	WorkDir string
	// Metrics is optional.
	Metrics *metrics.Metrics
	// GenerateKey overrides keypair generation in tests.
	GenerateKey func(path string) error
	Log         logrus.FieldLogger
}

// Guest is one customization transaction. It is not safe for concurrent use;
// independent guests each get their own Guest.
type Guest struct {
	cfg     *config.Config
	desc    *tailorlibvirt.Descriptor
	lv      LibvirtClient
	remote  RemoteClient
	open    HandleOpener
	workDir string
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	tx     *debian.Tx
	stages *pipeline.Pipeline[guestfs.Handle]
	status *status.Tracker
	gate   *remote.Gate

	setupDone bool

	// injected in tests
	dial         func(ctx context.Context, network, addr string) (net.Conn, error)
	sleep        func(ctx context.Context, d time.Duration) error
	pollInterval time.Duration
}

// New validates opts and builds the transaction's stage pipeline.
func New(opts Options) (*Guest, error) {
	switch {
	case opts.Config == nil:
		return nil, fmt.Errorf("config is required")
	case opts.Descriptor == nil:
		return nil, fmt.Errorf("descriptor is required")
	case opts.Libvirt == nil:
		return nil, fmt.Errorf("libvirt client is required")
	case opts.Remote == nil:
		return nil, fmt.Errorf("remote client is required")
	case opts.OpenHandle == nil:
		return nil, fmt.Errorf("handle opener is required")
	case opts.WorkDir == "":
		return nil, fmt.Errorf("work directory is required")
	}

	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("domain", opts.Descriptor.Name)

	tx, err := debian.NewTx(debian.Options{
		KeyPath:     opts.Config.SSH.PrivateKey,
		GuestUUID:   opts.Descriptor.UUID,
		WorkDir:     opts.WorkDir,
		GenerateKey: opts.GenerateKey,
		Log:         log,
	})
	if err != nil {
		return nil, err
	}

	g := &Guest{
		cfg:          opts.Config,
		desc:         opts.Descriptor,
		lv:           opts.Libvirt,
		remote:       opts.Remote,
		open:         opts.OpenHandle,
		workDir:      opts.WorkDir,
		metrics:      opts.Metrics,
		log:          log,
		tx:           tx,
		pollInterval: time.Second,
		sleep:        sleepContext,
	}

	var d net.Dialer
	g.dial = d.DialContext

	pipeOpts := pipeline.Options{Log: log}
	if g.metrics != nil {
		pipeOpts.Observer = g.metrics.StageObserver()
	}
	g.stages, err = tx.Pipeline(pipeOpts)
	if err != nil {
		return nil, err
	}

	g.status = status.NewTracker(func(t status.Transition) {
		log.WithFields(logrus.Fields{"from": t.From, "to": t.To}).Debug("phase changed")
	})

	g.gate = remote.NewGate(log)
	g.gate.Attempts = g.cfg.ProbeAttempts
	g.gate.Timeout = g.cfg.Timeouts.Probe
	if g.metrics != nil {
		g.gate.OnAttempt = g.metrics.ProbeObserver()
	}

	return g, nil
}

// Status returns the transaction's phase tracker.
func (g *Guest) Status() *status.Tracker {
	return g.status
}

// Ledger returns the backup ledger of the image stages.
func (g *Guest) Ledger() *guestfs.Ledger {
	return g.tx.Ledger()
}

// RunSetup opens the image and applies every stage. On failure the applied
// stages have already been unwound and teardown must not be run.
func (g *Guest) RunSetup(ctx context.Context) error {
	g.log.Info("Collection setup")

	h, err := g.open(ctx)
	if err != nil {
		err = fmt.Errorf("failed to open guest image: %w", err)
		g.status.Fail(err)
		return err
	}

	err = g.stages.Setup(ctx, h)
	closeErr := h.Close()

	if err != nil {
		if closeErr != nil {
			g.log.Warnf("failed to close guest image: %v", closeErr)
		}
		g.status.Fail(err)
		return err
	}
	g.setupDone = true

	if closeErr != nil {
		// Stages are applied but may not have reached the image; undo them.
		err = fmt.Errorf("failed to close guest image after setup: %w", closeErr)
		g.status.Fail(err)
		if terr := g.RunTeardown(ctx); terr != nil {
			return multierror.Append(err, terr)
		}
		return err
	}

	return nil
}

// RunTeardown opens the image, undoes every stage and removes the work
// directory. Every undo is attempted; their failures are aggregated. Running
// it again after a failure retries whatever is still recorded.
func (g *Guest) RunTeardown(ctx context.Context) error {
	g.log.Info("Collection teardown")

	var result *multierror.Error

	h, err := g.open(ctx)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to open guest image: %w", err))
	} else {
		if err := g.stages.Teardown(ctx, h); err != nil {
			result = multierror.Append(result, err)
		}
		if err := h.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to close guest image: %w", err))
		}
	}

	// The work directory is kept while backups are pending so a retry can
	// still find the key and scratch files.
	if pending := g.tx.Ledger().Pending(); len(pending) > 0 {
		result = multierror.Append(result, fmt.Errorf("%d guest paths still await restore: %v", len(pending), pending))
	} else if err := os.RemoveAll(g.workDir); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to remove work directory: %w", err))
	}

	if err := result.ErrorOrNil(); err != nil {
		g.status.Fail(err)
	}
	if !status.IsTerminal(g.status.Phase()) {
		g.enter(status.PhaseTornDown, "teardown finished")
	}
	return result.ErrorOrNil()
}

// enter moves the tracker to phase. An illegal move is a programming error;
// it is logged and the tracker is forced to Failed so it stays visible.
func (g *Guest) enter(phase status.Phase, reason string) {
	if err := g.status.To(phase, reason); err != nil {
		g.log.Errorf("lifecycle: %v", err)
		g.status.Fail(err)
	}
}

// sleepContext waits for d or until ctx is done.
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
