package guest

import (
	"context"
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/tailor/internal/remote"
	"github.com/jbweber/tailor/internal/status"
)

// ShutdownCommand asks the guest to power off.
const ShutdownCommand = "shutdown -h now"

// Shutdown stops the guest: gracefully through addr when there is one,
// waiting up to the shutdown timeout, then forcibly. A domain that is already
// gone when it is forced off counts as stopped.
func (g *Guest) Shutdown(ctx context.Context, addr string, dom libvirt.Domain) error {
	g.enter(status.PhaseShuttingDown, "stopping guest")
	log := g.log.WithField("address", addr)

	if addr != "" {
		log.Info("Shutting down guest")
		_, err := g.remote.Execute(ctx, addr, ShutdownCommand, g.cfg.Timeouts.Command)

		var exitErr *remote.ExitError
		switch {
		case errors.Is(err, remote.ErrNotConnected), errors.Is(err, remote.ErrTimeout), errors.As(err, &exitErr):
			log.Warnf("Failed shutting down guest, forcibly killing: %v", err)
		default:
			if err != nil {
				// The guest commonly drops the channel while powering off.
				log.Debugf("channel closed during shutdown: %v", err)
			}
			exited, werr := g.waitForExit(ctx, dom)
			if werr != nil {
				log.Warnf("Failed waiting for guest shutdown: %v", werr)
			}
			if exited {
				log.Info("Guest shut down")
				return nil
			}
			log.Warn("Guest did not shutdown in time, going to kill")
		}
	}

	return g.forceOff(dom)
}

// waitForExit polls the domain state once per interval until it is off or
// gone, or the shutdown timeout passes.
func (g *Guest) waitForExit(ctx context.Context, dom libvirt.Domain) (bool, error) {
	timeout := g.cfg.Timeouts.Shutdown
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g.log.Debugf("Waiting up to %v for guest to stop", timeout)
	for {
		state, _, err := g.lv.DomainGetState(dom, 0)
		switch {
		case err != nil && libvirt.IsNotFound(err):
			// transient domains vanish once they stop
			return true, nil
		case err != nil:
			return false, fmt.Errorf("failed to get domain state: %w", err)
		case libvirt.DomainState(state) == libvirt.DomainShutoff:
			return true, nil
		}

		if err := g.sleep(ctx, g.pollInterval); err != nil {
			return false, nil
		}
	}
}

// forceOff destroys the domain. If libvirt refuses because the domain already
// stopped, that is not an error.
func (g *Guest) forceOff(dom libvirt.Domain) error {
	g.log.Warn("Forcibly terminating guest")
	if g.metrics != nil {
		g.metrics.ForcedShutdowns.Inc()
	}

	err := g.lv.DomainDestroy(dom)
	if err == nil {
		return nil
	}
	if libvirt.IsNotFound(err) {
		g.log.Debug("guest already gone")
		return nil
	}

	running, lerr := g.isListed(dom)
	if lerr != nil {
		err = fmt.Errorf("failed to destroy domain %s: %w (listing domains also failed: %v)", g.desc.Name, err, lerr)
		g.status.Fail(err)
		return err
	}
	if !running {
		g.log.Debugf("destroy failed but guest is no longer running: %v", err)
		return nil
	}

	err = fmt.Errorf("failed to destroy domain %s: %w", g.desc.Name, err)
	g.status.Fail(err)
	return err
}

// isListed reports whether dom is among the active domains.
func (g *Guest) isListed(dom libvirt.Domain) (bool, error) {
	domains, _, err := g.lv.ConnectListAllDomains(1, libvirt.ConnectListDomainsActive)
	if err != nil {
		return false, err
	}
	for _, d := range domains {
		if d.UUID == dom.UUID {
			return true, nil
		}
	}
	return false, nil
}
