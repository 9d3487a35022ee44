package guest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/tailor/internal/naming"
	"github.com/jbweber/tailor/internal/status"
)

var (
	// ErrNoAddress means the guest did not announce an address within the
	// boot timeout.
	ErrNoAddress = errors.New("guest did not report an address")

	// ErrGuestDied means the domain stopped while it was expected to run.
	ErrGuestDied = errors.New("guest stopped unexpectedly")
)

// announcement matches "!<ipv4>,<uuid>!" as written by the guest's announce job.
var announcement = regexp.MustCompile(`!([0-9.]{7,15}),([0-9A-Fa-f-]{36})!`)

// announceBufferSize bounds how much serial output is kept between reads.
const announceBufferSize = 4096

// Boot is a started guest. Domain is valid whenever Started is true, even if
// BootAndWait failed afterwards, and must then be shut down.
type Boot struct {
	Domain  libvirt.Domain
	Started bool
	Address string
}

// FreePort returns a TCP port on host that is free right now.
func FreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port on %s: %w", host, err)
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// BootAndWait starts the transient domain, waits for its address
// announcement and then for the remote command channel.
func (g *Guest) BootAndWait(ctx context.Context) (Boot, error) {
	var boot Boot

	g.enter(status.PhaseBooting, "starting transient domain")
	g.log.Info("Booting guest")

	dom, err := g.lv.DomainCreateXML(g.desc.XML, 0)
	if err != nil {
		err = fmt.Errorf("failed to start domain %s: %w", g.desc.Name, err)
		g.status.Fail(err)
		return boot, err
	}
	boot.Domain = dom
	boot.Started = true

	addr, err := g.waitForAddress(ctx, dom)
	if err != nil {
		g.status.Fail(err)
		return boot, err
	}
	boot.Address = addr
	g.enter(status.PhaseAwaitingReachable, "address "+addr)

	if _, err := g.gate.Wait(ctx, g.remote, addr); err != nil {
		g.status.Fail(err)
		return boot, err
	}
	g.enter(status.PhaseReady, "remote channel up")

	return boot, nil
}

// waitForAddress reads the announcement serial socket until the guest
// reports an address tagged with this transaction's UUID. The domain is
// checked once per poll interval; if it stops, waiting ends.
func (g *Guest) waitForAddress(ctx context.Context, dom libvirt.Domain) (string, error) {
	timeout := g.cfg.Timeouts.Boot
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := g.log.WithField("serial", g.desc.AnnounceAddr)
	log.Infof("Waiting up to %v for guest to announce its address", timeout)

	var (
		conn net.Conn
		buf  []byte
	)
	defer func() {
		if conn != nil {
			_ = conn.Close()
		}
	}()

	chunk := make([]byte, 512)
	for {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w within %v", ErrNoAddress, timeout)
		}
		if err := g.checkRunning(dom); err != nil {
			return "", err
		}

		if conn == nil {
			c, err := g.dial(ctx, "tcp", g.desc.AnnounceAddr)
			if err != nil {
				log.Debugf("serial socket not ready: %v", err)
				_ = g.sleep(ctx, g.pollInterval)
				continue
			}
			conn = c
		}

		_ = conn.SetReadDeadline(time.Now().Add(g.pollInterval))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if addr, ok := g.matchAnnouncement(buf); ok {
				log.WithField("address", addr).Info("Guest announced its address")
				return addr, nil
			}
			if len(buf) > announceBufferSize {
				buf = buf[len(buf)-announceBufferSize:]
			}
		}

		var netErr net.Error
		switch {
		case err == nil:
		case errors.As(err, &netErr) && netErr.Timeout():
		default:
			// The socket closed; qemu may still be starting. Reconnect.
			_ = conn.Close()
			conn = nil
			_ = g.sleep(ctx, g.pollInterval)
		}
	}
}

// matchAnnouncement returns the first well-formed address in buf that carries
// this guest's UUID.
func (g *Guest) matchAnnouncement(buf []byte) (string, bool) {
	for _, m := range announcement.FindAllSubmatch(buf, -1) {
		ip, tag := string(m[1]), string(m[2])
		if !strings.EqualFold(tag, g.desc.UUID) {
			g.log.Debugf("ignoring announcement for %s", tag)
			continue
		}
		addr, err := naming.ParseIPv4(ip)
		if err != nil {
			g.log.Debugf("ignoring malformed announcement %q: %v", m[0], err)
			continue
		}
		return addr, true
	}
	return "", false
}

// checkRunning fails with ErrGuestDied when the domain is gone, shut off or
// crashed.
func (g *Guest) checkRunning(dom libvirt.Domain) error {
	state, _, err := g.lv.DomainGetState(dom, 0)
	if err != nil {
		if libvirt.IsNotFound(err) {
			return fmt.Errorf("%w: domain %s no longer exists", ErrGuestDied, g.desc.Name)
		}
		return fmt.Errorf("failed to get domain state: %w", err)
	}

	switch libvirt.DomainState(state) {
	case libvirt.DomainShutoff, libvirt.DomainCrashed:
		return fmt.Errorf("%w: domain %s is in state %s", ErrGuestDied, g.desc.Name, stateName(state))
	}
	return nil
}

func stateName(state int32) string {
	switch libvirt.DomainState(state) {
	case libvirt.DomainRunning:
		return "running"
	case libvirt.DomainBlocked:
		return "blocked"
	case libvirt.DomainPaused:
		return "paused"
	case libvirt.DomainShutdown:
		return "shutting down"
	case libvirt.DomainShutoff:
		return "shut off"
	case libvirt.DomainCrashed:
		return "crashed"
	default:
		return strconv.Itoa(int(state))
	}
}
