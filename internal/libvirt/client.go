package libvirt

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

const (
	// DefaultSocket is the qemu:///system daemon socket.
	DefaultSocket = "/var/run/libvirt/libvirt-sock"
	// DefaultTimeout bounds the socket dial.
	DefaultTimeout = 5 * time.Second
)

// Client holds a go-libvirt connection to the local daemon.
type Client struct {
	libvirt *libvirt.Libvirt
	socket  string
}

// Connect dials the local libvirt daemon over its Unix socket.
// Empty socketPath and zero timeout fall back to DefaultSocket and DefaultTimeout.
// The returned Client must be closed via Close().
func Connect(socketPath string, timeout time.Duration) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	dialer := dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(timeout),
	)

	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt at %s: %w", socketPath, err)
	}

	return &Client{libvirt: l, socket: socketPath}, nil
}

// ConnectWithContext is Connect that gives up when ctx is done.
func ConnectWithContext(ctx context.Context, socketPath string, timeout time.Duration) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("connection cancelled: %w", err)
	}

	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		c, err := Connect(socketPath, timeout)
		resultCh <- result{client: c, err: err}
	}()

	select {
	case <-ctx.Done():
		// A connection that completes late is closed by the goroutine's receiver.
		go func() {
			if res := <-resultCh; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close disconnects from libvirt. Calling it again is a no-op.
func (c *Client) Close() error {
	if c.libvirt == nil {
		return nil
	}

	l := c.libvirt
	c.libvirt = nil
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}

	return nil
}

// Libvirt returns the underlying go-libvirt client. It satisfies the
// consumer-side interfaces declared in internal/guest and internal/storage.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// Socket returns the socket path the client dialed.
func (c *Client) Socket() string {
	return c.socket
}

// Ping checks the connection by asking the daemon for its version.
func (c *Client) Ping() (uint64, error) {
	if c.libvirt == nil {
		return 0, fmt.Errorf("client not connected")
	}

	version, err := c.libvirt.ConnectGetLibVersion()
	if err != nil {
		return 0, fmt.Errorf("libvirt connection is dead: %w", err)
	}

	return version, nil
}

// FormatVersion renders a libvirt version number (major*1e6 + minor*1e3 + micro).
func FormatVersion(v uint64) string {
	return fmt.Sprintf("%d.%d.%d", v/1000000, (v/1000)%1000, v%1000)
}
