package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultTimeout bounds a remote command when the caller gives none.
	DefaultTimeout = 10 * time.Second

	// DefaultUser is the guest account commands run as.
	DefaultUser = "root"

	// DefaultPort is the guest's SSH port.
	DefaultPort = 22
)

var (
	// ErrTimeout is returned when a remote call exceeds its timeout.
	ErrTimeout = errors.New("remote command timed out")

	// ErrNotConnected means no channel was established, so nothing was sent.
	ErrNotConnected = errors.New("remote channel not established")
)

// Result is the captured output of a remote command.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// ExitError reports a remote command that ran but exited non-zero.
type ExitError struct {
	Command    string
	ExitStatus int
	Stdout     string
	Stderr     string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command %q exited with status %d: %s", e.Command, e.ExitStatus, strings.TrimSpace(e.Stderr))
}

// Tunnel forwards connections made to RemotePort on the guest's loopback
// interface back to LocalAddr on the host (ssh -R).
type Tunnel struct {
	RemotePort int
	LocalAddr  string
}

// Options configures an Executor.
type Options struct {
	// KeyPath is the private key file. It is read on every call so that a
	// key regenerated during setup is picked up.
	KeyPath string
	User    string
	Port    int
	Log     logrus.FieldLogger
}

// Executor runs commands on guests over SSH.
type Executor struct {
	keyPath string
	user    string
	port    int
	log     logrus.FieldLogger

	dialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewExecutor returns an Executor. User and Port default to root and 22.
func NewExecutor(opts Options) *Executor {
	if opts.User == "" {
		opts.User = DefaultUser
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	var d net.Dialer
	return &Executor{
		keyPath:     opts.KeyPath,
		user:        opts.User,
		port:        opts.Port,
		log:         opts.Log,
		dialContext: d.DialContext,
	}
}

// connect opens an authenticated client to addr. The connection deadline is
// bound to ctx.
func (e *Executor) connect(ctx context.Context, addr string) (*ssh.Client, error) {
	signer, err := LoadSigner(e.keyPath)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            e.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // guest host keys are regenerated on every boot
	}
	if deadline, ok := ctx.Deadline(); ok {
		config.Timeout = time.Until(deadline)
	}

	target := net.JoinHostPort(addr, strconv.Itoa(e.port))
	conn, err := e.dialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", target, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, target, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", target, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Execute runs command on the guest at addr. A zero timeout means DefaultTimeout.
// A non-zero exit status is returned as *ExitError along with the Result.
func (e *Executor) Execute(ctx context.Context, addr, command string, timeout time.Duration, tunnels ...Tunnel) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := e.log.WithFields(logrus.Fields{"address": addr, "timeout": timeout})
	log.Debugf("executing %q", command)

	client, err := e.connect(ctx, addr)
	if err != nil {
		return Result{}, e.classify(ctx, fmt.Errorf("%w: %w", ErrNotConnected, err))
	}
	defer func() { _ = client.Close() }()

	stopTunnels, err := e.openTunnels(client, tunnels)
	if err != nil {
		return Result{}, err
	}
	defer stopTunnels()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, e.classify(ctx, fmt.Errorf("unable to create SSH session: %w", err))
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = waitContext(ctx, client, func() error { return session.Run(command) })
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitStatus = exitErr.ExitStatus()
		return res, &ExitError{
			Command:    command,
			ExitStatus: res.ExitStatus,
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
		}
	default:
		return res, e.classify(ctx, fmt.Errorf("remote command %q failed: %w", command, err))
	}
}

// classify reports errors caused by the deadline as ErrTimeout.
func (e *Executor) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// waitContext runs fn and closes client if ctx ends first, which unblocks fn.
func waitContext(ctx context.Context, client io.Closer, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = client.Close()
		<-done
		return ctx.Err()
	}
}

// openTunnels starts reverse forwards and returns a function that stops them.
func (e *Executor) openTunnels(client *ssh.Client, tunnels []Tunnel) (func(), error) {
	var (
		listeners []net.Listener
		wg        sync.WaitGroup
	)
	stop := func() {
		for _, l := range listeners {
			_ = l.Close()
		}
		wg.Wait()
	}

	for _, t := range tunnels {
		l, err := client.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(t.RemotePort)))
		if err != nil {
			stop()
			return nil, fmt.Errorf("failed to open tunnel from guest port %d to %s: %w", t.RemotePort, t.LocalAddr, err)
		}
		listeners = append(listeners, l)

		wg.Add(1)
		go func(l net.Listener, local string) {
			defer wg.Done()
			for {
				remoteConn, err := l.Accept()
				if err != nil {
					return
				}
				go e.forward(remoteConn, local)
			}
		}(l, t.LocalAddr)
	}

	return stop, nil
}

func (e *Executor) forward(remoteConn net.Conn, local string) {
	defer func() { _ = remoteConn.Close() }()

	localConn, err := net.Dial("tcp", local)
	if err != nil {
		e.log.WithError(err).Warnf("tunnel to %s failed", local)
		return
	}
	defer func() { _ = localConn.Close() }()

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(localConn, remoteConn); done <- struct{}{} }()
	go func() { _, _ = io.Copy(remoteConn, localConn); done <- struct{}{} }()
	<-done
}
