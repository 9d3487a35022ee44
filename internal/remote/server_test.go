package remote

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// commandFunc handles one exec request on the test server and returns the
// exit status.
type commandFunc func(s *testServer, conn *ssh.ServerConn, ch ssh.Channel) uint32

// testServer is an in-process SSH server that dispatches exec requests to
// registered handlers instead of a shell.
type testServer struct {
	t        *testing.T
	listener net.Listener
	config   *ssh.ServerConfig

	mu       sync.Mutex
	commands map[string]commandFunc
	executed []string
	uploads  map[string][]byte
	modes    map[string]string
	forwards []uint32
}

// newTestServer starts a server that accepts the public half of keyPath.
func newTestServer(t *testing.T, keyPath string) *testServer {
	t.Helper()

	signer, err := LoadSigner(keyPath)
	require.NoError(t, err)
	authorized := signer.PublicKey().Marshal()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(authorized) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{
		t:        t,
		listener: l,
		config:   config,
		commands: make(map[string]commandFunc),
		uploads:  make(map[string][]byte),
		modes:    make(map[string]string),
	}
	go s.serve()
	t.Cleanup(func() { _ = l.Close() })
	return s
}

// port returns the listening port.
func (s *testServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *testServer) handle(command string, fn commandFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[command] = fn
}

func (s *testServer) executedCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

func (s *testServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *testServer) serveConn(nConn net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(nConn, s.config)
	if err != nil {
		_ = nConn.Close()
		return
	}
	go s.serveGlobal(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(conn, ch, requests)
	}
}

func (s *testServer) serveGlobal(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var payload struct {
				Addr string
				Port uint32
			}
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.forwards = append(s.forwards, payload.Port)
			s.mu.Unlock()
			_ = req.Reply(true, nil)
		case "cancel-tcpip-forward":
			_ = req.Reply(true, nil)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testServer) serveSession(conn *ssh.ServerConn, ch ssh.Channel, requests <-chan *ssh.Request) {
	defer func() { _ = ch.Close() }()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			_ = req.Reply(false, nil)
			return
		}
		_ = req.Reply(true, nil)

		s.mu.Lock()
		s.executed = append(s.executed, payload.Command)
		fn, ok := s.commands[payload.Command]
		s.mu.Unlock()

		var status uint32
		switch {
		case ok:
			status = fn(s, conn, ch)
		case strings.HasPrefix(payload.Command, "scp -t "):
			status = s.scpSink(ch, payload.Command)
		default:
			_, _ = fmt.Fprintf(ch.Stderr(), "sh: %s: command not found\n", payload.Command)
			status = 127
		}

		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
		return
	}
}

// scpSink receives one file in scp sink mode and stores it under its
// destination path.
func (s *testServer) scpSink(ch ssh.Channel, command string) uint32 {
	dest := strings.Trim(strings.TrimPrefix(command, "scp -t "), "'")
	r := bufio.NewReader(ch)

	_, _ = ch.Write([]byte{0})
	header, err := r.ReadString('\n')
	if err != nil {
		return 1
	}
	fields := strings.SplitN(strings.TrimSpace(header), " ", 3)
	if len(fields) != 3 || !strings.HasPrefix(fields[0], "C") {
		_, _ = ch.Write([]byte("\x02bad header\n"))
		return 1
	}
	if fields[2] != filepath.Base(dest) {
		_, _ = ch.Write([]byte("\x02name mismatch\n"))
		return 1
	}
	size, err := strconv.Atoi(fields[1])
	if err != nil {
		return 1
	}
	_, _ = ch.Write([]byte{0})

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return 1
	}
	if b, err := r.ReadByte(); err != nil || b != 0 {
		return 1
	}
	_, _ = ch.Write([]byte{0})

	// Like scp -t, keep reading until the source closes its side.
	if _, err := io.Copy(io.Discard, r); err != nil {
		return 1
	}

	s.mu.Lock()
	s.uploads[dest] = data
	s.modes[dest] = strings.TrimPrefix(fields[0], "C")
	s.mu.Unlock()
	return 0
}

// openForward connects back to the client through a forwarded port as if a
// guest process had connected to it.
func openForward(conn *ssh.ServerConn, port uint32) (ssh.Channel, error) {
	payload := ssh.Marshal(struct {
		Addr       string
		Port       uint32
		OriginAddr string
		OriginPort uint32
	}{"127.0.0.1", port, "127.0.0.1", 40000})

	ch, reqs, err := conn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}
