package guest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/tailor/internal/remote"
)

// Libvirt domain states as returned by DomainGetState.
const (
	stateRunning = int32(libvirt.DomainRunning)
	stateShutoff = int32(libvirt.DomainShutoff)
	stateCrashed = int32(libvirt.DomainCrashed)
)

var errDomainGone = libvirt.Error{Code: uint32(libvirt.ErrNoDomain), Message: "Domain not found"}

// mockLibvirtClient is a mock implementation of the LibvirtClient interface for testing.
type mockLibvirtClient struct {
	mu sync.Mutex

	// Configurable behavior
	domainCreateXMLFunc       func(xml string) (libvirt.Domain, error)
	domainGetStateFunc        func(dom libvirt.Domain) (int32, error)
	domainDestroyFunc         func(dom libvirt.Domain) error
	connectListAllDomainsFunc func() ([]libvirt.Domain, error)

	// Call tracking
	domainCreateXMLCalls       []string
	domainGetStateCalls        []libvirt.Domain
	domainDestroyCalls         []libvirt.Domain
	connectListAllDomainsCalls int
}

// newMockLibvirtClient returns a client whose domains run until destroyed.
func newMockLibvirtClient() *mockLibvirtClient {
	m := &mockLibvirtClient{}
	m.domainCreateXMLFunc = func(xml string) (libvirt.Domain, error) {
		return libvirt.Domain{Name: "debian12-tailor-6f1c2a9e", ID: 7}, nil
	}
	m.domainGetStateFunc = func(dom libvirt.Domain) (int32, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if len(m.domainDestroyCalls) > 0 {
			return 0, errDomainGone
		}
		return stateRunning, nil
	}
	m.domainDestroyFunc = func(dom libvirt.Domain) error {
		return nil
	}
	m.connectListAllDomainsFunc = func() ([]libvirt.Domain, error) {
		return nil, nil
	}
	return m
}

func (m *mockLibvirtClient) DomainCreateXML(xml string, flags libvirt.DomainCreateFlags) (libvirt.Domain, error) {
	m.mu.Lock()
	m.domainCreateXMLCalls = append(m.domainCreateXMLCalls, xml)
	m.mu.Unlock()
	return m.domainCreateXMLFunc(xml)
}

func (m *mockLibvirtClient) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	m.mu.Lock()
	m.domainGetStateCalls = append(m.domainGetStateCalls, dom)
	m.mu.Unlock()
	state, err := m.domainGetStateFunc(dom)
	return state, 0, err
}

func (m *mockLibvirtClient) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	m.domainDestroyCalls = append(m.domainDestroyCalls, dom)
	m.mu.Unlock()
	return m.domainDestroyFunc(dom)
}

func (m *mockLibvirtClient) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	m.mu.Lock()
	m.connectListAllDomainsCalls++
	m.mu.Unlock()
	domains, err := m.connectListAllDomainsFunc()
	return domains, uint32(len(domains)), err
}

func (m *mockLibvirtClient) destroyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.domainDestroyCalls)
}

// upload is one recorded Upload call. Content and Mode are read while the
// local file still exists.
type upload struct {
	Local   string
	Dest    string
	Content string
	Mode    os.FileMode
}

// mockRemote is a mock implementation of the RemoteClient interface for testing.
type mockRemote struct {
	mu sync.Mutex

	// Configurable behavior
	executeFunc func(command string) (remote.Result, error)
	uploadFunc  func(localPath, dest string) error

	// Call tracking
	executeCalls []string
	uploadCalls  []upload
}

// newMockRemote returns a guest that accepts every command. The package
// listing returns two packages.
func newMockRemote() *mockRemote {
	m := &mockRemote{}
	m.executeFunc = func(command string) (remote.Result, error) {
		if command == "dpkg --get-selections" {
			return remote.Result{Stdout: "bash\tinstall\ncoreutils\tinstall\n"}, nil
		}
		return remote.Result{}, nil
	}
	m.uploadFunc = func(localPath, dest string) error {
		return nil
	}
	return m
}

func (m *mockRemote) Execute(ctx context.Context, addr, command string, timeout time.Duration, tunnels ...remote.Tunnel) (remote.Result, error) {
	m.mu.Lock()
	m.executeCalls = append(m.executeCalls, command)
	m.mu.Unlock()
	return m.executeFunc(command)
}

func (m *mockRemote) Upload(ctx context.Context, addr, localPath, dest string, timeout time.Duration) error {
	content, err := readFile(localPath)
	var mode os.FileMode
	if info, statErr := os.Stat(localPath); statErr == nil {
		mode = info.Mode().Perm()
	}
	m.mu.Lock()
	m.uploadCalls = append(m.uploadCalls, upload{Local: localPath, Dest: dest, Content: content, Mode: mode})
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("local file missing: %w", err)
	}
	return m.uploadFunc(localPath, dest)
}

func (m *mockRemote) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.executeCalls...)
}
