package storage

import (
	"fmt"

	"github.com/digitalocean/go-libvirt"
)

// mockLibvirtClient is a mock implementation of LibvirtClient for testing.
type mockLibvirtClient struct {
	// pool name -> volume name -> path
	volumes map[string]map[string]string

	getPathErr error

	poolLookups []string
	volLookups  []string
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{volumes: make(map[string]map[string]string)}
}

func (m *mockLibvirtClient) addVolume(pool, name, path string) {
	if m.volumes[pool] == nil {
		m.volumes[pool] = make(map[string]string)
	}
	m.volumes[pool][name] = path
}

func (m *mockLibvirtClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	m.poolLookups = append(m.poolLookups, name)
	if _, ok := m.volumes[name]; !ok {
		return libvirt.StoragePool{}, fmt.Errorf("storage pool not found: %s", name)
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (m *mockLibvirtClient) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	m.volLookups = append(m.volLookups, name)
	if _, ok := m.volumes[pool.Name][name]; !ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage volume not found: %s", name)
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

func (m *mockLibvirtClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	if m.getPathErr != nil {
		return "", m.getPathErr
	}
	return m.volumes[vol.Pool][vol.Name], nil
}
