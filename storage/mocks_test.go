package storage

import (
	"fmt"
	"io"
	"sync"

	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"
)

type mockPool struct {
	xml     string
	state   libvirt.StoragePoolState
	volumes map[string]string // name -> volume XML
}

// mockClient is an in-memory stand-in for the libvirt storage API.
// Defaults operate on the pools map; individual funcs can be overridden
// per test.
type mockClient struct {
	mu    sync.Mutex
	pools map[string]*mockPool

	poolDefineXMLFunc  func(xml string, flags uint32) (libvirt.StoragePool, error)
	poolBuildFunc      func(pool libvirt.StoragePool, flags libvirt.StoragePoolBuildFlags) error
	poolCreateFunc     func(pool libvirt.StoragePool, flags libvirt.StoragePoolCreateFlags) error
	volCreateXMLFunc   func(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	volUploadFunc      func(vol libvirt.StorageVol, r io.Reader, offset, length uint64, flags libvirt.StorageVolUploadFlags) error
	setAutostartCalls  int
	undefineCalls      []string
	destroyCalls       []string
	volDeleteCalls     []string
	uploadedBytes      []byte
	uploadedVolume     string
}

func newMockClient() *mockClient {
	m := &mockClient{pools: make(map[string]*mockPool)}

	m.poolDefineXMLFunc = func(xml string, flags uint32) (libvirt.StoragePool, error) {
		var def libvirtxml.StoragePool
		if err := def.Unmarshal(xml); err != nil {
			return libvirt.StoragePool{}, fmt.Errorf("bad pool xml: %w", err)
		}
		m.pools[def.Name] = &mockPool{
			xml:     xml,
			state:   libvirt.StoragePoolInactive,
			volumes: make(map[string]string),
		}
		return libvirt.StoragePool{Name: def.Name}, nil
	}
	m.poolBuildFunc = func(pool libvirt.StoragePool, flags libvirt.StoragePoolBuildFlags) error {
		return nil
	}
	m.poolCreateFunc = func(pool libvirt.StoragePool, flags libvirt.StoragePoolCreateFlags) error {
		if p, ok := m.pools[pool.Name]; ok {
			p.state = libvirt.StoragePoolRunning
		}
		return nil
	}
	m.volCreateXMLFunc = func(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
		p, ok := m.pools[pool.Name]
		if !ok {
			return libvirt.StorageVol{}, notFoundErr(pool.Name)
		}
		var def libvirtxml.StorageVolume
		if err := def.Unmarshal(xml); err != nil {
			return libvirt.StorageVol{}, fmt.Errorf("bad volume xml: %w", err)
		}
		p.volumes[def.Name] = xml
		return libvirt.StorageVol{Pool: pool.Name, Name: def.Name}, nil
	}
	m.volUploadFunc = func(vol libvirt.StorageVol, r io.Reader, offset, length uint64, flags libvirt.StorageVolUploadFlags) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		m.uploadedBytes = data
		m.uploadedVolume = vol.Name
		return nil
	}
	return m
}

func notFoundErr(name string) error {
	return libvirt.Error{Code: 49, Message: "not found: " + name}
}

// withPool seeds a running pool with the given volumes.
func (m *mockClient) withPool(name, path string, volumes ...string) *mockClient {
	xml, _ := dirPoolXML(name, path)
	p := &mockPool{xml: xml, state: libvirt.StoragePoolRunning, volumes: make(map[string]string)}
	for _, v := range volumes {
		p.volumes[v] = fmt.Sprintf("<volume type='file'><name>%s</name><capacity unit='B'>1073741824</capacity></volume>", v)
	}
	m.pools[name] = p
	return m
}

func (m *mockClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[name]; !ok {
		return libvirt.StoragePool{}, notFoundErr(name)
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (m *mockClient) StoragePoolDefineXML(xml string, flags uint32) (libvirt.StoragePool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poolDefineXMLFunc(xml, flags)
}

func (m *mockClient) StoragePoolCreate(pool libvirt.StoragePool, flags libvirt.StoragePoolCreateFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poolCreateFunc(pool, flags)
}

func (m *mockClient) StoragePoolBuild(pool libvirt.StoragePool, flags libvirt.StoragePoolBuildFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poolBuildFunc(pool, flags)
}

func (m *mockClient) StoragePoolSetAutostart(pool libvirt.StoragePool, autostart int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setAutostartCalls++
	return nil
}

func (m *mockClient) StoragePoolDestroy(pool libvirt.StoragePool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyCalls = append(m.destroyCalls, pool.Name)
	if p, ok := m.pools[pool.Name]; ok {
		p.state = libvirt.StoragePoolInactive
	}
	return nil
}

func (m *mockClient) StoragePoolUndefine(pool libvirt.StoragePool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undefineCalls = append(m.undefineCalls, pool.Name)
	delete(m.pools, pool.Name)
	return nil
}

func (m *mockClient) StoragePoolGetInfo(pool libvirt.StoragePool) (uint8, uint64, uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[pool.Name]
	if !ok {
		return 0, 0, 0, 0, notFoundErr(pool.Name)
	}
	return uint8(p.state), 100 << 30, 10 << 30, 90 << 30, nil
}

func (m *mockClient) StoragePoolGetXMLDesc(pool libvirt.StoragePool, flags libvirt.StorageXMLFlags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[pool.Name]
	if !ok {
		return "", notFoundErr(pool.Name)
	}
	return p.xml, nil
}

func (m *mockClient) StoragePoolListAllVolumes(pool libvirt.StoragePool, needResults int32, flags uint32) ([]libvirt.StorageVol, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[pool.Name]
	if !ok {
		return nil, 0, notFoundErr(pool.Name)
	}
	var vols []libvirt.StorageVol
	for name := range p.volumes {
		vols = append(vols, libvirt.StorageVol{Pool: pool.Name, Name: name})
	}
	return vols, uint32(len(vols)), nil
}

func (m *mockClient) StoragePoolRefresh(pool libvirt.StoragePool, flags uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[pool.Name]; !ok {
		return notFoundErr(pool.Name)
	}
	return nil
}

func (m *mockClient) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, notFoundErr(pool.Name)
	}
	if _, ok := p.volumes[name]; !ok {
		return libvirt.StorageVol{}, notFoundErr(name)
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

func (m *mockClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volCreateXMLFunc(pool, xml, flags)
}

func (m *mockClient) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volDeleteCalls = append(m.volDeleteCalls, vol.Name)
	p, ok := m.pools[vol.Pool]
	if !ok {
		return notFoundErr(vol.Pool)
	}
	delete(p.volumes, vol.Name)
	return nil
}

func (m *mockClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return "/var/lib/libvirt/images/" + vol.Name, nil
}

func (m *mockClient) StorageVolGetInfo(vol libvirt.StorageVol) (int8, uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return 0, 20 << 30, 1 << 30, nil
}

func (m *mockClient) StorageVolUpload(vol libvirt.StorageVol, outStream io.Reader, offset, length uint64, flags libvirt.StorageVolUploadFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volUploadFunc(vol, outStream, offset, length, flags)
}

func (m *mockClient) ConnectListAllStoragePools(needResults int32, flags libvirt.ConnectListAllStoragePoolsFlags) ([]libvirt.StoragePool, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pools []libvirt.StoragePool
	for name := range m.pools {
		pools = append(pools, libvirt.StoragePool{Name: name})
	}
	return pools, uint32(len(pools)), nil
}
