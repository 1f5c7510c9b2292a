package virtlink

import (
	"fmt"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

// libvirt numeric domain states used by the mock.
const (
	lvRunning int32 = 1
	lvPaused  int32 = 3
	lvShutoff int32 = 5
)

func notFoundErr(name string) error {
	return libvirt.Error{Code: virErrNoDomain, Message: "Domain not found: " + name}
}

func mockUUID(name string) libvirt.UUID {
	var u libvirt.UUID
	copy(u[:], name)
	return u
}

// mockHypervisor is a func-field test double for the hypervisor interface.
// Its default behavior is backed by an in-memory domain table so lifecycle
// sequences (define, start, stop, undefine) compose without per-test setup.
type mockHypervisor struct {
	mu sync.Mutex

	// states maps domain name to its libvirt numeric state.
	states map[string]int32
	// snapshots maps domain name to snapshot name to snapshot XML.
	snapshots map[string]map[string]string

	// Configurable behavior
	disconnectFunc          func() error
	nodeGetInfoFunc         func() ([32]int8, uint64, int32, int32, int32, int32, int32, int32, error)
	nodeGetFreeMemoryFunc   func() (uint64, error)
	connectGetHostnameFunc  func() (string, error)
	connectGetLibVersion    func() (uint64, error)
	listAllDomainsFunc      func(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
	domainLookupByNameFunc  func(name string) (libvirt.Domain, error)
	domainDefineXMLFunc     func(xml string) (libvirt.Domain, error)
	domainCreateFunc        func(dom libvirt.Domain) error
	domainGetStateFunc      func(dom libvirt.Domain, flags uint32) (int32, int32, error)
	domainGetInfoFunc       func(dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error)
	domainGetOsTypeFunc     func(dom libvirt.Domain) (string, error)
	domainGetXMLDescFunc    func(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)
	domainShutdownFunc      func(dom libvirt.Domain) error
	domainDestroyFunc       func(dom libvirt.Domain) error
	domainSuspendFunc       func(dom libvirt.Domain) error
	domainResumeFunc        func(dom libvirt.Domain) error
	domainUndefineFlagsFunc func(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
	domainUndefineFunc      func(dom libvirt.Domain) error
	agentCommandFunc        func(dom libvirt.Domain, cmd string, timeout int32, flags uint32) (libvirt.OptString, error)

	// Call tracking
	disconnectCalls     int
	defineXMLCalls      []string
	createCalls         []string
	shutdownCalls       []string
	destroyCalls        []string
	suspendCalls        []string
	resumeCalls         []string
	undefineFlagsCalls  []string
	undefineCalls       []string
	agentCommandCalls   []string
	snapshotCreateCalls []string
}

var _ hypervisor = (*mockHypervisor)(nil)

func newMockHypervisor() *mockHypervisor {
	m := &mockHypervisor{
		states:    make(map[string]int32),
		snapshots: make(map[string]map[string]string),
	}

	m.disconnectFunc = func() error { return nil }

	m.nodeGetInfoFunc = func() ([32]int8, uint64, int32, int32, int32, int32, int32, int32, error) {
		var model [32]int8
		for i, b := range []byte("x86_64") {
			model[i] = int8(b)
		}
		// 16 GiB in KiB
		return model, 16 * 1024 * 1024, 8, 2400, 1, 1, 4, 2, nil
	}

	m.nodeGetFreeMemoryFunc = func() (uint64, error) {
		return 8 * 1024 * 1024 * 1024, nil
	}

	m.connectGetHostnameFunc = func() (string, error) { return "testhost", nil }
	m.connectGetLibVersion = func() (uint64, error) { return 8000000, nil }

	m.listAllDomainsFunc = func(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
		var doms []libvirt.Domain
		for name := range m.states {
			doms = append(doms, libvirt.Domain{Name: name, UUID: mockUUID(name)})
		}
		return doms, uint32(len(doms)), nil
	}

	m.domainLookupByNameFunc = func(name string) (libvirt.Domain, error) {
		if _, ok := m.states[name]; !ok {
			return libvirt.Domain{}, notFoundErr(name)
		}
		return libvirt.Domain{Name: name, UUID: mockUUID(name)}, nil
	}

	// Default define parses the XML for the domain name and registers it
	// shut off, like a real daemon would.
	m.domainDefineXMLFunc = func(xml string) (libvirt.Domain, error) {
		var desc libvirtxml.Domain
		if err := desc.Unmarshal(xml); err != nil {
			return libvirt.Domain{}, fmt.Errorf("bad xml: %w", err)
		}
		m.states[desc.Name] = lvShutoff
		return libvirt.Domain{Name: desc.Name, UUID: mockUUID(desc.Name)}, nil
	}

	m.domainCreateFunc = func(dom libvirt.Domain) error {
		if _, ok := m.states[dom.Name]; !ok {
			return notFoundErr(dom.Name)
		}
		m.states[dom.Name] = lvRunning
		return nil
	}

	m.domainGetStateFunc = func(dom libvirt.Domain, flags uint32) (int32, int32, error) {
		state, ok := m.states[dom.Name]
		if !ok {
			return 0, 0, notFoundErr(dom.Name)
		}
		return state, 0, nil
	}

	m.domainGetInfoFunc = func(dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error) {
		state, ok := m.states[dom.Name]
		if !ok {
			return 0, 0, 0, 0, 0, notFoundErr(dom.Name)
		}
		return uint8(state), 2 * 1024 * 1024, 1024 * 1024, 2, 0, nil
	}

	m.domainGetOsTypeFunc = func(dom libvirt.Domain) (string, error) { return "hvm", nil }

	m.domainGetXMLDescFunc = func(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
		if _, ok := m.states[dom.Name]; !ok {
			return "", notFoundErr(dom.Name)
		}
		return "<domain type='kvm'><name>" + dom.Name + "</name></domain>", nil
	}

	// Default: the guest honors the shutdown request immediately.
	m.domainShutdownFunc = func(dom libvirt.Domain) error {
		if _, ok := m.states[dom.Name]; !ok {
			return notFoundErr(dom.Name)
		}
		m.states[dom.Name] = lvShutoff
		return nil
	}

	m.domainDestroyFunc = func(dom libvirt.Domain) error {
		if _, ok := m.states[dom.Name]; !ok {
			return notFoundErr(dom.Name)
		}
		m.states[dom.Name] = lvShutoff
		return nil
	}

	m.domainSuspendFunc = func(dom libvirt.Domain) error {
		m.states[dom.Name] = lvPaused
		return nil
	}

	m.domainResumeFunc = func(dom libvirt.Domain) error {
		m.states[dom.Name] = lvRunning
		return nil
	}

	m.domainUndefineFlagsFunc = func(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
		if _, ok := m.states[dom.Name]; !ok {
			return notFoundErr(dom.Name)
		}
		delete(m.states, dom.Name)
		return nil
	}

	m.domainUndefineFunc = func(dom libvirt.Domain) error {
		if _, ok := m.states[dom.Name]; !ok {
			return notFoundErr(dom.Name)
		}
		delete(m.states, dom.Name)
		return nil
	}

	m.agentCommandFunc = func(dom libvirt.Domain, cmd string, timeout int32, flags uint32) (libvirt.OptString, error) {
		return libvirt.OptString{`{"return":{}}`}, nil
	}

	return m
}

// withDomain seeds a domain into the mock's state table.
func (m *mockHypervisor) withDomain(name string, state int32) *mockHypervisor {
	m.states[name] = state
	return m
}

func (m *mockHypervisor) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectCalls++
	return m.disconnectFunc()
}

func (m *mockHypervisor) ConnectGetLibVersion() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectGetLibVersion()
}

func (m *mockHypervisor) ConnectGetHostname() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectGetHostnameFunc()
}

func (m *mockHypervisor) NodeGetInfo() ([32]int8, uint64, int32, int32, int32, int32, int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodeGetInfoFunc()
}

func (m *mockHypervisor) NodeGetFreeMemory() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodeGetFreeMemoryFunc()
}

func (m *mockHypervisor) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listAllDomainsFunc(needResults, flags)
}

func (m *mockHypervisor) DomainLookupByName(name string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainLookupByNameFunc(name)
}

func (m *mockHypervisor) DomainDefineXML(xml string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defineXMLCalls = append(m.defineXMLCalls, xml)
	return m.domainDefineXMLFunc(xml)
}

func (m *mockHypervisor) DomainCreate(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls = append(m.createCalls, dom.Name)
	return m.domainCreateFunc(dom)
}

func (m *mockHypervisor) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainGetStateFunc(dom, flags)
}

func (m *mockHypervisor) DomainGetInfo(dom libvirt.Domain) (uint8, uint64, uint64, uint16, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainGetInfoFunc(dom)
}

func (m *mockHypervisor) DomainGetOsType(dom libvirt.Domain) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainGetOsTypeFunc(dom)
}

func (m *mockHypervisor) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domainGetXMLDescFunc(dom, flags)
}

func (m *mockHypervisor) DomainShutdown(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownCalls = append(m.shutdownCalls, dom.Name)
	return m.domainShutdownFunc(dom)
}

func (m *mockHypervisor) DomainDestroy(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyCalls = append(m.destroyCalls, dom.Name)
	return m.domainDestroyFunc(dom)
}

func (m *mockHypervisor) DomainSuspend(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspendCalls = append(m.suspendCalls, dom.Name)
	return m.domainSuspendFunc(dom)
}

func (m *mockHypervisor) DomainResume(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resumeCalls = append(m.resumeCalls, dom.Name)
	return m.domainResumeFunc(dom)
}

func (m *mockHypervisor) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undefineFlagsCalls = append(m.undefineFlagsCalls, dom.Name)
	return m.domainUndefineFlagsFunc(dom, flags)
}

func (m *mockHypervisor) DomainUndefine(dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undefineCalls = append(m.undefineCalls, dom.Name)
	return m.domainUndefineFunc(dom)
}

func (m *mockHypervisor) DomainSnapshotCreateXML(dom libvirt.Domain, xmlDesc string, flags uint32) (libvirt.DomainSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotCreateCalls = append(m.snapshotCreateCalls, dom.Name)

	var desc libvirtxml.DomainSnapshot
	if err := desc.Unmarshal(xmlDesc); err != nil {
		return libvirt.DomainSnapshot{}, fmt.Errorf("bad snapshot xml: %w", err)
	}
	if m.snapshots[dom.Name] == nil {
		m.snapshots[dom.Name] = make(map[string]string)
	}
	m.snapshots[dom.Name][desc.Name] = xmlDesc
	return libvirt.DomainSnapshot{Name: desc.Name, Dom: dom}, nil
}

func (m *mockHypervisor) DomainListAllSnapshots(dom libvirt.Domain, needResults int32, flags uint32) ([]libvirt.DomainSnapshot, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snaps []libvirt.DomainSnapshot
	for name := range m.snapshots[dom.Name] {
		snaps = append(snaps, libvirt.DomainSnapshot{Name: name, Dom: dom})
	}
	return snaps, int32(len(snaps)), nil
}

func (m *mockHypervisor) DomainSnapshotLookupByName(dom libvirt.Domain, name string, flags uint32) (libvirt.DomainSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[dom.Name][name]; !ok {
		return libvirt.DomainSnapshot{}, libvirt.Error{Code: virErrNoDomainSnapshot, Message: "snapshot not found: " + name}
	}
	return libvirt.DomainSnapshot{Name: name, Dom: dom}, nil
}

func (m *mockHypervisor) DomainSnapshotGetXMLDesc(snap libvirt.DomainSnapshot, flags uint32) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	xml, ok := m.snapshots[snap.Dom.Name][snap.Name]
	if !ok {
		return "", libvirt.Error{Code: virErrNoDomainSnapshot, Message: "snapshot not found: " + snap.Name}
	}
	return xml, nil
}

func (m *mockHypervisor) DomainRevertToSnapshot(snap libvirt.DomainSnapshot, flags uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[snap.Dom.Name][snap.Name]; !ok {
		return libvirt.Error{Code: virErrNoDomainSnapshot, Message: "snapshot not found: " + snap.Name}
	}
	return nil
}

func (m *mockHypervisor) DomainSnapshotDelete(snap libvirt.DomainSnapshot, flags libvirt.DomainSnapshotDeleteFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snapshots[snap.Dom.Name][snap.Name]; !ok {
		return libvirt.Error{Code: virErrNoDomainSnapshot, Message: "snapshot not found: " + snap.Name}
	}
	delete(m.snapshots[snap.Dom.Name], snap.Name)
	return nil
}

func (m *mockHypervisor) QEMUDomainAgentCommand(dom libvirt.Domain, cmd string, timeout int32, flags uint32) (libvirt.OptString, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentCommandCalls = append(m.agentCommandCalls, cmd)
	return m.agentCommandFunc(dom, cmd, timeout, flags)
}

// newTestConn wires a mock hypervisor into a live Connection without going
// through Open.
func newTestConn(m *mockHypervisor) *Connection {
	c := &Connection{
		uri:     "test:///default",
		lib:     m,
		alive:   true,
		domains: newRegistry(),
	}
	_ = c.snapshotNodeInfo()
	_ = c.seedRegistry()
	return c
}
