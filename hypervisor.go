package virtlink

import (
	"github.com/digitalocean/go-libvirt"
)

// hypervisor is the set of libvirt RPC operations this package performs.
//
// In production it is satisfied by *libvirt.Libvirt. Tests substitute a mock
// implementation, so no running libvirtd is needed to exercise the lifecycle
// logic.
type hypervisor interface {
	Disconnect() error

	ConnectGetLibVersion() (uint64, error)
	ConnectGetHostname() (string, error)
	NodeGetInfo() (rModel [32]int8, rMemory uint64, rCpus int32, rMhz int32, rNodes int32, rSockets int32, rCores int32, rThreads int32, err error)
	NodeGetFreeMemory() (uint64, error)

	ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
	DomainLookupByName(name string) (libvirt.Domain, error)
	DomainDefineXML(xml string) (libvirt.Domain, error)
	DomainCreate(dom libvirt.Domain) error
	DomainGetState(dom libvirt.Domain, flags uint32) (state int32, reason int32, err error)
	DomainGetInfo(dom libvirt.Domain) (rState uint8, rMaxMem uint64, rMemory uint64, rNrVirtCPU uint16, rCPUTime uint64, err error)
	DomainGetOsType(dom libvirt.Domain) (string, error)
	DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)
	DomainShutdown(dom libvirt.Domain) error
	DomainDestroy(dom libvirt.Domain) error
	DomainSuspend(dom libvirt.Domain) error
	DomainResume(dom libvirt.Domain) error
	DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
	DomainUndefine(dom libvirt.Domain) error

	DomainSnapshotCreateXML(dom libvirt.Domain, xmlDesc string, flags uint32) (libvirt.DomainSnapshot, error)
	DomainListAllSnapshots(dom libvirt.Domain, needResults int32, flags uint32) ([]libvirt.DomainSnapshot, int32, error)
	DomainSnapshotLookupByName(dom libvirt.Domain, name string, flags uint32) (libvirt.DomainSnapshot, error)
	DomainSnapshotGetXMLDesc(snap libvirt.DomainSnapshot, flags uint32) (string, error)
	DomainRevertToSnapshot(snap libvirt.DomainSnapshot, flags uint32) error
	DomainSnapshotDelete(snap libvirt.DomainSnapshot, flags libvirt.DomainSnapshotDeleteFlags) error

	QEMUDomainAgentCommand(dom libvirt.Domain, cmd string, timeout int32, flags uint32) (libvirt.OptString, error)
}

// The production client must keep satisfying the interface verbatim.
var _ hypervisor = (*libvirt.Libvirt)(nil)
