package virtlink

import (
	"context"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
)

// State is the power state of a domain as tracked by the registry.
type State int

const (
	// StateShutoff covers freshly defined domains and domains that have been
	// stopped. Defined and stopped are the same state in libvirt terms.
	StateShutoff State = iota
	// StateRunning means the guest is executing.
	StateRunning
	// StatePaused means the guest is suspended in memory.
	StatePaused
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateShutoff:
		return "shutoff"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// stateFromLibvirt folds the eight libvirt domain states onto the three the
// registry state machine distinguishes. Blocked and pmsuspended guests are
// occupying host resources, so they count as running and paused respectively;
// shutdown-in-progress still counts as running until the hypervisor reports
// shutoff.
func stateFromLibvirt(s int32) State {
	switch libvirt.DomainState(s) {
	case libvirt.DomainRunning, libvirt.DomainBlocked, libvirt.DomainShutdown:
		return StateRunning
	case libvirt.DomainPaused, libvirt.DomainPmsuspended:
		return StatePaused
	default:
		return StateShutoff
	}
}

// Domain is a handle to a defined virtual machine on a Connection. Handles
// stay valid across lifecycle transitions and become stale only when the
// domain is undefined.
type Domain struct {
	conn *Connection
	lv   libvirt.Domain
	name string
	uuid uuid.UUID
}

// Name returns the domain name.
func (d *Domain) Name() string {
	return d.name
}

// UUID returns the domain UUID assigned by the hypervisor.
func (d *Domain) UUID() uuid.UUID {
	return d.uuid
}

// DomainInfo is a point-in-time description of a domain.
type DomainInfo struct {
	ID           int32
	Name         string
	UUID         uuid.UUID
	State        State
	MaxMemoryKiB uint64
	MemoryKiB    uint64
	VCPUs        int
	OSType       string
	Active       bool
}

// Info queries the hypervisor for the domain's current description.
func (d *Domain) Info(ctx context.Context) (DomainInfo, error) {
	c := d.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return DomainInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return DomainInfo{}, transportErr("domain info", err)
	}

	state, maxMem, memory, vcpus, _, err := c.lib.DomainGetInfo(d.lv)
	if err != nil {
		return DomainInfo{}, c.classifyLocked("domain info", err)
	}

	// The OS type is advisory; some drivers refuse to report it for
	// inactive domains.
	osType, err := c.lib.DomainGetOsType(d.lv)
	if err != nil {
		osType = ""
	}

	st := stateFromLibvirt(int32(state))
	return DomainInfo{
		ID:           d.lv.ID,
		Name:         d.name,
		UUID:         d.uuid,
		State:        st,
		MaxMemoryKiB: maxMem,
		MemoryKiB:    memory,
		VCPUs:        int(vcpus),
		OSType:       osType,
		Active:       st != StateShutoff,
	}, nil
}

// XMLDesc returns the domain's XML descriptor as known to the hypervisor.
func (d *Domain) XMLDesc(ctx context.Context) (string, error) {
	c := d.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", transportErr("domain xml", err)
	}

	xml, err := c.lib.DomainGetXMLDesc(d.lv, 0)
	if err != nil {
		return "", c.classifyLocked("domain xml", err)
	}
	return xml, nil
}

// AgentCommand sends a raw QEMU guest agent command to the domain and
// returns the JSON response. The guest must run qemu-guest-agent and the
// domain needs a virtio guest agent channel.
func (d *Domain) AgentCommand(ctx context.Context, cmd string) (string, error) {
	c := d.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", transportErr("agent command", err)
	}

	res, err := c.lib.QEMUDomainAgentCommand(d.lv, cmd, agentCommandTimeout, 0)
	if err != nil {
		return "", c.classifyLocked("agent command on "+d.name, err)
	}
	if len(res) == 0 {
		return "", nil
	}
	return res[0], nil
}

// agentCommandTimeout is in seconds, per the libvirt agent API.
const agentCommandTimeout = 5

// domainUUID converts the wire representation of a domain UUID. A zero or
// unparsable UUID is returned as uuid.Nil rather than failing the operation.
func domainUUID(raw libvirt.UUID) uuid.UUID {
	id, err := uuid.FromBytes(raw[:])
	if err != nil {
		return uuid.Nil
	}
	return id
}
