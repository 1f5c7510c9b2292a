package virtlink

import (
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"
)

// Error kinds returned by this package. Callers match them with errors.Is;
// the wrapped message carries the underlying libvirt detail.
var (
	// ErrConnectionFailed indicates the connection URI was malformed or the
	// hypervisor daemon could not be reached.
	ErrConnectionFailed = errors.New("virtlink: connection failed")

	// ErrConnectionClosed indicates an operation was attempted on a
	// Connection that has been closed or invalidated by a transport failure.
	// A closed Connection is never reopened automatically.
	ErrConnectionClosed = errors.New("virtlink: connection closed")

	// ErrInvalidDescriptor indicates a domain XML descriptor failed to parse
	// or is missing required elements.
	ErrInvalidDescriptor = errors.New("virtlink: invalid domain descriptor")

	// ErrDuplicateDomain indicates a domain with the same name is already
	// defined on this connection.
	ErrDuplicateDomain = errors.New("virtlink: domain already defined")

	// ErrDomainNotFound indicates no domain with the given name is known to
	// the hypervisor.
	ErrDomainNotFound = errors.New("virtlink: domain not found")

	// ErrSnapshotNotFound indicates no snapshot with the given name exists
	// for the domain.
	ErrSnapshotNotFound = errors.New("virtlink: snapshot not found")

	// ErrInvalidState indicates a lifecycle operation was requested from a
	// state the domain state machine does not allow it in.
	ErrInvalidState = errors.New("virtlink: invalid domain state transition")

	// ErrTransport indicates an opaque failure in the underlying libvirt
	// transport.
	ErrTransport = errors.New("virtlink: transport failure")
)

// libvirt error numbers we classify explicitly. Values match the
// virErrorNumber constants from libvirt/virterror.h.
const (
	virErrNoDomain         = 42
	virErrOperationFailed  = 9
	virErrNoDomainSnapshot = 72
)

// classifyDomainErr maps a libvirt RPC error from a domain operation onto the
// package error taxonomy. Not-found errors become ErrDomainNotFound;
// everything else is surfaced as ErrTransport with the original detail.
func classifyDomainErr(op string, err error) error {
	if libvirt.IsNotFound(err) {
		return fmt.Errorf("%w: %s: %v", ErrDomainNotFound, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
}

// classifySnapshotErr is classifyDomainErr for snapshot operations, which
// report their own not-found error number.
func classifySnapshotErr(op string, err error) error {
	var lverr libvirt.Error
	if errors.As(err, &lverr) && lverr.Code == virErrNoDomainSnapshot {
		return fmt.Errorf("%w: %s: %v", ErrSnapshotNotFound, op, err)
	}
	return classifyDomainErr(op, err)
}

// classifyLocked is classifyDomainErr plus connection invalidation: a failure
// that did not come from the hypervisor itself means the transport is gone,
// so the connection is marked dead. Must be called with c.mu held.
func (c *Connection) classifyLocked(op string, err error) error {
	if !isHypervisorError(err) {
		c.markDead(err)
	}
	return classifyDomainErr(op, err)
}

// classifySnapshotLocked is classifyLocked for snapshot operations.
func (c *Connection) classifySnapshotLocked(op string, err error) error {
	if !isHypervisorError(err) {
		c.markDead(err)
	}
	return classifySnapshotErr(op, err)
}

// transportErr wraps a libvirt RPC failure that has no more specific kind.
func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransport, op, err)
}

// isHypervisorError reports whether err is a structured error returned by the
// hypervisor itself, as opposed to a failure of the transport carrying it.
// Transport failures invalidate the Connection; hypervisor errors do not.
func isHypervisorError(err error) bool {
	var lverr libvirt.Error
	return errors.As(err, &lverr)
}
