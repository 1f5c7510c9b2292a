// Package virtlink manages virtual machines over a libvirt connection.
//
// The package wraps github.com/digitalocean/go-libvirt (a pure Go
// implementation of the libvirt RPC protocol, no libvirt-dev or cgo
// needed) and provides:
//   - Connection management (open, liveness, node info, close)
//   - Domain lifecycle (define, power on/off, suspend, undefine)
//   - Snapshots and guest agent access
//   - Spec-driven deployment with volume and cloud-init provisioning
//
// Connection Management:
//
// Open establishes a connection from a libvirt URI. Local Unix socket,
// TCP and the test driver are supported:
//
//	conn, err := virtlink.Open(ctx, "qemu:///system")
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
// Domain Lifecycle:
//
// Domains are defined from XML and driven through an explicit state
// machine. Transitions that do not apply to the domain's current state
// fail with ErrInvalidState rather than being forwarded to the
// hypervisor:
//
//	dom, err := conn.DefineXML(ctx, xml)
//	if err != nil {
//	    return err
//	}
//	if err := dom.PowerOn(ctx); err != nil {
//	    return err
//	}
//	// Ask the guest to shut down, hard-stop if it does not comply.
//	if err := dom.PowerOff(ctx, true); err != nil {
//	    return err
//	}
//	if err := dom.Undefine(ctx); err != nil {
//	    return err
//	}
//
// Every operation on a Connection is serialized by the connection's
// mutex, so a Connection is safe for concurrent use.
//
// Errors:
//
// Failures are classified into sentinel errors (ErrConnectionFailed,
// ErrConnectionClosed, ErrInvalidDescriptor, ErrDuplicateDomain,
// ErrDomainNotFound, ErrInvalidState, ErrTransport) and are matched
// with errors.Is.
//
// The storage, network, cloudinit, vmspec and guestagent subpackages
// build on the same connection for provisioning work. They define
// consumer-side interfaces naming only the operations they need, which
// *libvirt.Libvirt satisfies implicitly.
package virtlink
