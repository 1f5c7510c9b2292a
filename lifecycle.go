package virtlink

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

const (
	// shutdownPollInterval and shutdownPollAttempts bound how long PowerOff
	// waits for a guest to honor an ACPI shutdown request before falling
	// back to a hard stop.
	shutdownPollInterval = 500 * time.Millisecond
	shutdownPollAttempts = 10
)

var errStillRunning = errors.New("domain still running")

// DefineXML validates the XML descriptor and registers the domain with the
// hypervisor in the shutoff state. It fails with ErrInvalidDescriptor when
// the XML does not parse or names no domain, and with ErrDuplicateDomain when
// a domain of the same name is already defined.
func (c *Connection) DefineXML(ctx context.Context, xml string) (*Domain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, transportErr("define", err)
	}

	var desc libvirtxml.Domain
	if err := desc.Unmarshal(xml); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if desc.Name == "" {
		return nil, fmt.Errorf("%w: descriptor has no name", ErrInvalidDescriptor)
	}

	// The registry mirrors the hypervisor but another client may have
	// defined the name since we last looked, so check both.
	if _, ok := c.domains.get(desc.Name); ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDomain, desc.Name)
	}
	if _, err := c.lib.DomainLookupByName(desc.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDomain, desc.Name)
	}

	lv, err := c.lib.DomainDefineXML(xml)
	if err != nil {
		return nil, c.classifyLocked("define", err)
	}

	c.domains.put(&record{lv: lv, state: StateShutoff})
	logger.WithField("domain", lv.Name).Info("domain defined")

	return &Domain{conn: c, lv: lv, name: lv.Name, uuid: domainUUID(lv.UUID)}, nil
}

// ListDefined returns the names of all domains defined on this connection,
// sorted. The list is refreshed from the hypervisor, so definitions made by
// other clients are included.
func (c *Connection) ListDefined(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, transportErr("list domains", err)
	}

	if err := c.refreshRegistry(); err != nil {
		if !isHypervisorError(err) {
			c.markDead(err)
		}
		return nil, transportErr("list domains", err)
	}
	return c.domains.names(), nil
}

// Lookup returns a handle to a defined domain, or ErrDomainNotFound.
func (c *Connection) Lookup(ctx context.Context, name string) (*Domain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, transportErr("lookup", err)
	}

	rec, err := c.syncLocked(name)
	if err != nil {
		return nil, err
	}
	return &Domain{conn: c, lv: rec.lv, name: rec.lv.Name, uuid: domainUUID(rec.lv.UUID)}, nil
}

// syncLocked resolves name to a registry record with its state refreshed from
// the hypervisor. Domains defined out-of-band are adopted into the registry;
// domains gone from the hypervisor are evicted. Must be called with c.mu held.
func (c *Connection) syncLocked(name string) (*record, error) {
	rec, ok := c.domains.get(name)
	if !ok {
		lv, err := c.lib.DomainLookupByName(name)
		if err != nil {
			return nil, c.classifyLocked("lookup "+name, err)
		}
		rec = &record{lv: lv}
		c.domains.put(rec)
	}

	state, _, err := c.lib.DomainGetState(rec.lv, 0)
	if err != nil {
		if libvirt.IsNotFound(err) {
			c.domains.remove(name)
		}
		return nil, c.classifyLocked("state of "+name, err)
	}
	rec.state = stateFromLibvirt(state)
	return rec, nil
}

// PowerOn starts a defined domain. Starting a domain that is already running
// fails with ErrInvalidState; a paused domain must be resumed instead.
func (c *Connection) PowerOn(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transportErr("power on", err)
	}

	rec, err := c.syncLocked(name)
	if err != nil {
		return err
	}
	if rec.state != StateShutoff {
		return fmt.Errorf("%w: cannot power on %s while %s", ErrInvalidState, name, rec.state)
	}

	if err := c.lib.DomainCreate(rec.lv); err != nil {
		return c.classifyLocked("power on "+name, err)
	}
	rec.state = StateRunning
	logger.WithField("domain", name).Info("domain started")
	return nil
}

// PowerOff stops a running domain. With acpi set, a graceful shutdown request
// is sent to the guest first and the hypervisor is polled for shutoff; if the
// guest does not comply within the window, the domain is hard-stopped. With
// acpi unset the domain is hard-stopped immediately. Powering off a domain
// that is not running fails with ErrInvalidState.
func (c *Connection) PowerOff(ctx context.Context, name string, acpi bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transportErr("power off", err)
	}

	rec, err := c.syncLocked(name)
	if err != nil {
		return err
	}
	if rec.state == StateShutoff {
		return fmt.Errorf("%w: %s is already shut off", ErrInvalidState, name)
	}

	if acpi && rec.state == StateRunning {
		if err := c.acpiShutdown(ctx, name, rec); err == nil {
			return nil
		}
		logger.WithField("domain", name).Warn("graceful shutdown did not complete, forcing stop")
	}

	if err := c.lib.DomainDestroy(rec.lv); err != nil {
		return c.classifyLocked("power off "+name, err)
	}
	rec.state = StateShutoff
	logger.WithField("domain", name).Info("domain stopped")
	return nil
}

// acpiShutdown asks the guest to shut down and polls until the hypervisor
// reports shutoff. Returns non-nil when the guest did not comply in time and
// a hard stop is needed. Must be called with c.mu held.
func (c *Connection) acpiShutdown(ctx context.Context, name string, rec *record) error {
	if err := c.lib.DomainShutdown(rec.lv); err != nil {
		return err
	}

	err := retry.Do(
		func() error {
			state, _, err := c.lib.DomainGetState(rec.lv, 0)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if stateFromLibvirt(state) != StateShutoff {
				return errStillRunning
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(shutdownPollAttempts),
		retry.Delay(shutdownPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return err
	}

	rec.state = StateShutoff
	logger.WithField("domain", name).Info("domain shut down gracefully")
	return nil
}

// ForceStop hard-stops a running or paused domain without giving the guest a
// chance to react, the shortcut edge of the state machine.
func (c *Connection) ForceStop(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transportErr("force stop", err)
	}

	rec, err := c.syncLocked(name)
	if err != nil {
		return err
	}
	if rec.state == StateShutoff {
		return fmt.Errorf("%w: %s is already shut off", ErrInvalidState, name)
	}

	if err := c.lib.DomainDestroy(rec.lv); err != nil {
		return c.classifyLocked("force stop "+name, err)
	}
	rec.state = StateShutoff
	logger.WithField("domain", name).Info("domain force-stopped")
	return nil
}

// Suspend pauses a running domain in memory.
func (c *Connection) Suspend(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transportErr("suspend", err)
	}

	rec, err := c.syncLocked(name)
	if err != nil {
		return err
	}
	if rec.state != StateRunning {
		return fmt.Errorf("%w: cannot suspend %s while %s", ErrInvalidState, name, rec.state)
	}

	if err := c.lib.DomainSuspend(rec.lv); err != nil {
		return c.classifyLocked("suspend "+name, err)
	}
	rec.state = StatePaused
	logger.WithField("domain", name).Info("domain suspended")
	return nil
}

// Resume unpauses a suspended domain.
func (c *Connection) Resume(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transportErr("resume", err)
	}

	rec, err := c.syncLocked(name)
	if err != nil {
		return err
	}
	if rec.state != StatePaused {
		return fmt.Errorf("%w: cannot resume %s while %s", ErrInvalidState, name, rec.state)
	}

	if err := c.lib.DomainResume(rec.lv); err != nil {
		return c.classifyLocked("resume "+name, err)
	}
	rec.state = StateRunning
	logger.WithField("domain", name).Info("domain resumed")
	return nil
}

// Undefine removes a domain's definition. The domain must be shut off first;
// undefining a running or paused domain fails with ErrInvalidState.
func (c *Connection) Undefine(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transportErr("undefine", err)
	}

	rec, err := c.syncLocked(name)
	if err != nil {
		return err
	}
	if rec.state != StateShutoff {
		return fmt.Errorf("%w: cannot undefine %s while %s", ErrInvalidState, name, rec.state)
	}

	// Clean up managed save images and snapshot metadata along with the
	// definition. Older daemons reject the flags, so fall back to the
	// plain undefine.
	flags := libvirt.DomainUndefineManagedSave | libvirt.DomainUndefineSnapshotsMetadata
	if err := c.lib.DomainUndefineFlags(rec.lv, flags); err != nil {
		if err := c.lib.DomainUndefine(rec.lv); err != nil {
			return c.classifyLocked("undefine "+name, err)
		}
	}

	c.domains.remove(name)
	logger.WithField("domain", name).Info("domain undefined")
	return nil
}

// PowerOn starts the domain. See Connection.PowerOn.
func (d *Domain) PowerOn(ctx context.Context) error {
	return d.conn.PowerOn(ctx, d.name)
}

// PowerOff stops the domain. See Connection.PowerOff.
func (d *Domain) PowerOff(ctx context.Context, acpi bool) error {
	return d.conn.PowerOff(ctx, d.name, acpi)
}

// ForceStop hard-stops the domain. See Connection.ForceStop.
func (d *Domain) ForceStop(ctx context.Context) error {
	return d.conn.ForceStop(ctx, d.name)
}

// Suspend pauses the domain. See Connection.Suspend.
func (d *Domain) Suspend(ctx context.Context) error {
	return d.conn.Suspend(ctx, d.name)
}

// Resume unpauses the domain. See Connection.Resume.
func (d *Domain) Resume(ctx context.Context) error {
	return d.conn.Resume(ctx, d.name)
}

// Undefine removes the domain's definition. See Connection.Undefine.
func (d *Domain) Undefine(ctx context.Context) error {
	return d.conn.Undefine(ctx, d.name)
}
