package virtlink

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"libvirt.org/go/libvirtxml"
)

// SnapshotInfo describes one domain snapshot.
type SnapshotInfo struct {
	Name        string
	Description string
	// State records the domain state captured by the snapshot, as reported
	// by the hypervisor (for example "running" or "shutoff").
	State string
	// CreationTime is seconds since the epoch, or zero when the hypervisor
	// does not report it.
	CreationTime int64
}

// CreateSnapshot captures a snapshot of the domain under the given name.
func (d *Domain) CreateSnapshot(ctx context.Context, name, description string) error {
	c := d.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transportErr("create snapshot", err)
	}
	if name == "" {
		return fmt.Errorf("%w: snapshot name is required", ErrInvalidDescriptor)
	}

	desc := &libvirtxml.DomainSnapshot{
		Name:        name,
		Description: description,
	}
	xml, err := desc.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	if _, err := c.lib.DomainSnapshotCreateXML(d.lv, xml, 0); err != nil {
		return c.classifyLocked("create snapshot of "+d.name, err)
	}
	logger.WithField("domain", d.name).WithField("snapshot", name).Info("snapshot created")
	return nil
}

// ListSnapshots returns the domain's snapshots sorted by name.
func (d *Domain) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	c := d.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, transportErr("list snapshots", err)
	}

	snaps, _, err := c.lib.DomainListAllSnapshots(d.lv, 1, 0)
	if err != nil {
		return nil, c.classifyLocked("list snapshots of "+d.name, err)
	}

	infos := make([]SnapshotInfo, 0, len(snaps))
	for _, snap := range snaps {
		info := SnapshotInfo{Name: snap.Name}

		// Description, state and creation time live in the snapshot XML.
		// A snapshot whose XML cannot be read still appears by name.
		if xml, err := c.lib.DomainSnapshotGetXMLDesc(snap, 0); err == nil {
			var desc libvirtxml.DomainSnapshot
			if err := desc.Unmarshal(xml); err == nil {
				info.Description = desc.Description
				info.State = desc.State
				if t, err := strconv.ParseInt(desc.CreationTime, 10, 64); err == nil {
					info.CreationTime = t
				}
			}
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// RevertToSnapshot restores the domain to the named snapshot.
func (d *Domain) RevertToSnapshot(ctx context.Context, name string) error {
	c := d.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transportErr("revert snapshot", err)
	}

	snap, err := c.lib.DomainSnapshotLookupByName(d.lv, name, 0)
	if err != nil {
		return c.classifySnapshotLocked("lookup snapshot "+name, err)
	}
	if err := c.lib.DomainRevertToSnapshot(snap, 0); err != nil {
		return c.classifySnapshotLocked("revert to snapshot "+name, err)
	}
	logger.WithField("domain", d.name).WithField("snapshot", name).Info("reverted to snapshot")
	return nil
}

// DeleteSnapshot removes the named snapshot.
func (d *Domain) DeleteSnapshot(ctx context.Context, name string) error {
	c := d.conn
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return transportErr("delete snapshot", err)
	}

	snap, err := c.lib.DomainSnapshotLookupByName(d.lv, name, 0)
	if err != nil {
		return c.classifySnapshotLocked("lookup snapshot "+name, err)
	}
	if err := c.lib.DomainSnapshotDelete(snap, 0); err != nil {
		return c.classifySnapshotLocked("delete snapshot "+name, err)
	}
	logger.WithField("domain", d.name).WithField("snapshot", name).Info("snapshot deleted")
	return nil
}
