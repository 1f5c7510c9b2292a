// Package storage manages libvirt storage pools and volumes.
package storage

import "fmt"

// PoolType is the storage pool backend type.
type PoolType string

const (
	PoolTypeDir   PoolType = "dir"
	PoolTypeLVM   PoolType = "lvm"
	PoolTypeNFS   PoolType = "netfs"
	PoolTypeCeph  PoolType = "rbd"
	PoolTypeISCSI PoolType = "iscsi"
)

// VolumeFormat is the on-disk format of a volume.
type VolumeFormat string

const (
	VolumeFormatQCOW2 VolumeFormat = "qcow2"
	VolumeFormatRaw   VolumeFormat = "raw"
)

// VolumeSpec specifies how to create a volume.
type VolumeSpec struct {
	Name       string
	Format     VolumeFormat
	CapacityGB uint64
	// BackingVolume names a qcow2 volume in the same pool to use as
	// copy-on-write base.
	BackingVolume string
}

// Validate checks the volume spec.
func (v *VolumeSpec) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("volume name is required")
	}
	if v.Format != VolumeFormatQCOW2 && v.Format != VolumeFormatRaw {
		return fmt.Errorf("invalid volume format: %s (must be qcow2 or raw)", v.Format)
	}
	if v.CapacityGB == 0 {
		return fmt.Errorf("volume capacity must be greater than 0")
	}
	if v.BackingVolume != "" && v.Format != VolumeFormatQCOW2 {
		return fmt.Errorf("backing volumes are only supported for qcow2 format")
	}
	return nil
}

// PoolInfo describes a storage pool.
type PoolInfo struct {
	Name       string
	Type       PoolType
	Path       string
	UUID       string
	State      string
	Capacity   uint64
	Allocation uint64
	Available  uint64
}

// VolumeInfo describes a storage volume.
type VolumeInfo struct {
	Name       string
	Path       string
	Pool       string
	Capacity   uint64
	Allocation uint64
}
