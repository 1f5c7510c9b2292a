package virtlink

import (
	"context"
	"fmt"

	"github.com/virtlink/virtlink/cloudinit"
	"github.com/virtlink/virtlink/storage"
	"github.com/virtlink/virtlink/vmspec"
)

// VolumeStore provisions the volumes a deployed machine needs. It is
// satisfied by *storage.Manager and by test doubles.
type VolumeStore interface {
	CreateVolume(ctx context.Context, poolName string, spec storage.VolumeSpec) error
	WriteVolumeData(ctx context.Context, poolName, volumeName string, data []byte) error
	DeleteVolume(ctx context.Context, poolName, volumeName string) error
	VolumeExists(ctx context.Context, poolName, volumeName string) (bool, error)
}

// DeployOptions tunes Deploy.
type DeployOptions struct {
	// Store provisions boot, data and seed volumes. Nil skips volume
	// provisioning; the spec must then reference existing storage.
	Store VolumeStore
	// Start powers the machine on once it is defined.
	Start bool
}

// Deploy provisions and defines a machine from a spec.
//
// The steps mirror a manual bring-up: validate the spec, create the
// volumes it references, build and upload the cloud-init seed ISO,
// define the domain, and optionally start it. Partially created
// resources are cleaned up when a later step fails.
func (c *Connection) Deploy(ctx context.Context, spec *vmspec.Spec, opts DeployOptions) (*Domain, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: spec cannot be nil", ErrInvalidDescriptor)
	}

	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := spec.DeriveMACs(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	log := logger.WithField("domain", spec.Name)

	var (
		createdVolumes []string
		dom            *Domain
	)

	var deployErr error
	defer func() {
		if deployErr != nil {
			c.cleanupDeploy(ctx, spec, opts.Store, createdVolumes, dom)
		}
	}()

	if opts.Store != nil {
		created, err := c.provisionVolumes(ctx, spec, opts.Store)
		createdVolumes = created
		if err != nil {
			deployErr = err
			return nil, deployErr
		}
	}

	log.Debug("generating domain XML")
	xml, err := spec.DomainXML()
	if err != nil {
		deployErr = fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
		return nil, deployErr
	}

	dom, deployErr = c.DefineXML(ctx, xml)
	if deployErr != nil {
		return nil, deployErr
	}

	if opts.Start {
		if deployErr = dom.PowerOn(ctx); deployErr != nil {
			return nil, deployErr
		}
	}

	log.Info("machine deployed")
	return dom, nil
}

// provisionVolumes creates the volumes the spec references. It returns
// the names of the volumes it created, including any created before an
// error, so the caller can clean them up.
func (c *Connection) provisionVolumes(ctx context.Context, spec *vmspec.Spec, store VolumeStore) ([]string, error) {
	var created []string
	pool := spec.StoragePool

	if spec.BootDisk.ImagePath == "" && spec.BootDisk.Volume == "" {
		volSpec := storage.VolumeSpec{
			Name:       spec.VolumeName(),
			Format:     storage.VolumeFormatQCOW2,
			CapacityGB: uint64(spec.BootDisk.SizeGB),
		}
		if err := store.CreateVolume(ctx, pool, volSpec); err != nil {
			return created, fmt.Errorf("failed to create boot volume: %w", err)
		}
		created = append(created, volSpec.Name)
	}

	for _, d := range spec.DataDisks {
		volSpec := storage.VolumeSpec{
			Name:       spec.DataVolumeName(d.Device),
			Format:     storage.VolumeFormatQCOW2,
			CapacityGB: uint64(d.SizeGB),
		}
		if err := store.CreateVolume(ctx, pool, volSpec); err != nil {
			return created, fmt.Errorf("failed to create data volume %s: %w", d.Device, err)
		}
		created = append(created, volSpec.Name)
	}

	if spec.CloudInit != nil {
		isoData, err := cloudinit.GenerateISO(spec)
		if err != nil {
			return created, fmt.Errorf("failed to generate cloud-init ISO: %w", err)
		}

		volSpec := storage.VolumeSpec{
			Name:       spec.SeedVolumeName(),
			Format:     storage.VolumeFormatRaw,
			CapacityGB: 1,
		}
		if err := store.CreateVolume(ctx, pool, volSpec); err != nil {
			return created, fmt.Errorf("failed to create seed volume: %w", err)
		}
		created = append(created, volSpec.Name)

		if err := store.WriteVolumeData(ctx, pool, volSpec.Name, isoData); err != nil {
			return created, fmt.Errorf("failed to upload cloud-init ISO: %w", err)
		}
	}

	return created, nil
}

// cleanupDeploy tears down partially created resources. Best effort:
// failures are logged and the remaining teardown continues.
func (c *Connection) cleanupDeploy(ctx context.Context, spec *vmspec.Spec, store VolumeStore, volumes []string, dom *Domain) {
	log := logger.WithField("domain", spec.Name)
	log.Warn("cleaning up after failed deploy")

	if dom != nil {
		// The domain may have been left running by a failed later step.
		if err := dom.ForceStop(ctx); err != nil {
			log.WithError(err).Debug("cleanup: domain was not running")
		}
		if err := dom.Undefine(ctx); err != nil {
			log.WithError(err).Warn("cleanup: failed to undefine domain")
		}
	}

	if store != nil {
		for _, name := range volumes {
			if err := store.DeleteVolume(ctx, spec.StoragePool, name); err != nil {
				log.WithError(err).WithField("volume", name).Warn("cleanup: failed to delete volume")
			}
		}
	}
}
