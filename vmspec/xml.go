package vmspec

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

func uintPtr(v uint) *uint { return &v }

// DomainXML renders the spec as libvirt domain XML.
//
// The layout follows a conventional KVM guest: virtio disks and NICs,
// a serial console, a memballoon and a virtio RNG. TPM, SPICE and VNC
// devices are added only when the spec asks for them.
func (s *Spec) DomainXML() (string, error) {
	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: s.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(s.MemoryMiB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(s.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    s.Arch,
				Machine: s.MachineType,
				Type:    s.OSType,
			},
			BIOS: &libvirtxml.DomainBIOS{
				UseSerial: "yes",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: s.CPUMode,
			Model: &libvirtxml.DomainCPUModel{
				Fallback: "allow",
			},
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "restart",
		Devices: &libvirtxml.DomainDeviceList{
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
		},
	}

	domain.Devices.Disks = append(domain.Devices.Disks, s.bootDiskXML())

	for _, d := range s.DataDisks {
		domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{
				Name:  "qemu",
				Type:  "qcow2",
				Cache: "none",
			},
			Source: &libvirtxml.DomainDiskSource{
				Volume: &libvirtxml.DomainDiskSourceVolume{
					Pool:   s.StoragePool,
					Volume: s.DataVolumeName(d.Device),
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: d.Device,
				Bus: "virtio",
			},
		})
	}

	if s.CloudInit != nil {
		domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "raw",
			},
			Source: &libvirtxml.DomainDiskSource{
				Volume: &libvirtxml.DomainDiskSourceVolume{
					Pool:   s.StoragePool,
					Volume: s.SeedVolumeName(),
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "sda",
				Bus: "sata",
			},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}

	for _, n := range s.Networks {
		iface := libvirtxml.DomainInterface{
			Model: &libvirtxml.DomainInterfaceModel{
				Type: "virtio",
			},
		}
		if n.MACAddress != "" {
			iface.MAC = &libvirtxml.DomainInterfaceMAC{Address: n.MACAddress}
		}
		if n.Bridge != "" {
			iface.Source = &libvirtxml.DomainInterfaceSource{
				Bridge: &libvirtxml.DomainInterfaceSourceBridge{
					Bridge: n.Bridge,
				},
			}
		} else {
			iface.Source = &libvirtxml.DomainInterfaceSource{
				Network: &libvirtxml.DomainInterfaceSourceNetwork{
					Network: n.Network,
				},
			}
		}
		domain.Devices.Interfaces = append(domain.Devices.Interfaces, iface)
	}

	if s.TPM {
		domain.Devices.TPMs = []libvirtxml.DomainTPM{
			{
				Model: "tpm-crb",
				Backend: &libvirtxml.DomainTPMBackend{
					Emulator: &libvirtxml.DomainTPMBackendEmulator{
						Version: "2.0",
					},
				},
			},
		}
	}

	if s.SPICE != nil {
		g := libvirtxml.DomainGraphic{
			Spice: &libvirtxml.DomainGraphicSpice{AutoPort: "yes"},
		}
		if s.SPICE.Port > 0 {
			g.Spice.AutoPort = "no"
			g.Spice.Port = s.SPICE.Port
		}
		domain.Devices.Graphics = append(domain.Devices.Graphics, g)
	}
	if s.VNC != nil {
		g := libvirtxml.DomainGraphic{
			VNC: &libvirtxml.DomainGraphicVNC{AutoPort: "yes", Port: -1},
		}
		if s.VNC.Port > 0 {
			g.VNC.AutoPort = "no"
			g.VNC.Port = s.VNC.Port
		}
		domain.Devices.Graphics = append(domain.Devices.Graphics, g)
	}

	domain.Devices.Serials = []libvirtxml.DomainSerial{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainSerialTarget{
				Port: uintPtr(0),
			},
		},
	}
	domain.Devices.Consoles = []libvirtxml.DomainConsole{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainConsoleTarget{
				Type: "serial",
				Port: uintPtr(0),
			},
		},
	}

	// Guest agent channel, used for ACPI-independent shutdown checks and
	// in-guest command execution.
	domain.Devices.Channels = []libvirtxml.DomainChannel{
		{
			Source: &libvirtxml.DomainChardevSource{
				UNIX: &libvirtxml.DomainChardevSourceUNIX{},
			},
			Target: &libvirtxml.DomainChannelTarget{
				VirtIO: &libvirtxml.DomainChannelTargetVirtIO{
					Name: "org.qemu.guest_agent.0",
				},
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	return xml, nil
}

func (s *Spec) bootDiskXML() libvirtxml.DomainDisk {
	disk := libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name:  "qemu",
			Type:  "qcow2",
			Cache: "none",
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: "vda",
			Bus: "virtio",
		},
		Boot: &libvirtxml.DomainDeviceBoot{
			Order: 1,
		},
	}
	if s.BootDisk.ImagePath != "" {
		disk.Source = &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{
				File: s.BootDisk.ImagePath,
			},
		}
	} else {
		vol := s.BootDisk.Volume
		if vol == "" {
			vol = s.VolumeName()
		}
		disk.Source = &libvirtxml.DomainDiskSource{
			Volume: &libvirtxml.DomainDiskSourceVolume{
				Pool:   s.StoragePool,
				Volume: vol,
			},
		}
	}
	return disk
}
