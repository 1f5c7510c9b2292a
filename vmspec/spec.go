// Package vmspec defines the guest machine specification and turns it
// into libvirt domain XML.
package vmspec

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// Spec describes a guest machine.
type Spec struct {
	Name        string `yaml:"name"`
	VCPUs       int    `yaml:"vcpus"`
	MemoryMiB   int    `yaml:"memory_mib"`
	OSType      string `yaml:"os_type,omitempty"`      // default "hvm"
	Arch        string `yaml:"arch,omitempty"`         // default "x86_64"
	MachineType string `yaml:"machine_type,omitempty"` // default "q35"
	CPUMode     string `yaml:"cpu_mode,omitempty"`     // default "host-model"

	BootDisk  BootDisk   `yaml:"boot_disk"`
	DataDisks []DataDisk `yaml:"data_disks,omitempty"`

	Networks []NetworkInterface `yaml:"network_interfaces,omitempty"`

	TPM   bool   `yaml:"tpm,omitempty"`
	SPICE *SPICE `yaml:"spice,omitempty"`
	VNC   *VNC   `yaml:"vnc,omitempty"`

	CloudInit *CloudInit `yaml:"cloud_init,omitempty"`

	// StoragePool names the libvirt pool holding the machine's volumes.
	StoragePool string `yaml:"storage_pool,omitempty"`
}

// BootDisk describes the primary disk.
type BootDisk struct {
	SizeGB int `yaml:"size_gb"`
	// ImagePath points at a local qcow2 base image. Empty means a blank disk.
	ImagePath string `yaml:"image_path,omitempty"`
	// Volume references an existing volume in the storage pool instead of
	// a local file.
	Volume string `yaml:"volume,omitempty"`
}

// DataDisk describes an additional disk attached after the boot disk.
type DataDisk struct {
	Device string `yaml:"device"` // vdb, vdc, ...
	SizeGB int    `yaml:"size_gb"`
}

// NetworkInterface describes one guest NIC. The MAC address is derived
// from the IP so that re-deploys of the same address keep the same MAC.
type NetworkInterface struct {
	IP         string   `yaml:"ip"` // address with CIDR, e.g. "10.20.30.40/24"
	Gateway    string   `yaml:"gateway,omitempty"`
	DNSServers []string `yaml:"dns_servers,omitempty"`
	Bridge     string   `yaml:"bridge,omitempty"`
	// Network names a libvirt network to attach to instead of a bridge.
	Network string `yaml:"network,omitempty"`

	MACAddress string `yaml:"-"`
}

// SPICE enables a SPICE graphics listener.
type SPICE struct {
	Port int `yaml:"port,omitempty"` // 0 means autoport
}

// VNC enables a VNC graphics listener.
type VNC struct {
	Port int `yaml:"port,omitempty"` // 0 means autoport
}

// CloudInit carries NoCloud seed data for first boot.
type CloudInit struct {
	FQDN             string   `yaml:"fqdn,omitempty"`
	User             string   `yaml:"user,omitempty"`
	SSHKeys          []string `yaml:"ssh_keys,omitempty"`
	RootPasswordHash string   `yaml:"root_password_hash,omitempty"`
	SSHPwAuth        *bool    `yaml:"ssh_pwauth,omitempty"`
}

var (
	namePattern  = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)
	fqdnPattern  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)
	validArchs   = map[string]bool{"x86_64": true, "aarch64": true}
	validOSTypes = map[string]bool{"hvm": true}
)

// Normalize fills in defaults and sanitizes user input. Called by
// LoadFromFile before validation; callers building a Spec in code should
// call it themselves.
func (s *Spec) Normalize() {
	s.Name = strings.ToLower(strings.TrimSpace(s.Name))
	if s.OSType == "" {
		s.OSType = "hvm"
	}
	if s.Arch == "" {
		s.Arch = "x86_64"
	}
	if s.MachineType == "" {
		s.MachineType = "q35"
	}
	if s.CPUMode == "" {
		s.CPUMode = "host-model"
	}
	if s.StoragePool == "" {
		s.StoragePool = "default"
	}
	if s.CloudInit != nil {
		s.CloudInit.FQDN = strings.ToLower(strings.TrimSpace(s.CloudInit.FQDN))
	}
}

// Validate checks the spec for structural errors. It does not verify
// hypervisor resources such as pools, bridges or base images.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !namePattern.MatchString(s.Name) {
		return fmt.Errorf("name must start and end with alphanumeric characters and contain only alphanumeric, hyphens, or underscores, got %q", s.Name)
	}
	if s.VCPUs <= 0 {
		return fmt.Errorf("vcpus must be > 0, got %d", s.VCPUs)
	}
	if s.MemoryMiB <= 0 {
		return fmt.Errorf("memory_mib must be > 0, got %d", s.MemoryMiB)
	}
	if !validOSTypes[s.OSType] {
		return fmt.Errorf("unsupported os_type %q", s.OSType)
	}
	if !validArchs[s.Arch] {
		return fmt.Errorf("unsupported arch %q", s.Arch)
	}

	if err := s.BootDisk.Validate(); err != nil {
		return fmt.Errorf("boot_disk: %w", err)
	}

	devicesSeen := make(map[string]bool)
	for i, d := range s.DataDisks {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("data_disks[%d]: %w", i, err)
		}
		if devicesSeen[d.Device] {
			return fmt.Errorf("data_disks[%d]: duplicate device name %q", i, d.Device)
		}
		devicesSeen[d.Device] = true
	}

	ipsSeen := make(map[string]bool)
	for i, n := range s.Networks {
		if err := n.Validate(); err != nil {
			return fmt.Errorf("network_interfaces[%d]: %w", i, err)
		}
		if ipsSeen[n.IP] {
			return fmt.Errorf("network_interfaces[%d]: duplicate IP %q", i, n.IP)
		}
		ipsSeen[n.IP] = true
	}

	if s.CloudInit != nil {
		if err := s.CloudInit.Validate(); err != nil {
			return fmt.Errorf("cloud_init: %w", err)
		}
	}

	return nil
}

// Validate checks the boot disk settings.
func (b *BootDisk) Validate() error {
	if b.SizeGB <= 0 {
		return fmt.Errorf("size_gb must be > 0, got %d", b.SizeGB)
	}
	if b.ImagePath != "" && b.Volume != "" {
		return fmt.Errorf("cannot specify both 'image_path' and 'volume'")
	}
	return nil
}

// Validate checks a data disk entry.
func (d *DataDisk) Validate() error {
	if d.Device == "" {
		return fmt.Errorf("device is required")
	}
	if d.SizeGB <= 0 {
		return fmt.Errorf("size_gb must be > 0, got %d", d.SizeGB)
	}
	return nil
}

// Validate checks a network interface entry.
func (n *NetworkInterface) Validate() error {
	if n.IP == "" {
		return fmt.Errorf("ip is required")
	}
	if n.Bridge == "" && n.Network == "" {
		return fmt.Errorf("either bridge or network is required")
	}
	if n.Bridge != "" && n.Network != "" {
		return fmt.Errorf("cannot specify both bridge and network")
	}

	ip, ipnet, err := net.ParseCIDR(n.IP)
	if err != nil {
		return fmt.Errorf("invalid ip/cidr format %q: %w", n.IP, err)
	}
	if ip == nil || ipnet == nil {
		return fmt.Errorf("invalid ip/cidr format %q", n.IP)
	}

	if n.Gateway != "" && net.ParseIP(n.Gateway) == nil {
		return fmt.Errorf("invalid gateway IP address %q", n.Gateway)
	}
	for i, dns := range n.DNSServers {
		if net.ParseIP(dns) == nil {
			return fmt.Errorf("dns_servers[%d] is not a valid IP address: %q", i, dns)
		}
	}

	return nil
}

// Validate checks the cloud-init settings.
func (c *CloudInit) Validate() error {
	if c.FQDN != "" && !fqdnPattern.MatchString(c.FQDN) {
		return fmt.Errorf("fqdn must be a valid hostname with domain (e.g. host.example.com), got %q", c.FQDN)
	}

	for i, key := range c.SSHKeys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return fmt.Errorf("ssh_keys[%d] is not a valid SSH public key: %w", i, err)
		}
	}

	if c.RootPasswordHash != "" {
		if len(c.RootPasswordHash) < 10 || c.RootPasswordHash[0] != '$' {
			return fmt.Errorf("root_password_hash must be a valid crypt hash (should start with $)")
		}
	}

	return nil
}

// LoadFromFile loads a spec from a YAML file, normalizes it and
// validates it. MAC addresses are derived for every interface.
func LoadFromFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec file: %w", err)
	}

	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid spec: %w", err)
	}
	if err := spec.DeriveMACs(); err != nil {
		return nil, err
	}

	return &spec, nil
}

// DeriveMACs sets the MAC address of every interface from its IP.
func (s *Spec) DeriveMACs() error {
	for i := range s.Networks {
		mac, err := macFromIP(s.Networks[i].IP)
		if err != nil {
			return fmt.Errorf("network_interfaces[%d]: %w", i, err)
		}
		s.Networks[i].MACAddress = mac
	}
	return nil
}

// macFromIP maps an IPv4 address onto a locally administered MAC:
//
//	10.20.30.40 -> be:ef:0a:14:1e:28
//
// The same IP always yields the same MAC, so DHCP reservations and ARP
// caches survive a redefine.
func macFromIP(ipWithCIDR string) (string, error) {
	ipStr := ipWithCIDR
	if strings.Contains(ipWithCIDR, "/") {
		ip, _, err := net.ParseCIDR(ipWithCIDR)
		if err != nil {
			return "", fmt.Errorf("invalid IP/CIDR format: %w", err)
		}
		ipStr = ip.String()
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", ipStr)
	}
	ip = ip.To4()
	if ip == nil {
		return "", fmt.Errorf("only IPv4 addresses are supported: %s", ipStr)
	}

	return fmt.Sprintf("be:ef:%02x:%02x:%02x:%02x", ip[0], ip[1], ip[2], ip[3]), nil
}

// VolumeName returns the pool volume name for the boot disk.
func (s *Spec) VolumeName() string {
	return fmt.Sprintf("%s_boot.qcow2", s.Name)
}

// DataVolumeName returns the pool volume name for a data disk.
func (s *Spec) DataVolumeName(device string) string {
	return fmt.Sprintf("%s_data-%s.qcow2", s.Name, device)
}

// SeedVolumeName returns the pool volume name for the cloud-init ISO.
func (s *Spec) SeedVolumeName() string {
	return fmt.Sprintf("%s_cloudinit.iso", s.Name)
}
