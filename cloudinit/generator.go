// Package cloudinit generates NoCloud seed data for guest first boot.
//
// The generated files follow the cloud-init NoCloud datasource layout:
// user-data, meta-data and network-config in the root of a CIDATA ISO.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/virtlink/virtlink/vmspec"
)

// UserData is the cloud-config structure marshaled into user-data.
type UserData struct {
	Hostname          string    `yaml:"hostname"`
	FQDN              string    `yaml:"fqdn"`
	Users             []User    `yaml:"users,omitempty"`
	SSHAuthorizedKeys []string  `yaml:"ssh_authorized_keys,omitempty"`
	Chpasswd          *Chpasswd `yaml:"chpasswd,omitempty"`
	SSHPasswordAuth   bool      `yaml:"ssh_pwauth"`
	Output            *Output   `yaml:"output,omitempty"`
}

// User describes an account created on first boot.
type User struct {
	Name              string   `yaml:"name"`
	Sudo              string   `yaml:"sudo,omitempty"`
	Shell             string   `yaml:"shell,omitempty"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

// Chpasswd configures password settings.
type Chpasswd struct {
	Expire bool   `yaml:"expire"`
	List   string `yaml:"list"` // "username:hash"
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// MetaData is the NoCloud meta-data structure.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// NetworkConfig is a netplan v2 network configuration.
type NetworkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]EthernetConfig `yaml:"ethernets"`
}

// EthernetConfig configures a single interface, matched by MAC address.
type EthernetConfig struct {
	Match       MatchConfig   `yaml:"match"`
	Addresses   []string      `yaml:"addresses"`
	Routes      []RouteConfig `yaml:"routes,omitempty"`
	Nameservers *Nameservers  `yaml:"nameservers,omitempty"`
}

// MatchConfig matches an interface by MAC address.
type MatchConfig struct {
	MACAddress string `yaml:"macaddress"`
}

// RouteConfig is a static route.
type RouteConfig struct {
	To  string `yaml:"to"`
	Via string `yaml:"via"`
}

// Nameservers lists DNS servers.
type Nameservers struct {
	Addresses []string `yaml:"addresses"`
}

// GenerateUserData renders the user-data file, including the
// "#cloud-config" header cloud-init requires.
func GenerateUserData(spec *vmspec.Spec) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("spec cannot be nil")
	}

	hostname := spec.Name
	fqdn := spec.Name
	if spec.CloudInit != nil && spec.CloudInit.FQDN != "" {
		fqdn = spec.CloudInit.FQDN
		hostname = strings.SplitN(fqdn, ".", 2)[0]
	}

	userData := UserData{
		Hostname:        hostname,
		FQDN:            fqdn,
		SSHPasswordAuth: false,
		Output: &Output{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
	}

	if ci := spec.CloudInit; ci != nil {
		if ci.User != "" {
			userData.Users = []User{
				{
					Name:              ci.User,
					Sudo:              "ALL=(ALL) NOPASSWD:ALL",
					Shell:             "/bin/bash",
					SSHAuthorizedKeys: ci.SSHKeys,
				},
			}
		} else if len(ci.SSHKeys) > 0 {
			userData.SSHAuthorizedKeys = ci.SSHKeys
		}

		if ci.RootPasswordHash != "" {
			userData.Chpasswd = &Chpasswd{
				Expire: false,
				List:   fmt.Sprintf("root:%s", ci.RootPasswordHash),
			}
		}
		if ci.SSHPwAuth != nil {
			userData.SSHPasswordAuth = *ci.SSHPwAuth
		}
	}

	yamlBytes, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}

	return "#cloud-config\n" + string(yamlBytes), nil
}

// GenerateMetaData renders the meta-data file.
//
// The instance-id is the machine name, so a machine recreated under the
// same name re-runs cloud-init on its next boot.
func GenerateMetaData(spec *vmspec.Spec) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("spec cannot be nil")
	}

	metaData := MetaData{
		InstanceID:    spec.Name,
		LocalHostname: spec.Name,
	}

	yamlBytes, err := yaml.Marshal(&metaData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}

	return string(yamlBytes), nil
}

// GenerateNetworkConfig renders the netplan v2 network-config file.
// Interfaces are matched by MAC address. The first interface with a
// gateway carries the default route.
func GenerateNetworkConfig(spec *vmspec.Spec) (string, error) {
	if spec == nil {
		return "", fmt.Errorf("spec cannot be nil")
	}
	if len(spec.Networks) == 0 {
		return "", fmt.Errorf("at least one network interface is required")
	}

	networkConfig := NetworkConfig{
		Version:   2,
		Ethernets: make(map[string]EthernetConfig),
	}

	defaultRouteSet := false
	for i, iface := range spec.Networks {
		ethName := fmt.Sprintf("eth%d", i)

		ethConfig := EthernetConfig{
			Match: MatchConfig{
				MACAddress: iface.MACAddress,
			},
			Addresses: []string{iface.IP},
		}

		if iface.Gateway != "" && !defaultRouteSet {
			ethConfig.Routes = []RouteConfig{
				{To: "0.0.0.0/0", Via: iface.Gateway},
			}
			defaultRouteSet = true
		}

		if len(iface.DNSServers) > 0 {
			ethConfig.Nameservers = &Nameservers{
				Addresses: iface.DNSServers,
			}
		}

		networkConfig.Ethernets[ethName] = ethConfig
	}

	yamlBytes, err := yaml.Marshal(&networkConfig)
	if err != nil {
		return "", fmt.Errorf("failed to marshal network-config to YAML: %w", err)
	}

	return string(yamlBytes), nil
}
