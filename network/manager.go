// Package network manages libvirt virtual networks.
package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

var (
	ErrNetworkNameRequired = errors.New("network name is required")
	ErrDefineNetwork       = errors.New("failed to define network")
	ErrStartNetwork        = errors.New("failed to start network")
	ErrDestroyNetwork      = errors.New("failed to destroy network")
	ErrUndefineNetwork     = errors.New("failed to undefine network")
	ErrCheckNetwork        = errors.New("failed to check network")
	ErrMarshalNetworkXML   = errors.New("failed to marshal network XML")
	ErrNetworkNotFound     = errors.New("network not found")
)

// virErrNoNetwork is VIR_ERR_NO_NETWORK from libvirt/virterror.h.
const virErrNoNetwork = 43

func isNotFound(err error) bool {
	if libvirt.IsNotFound(err) {
		return true
	}
	var e libvirt.Error
	return errors.As(err, &e) && e.Code == virErrNoNetwork
}

// Client is the subset of libvirt network operations the manager needs.
// It is satisfied by *libvirt.Libvirt and by test doubles.
type Client interface {
	NetworkLookupByName(Name string) (libvirt.Network, error)
	NetworkDefineXML(XML string) (libvirt.Network, error)
	NetworkCreate(Net libvirt.Network) error
	NetworkDestroy(Net libvirt.Network) error
	NetworkUndefine(Net libvirt.Network) error
	NetworkSetAutostart(Net libvirt.Network, Autostart int32) error
	NetworkGetAutostart(Net libvirt.Network) (int32, error)
	NetworkIsActive(Net libvirt.Network) (int32, error)
	NetworkGetXMLDesc(Net libvirt.Network, Flags uint32) (string, error)
}

// Config describes a virtual network to create.
type Config struct {
	Name       string
	BridgeName string // Linux bridge to attach to (bridge mode)
	Mode       string // "bridge", "nat", "isolated"
	IPAddress  string // gateway address for NAT/isolated mode
	Netmask    string // netmask for NAT/isolated mode
}

// Info describes an existing virtual network.
type Info struct {
	Name       string
	BridgeName string
	Mode       string
	IsActive   bool
	Autostart  bool
}

// Manager manages libvirt virtual networks.
type Manager struct {
	client Client
}

// NewManager creates a network manager on top of an established libvirt
// connection.
func NewManager(client Client) *Manager {
	return &Manager{client: client}
}

// Create defines and starts a virtual network. Idempotent: an existing
// network is started if inactive.
func (m *Manager) Create(ctx context.Context, config Config) error {
	if config.Name == "" {
		return ErrNetworkNameRequired
	}
	if config.Mode == "" {
		config.Mode = "bridge"
	}

	info, err := m.Get(ctx, config.Name)
	if err != nil && !errors.Is(err, ErrNetworkNotFound) {
		return err
	}
	if info != nil {
		return m.ensureActive(config.Name)
	}

	networkXML, err := GenerateXML(config)
	if err != nil {
		return err
	}

	net, err := m.client.NetworkDefineXML(networkXML)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDefineNetwork, err)
	}

	if err := m.client.NetworkCreate(net); err != nil {
		_ = m.client.NetworkUndefine(net)
		return fmt.Errorf("%w: %v", ErrStartNetwork, err)
	}

	// Autostart is not critical.
	_ = m.client.NetworkSetAutostart(net, 1)

	return nil
}

func (m *Manager) ensureActive(name string) error {
	net, err := m.client.NetworkLookupByName(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}

	active, err := m.client.NetworkIsActive(net)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	if active == 0 {
		if err := m.client.NetworkCreate(net); err != nil {
			return fmt.Errorf("%w: %v", ErrStartNetwork, err)
		}
	}
	return nil
}

// Get returns information about a network, or ErrNetworkNotFound.
func (m *Manager) Get(ctx context.Context, name string) (*Info, error) {
	if name == "" {
		return nil, ErrNetworkNameRequired
	}

	net, err := m.client.NetworkLookupByName(name)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNetworkNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}

	active, err := m.client.NetworkIsActive(net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}

	autostart, err := m.client.NetworkGetAutostart(net)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}

	xmlDesc, err := m.client.NetworkGetXMLDesc(net, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}

	var networkXML libvirtxml.Network
	if err := networkXML.Unmarshal(xmlDesc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}

	bridgeName := ""
	if networkXML.Bridge != nil {
		bridgeName = networkXML.Bridge.Name
	}
	mode := "isolated"
	if networkXML.Forward != nil {
		mode = networkXML.Forward.Mode
	}

	return &Info{
		Name:       name,
		BridgeName: bridgeName,
		Mode:       mode,
		IsActive:   active != 0,
		Autostart:  autostart != 0,
	}, nil
}

// Delete stops and undefines a network. Idempotent: a missing network
// is not an error.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if name == "" {
		return ErrNetworkNameRequired
	}

	net, err := m.client.NetworkLookupByName(name)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}

	active, err := m.client.NetworkIsActive(net)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckNetwork, err)
	}
	if active != 0 {
		if err := m.client.NetworkDestroy(net); err != nil {
			return fmt.Errorf("%w: %v", ErrDestroyNetwork, err)
		}
	}

	if err := m.client.NetworkUndefine(net); err != nil {
		return fmt.Errorf("%w: %v", ErrUndefineNetwork, err)
	}

	return nil
}

// GenerateXML renders network XML for the given config.
func GenerateXML(config Config) (string, error) {
	net := &libvirtxml.Network{
		Name: config.Name,
	}

	switch config.Mode {
	case "bridge":
		if config.BridgeName == "" {
			return "", errors.New("bridge name required for bridge mode")
		}
		net.Forward = &libvirtxml.NetworkForward{Mode: "bridge"}
		net.Bridge = &libvirtxml.NetworkBridge{Name: config.BridgeName}

	case "nat":
		net.Forward = &libvirtxml.NetworkForward{Mode: "nat"}
		net.Bridge = &libvirtxml.NetworkBridge{STP: "on"}
		ipAddr := config.IPAddress
		if ipAddr == "" {
			// Avoid the default libvirt network (192.168.122.0/24).
			ipAddr = "192.168.150.1"
		}
		netmask := config.Netmask
		if netmask == "" {
			netmask = "255.255.255.0"
		}
		net.IPs = []libvirtxml.NetworkIP{
			{Address: ipAddr, Netmask: netmask},
		}

	case "isolated":
		net.Bridge = &libvirtxml.NetworkBridge{STP: "on"}
		ipAddr := config.IPAddress
		if ipAddr == "" {
			ipAddr = "192.168.151.1"
		}
		netmask := config.Netmask
		if netmask == "" {
			netmask = "255.255.255.0"
		}
		net.IPs = []libvirtxml.NetworkIP{
			{Address: ipAddr, Netmask: netmask},
		}

	default:
		return "", fmt.Errorf("unsupported network mode: %s", config.Mode)
	}

	xml, err := net.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMarshalNetworkXML, err)
	}
	return xml, nil
}
