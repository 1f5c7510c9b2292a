package cloudinit

import (
	"bytes"
	"fmt"

	"github.com/kdomanski/iso9660"

	"github.com/virtlink/virtlink/vmspec"
)

// GenerateISO builds a NoCloud seed ISO from the spec.
//
// The image holds user-data, meta-data and, when the spec has network
// interfaces, network-config in its root directory. The volume label is
// CIDATA as the NoCloud datasource requires.
func GenerateISO(spec *vmspec.Spec) ([]byte, error) {
	if spec == nil {
		return nil, fmt.Errorf("spec cannot be nil")
	}

	userData, err := GenerateUserData(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to generate user-data: %w", err)
	}

	metaData, err := GenerateMetaData(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to generate meta-data: %w", err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() {
		_ = writer.Cleanup()
	}()

	if err := writer.AddFile(bytes.NewReader([]byte(userData)), "user-data"); err != nil {
		return nil, fmt.Errorf("failed to add user-data: %w", err)
	}
	if err := writer.AddFile(bytes.NewReader([]byte(metaData)), "meta-data"); err != nil {
		return nil, fmt.Errorf("failed to add meta-data: %w", err)
	}

	// Machines without static interfaces fall back to in-guest DHCP, so
	// network-config is only written when there is something to say.
	if len(spec.Networks) > 0 {
		networkConfig, err := GenerateNetworkConfig(spec)
		if err != nil {
			return nil, fmt.Errorf("failed to generate network-config: %w", err)
		}
		if err := writer.AddFile(bytes.NewReader([]byte(networkConfig)), "network-config"); err != nil {
			return nil, fmt.Errorf("failed to add network-config: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, "CIDATA"); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}

	return buf.Bytes(), nil
}
