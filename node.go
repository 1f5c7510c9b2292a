package virtlink

import (
	"context"
)

// NodeInfo is a snapshot of the host's capabilities, captured when the
// connection is opened.
type NodeInfo struct {
	// Model is the CPU model name reported by the hypervisor.
	Model string
	// MemoryBytes is the total host memory in bytes.
	MemoryBytes uint64
	// CPUs is the number of active logical CPUs.
	CPUs int
	// MHz is the expected CPU frequency.
	MHz int
	// Nodes, Sockets, Cores and Threads describe the host topology.
	Nodes   int
	Sockets int
	Cores   int
	Threads int
}

// snapshotNodeInfo caches the host capability snapshot on the connection.
// Called once during Open, before the Connection is handed to the caller.
func (c *Connection) snapshotNodeInfo() error {
	model, memKiB, cpus, mhz, nodes, sockets, cores, threads, err := c.lib.NodeGetInfo()
	if err != nil {
		return err
	}

	c.node = NodeInfo{
		Model:       cString(model[:]),
		MemoryBytes: memKiB * 1024,
		CPUs:        int(cpus),
		MHz:         int(mhz),
		Nodes:       int(nodes),
		Sockets:     int(sockets),
		Cores:       int(cores),
		Threads:     int(threads),
	}
	return nil
}

// NodeInfo returns the host capability snapshot cached at Open time. It fails
// with ErrConnectionClosed once the connection has been invalidated.
func (c *Connection) NodeInfo() (NodeInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return NodeInfo{}, err
	}
	return c.node, nil
}

// FreeMemory queries the hypervisor for the amount of free memory on the
// host, in bytes. Unlike NodeInfo this is a live query and may block on the
// transport.
func (c *Connection) FreeMemory(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, transportErr("free memory", err)
	}

	free, err := c.lib.NodeGetFreeMemory()
	if err != nil {
		if !isHypervisorError(err) {
			c.markDead(err)
		}
		return 0, transportErr("free memory", err)
	}
	return free, nil
}

// Hostname returns the hypervisor host name.
func (c *Connection) Hostname(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", transportErr("hostname", err)
	}

	hostname, err := c.lib.ConnectGetHostname()
	if err != nil {
		if !isHypervisorError(err) {
			c.markDead(err)
		}
		return "", transportErr("hostname", err)
	}
	return hostname, nil
}

// LibVersion returns the libvirt library version of the remote daemon,
// encoded as major*1000000 + minor*1000 + release.
func (c *Connection) LibVersion(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkAlive(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, transportErr("lib version", err)
	}

	version, err := c.lib.ConnectGetLibVersion()
	if err != nil {
		if !isHypervisorError(err) {
			c.markDead(err)
		}
		return 0, transportErr("lib version", err)
	}
	return version, nil
}

// cString converts a NUL-padded libvirt char array to a Go string.
func cString(raw []int8) string {
	buf := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == 0 {
			break
		}
		buf = append(buf, byte(c))
	}
	return string(buf)
}
