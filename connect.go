package virtlink

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "virtlink")

const (
	// defaultSocketPath is the local libvirtd unix socket.
	defaultSocketPath = "/var/run/libvirt/libvirt-sock"

	// defaultDialTimeout bounds the transport dial.
	defaultDialTimeout = 5 * time.Second

	// defaultRemotePort is the libvirtd TCP listener port.
	defaultRemotePort = "16509"
)

// Connection owns a single libvirt session. It is created by Open and must be
// released with Close. All operations on a Connection are serialized by an
// internal mutex, so one lifecycle operation is in flight at a time per
// Connection; independent Connections do not share state and may be used
// concurrently with each other.
type Connection struct {
	uri string

	mu    sync.Mutex
	lib   hypervisor
	rpc   *libvirt.Libvirt // nil when lib is a test double
	alive bool

	node    NodeInfo
	domains *registry
}

// Open establishes a connection to the hypervisor identified by uri and
// returns a Connection bound to it.
//
// Supported URI forms:
//
//	qemu:///system, qemu:///session       local unix socket
//	qemu+unix:///system?socket=/some/path local unix socket at an explicit path
//	qemu+tcp://host[:port]/system         remote libvirtd over TCP
//	test:///default                       libvirt mock driver
//
// A malformed URI or an unreachable daemon fails with ErrConnectionFailed.
func Open(ctx context.Context, uri string) (*Connection, error) {
	dialer, connectURI, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	l := libvirt.NewWithDialer(dialer)

	// The dialer bounds the socket connect, but the protocol handshake can
	// also hang against a wedged daemon, so run it under the caller context.
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.ConnectToURI(connectURI)
	}()

	select {
	case <-ctx.Done():
		// The abandoned handshake may still succeed; close the socket it
		// opened so it does not leak.
		go func() {
			if err := <-errCh; err == nil {
				_ = l.Disconnect()
			}
		}()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, uri, ctx.Err())
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, uri, err)
		}
	}

	conn := &Connection{
		uri:     uri,
		lib:     l,
		rpc:     l,
		alive:   true,
		domains: newRegistry(),
	}

	if err := conn.snapshotNodeInfo(); err != nil {
		_ = l.Disconnect()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, uri, err)
	}

	if err := conn.seedRegistry(); err != nil {
		_ = l.Disconnect()
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, uri, err)
	}

	logger.WithField("uri", uri).Info("connection established")
	return conn, nil
}

// parseURI maps a connection URI onto a transport dialer and the URI handed
// to the remote driver during the protocol handshake.
func parseURI(uri string) (socket.Dialer, libvirt.ConnectURI, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, "", fmt.Errorf("%w: malformed URI %q: %v", ErrConnectionFailed, uri, err)
	}

	connectURI := libvirt.QEMUSystem
	if u.Path == "/session" {
		connectURI = libvirt.QEMUSession
	}

	switch u.Scheme {
	case "test":
		return dialers.NewLocal(
			dialers.WithSocket(defaultSocketPath),
			dialers.WithLocalTimeout(defaultDialTimeout),
		), libvirt.TestDefault, nil

	case "qemu", "qemu+unix":
		socketPath := u.Query().Get("socket")
		if socketPath == "" {
			socketPath = defaultSocketPath
		}
		return dialers.NewLocal(
			dialers.WithSocket(socketPath),
			dialers.WithLocalTimeout(defaultDialTimeout),
		), connectURI, nil

	case "qemu+tcp":
		host := u.Hostname()
		if host == "" {
			return nil, "", fmt.Errorf("%w: URI %q has no host", ErrConnectionFailed, uri)
		}
		port := u.Port()
		if port == "" {
			port = defaultRemotePort
		}
		return dialers.NewRemote(host,
			dialers.UsePort(port),
			dialers.WithRemoteTimeout(defaultDialTimeout),
		), connectURI, nil

	default:
		return nil, "", fmt.Errorf("%w: unsupported URI scheme %q", ErrConnectionFailed, u.Scheme)
	}
}

// URI returns the connection URI this Connection was opened with.
func (c *Connection) URI() string {
	return c.uri
}

// Libvirt exposes the underlying go-libvirt client for operations outside
// this package's surface, such as the storage and network managers.
func (c *Connection) Libvirt() *libvirt.Libvirt {
	return c.rpc
}

// IsAlive reports whether the connection is believed usable. It consults only
// cached state and never touches the transport: the flag is cleared by Close
// and by any operation that observes a transport failure.
func (c *Connection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// Close releases the connection. It is idempotent; closing an already-closed
// Connection returns nil. A closed Connection is never reopened.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.alive {
		return nil
	}
	c.alive = false

	if err := c.lib.Disconnect(); err != nil {
		return transportErr("disconnect", err)
	}

	logger.WithField("uri", c.uri).Info("connection closed")
	return nil
}

// checkAlive must be called with c.mu held.
func (c *Connection) checkAlive() error {
	if !c.alive {
		return fmt.Errorf("%w: %s", ErrConnectionClosed, c.uri)
	}
	return nil
}

// markDead invalidates the connection after an observed transport failure.
// Must be called with c.mu held.
func (c *Connection) markDead(err error) {
	if c.alive {
		logger.WithField("uri", c.uri).WithError(err).Warn("marking connection dead")
	}
	c.alive = false
}
