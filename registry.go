package virtlink

import (
	"sort"

	"github.com/digitalocean/go-libvirt"
)

// record is the registry's view of one defined domain.
type record struct {
	lv    libvirt.Domain
	state State
}

// registry tracks the domains defined on a connection: their names, UUIDs and
// last observed power state. It exists to give lifecycle operations typed
// duplicate and not-found failures and to validate state transitions before a
// request reaches the transport. The hypervisor remains the source of truth;
// entries are refreshed from it before each transition is validated.
//
// The registry is owned by a Connection and protected by the connection
// mutex; it has no locking of its own.
type registry struct {
	domains map[string]*record
}

func newRegistry() *registry {
	return &registry{domains: make(map[string]*record)}
}

// seedRegistry populates the registry with the domains the hypervisor already
// knows about. Called once during Open with no lock held, before the
// Connection escapes to the caller.
func (c *Connection) seedRegistry() error {
	// needResults=1 asks the daemon to return the domain list rather than
	// just a count; flags=0 selects both active and inactive domains.
	domains, _, err := c.lib.ConnectListAllDomains(1, 0)
	if err != nil {
		return err
	}

	for _, dom := range domains {
		state, _, err := c.lib.DomainGetState(dom, 0)
		if err != nil {
			logger.WithField("domain", dom.Name).WithError(err).Warn("skipping domain with unreadable state")
			continue
		}
		c.domains.put(&record{
			lv:    dom,
			state: stateFromLibvirt(state),
		})
	}
	return nil
}

// refreshRegistry rebuilds the registry from the hypervisor's domain list.
// Must be called with c.mu held.
func (c *Connection) refreshRegistry() error {
	fresh := newRegistry()
	old := c.domains
	c.domains = fresh
	if err := c.seedRegistry(); err != nil {
		c.domains = old
		return err
	}
	return nil
}

func (r *registry) put(rec *record) {
	r.domains[rec.lv.Name] = rec
}

func (r *registry) get(name string) (*record, bool) {
	rec, ok := r.domains[name]
	return rec, ok
}

func (r *registry) remove(name string) {
	delete(r.domains, name)
}

// names returns all registered domain names in sorted order.
func (r *registry) names() []string {
	out := make([]string, 0, len(r.domains))
	for name := range r.domains {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
