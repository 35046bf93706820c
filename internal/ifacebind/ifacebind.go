// Package ifacebind decides which network interface an upstream DNS flow
// should bind to, generalizing the VPN-CIDR interface-steering idiom seen
// in the split-tunnel VPN example (route traffic to a VPN adapter only
// when the destination falls within configured VPN subnets) from WinDivert
// packet redirection to a plain dial-bind decision ahead of the teacher's
// forwarding_resolver.go's upstream dial.
package ifacebind

import (
	"net/netip"
	"sync"
	"time"
)

// Strategy selects how a Binder picks an interface.
type Strategy int

const (
	// ResolverCIDR binds to the VPN interface when the resolver address
	// falls within a configured VPN CIDR, otherwise the default interface.
	ResolverCIDR Strategy = iota
	// OriginalPath binds to whichever interface received the client query.
	OriginalPath
	// ActiveResolver binds to the system's currently active resolver
	// interface regardless of where the query arrived.
	ActiveResolver
)

// Binding is the resolved interface decision for one outbound flow.
type Binding struct {
	InterfaceName string
	LocalAddr     netip.Addr
	DecidedAt     time.Time
}

// Binder decides interface bindings for outbound upstream queries.
type Binder interface {
	Bind(resolver netip.Addr, arrivalInterface string) (Binding, error)
}

// ResolverCIDRBinder implements the ResolverCIDR strategy: resolver
// addresses inside any configured VPN prefix bind to VPNInterface, all
// others to DefaultInterface.
type ResolverCIDRBinder struct {
	VPNPrefixes      []netip.Prefix
	VPNInterface     string
	DefaultInterface string
}

func (b *ResolverCIDRBinder) Bind(resolver netip.Addr, _ string) (Binding, error) {
	for _, p := range b.VPNPrefixes {
		if p.Contains(resolver) {
			return Binding{InterfaceName: b.VPNInterface, DecidedAt: time.Now()}, nil
		}
	}
	return Binding{InterfaceName: b.DefaultInterface, DecidedAt: time.Now()}, nil
}

// OriginalPathBinder implements the OriginalPath strategy: always bind to
// whatever interface the client's query arrived on.
type OriginalPathBinder struct{}

func (OriginalPathBinder) Bind(_ netip.Addr, arrivalInterface string) (Binding, error) {
	return Binding{InterfaceName: arrivalInterface, DecidedAt: time.Now()}, nil
}

// ActiveResolverBinder implements the ActiveResolver strategy: always bind
// to the system's current default-resolver interface, refreshed by a
// PathMonitor.
type ActiveResolverBinder struct {
	mu      sync.RWMutex
	current string
}

func NewActiveResolverBinder(initial string) *ActiveResolverBinder {
	return &ActiveResolverBinder{current: initial}
}

func (b *ActiveResolverBinder) Bind(_ netip.Addr, _ string) (Binding, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Binding{InterfaceName: b.current, DecidedAt: time.Now()}, nil
}

// SetCurrent updates the interface considered "active," called by a
// PathMonitor on system resolver changes.
func (b *ActiveResolverBinder) SetCurrent(name string) {
	b.mu.Lock()
	b.current = name
	b.mu.Unlock()
}

// Table maps a transaction ID to its decided Binding with a short TTL so
// retries for the same client query stay on the same interface unless a
// path change forces a re-decision (Invalidate clears entries for an
// interface that just went down).
type Table struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[uint16]tableEntry
}

type tableEntry struct {
	binding   Binding
	expiresAt time.Time
}

// NewTable builds a binding Table with the given per-entry TTL.
func NewTable(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Table{ttl: ttl, entries: make(map[uint16]tableEntry)}
}

// Get returns the binding remembered for txid, if any and not expired.
func (t *Table) Get(txid uint16) (Binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[txid]
	if !ok || time.Now().After(e.expiresAt) {
		delete(t.entries, txid)
		return Binding{}, false
	}
	return e.binding, true
}

// Put remembers binding for txid.
func (t *Table) Put(txid uint16, b Binding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[txid] = tableEntry{binding: b, expiresAt: time.Now().Add(t.ttl)}
}

// EvictByInterface removes every remembered binding on interfaceName,
// called when a PathMonitor observes that interface going down so the next
// retry re-decides rather than retrying against a dead path.
func (t *Table) EvictByInterface(interfaceName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for txid, e := range t.entries {
		if e.binding.InterfaceName == interfaceName {
			delete(t.entries, txid)
		}
	}
}
