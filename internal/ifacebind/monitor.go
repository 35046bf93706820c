package ifacebind

import (
	"context"
	"log/slog"
	"time"

	gopsnet "github.com/shirou/gopsutil/v3/net"
)

// PathMonitor polls the host's network interfaces for up/down transitions,
// since the example pack carries no netlink-subscribe dependency (no
// vishvananda/netlink, no wgctrl watch API) — gopsutil's Interfaces() is
// the only interface-enumeration surface available, so a poll loop is used
// rather than an event subscription.
type PathMonitor struct {
	interval time.Duration
	logger   *slog.Logger

	// OnDown is invoked with the name of each interface observed to have
	// gone away or lost all addresses since the last poll; callers wire
	// this to Table.EvictByInterface and response-cache eviction.
	OnDown func(interfaceName string)
	// OnUp is invoked for interfaces newly observed with addresses.
	OnUp func(interfaceName string)
}

// NewPathMonitor builds a PathMonitor polling at interval (default 5s).
func NewPathMonitor(interval time.Duration, logger *slog.Logger) *PathMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PathMonitor{interval: interval, logger: logger}
}

// Run polls until ctx is cancelled. Must be started in its own goroutine.
func (m *PathMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	known, err := m.snapshot()
	if err != nil && m.logger != nil {
		m.logger.Warn("ifacebind: initial interface snapshot failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := m.snapshot()
			if err != nil {
				if m.logger != nil {
					m.logger.Warn("ifacebind: interface snapshot failed", "error", err)
				}
				continue
			}
			m.diff(known, current)
			known = current
		}
	}
}

func (m *PathMonitor) snapshot() (map[string]bool, error) {
	ifaces, err := gopsnet.Interfaces()
	if err != nil {
		return nil, err
	}
	up := make(map[string]bool, len(ifaces))
	for _, iface := range ifaces {
		up[iface.Name] = len(iface.Addrs) > 0 && hasFlag(iface.Flags, "up")
	}
	return up, nil
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func (m *PathMonitor) diff(prev, current map[string]bool) {
	for name, wasUp := range prev {
		isUp, exists := current[name]
		if wasUp && (!exists || !isUp) {
			if m.OnDown != nil {
				m.OnDown(name)
			}
		}
	}
	for name, isUp := range current {
		wasUp := prev[name]
		if isUp && !wasUp {
			if m.OnUp != nil {
				m.OnUp(name)
			}
		}
	}
}
