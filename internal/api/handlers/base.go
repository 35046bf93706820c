// Package handlers implements the REST API endpoint handlers for RuleProxy.
//
// @title RuleProxy Management API
// @version 1.0
// @description REST API for managing RuleProxy server configuration, zones, and filtering.
//
// @contact.name RuleProxy Support
// @contact.url https://github.com/nullstream/ruleproxy
//
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
//
// @host localhost:8080
// @BasePath /api/v1
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
package handlers

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nullstream/ruleproxy/internal/cluster"
	"github.com/nullstream/ruleproxy/internal/config"
	"github.com/nullstream/ruleproxy/internal/database"
	"github.com/nullstream/ruleproxy/internal/filtering"
	"github.com/nullstream/ruleproxy/internal/server"
	"github.com/nullstream/ruleproxy/internal/zone"
)

// Handler contains dependencies for API handlers.
type Handler struct {
	cfg       *config.Config
	logger    *slog.Logger
	startTime time.Time

	// Runtime components (set after server starts)
	db                  *database.DB
	policyEngine        *filtering.PolicyEngine
	zones               []*zone.Zone
	clusterSyncer       *cluster.Syncer
	customDNSReloadFunc func() error
	dnsStatsFunc        func() server.DNSStatsSnapshot
	mu                  sync.RWMutex
}

// New creates a new Handler with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetPolicyEngine sets the filtering policy engine for runtime access.
func (h *Handler) SetPolicyEngine(pe *filtering.PolicyEngine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policyEngine = pe
}

// GetPolicyEngine returns the currently wired filtering policy engine, or
// nil if filtering is disabled.
func (h *Handler) GetPolicyEngine() *filtering.PolicyEngine {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.policyEngine
}

// SetZones sets the loaded zones for runtime access.
func (h *Handler) SetZones(zones []*zone.Zone) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.zones = zones
}

// SetDB wires the database-backed config store used by write endpoints
// (filtering lists, custom DNS records, cluster config) and by GetVersion.
func (h *Handler) SetDB(db *database.DB) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.db = db
}

// SetClusterSyncer wires the cluster syncer for status/force-sync endpoints.
// Only present when this node runs in secondary mode.
func (h *Handler) SetClusterSyncer(syncer *cluster.Syncer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clusterSyncer = syncer
}

// SetCustomDNSReloadFunc wires the callback invoked after a custom DNS
// record is added, updated, or deleted, so the running resolver picks up
// the change without a restart.
func (h *Handler) SetCustomDNSReloadFunc(fn func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.customDNSReloadFunc = fn
}

// SetDNSStatsFunc wires the callback the /stats endpoint uses to read a
// point-in-time snapshot of the running DNS server's query counters.
func (h *Handler) SetDNSStatsFunc(fn func() server.DNSStatsSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dnsStatsFunc = fn
}

// GetDNSStatsFunc returns the wired DNS stats callback, or nil if none has
// been set yet (e.g. before the DNS server has started).
func (h *Handler) GetDNSStatsFunc() func() server.DNSStatsSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dnsStatsFunc
}

// formatRData converts zone record RData to a display string.
func formatRData(rdata any) string {
	if rdata == nil {
		return ""
	}
	return fmt.Sprintf("%v", rdata)
}

// formatRecordType converts a DNS record type to its name.
func formatRecordType(t uint16) string {
	switch t {
	case 1:
		return "A"
	case 2:
		return "NS"
	case 5:
		return "CNAME"
	case 6:
		return "SOA"
	case 12:
		return "PTR"
	case 15:
		return "MX"
	case 16:
		return "TXT"
	case 28:
		return "AAAA"
	default:
		return fmt.Sprintf("TYPE%d", t)
	}
}
