package server

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nullstream/ruleproxy/internal/config"
	"github.com/nullstream/ruleproxy/internal/diskcache"
	"github.com/nullstream/ruleproxy/internal/filtering"
	"github.com/nullstream/ruleproxy/internal/resolvers"
	"github.com/nullstream/ruleproxy/internal/rules/precedence"
	"github.com/nullstream/ruleproxy/internal/rules/store"
	"github.com/nullstream/ruleproxy/internal/zone"
)

// Runner orchestrates the DNS server startup, configuration, and shutdown.
type Runner struct {
	logger *slog.Logger
	stats  *DNSStats

	mu     sync.RWMutex
	policy *filtering.PolicyEngine
}

// NewRunner creates a new server runner with the given logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger, stats: NewDNSStats()}
}

// SetPolicyEngine overrides the filtering policy engine the resolver chain
// uses, instead of building one from config. Must be called before Run.
func (r *Runner) SetPolicyEngine(policy *filtering.PolicyEngine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
}

// DNSStats returns the query counters the running (or not-yet-started)
// DNS server reports into. Safe to read concurrently with Run.
func (r *Runner) DNSStats() *DNSStats {
	return r.stats
}

// Run starts the DNS server with the given configuration, installing its
// own signal-driven shutdown context.
func (r *Runner) Run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return r.RunWithContext(ctx, cfg)
}

// RunWithContext starts the DNS server with the given configuration,
// stopping when ctx is cancelled.
//
// Server lifecycle:
//  1. Configure runtime (GOMAXPROCS based on workers setting)
//  2. Load zone files for local resolution
//  3. Build resolver chain (zones -> forwarding)
//  4. Start UDP and optionally TCP servers
//  5. Wait for ctx cancellation
//  6. Gracefully stop servers with timeout
func (r *Runner) RunWithContext(ctx context.Context, cfg *config.Config) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// Configure GOMAXPROCS based on worker settings
	desiredProcs := r.configureRuntime(cfg)

	// Calculate concurrency limits
	maxConc := r.calculateMaxConcurrency(cfg, desiredProcs)
	upPool := r.calculateUpstreamPoolSize(cfg, maxConc)

	// Load zone files
	zones := r.loadZones(cfg)

	// Build resolver chain
	resolver := r.buildResolverChain(cfg, zones, upPool)
	defer resolver.Close()

	// Create server components
	h := &QueryHandler{Logger: r.logger, Resolver: resolver, Timeout: 4 * time.Second, Stats: r.stats}
	limiter := NewRateLimiter(RateLimitSettings{
		CleanupSeconds:   cfg.RateLimit.CleanupSeconds,
		MaxIPEntries:     cfg.RateLimit.MaxIPEntries,
		MaxPrefixEntries: cfg.RateLimit.MaxPrefixEntries,
		GlobalQPS:        cfg.RateLimit.GlobalQPS,
		GlobalBurst:      cfg.RateLimit.GlobalBurst,
		PrefixQPS:        cfg.RateLimit.PrefixQPS,
		PrefixBurst:      cfg.RateLimit.PrefixBurst,
		IPQPS:            cfg.RateLimit.IPQPS,
		IPBurst:          cfg.RateLimit.IPBurst,
	})

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	r.logStartup(cfg, addr, maxConc, upPool)

	// Start servers
	udp := &UDPServer{Logger: r.logger, Handler: h, Limiter: limiter, WorkersPerSocket: maxConc}
	var tcp *TCPServer
	if cfg.Server.EnableTCP {
		tcp = &TCPServer{Logger: r.logger, Handler: h}
	}

	errCh := make(chan error, 2)
	go func() { errCh <- udp.Run(ctx, addr) }()
	if tcp != nil {
		go func() { errCh <- tcp.Run(ctx, addr) }()
	}

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		// shutdown requested via signal
	case err := <-errCh:
		if err != nil {
			cancelRun()
			return err
		}
	}

	// Graceful shutdown
	stopTimeout := 5 * time.Second
	_ = udp.Stop(stopTimeout)
	if tcp != nil {
		_ = tcp.Stop(stopTimeout)
	}
	return nil
}

// configureRuntime sets GOMAXPROCS based on worker configuration.
// Workers can reduce but never increase parallelism beyond the default.
func (r *Runner) configureRuntime(cfg *config.Config) int {
	baseProcs := runtime.GOMAXPROCS(0)
	if baseProcs <= 0 {
		baseProcs = 1
	}
	desiredProcs := baseProcs

	if cfg.Server.Workers.Mode == config.WorkersFixed {
		w := cfg.Server.Workers.Value
		if w <= 0 {
			w = 1
		}
		if w < desiredProcs {
			desiredProcs = w
		}
	}

	prev := runtime.GOMAXPROCS(desiredProcs)
	actual := runtime.GOMAXPROCS(0)
	if r.logger != nil {
		r.logger.Info("runtime", "gomaxprocs", actual, "prev", prev, "base", baseProcs)
	}
	return actual
}

// calculateMaxConcurrency determines the maximum concurrent request handlers.
func (r *Runner) calculateMaxConcurrency(cfg *config.Config, procs int) int {
	maxConc := cfg.Server.MaxConcurrency
	if maxConc <= 0 {
		c := procs
		if c <= 0 {
			c = 1
		}
		maxConc = c * 256
		if maxConc > 2048 {
			maxConc = 2048
		}
		if maxConc < 1 {
			maxConc = 1
		}
	}
	return maxConc
}

// calculateUpstreamPoolSize determines the UDP connection pool size for upstream queries.
func (r *Runner) calculateUpstreamPoolSize(cfg *config.Config, maxConc int) int {
	upPool := cfg.Server.UpstreamSocketPoolSize
	if upPool <= 0 {
		upPool = maxConc
		if upPool < 64 {
			upPool = 64
		}
		if upPool > 1024 {
			upPool = 1024
		}
	}
	return upPool
}

// loadZones discovers and loads zone files from the configured location.
func (r *Runner) loadZones(cfg *config.Config) []*zone.Zone {
	zoneFiles := discoverZoneFiles(cfg.Zones.Directory, cfg.Zones.Files)
	zones := make([]*zone.Zone, 0, len(zoneFiles))

	for _, p := range zoneFiles {
		z, err := zone.LoadFile(p)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("failed to load zone file", "path", p, "err", err)
			}
			continue
		}
		zones = append(zones, z)
	}

	if len(zones) > 0 && r.logger != nil {
		r.logger.Info("zones enabled", "count", len(zones), "files", zoneFiles)
	}
	return zones
}

// parseDurationOr parses s as a duration, falling back to def if s is empty
// or unparseable.
func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// buildResolverChain creates the resolver chain: filtering -> zones (if any) -> forwarding.
func (r *Runner) buildResolverChain(cfg *config.Config, zones []*zone.Zone, upPool int) resolvers.Resolver {
	resList := make([]resolvers.Resolver, 0, 2)

	if len(zones) > 0 {
		resList = append(resList, resolvers.NewZoneResolver(zones))
	}

	udpTimeout := parseDurationOr(cfg.Upstream.UDPTimeout, resolvers.DefaultUDPTimeout)
	tcpTimeout := parseDurationOr(cfg.Upstream.TCPTimeout, resolvers.DefaultTCPTimeout)
	maxRetries := cfg.Upstream.MaxRetries
	if maxRetries <= 0 {
		maxRetries = resolvers.DefaultMaxRetries
	}
	fwd := resolvers.NewForwardingResolver(
		cfg.Upstream.Servers,
		upPool,
		cfg.Cache.MaxEntries,
		cfg.Server.TCPFallback,
		udpTimeout,
		tcpTimeout,
		maxRetries,
		cfg.Cache.ByteBudget,
		cfg.Cache.ShardCount,
	)

	if cfg.Cache.PersistCache {
		if store, err := diskcache.Open(filepath.Join(cfg.Cache.CacheDirectory, "responses"), cfg.Cache.MaxCacheSize); err == nil {
			fwd.WithDisk(store)
		} else if r.logger != nil {
			r.logger.Warn("response disk cache unavailable", "error", err)
		}
	}
	resList = append(resList, fwd)

	var chain resolvers.Resolver = &resolvers.Chained{Resolvers: resList}

	// Wrap with filtering if enabled
	if cfg.Filtering.Enabled {
		r.mu.RLock()
		policy := r.policy
		r.mu.RUnlock()
		if policy == nil {
			policy = r.buildFilteringPolicy(cfg)
		}
		chain = resolvers.NewFilteringResolver(policy, chain)
		if r.logger != nil {
			r.logger.Info("filtering enabled",
				"whitelist_count", len(cfg.Filtering.WhitelistDomains),
				"blacklist_count", len(cfg.Filtering.BlacklistDomains),
				"blocklists", len(cfg.Filtering.Blocklists),
			)
		}
	}

	// Wrap with the rule engine if enabled. Placed ahead of (outside) the
	// legacy filtering wrap so a rule verdict short-circuits before the
	// whitelist/blacklist trie ever runs, per RuleResolver's documented
	// placement requirement.
	if cfg.Rules.Enabled {
		if ruleChain, err := r.buildRuleResolver(cfg, chain); err != nil {
			if r.logger != nil {
				r.logger.Error("rule engine disabled: failed to open rule store", "path", cfg.Rules.StorePath, "err", err)
			}
		} else {
			chain = ruleChain
			if r.logger != nil {
				r.logger.Info("rule engine enabled", "store_path", cfg.Rules.StorePath, "wildcard_mode", cfg.Rules.WildcardMode)
			}
		}
	}

	return chain
}

// buildRuleResolver opens the configured Rule Store and wraps next with a
// RuleResolver consulting it. The returned resolver's Close also closes the
// store.
func (r *Runner) buildRuleResolver(cfg *config.Config, next resolvers.Resolver) (resolvers.Resolver, error) {
	st, err := store.Open(cfg.Rules.StorePath, r.logger)
	if err != nil {
		return nil, err
	}

	cacheTTL := parseDurationOr(cfg.Rules.CacheTTL, 5*time.Minute)
	ruleCfg := resolvers.RuleResolverConfig{
		WildcardMode:          precedence.ParseWildcardMode(cfg.Rules.WildcardMode),
		EnableReservedActions: cfg.Rules.EnableReservedActions,
		SinkholeIPv4:          net.ParseIP(cfg.Rules.SinkholeIPv4),
		SinkholeIPv6:          net.ParseIP(cfg.Rules.SinkholeIPv6),
		BlockedTTL:            cfg.Rules.BlockedTTL,
		LogBlocked:            cfg.Rules.LogBlocked,
		LogAllowed:            cfg.Rules.LogAllowed,
		Logger:                r.logger,
	}
	return resolvers.NewRuleResolver(st, cfg.Rules.CacheCapacity, cacheTTL, ruleCfg, next), nil
}

// buildFilteringPolicy creates a PolicyEngine from the configuration.
func (r *Runner) buildFilteringPolicy(cfg *config.Config) *filtering.PolicyEngine {
	return BuildPolicyEngine(cfg, r.logger)
}

// BuildPolicyEngine creates a filtering PolicyEngine from the given
// configuration. Callers that need the engine before the DNS server starts
// (e.g. to hand it to the management API) can build it here and pass it to
// Runner.SetPolicyEngine so both share the same instance.
func BuildPolicyEngine(cfg *config.Config, logger *slog.Logger) *filtering.PolicyEngine {
	// Convert blocklist configs to BlocklistURLs
	blocklists := make([]filtering.BlocklistURL, 0, len(cfg.Filtering.Blocklists))
	for _, bl := range cfg.Filtering.Blocklists {
		format := filtering.FormatAuto
		switch bl.Format {
		case "adblock":
			format = filtering.FormatAdblock
		case "hosts":
			format = filtering.FormatHosts
		case "domains":
			format = filtering.FormatDomains
		}
		blocklists = append(blocklists, filtering.BlocklistURL{
			Name:   bl.Name,
			URL:    bl.URL,
			Format: format,
		})
	}

	// Parse refresh interval
	refreshInterval := 24 * time.Hour
	if cfg.Filtering.RefreshInterval != "" {
		if d, err := time.ParseDuration(cfg.Filtering.RefreshInterval); err == nil {
			refreshInterval = d
		}
	}

	return filtering.NewPolicyEngine(filtering.PolicyEngineConfig{
		Logger:           logger,
		Enabled:          cfg.Filtering.Enabled,
		BlockAction:      filtering.ActionBlock,
		LogBlocked:       cfg.Filtering.LogBlocked,
		LogAllowed:       cfg.Filtering.LogAllowed,
		WhitelistDomains: cfg.Filtering.WhitelistDomains,
		BlacklistDomains: cfg.Filtering.BlacklistDomains,
		BlocklistURLs:    blocklists,
		RefreshInterval:  refreshInterval,
	})
}

// logStartup logs server configuration at startup.
func (r *Runner) logStartup(cfg *config.Config, addr string, maxConc, upPool int) {
	if r.logger != nil {
		r.logger.Info(
			"dns listening",
			"addr", addr,
			"udp", true,
			"tcp", cfg.Server.EnableTCP,
			"upstreams", cfg.Upstream.Servers,
			"max_concurrency", maxConc,
			"upstream_pool", upPool,
		)
	}
}

// discoverZoneFiles returns zone files to load, either from explicit config
// or by scanning the zones directory.
func discoverZoneFiles(zonesDir string, explicit []string) []string {
	// Use explicit list if provided
	if len(explicit) > 0 {
		out := make([]string, 0, len(explicit))
		for _, p := range explicit {
			p = filepath.Clean(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	// Otherwise scan directory
	if zonesDir == "" {
		zonesDir = "zones"
	}
	entries, err := os.ReadDir(zonesDir)
	if err != nil {
		return nil
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == "" {
			continue
		}
		files = append(files, filepath.Join(zonesDir, name))
	}
	sort.Strings(files)
	return files
}
