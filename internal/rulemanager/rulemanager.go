// Package rulemanager is the top-level rule-update orchestrator: it wires
// the manifest resolver, fetchers, rule store and lookup cache together
// into the per-source update pipeline, generalizing the teacher's
// internal/filtering/policy.go load/refresh orchestration (loadBlocklists,
// the refresh ticker) from "reload one flat blocklist file" to "resolve a
// manifest, fetch N sources, validate, and atomically replace each one."
package rulemanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nullstream/ruleproxy/internal/fetch"
	"github.com/nullstream/ruleproxy/internal/manifest"
	"github.com/nullstream/ruleproxy/internal/metrics"
	"github.com/nullstream/ruleproxy/internal/rules"
	"github.com/nullstream/ruleproxy/internal/rules/lookupcache"
	"github.com/nullstream/ruleproxy/internal/rules/store"
	"github.com/nullstream/ruleproxy/internal/scheduler"
)

// State is the manager's top-level lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "stopped"
	}
}

// RuleUpdateResult records the outcome of one per-source update, kept for
// the status API's "rules last updated" / success-failure counts surface.
type RuleUpdateResult struct {
	SourceID    string
	StartedAt   time.Time
	FetchTook   time.Duration
	ParseTook   time.Duration
	RuleCount   int
	SkippedBad  int
	Err         error
	FetchKind   fetch.Kind
}

// FetcherFactory builds the Fetcher for one rule source; callers supply
// this so the manager stays agnostic of HTTPSFetcher/FileFetcher
// construction details (credential resolution, pinning, etc).
type FetcherFactory func(src manifest.RuleSource) (fetch.Fetcher, error)

// Manager orchestrates manifest resolution, scheduled fetching, validation
// and atomic rule-store replacement for every configured source.
type Manager struct {
	store        *store.Store
	invalidator  *lookupcache.Invalidator
	resolver     *manifest.Resolver
	newFetcher   FetcherFactory
	sched        *scheduler.Scheduler
	logger       *slog.Logger

	offlineMode bool
	strictMode  bool
	minRules    int
	maxBytes    int64

	mu      sync.RWMutex
	state   State
	sources map[string]manifest.RuleSource
	results map[string]RuleUpdateResult
	// perSourceLocks enforces "reject concurrent updates for the same
	// source" (spec step I.1) independent of the scheduler's global
	// maxConcurrentUpdates semaphore, which only bounds total concurrency.
	perSourceLocks map[string]*sync.Mutex
}

// Config bundles the manager's tunables.
type Config struct {
	OfflineMode          bool
	StrictValidation     bool
	MinRuleCount         int
	MaxSourceBytes       int64
	MaxConcurrentUpdates int
}

// New builds a Manager. newFetcher resolves a RuleSource into a concrete
// Fetcher (HTTPS vs. File, with auth/pinning applied).
func New(st *store.Store, inv *lookupcache.Invalidator, resolver *manifest.Resolver, newFetcher FetcherFactory, cfg Config, logger *slog.Logger) *Manager {
	m := &Manager{
		store:          st,
		invalidator:    inv,
		resolver:       resolver,
		newFetcher:     newFetcher,
		logger:         logger,
		offlineMode:    cfg.OfflineMode,
		strictMode:     cfg.StrictValidation,
		minRules:       cfg.MinRuleCount,
		maxBytes:       cfg.MaxSourceBytes,
		sources:        make(map[string]manifest.RuleSource),
		results:        make(map[string]RuleUpdateResult),
		perSourceLocks: make(map[string]*sync.Mutex),
	}
	m.sched = scheduler.New(m.updateSource, cfg.MaxConcurrentUpdates, logger)
	return m
}

// Start resolves the manifest (if rootManifestID is non-empty), registers
// every resolved source with the scheduler, and optionally runs an
// immediate update pass.
func (m *Manager) Start(ctx context.Context, rootManifestID string, evalCtx manifest.EvaluationContext, updateOnStart bool) error {
	m.setState(StateStarting)

	if rootManifestID != "" && m.resolver != nil {
		resolved, err := m.resolver.Resolve(ctx, rootManifestID, evalCtx)
		if err != nil {
			m.setState(StateError)
			return fmt.Errorf("resolve manifest: %w", err)
		}
		for _, src := range resolved.RuleSources {
			m.registerSource(src)
		}
		if len(resolved.ManagedRules.Block)+len(resolved.ManagedRules.Allow) > 0 {
			if err := m.applyInlineRules(ctx, resolved); err != nil {
				m.logger.Warn("failed to apply inline managed rules", "error", err)
			}
		}
	}

	m.sched.Start(ctx)
	m.setState(StateRunning)

	if updateOnStart && !m.offlineMode {
		m.UpdateAll(ctx)
	}
	return nil
}

// Stop halts the scheduler; already-running updates are allowed to finish.
func (m *Manager) Stop() {
	m.setState(StateStopping)
	m.sched.Stop()
	m.setState(StateStopped)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// State reports the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// registerSource records src and schedules it according to its
// UpdateInterval (treated as an IntervalStrategy; callers wanting
// Scheduled/Adaptive strategies should register directly against the
// embedded Scheduler via Scheduler()).
func (m *Manager) registerSource(src manifest.RuleSource) {
	m.mu.Lock()
	m.sources[src.Identifier] = src
	if _, ok := m.perSourceLocks[src.Identifier]; !ok {
		m.perSourceLocks[src.Identifier] = &sync.Mutex{}
	}
	m.mu.Unlock()

	if !src.Enabled {
		return
	}
	interval := src.UpdateInterval
	if interval <= 0 {
		interval = time.Hour
	}
	m.sched.AddSource(scheduler.UpdateTask{
		SourceID: src.Identifier,
		Strategy: scheduler.NewIntervalStrategy(interval, 0.1),
	})
}

// Scheduler exposes the underlying scheduler for callers that want to
// register a Scheduled/Adaptive/Manual strategy instead of the default
// per-source interval.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }

// UpdateAll triggers an immediate update of every registered source; used
// for updateOnStart and update-on-network-change.
func (m *Manager) UpdateAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		go func(id string) {
			if err := m.updateSource(ctx, id); err != nil && m.logger != nil {
				m.logger.Warn("update-all: source failed", "source", id, "error", err)
			}
		}(id)
	}
}

// Results returns a snapshot of the last update outcome per source, for
// the status API.
func (m *Manager) Results() map[string]RuleUpdateResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]RuleUpdateResult, len(m.results))
	for k, v := range m.results {
		out[k] = v
	}
	return out
}

// updateSource runs the full per-source pipeline described in spec.md
// §4.I: exclusive per-source slot, fetch, parse, validate, atomic replace,
// invalidate-after-commit (handled inside SourceReplaceTx.Commit).
func (m *Manager) updateSource(ctx context.Context, sourceID string) error {
	if m.offlineMode {
		return nil
	}

	m.mu.RLock()
	src, ok := m.sources[sourceID]
	lock := m.perSourceLocks[sourceID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("rulemanager: unknown source %q", sourceID)
	}

	if !lock.TryLock() {
		return fmt.Errorf("rulemanager: update already in progress for %q", sourceID)
	}
	defer lock.Unlock()

	result := RuleUpdateResult{SourceID: sourceID, StartedAt: time.Now()}

	fetcher, err := m.newFetcher(src)
	if err != nil {
		result.Err = err
		m.recordResult(result)
		return err
	}

	fetchStart := time.Now()
	data, err := fetcher.Fetch(ctx, nil)
	result.FetchTook = time.Since(fetchStart)
	if err != nil {
		if fe, ok := err.(*fetch.Error); ok {
			result.FetchKind = fe.Kind
		}
		result.Err = err
		m.recordResult(result)
		return err
	}

	parseStart := time.Now()
	listFormat := toListFormat(src.Format)
	parsed, err := fetch.ParseRuleList(data, listFormat, rules.SourceRemote, src.Identifier)
	result.ParseTook = time.Since(parseStart)
	if err != nil {
		result.Err = err
		m.recordResult(result)
		return err
	}

	valid, skipped := m.validate(parsed.Rules, src.Priority)
	result.SkippedBad = skipped
	if m.strictMode && len(valid) != len(parsed.Rules) {
		err := fmt.Errorf("rulemanager: %d invalid entries in strict mode for source %q", skipped, sourceID)
		result.Err = err
		m.recordResult(result)
		return err
	}
	if len(valid) < m.minRules {
		err := fmt.Errorf("rulemanager: source %q produced %d rules, below minimum %d", sourceID, len(valid), m.minRules)
		result.Err = err
		m.recordResult(result)
		return err
	}

	if err := m.replace(ctx, sourceID, valid); err != nil {
		result.Err = err
		m.recordResult(result)
		return err
	}

	m.invalidator.Invalidate()
	result.RuleCount = len(valid)
	m.recordResult(result)
	return nil
}

func (m *Manager) validate(candidates []rules.Rule, priority int) ([]rules.Rule, int) {
	valid := make([]rules.Rule, 0, len(candidates))
	skipped := 0
	for _, r := range candidates {
		if r.Domain == "" {
			skipped++
			continue
		}
		if r.Priority == 0 {
			r.Priority = priority
		}
		valid = append(valid, r)
	}
	return valid, skipped
}

func (m *Manager) replace(ctx context.Context, sourceID string, rs []rules.Rule) error {
	tx, err := m.store.BeginSourceReplace(ctx, sourceID)
	if err != nil {
		return err
	}
	for _, r := range rs {
		if err := tx.Insert(ctx, r); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit(ctx)
}

func (m *Manager) applyInlineRules(ctx context.Context, resolved manifest.ResolvedManifest) error {
	inline, err := resolved.ToInlineRules()
	if err != nil {
		return err
	}
	valid, _ := m.validate(inline, 0)
	return m.replace(ctx, "manifest:inline", valid)
}

func (m *Manager) recordResult(r RuleUpdateResult) {
	m.mu.Lock()
	m.results[r.SourceID] = r
	m.mu.Unlock()

	outcome := "success"
	if r.Err != nil {
		outcome = "failure"
	}
	metrics.RuleUpdatesTotal.WithLabelValues(outcome).Inc()
	metrics.RuleUpdateDuration.WithLabelValues(r.SourceID).Observe((r.FetchTook + r.ParseTook).Seconds())
	if r.Err == nil {
		metrics.RuleCount.WithLabelValues(r.SourceID).Set(float64(r.RuleCount))
	}
}

func toListFormat(f manifest.RuleSourceFormat) fetch.ListFormat {
	switch f {
	case manifest.FormatYAML:
		return fetch.ListFormatYAML
	case manifest.FormatPlist:
		return fetch.ListFormatPlist
	case manifest.FormatHosts:
		return fetch.ListFormatHosts
	default:
		return fetch.ListFormatJSON
	}
}
