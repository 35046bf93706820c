package manifest

import (
	"context"
	"fmt"
	"time"

	"github.com/nullstream/ruleproxy/internal/manifest/predicate"
)

// Loader fetches and parses one manifest document by identifier,
// consulting the configured search paths and format detection rules
// described in the external interfaces (json/yaml/plist by extension or
// content sniff).
type Loader interface {
	Load(ctx context.Context, identifier string) (Manifest, error)
}

// Resolver resolves a root identifier into a ResolvedManifest by
// transitively including referenced manifests and evaluating every
// conditional item's predicate against an EvaluationContext.
type Resolver struct {
	Loader            Loader
	AllowInsecureHTTP bool
}

// NewResolver constructs a Resolver backed by the given Loader.
func NewResolver(loader Loader) *Resolver {
	return &Resolver{Loader: loader}
}

// ResolveRoot tries each candidate identifier in order (explicit override,
// device serial, "default", ...) and resolves the first one that loads
// successfully, per the root-identifier resolution order in the design.
func (r *Resolver) ResolveRoot(ctx context.Context, candidates []string, evalCtx EvaluationContext) (ResolvedManifest, error) {
	var lastErr error
	for _, c := range candidates {
		if c == "" {
			continue
		}
		rm, err := r.Resolve(ctx, c, evalCtx)
		if err == nil {
			return rm, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrManifestNotFound
	}
	return ResolvedManifest{}, lastErr
}

// visitFrame is one level of the iterative, explicit-stack DFS used to
// walk the included_manifests graph without recursion, per the "arena of
// ManifestNode with integer indices for edges" guidance: here the arena is
// the id->Manifest map built up as nodes are loaded, and edges are the
// per-node children slice computed once when the node is first visited.
type visitFrame struct {
	id       string
	children []string
	idx      int
}

// Resolve walks the include graph rooted at rootID and produces the merged
// ResolvedManifest.
func (r *Resolver) Resolve(ctx context.Context, rootID string, evalCtx EvaluationContext) (ResolvedManifest, error) {
	manifests := map[string]Manifest{}
	onPath := map[string]bool{}
	completed := map[string]bool{}
	var chain []string
	var warnings []string

	loadAndPrep := func(id string) ([]string, error) {
		m, err := r.Loader.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", id, err)
		}
		if err := m.Validate(r.AllowInsecureHTTP); err != nil {
			return nil, err
		}
		manifests[id] = m
		chain = append(chain, id)
		return r.computeChildren(m, evalCtx, &warnings), nil
	}

	children, err := loadAndPrep(rootID)
	if err != nil {
		return ResolvedManifest{}, err
	}
	onPath[rootID] = true
	stack := []visitFrame{{id: rootID, children: children}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.idx >= len(top.children) {
			onPath[top.id] = false
			completed[top.id] = true
			stack = stack[:len(stack)-1]
			continue
		}
		childID := top.children[top.idx]
		top.idx++

		if completed[childID] {
			continue
		}
		if onPath[childID] {
			path := append(pathOf(stack), childID)
			return ResolvedManifest{}, &CircularDependencyError{Path: path}
		}

		childChildren, err := loadAndPrep(childID)
		if err != nil {
			return ResolvedManifest{}, err
		}
		onPath[childID] = true
		stack = append(stack, visitFrame{id: childID, children: childChildren})
	}

	merged := r.merge(chain, manifests, evalCtx, &warnings)
	merged.RootIdentifier = rootID
	merged.ManifestChain = chain
	merged.ResolvedAt = time.Now()
	merged.Warnings = warnings
	return merged, nil
}

func pathOf(stack []visitFrame) []string {
	out := make([]string, len(stack))
	for i, f := range stack {
		out[i] = f.id
	}
	return out
}

// computeChildren evaluates every conditional item's predicate and returns
// the full set of manifest identifiers to traverse next: the manifest's own
// included_manifests plus the included_manifests of every conditional item
// whose predicate accepted.
func (r *Resolver) computeChildren(m Manifest, evalCtx EvaluationContext, warnings *[]string) []string {
	children := append([]string(nil), m.IncludedManifests...)
	for _, item := range m.ConditionalItems {
		ok, err := predicate.Eval(item.Condition, toPredicateContext(evalCtx))
		if err != nil {
			*warnings = append(*warnings, fmt.Sprintf("manifest %s: skipping conditional item with unparsable predicate %q: %v", m.Identifier, item.Condition, err))
			continue
		}
		if ok {
			children = append(children, item.IncludedManifests...)
		}
	}
	return children
}

func toPredicateContext(e EvaluationContext) predicate.Context {
	return predicate.Context{
		OSVersion:       e.OSVersion,
		NetworkLocation: e.NetworkLocation,
		VPNConnected:    e.VPNConnected,
		TimeOfDay:       e.TimeOfDay,
		DayOfWeek:       e.DayOfWeek,
		IsWeekend:       e.IsWeekend,
		Custom:          e.Custom,
	}
}

// merge walks the chain in visitation order, merging rule sources (later
// include wins for the same identifier unless the earlier one declares a
// higher priority; a redefinition with a different URL is reported as a
// warning) and inline managed
// rules (union, later manifest's action wins for the same domain).
func (r *Resolver) merge(chain []string, manifests map[string]Manifest, evalCtx EvaluationContext, warnings *[]string) ResolvedManifest {
	sources := map[string]RuleSource{}
	sourceOrder := []string{}
	domainAction := map[string]bool{} // true = Block, false = Allow
	domainOrder := []string{}

	addSource := func(rs RuleSource) {
		if existing, ok := sources[rs.Identifier]; ok {
			if existing.URL != rs.URL {
				*warnings = append(*warnings, fmt.Sprintf("rule source %q redefined with conflicting URL across includes", rs.Identifier))
			}
			if existing.Priority > rs.Priority {
				return
			}
		} else {
			sourceOrder = append(sourceOrder, rs.Identifier)
		}
		sources[rs.Identifier] = rs
	}
	addDomain := func(domain string, blocked bool) {
		if _, ok := domainAction[domain]; !ok {
			domainOrder = append(domainOrder, domain)
		}
		domainAction[domain] = blocked
	}

	for _, id := range chain {
		m := manifests[id]
		for _, rs := range m.RuleSources {
			addSource(rs)
		}
		for _, d := range m.ManagedRules.Block {
			addDomain(d, true)
		}
		for _, d := range m.ManagedRules.Allow {
			addDomain(d, false)
		}
		for _, item := range m.ConditionalItems {
			ok, err := predicate.Eval(item.Condition, toPredicateContext(evalCtx))
			if err != nil || !ok {
				continue
			}
			for _, rs := range item.RuleSources {
				addSource(rs)
			}
			for _, d := range item.ManagedRulesBlock {
				addDomain(d, true)
			}
			for _, d := range item.ManagedRulesAllow {
				addDomain(d, false)
			}
		}
	}

	var rm ResolvedManifest
	for _, id := range sourceOrder {
		rm.RuleSources = append(rm.RuleSources, sources[id])
	}
	for _, d := range domainOrder {
		if domainAction[d] {
			rm.ManagedRules.Block = append(rm.ManagedRules.Block, d)
		} else {
			rm.ManagedRules.Allow = append(rm.ManagedRules.Allow, d)
		}
	}
	return rm
}
