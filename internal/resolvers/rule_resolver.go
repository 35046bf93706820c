package resolvers

import (
	"context"
	"net"
	"time"

	"github.com/nullstream/ruleproxy/internal/dns"
	"github.com/nullstream/ruleproxy/internal/rules"
	"github.com/nullstream/ruleproxy/internal/rules/lookupcache"
	"github.com/nullstream/ruleproxy/internal/rules/precedence"
	"github.com/nullstream/ruleproxy/internal/rules/store"
)

// RuleResolver evaluates a query against the Rule Store (via the Rule
// Lookup Cache) before passing it on. It supersedes FilteringResolver's
// flat whitelist/blacklist trie with the full rule engine: candidate rules
// are reduced to one winner by the precedence package, and only a Block
// verdict short-circuits the chain.
//
// Resolution order mirrors FilteringResolver:
//  1. Rule Lookup Cache hit -> use cached verdict
//  2. Miss -> ask the Store for candidate rules, reduce via precedence.Resolve,
//     cache the verdict
//  3. Allow (or no matching rule) -> pass to next resolver
//  4. Block -> synthesize a sinkhole/NXDOMAIN response
//
// This resolver MUST be placed first in the resolver chain, same as
// FilteringResolver.
type RuleResolver struct {
	store        *store.Store
	lookupCache  *lookupcache.Invalidator
	wildcardMode precedence.WildcardMode

	enableReservedActions bool // Redirect/Monitor take effect only when true
	sinkholeIPv4          net.IP
	sinkholeIPv6          net.IP
	blockedTTL            uint32

	logBlocked bool
	logAllowed bool
	logger     queryLogger

	next Resolver
}

// queryLogger is the narrow logging surface RuleResolver needs; satisfied
// by *slog.Logger without importing log/slog into every call site.
type queryLogger interface {
	Info(msg string, args ...any)
}

// RuleResolverConfig configures a RuleResolver.
type RuleResolverConfig struct {
	WildcardMode          precedence.WildcardMode
	EnableReservedActions bool
	SinkholeIPv4          net.IP
	SinkholeIPv6          net.IP
	BlockedTTL            uint32 // defaults to 60s if zero
	LogBlocked            bool
	LogAllowed            bool
	Logger                queryLogger
}

// NewRuleResolver creates a RuleResolver backed by st and a fresh Rule
// Lookup Cache sized cacheCapacity with TTL cacheTTL (both default via
// lookupcache.New when <= 0).
func NewRuleResolver(st *store.Store, cacheCapacity int, cacheTTL time.Duration, cfg RuleResolverConfig, next Resolver) *RuleResolver {
	if cfg.BlockedTTL == 0 {
		cfg.BlockedTTL = 60
	}
	if cfg.SinkholeIPv4 == nil {
		cfg.SinkholeIPv4 = net.IPv4zero
	}
	return &RuleResolver{
		store:                 st,
		lookupCache:           lookupcache.NewInvalidator(cacheCapacity, cacheTTL),
		wildcardMode:          cfg.WildcardMode,
		enableReservedActions: cfg.EnableReservedActions,
		sinkholeIPv4:          cfg.SinkholeIPv4,
		sinkholeIPv6:          cfg.SinkholeIPv6,
		blockedTTL:            cfg.BlockedTTL,
		logBlocked:            cfg.LogBlocked,
		logAllowed:            cfg.LogAllowed,
		logger:                cfg.Logger,
		next:                  next,
	}
}

// LookupCache exposes the invalidator so the Rule Manager can wire
// store-commit notifications to cache invalidation.
func (r *RuleResolver) LookupCache() *lookupcache.Invalidator {
	return r.lookupCache
}

// verdict resolves domain to a lookupcache.Verdict, consulting the lookup
// cache first and falling back to the store + precedence resolver on miss.
func (r *RuleResolver) verdict(domain string) lookupcache.Verdict {
	if v, ok := r.lookupCache.Get(domain); ok {
		return v
	}

	candidates := r.store.Candidates(domain)
	var filtered []rules.Rule
	for _, c := range candidates {
		if precedence.Matches(c, domain, r.wildcardMode) {
			filtered = append(filtered, c)
		}
	}

	v := lookupcache.Verdict{Action: rules.Allow, HasRule: false}
	if winner, ok := precedence.Resolve(filtered, domain, r.wildcardMode); ok {
		v = lookupcache.Verdict{Action: winner.Action, HasRule: true}
	}
	r.lookupCache.Set(domain, v)
	return v
}

// effectiveAction demotes Redirect/Monitor to Block when reserved actions
// are not enabled, per rules.Redirect/rules.Monitor's documented contract.
func (r *RuleResolver) effectiveAction(a rules.Action) rules.Action {
	if !r.enableReservedActions && (a == rules.Redirect || a == rules.Monitor) {
		return rules.Block
	}
	return a
}

// Resolve evaluates the query's question against the rule engine.
func (r *RuleResolver) Resolve(ctx context.Context, req dns.Packet, reqBytes []byte) (Result, error) {
	if len(req.Questions) == 0 {
		return r.next.Resolve(ctx, req, reqBytes)
	}

	q := req.Questions[0]
	domain, err := rules.Normalize(q.Name)
	if err != nil {
		domain = q.Name
	}

	v := r.verdict(domain)
	action := r.effectiveAction(v.Action)

	switch action {
	case rules.Block:
		if r.logBlocked && r.logger != nil {
			r.logger.Info("query blocked", "domain", domain, "has_rule", v.HasRule)
		}
		return r.blockedResult(req, q)

	default: // Allow
		if r.logAllowed && r.logger != nil {
			r.logger.Info("query allowed", "domain", domain)
		}
		return r.next.Resolve(ctx, req, reqBytes)
	}
}

// blockedResult synthesizes a sinkhole (A/AAAA) or NXDOMAIN response for a
// blocked query, matching the query's requested record type.
func (r *RuleResolver) blockedResult(req dns.Packet, q dns.Question) (Result, error) {
	var resp dns.Packet
	switch dns.RecordType(q.Type) {
	case dns.TypeA:
		resp = dns.BuildBlockedA(req, r.sinkholeIPv4, r.blockedTTL)
	case dns.TypeAAAA:
		resp = dns.BuildBlockedAAAA(req, r.sinkholeIPv6, r.blockedTTL)
	default:
		resp = dns.BuildNXDOMAIN(req)
	}
	respBytes, err := resp.Marshal()
	if err != nil {
		return Result{}, err
	}
	return Result{ResponseBytes: respBytes, Source: "rule-blocked"}, nil
}

// Close releases the underlying store and next resolver.
func (r *RuleResolver) Close() error {
	var err error
	if r.store != nil {
		err = r.store.Close()
	}
	if r.next != nil {
		if nextErr := r.next.Close(); nextErr != nil && err == nil {
			err = nextErr
		}
	}
	return err
}
