// Package manifest implements the Manifest Resolver: it fetches, parses
// and merges a hierarchy of manifest documents (rule sources, inline
// managed rules, conditional items) into a single ResolvedManifest.
package manifest

import (
	"errors"
	"fmt"
	"time"

	"github.com/nullstream/ruleproxy/internal/rules"
)

// ErrManifestNotFound is returned when an identifier cannot be resolved
// from any configured search path.
var ErrManifestNotFound = errors.New("manifest: not found")

// CircularDependencyError is returned when the include graph has a cycle
// reachable from the resolution root.
type CircularDependencyError struct {
	Path []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("manifest: circular include detected: %v", e.Path)
}

// RuleSourceType identifies how a RuleSource's bytes are obtained.
type RuleSourceType int

const (
	SourceHTTPS RuleSourceType = iota
	SourceFile
)

// RuleSourceFormat identifies how a RuleSource's bytes are parsed.
type RuleSourceFormat int

const (
	FormatJSON RuleSourceFormat = iota
	FormatYAML
	FormatPlist
	FormatHosts
)

// RuleSource describes one external provider of rules.
type RuleSource struct {
	Identifier     string
	Type           RuleSourceType
	Format         RuleSourceFormat
	URL            string // for Type == SourceHTTPS
	Path           string // for Type == SourceFile
	UpdateInterval time.Duration
	Priority       int
	Enabled        bool
	CredentialRef  string            // opaque handle resolved by the fetcher, never the secret itself
	Headers        map[string]string // additional HTTP headers
}

// ConditionalItem is a predicate-guarded bundle of rules/sources/includes.
type ConditionalItem struct {
	Condition         string
	ManagedRulesBlock []string
	ManagedRulesAllow []string
	RuleSources       []RuleSource
	IncludedManifests []string
}

// ManagedRules is the inline `{block:[...], allow:[...]}` rule set carried
// directly on a manifest (as opposed to fetched from a RuleSource).
type ManagedRules struct {
	Block []string
	Allow []string
}

// Metadata is free-form manifest provenance.
type Metadata struct {
	Author      string
	Description string
	LastModified time.Time
	Version     string
}

// Manifest is one parsed manifest document, prior to hierarchy resolution.
type Manifest struct {
	Identifier        string
	DisplayName       string
	IncludedManifests []string
	RuleSources       []RuleSource
	ManagedRules      ManagedRules
	ConditionalItems  []ConditionalItem
	Metadata          Metadata
	ManifestVersion   string
}

// Validate checks the invariants named in the data model: a non-empty
// identifier and (for HTTPS sources) an https:// URL unless explicitly
// allowed.
func (m Manifest) Validate(allowInsecureHTTP bool) error {
	if m.Identifier == "" {
		return errors.New("manifest: identifier must not be empty")
	}
	seen := map[string]bool{}
	for _, rs := range m.RuleSources {
		if seen[rs.Identifier] {
			return fmt.Errorf("manifest %s: duplicate rule source identifier %q", m.Identifier, rs.Identifier)
		}
		seen[rs.Identifier] = true
		if rs.Type == SourceHTTPS && !allowInsecureHTTP {
			if len(rs.URL) < 8 || rs.URL[:8] != "https://" {
				return fmt.Errorf("manifest %s: rule source %q must use https", m.Identifier, rs.Identifier)
			}
		}
	}
	return nil
}

// EvaluationContext is the set of facts a conditional item's predicate is
// evaluated against.
type EvaluationContext struct {
	OSVersion       string
	NetworkLocation string
	VPNConnected    bool
	TimeOfDay       time.Time
	DayOfWeek       time.Weekday
	IsWeekend       bool
	Custom          map[string]string
}

// ResolvedManifest is the fixpoint of transitively including a root
// manifest and evaluating every conditional item against an
// EvaluationContext.
type ResolvedManifest struct {
	RootIdentifier string
	ManifestChain  []string // order manifests were visited, root first
	RuleSources    []RuleSource
	ManagedRules   ManagedRules
	ResolvedAt     time.Time
	Stale          bool // true if served from an expired on-disk cache entry
	Warnings       []string
}

// ToInlineRules converts the resolved ManagedRules block/allow lists into
// rules.Rule values sourced as SourceManifest, for the Rule Manager to feed
// into the Rule Store alongside fetched RuleSet rules.
func (rm ResolvedManifest) ToInlineRules() ([]rules.Rule, error) {
	var out []rules.Rule
	for _, d := range rm.ManagedRules.Block {
		r, err := rules.NewRule(d, rules.Block, rules.Exact, rules.SourceManifest)
		if err != nil {
			continue
		}
		r.SourceName = rm.RootIdentifier
		out = append(out, r)
	}
	for _, d := range rm.ManagedRules.Allow {
		r, err := rules.NewRule(d, rules.Allow, rules.Exact, rules.SourceManifest)
		if err != nil {
			continue
		}
		r.SourceName = rm.RootIdentifier
		out = append(out, r)
	}
	return out, nil
}
