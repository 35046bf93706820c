// Package rules defines the domain model shared by the rule store, the
// lookup cache, the precedence resolver and the rule manager: actions,
// match types, rule provenance and the normalized Rule value itself.
package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// Action describes what the precedence resolver does once a rule matches.
type Action int

const (
	// Allow permits the query to continue to the forwarding resolver.
	Allow Action = iota
	// Block synthesizes a sinkhole/NXDOMAIN response instead of forwarding.
	Block
	// Redirect rewrites the response to a configured address. Reserved:
	// only takes effect when EnableReservedActions is set, otherwise it
	// behaves like Block.
	Redirect
	// Monitor logs the match but does not alter resolution. Reserved:
	// only takes effect when EnableReservedActions is set, otherwise it
	// behaves like Block.
	Monitor
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Block:
		return "block"
	case Redirect:
		return "redirect"
	case Monitor:
		return "monitor"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction parses the case-insensitive action names used in manifests,
// rule-list directives and the REST API.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "whitelist":
		return Allow, nil
	case "block", "blacklist", "deny":
		return Block, nil
	case "redirect":
		return Redirect, nil
	case "monitor":
		return Monitor, nil
	default:
		return Allow, fmt.Errorf("rules: unknown action %q", s)
	}
}

// Type describes how Domain is matched against a query name.
type Type int

const (
	// Exact matches the query name exactly (case-insensitive, punycode-normalized).
	Exact Type = iota
	// Wildcard matches the query name and any subdomain of it.
	Wildcard
	// Regex matches the query name against a compiled regular expression.
	Regex
)

func (t Type) String() string {
	switch t {
	case Exact:
		return "exact"
	case Wildcard:
		return "wildcard"
	case Regex:
		return "regex"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Source identifies who/what produced a Rule, used as a precedence
// tie-breaker: User > Manifest > Remote > System.
type Source int

const (
	SourceUser Source = iota
	SourceManifest
	SourceRemote
	SourceSystem
)

func (s Source) String() string {
	switch s {
	case SourceUser:
		return "user"
	case SourceManifest:
		return "manifest"
	case SourceRemote:
		return "remote"
	case SourceSystem:
		return "system"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Rank returns the tie-break rank used by the precedence resolver: lower
// rank wins. User-authored rules always outrank manifest-derived rules,
// which outrank remote fetches, which outrank system defaults.
func (s Source) Rank() int {
	return int(s)
}

var (
	// ErrEmptyDomain is returned by NewRule when Domain is blank.
	ErrEmptyDomain = errors.New("rules: domain must not be empty")
	// ErrInvalidDomain is returned by NewRule when Domain fails punycode
	// normalization.
	ErrInvalidDomain = errors.New("rules: invalid domain")
)

// Rule is one normalized filtering rule as stored by the rule store and
// consumed by the precedence resolver.
//
// For Type == Wildcard, Domain holds the bare suffix S of the pattern
// "*.S" (no "*." prefix, no trailing dot) — e.g. a rule for "*.ads.example.com"
// stores Domain == "ads.example.com". This keeps the suffix directly usable
// as a SQL/trie index key shared with Exact rules.
type Rule struct {
	ID            int64
	Domain        string // lower-case, punycode-normalized, no trailing dot
	Action        Action
	Type          Type
	Priority      int // explicit tie-break override; higher wins
	Source        Source
	SourceName    string // manifest/source identifier, e.g. "oisd-full"
	CustomMessage string
	ExpiresAt     time.Time // zero means no expiry
	Comment       string
	UpdatedAt     time.Time
}

// NewRule constructs a Rule, normalizing and validating Domain. It is the
// single place domain normalization happens so the rest of the system can
// assume Rule.Domain is already canonical. For typ == Wildcard, domain may
// be given either as "*.suffix" or as the bare "suffix"; both normalize to
// the bare suffix form described on the Rule type.
func NewRule(domain string, action Action, typ Type, source Source) (Rule, error) {
	d := domain
	if typ == Wildcard {
		d = strings.TrimPrefix(d, "*.")
	}
	norm, err := Normalize(d)
	if err != nil {
		return Rule{}, err
	}
	return Rule{
		Domain:    norm,
		Action:    action,
		Type:      typ,
		Source:    source,
		UpdatedAt: time.Now(),
	}, nil
}

// Normalize lower-cases, punycode-encodes and strips the trailing dot of a
// domain name, returning ErrEmptyDomain / ErrInvalidDomain on failure.
func Normalize(domain string) (string, error) {
	d := strings.TrimSpace(domain)
	d = strings.TrimSuffix(d, ".")
	if d == "" {
		return "", ErrEmptyDomain
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		// Fall back to a plain lower-case form: many blocklists contain
		// entries that are not strict IDNA (underscores, etc.); reject
		// only on structural problems such as embedded whitespace.
		if strings.ContainsAny(d, " \t\n\r") {
			return "", fmt.Errorf("%w: %s: %v", ErrInvalidDomain, domain, err)
		}
		ascii = strings.ToLower(d)
	}
	return strings.ToLower(ascii), nil
}

// IsExpired reports whether the rule's ExpiresAt has passed.
func (r Rule) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// RuleSet is an immutable, ordered collection of rules plus metadata about
// where they came from, returned by fetchers and consumed by the rule
// manager's replace pipeline.
type RuleSet struct {
	Name       string
	Version    string
	SourceURL  string
	UpdatedAt  time.Time
	Rules      []Rule
}

// CountByAction returns how many rules in the set have the given action.
func (rs RuleSet) CountByAction(a Action) int {
	n := 0
	for _, r := range rs.Rules {
		if r.Action == a {
			n++
		}
	}
	return n
}

// CountByType returns how many rules in the set have the given type.
func (rs RuleSet) CountByType(t Type) int {
	n := 0
	for _, r := range rs.Rules {
		if r.Type == t {
			n++
		}
	}
	return n
}
