// Package precedence implements the pure function that reduces a set of
// matching rules for a domain down to a single winning rule, per the
// four-tier precedence table (exact allow > exact block > wildcard allow >
// wildcard block, longest-suffix-first within the wildcard tiers).
package precedence

import (
	"strings"

	"github.com/nullstream/ruleproxy/internal/rules"
)

// WildcardMode controls whether a wildcard rule `*.S` also matches the
// bare root domain `S`.
type WildcardMode int

const (
	// SubdomainsOnly (default): `*.S` matches only proper subdomains of S.
	SubdomainsOnly WildcardMode = iota
	// IncludeRoot: `*.S` also matches S itself.
	IncludeRoot
	// Smart: behaves like IncludeRoot unless an explicit Allow rule for
	// the bare root S exists, in which case the root is left to that
	// Allow rule (i.e. the wildcard does not shadow it).
	Smart
)

func (m WildcardMode) String() string {
	switch m {
	case SubdomainsOnly:
		return "SubdomainsOnly"
	case IncludeRoot:
		return "IncludeRoot"
	case Smart:
		return "Smart"
	default:
		return "unknown"
	}
}

// ParseWildcardMode parses the configuration string form.
func ParseWildcardMode(s string) WildcardMode {
	switch strings.ToLower(s) {
	case "includeroot":
		return IncludeRoot
	case "smart":
		return Smart
	default:
		return SubdomainsOnly
	}
}

// tier assigns each candidate rule to one of the four precedence tiers;
// lower tier number wins.
func tier(r rules.Rule) int {
	switch {
	case r.Type == rules.Exact && r.Action == rules.Allow:
		return 0
	case r.Type == rules.Exact:
		return 1
	case r.Action == rules.Allow:
		return 2
	default:
		return 3
	}
}

// suffixLabels returns the number of dot-separated labels in a wildcard
// rule's suffix (rules.Rule.Domain, which for Type == Wildcard already
// holds the bare suffix), used to pick the longest (most specific) match.
func suffixLabels(suffix string) int {
	if suffix == "" {
		return 0
	}
	return strings.Count(suffix, ".") + 1
}

// Matches reports whether rule r matches queried domain d under mode.
func Matches(r rules.Rule, d string, mode WildcardMode) bool {
	switch r.Type {
	case rules.Exact:
		return r.Domain == d
	case rules.Wildcard:
		suffix := r.Domain
		if suffix == "" {
			return false
		}
		if d == suffix {
			return mode == IncludeRoot || mode == Smart
		}
		return strings.HasSuffix(d, "."+suffix)
	default:
		return false
	}
}

// Resolve reduces the candidate rules (all already known to match domain d
// via Matches) to a single winning rule. It returns false if candidates is
// empty. When mode is Smart and the domain itself has an explicit Exact
// Allow rule among candidates, that rule always wins regardless of any
// wildcard Block also present — this is the "Smart" semantics named in the
// open question: Allow wins.
func Resolve(candidates []rules.Rule, d string, mode WildcardMode) (rules.Rule, bool) {
	if len(candidates) == 0 {
		return rules.Rule{}, false
	}

	best := candidates[0]
	bestTier := tier(best)
	bestSuffixLen := suffixLabels(best.Domain)

	for _, r := range candidates[1:] {
		t := tier(r)
		switch {
		case t < bestTier:
			best, bestTier, bestSuffixLen = r, t, suffixLabels(r.Domain)
		case t > bestTier:
			continue
		default:
			// Same tier: for wildcard tiers, longest suffix wins first.
			if r.Type == rules.Wildcard {
				sl := suffixLabels(r.Domain)
				if sl > bestSuffixLen {
					best, bestSuffixLen = r, sl
					continue
				}
				if sl < bestSuffixLen {
					continue
				}
			}
			if winner(r, best) {
				best = r
				bestSuffixLen = suffixLabels(r.Domain)
			}
		}
	}
	return best, true
}

// winner reports whether candidate beats current under the tie-break
// order: higher explicit priority, then most-recent updated-at, then
// source rank (User > Manifest > Remote > System).
func winner(candidate, current rules.Rule) bool {
	if candidate.Priority != current.Priority {
		return candidate.Priority > current.Priority
	}
	if !candidate.UpdatedAt.Equal(current.UpdatedAt) {
		return candidate.UpdatedAt.After(current.UpdatedAt)
	}
	return candidate.Source.Rank() < current.Source.Rank()
}
