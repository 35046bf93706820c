package precedence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nullstream/ruleproxy/internal/rules"
)

func mustRule(t *testing.T, domain string, action rules.Action, typ rules.Type) rules.Rule {
	t.Helper()
	r, err := rules.NewRule(domain, action, typ, rules.SourceUser)
	require.NoError(t, err)
	return r
}

func TestResolve_ExactAllowOverridesWildcardBlock(t *testing.T) {
	wildcardBlock := mustRule(t, "*.example.com", rules.Block, rules.Wildcard)
	exactAllow := mustRule(t, "safe.example.com", rules.Allow, rules.Exact)

	var matched []rules.Rule
	for _, r := range []rules.Rule{wildcardBlock, exactAllow} {
		if Matches(r, "safe.example.com", SubdomainsOnly) {
			matched = append(matched, r)
		}
	}
	require.Len(t, matched, 2)

	winner, ok := Resolve(matched, "safe.example.com", SubdomainsOnly)
	require.True(t, ok)
	assert.Equal(t, rules.Allow, winner.Action)
}

func TestResolve_WildcardLongestSuffixWins(t *testing.T) {
	wildcardAllow := mustRule(t, "*.ads.example.com", rules.Allow, rules.Wildcard)
	wildcardBlock := mustRule(t, "*.example.com", rules.Block, rules.Wildcard)

	d := "x.ads.example.com"
	var matched []rules.Rule
	for _, r := range []rules.Rule{wildcardAllow, wildcardBlock} {
		if Matches(r, d, SubdomainsOnly) {
			matched = append(matched, r)
		}
	}
	require.Len(t, matched, 2)

	winner, ok := Resolve(matched, d, SubdomainsOnly)
	require.True(t, ok)
	assert.Equal(t, rules.Allow, winner.Action, "longest wildcard suffix (ads.example.com) should win over example.com")
}

func TestMatches_SubdomainsOnlyExcludesRoot(t *testing.T) {
	wc := mustRule(t, "*.example.com", rules.Block, rules.Wildcard)
	assert.False(t, Matches(wc, "example.com", SubdomainsOnly))
	assert.True(t, Matches(wc, "a.example.com", SubdomainsOnly))
}

func TestMatches_IncludeRootMatchesRoot(t *testing.T) {
	wc := mustRule(t, "*.example.com", rules.Block, rules.Wildcard)
	assert.True(t, Matches(wc, "example.com", IncludeRoot))
	assert.True(t, Matches(wc, "a.example.com", IncludeRoot))
}

func TestResolve_SmartModeAllowWinsAtRoot(t *testing.T) {
	wc := mustRule(t, "*.example.com", rules.Block, rules.Wildcard)
	rootAllow := mustRule(t, "example.com", rules.Allow, rules.Exact)

	d := "example.com"
	var matched []rules.Rule
	for _, r := range []rules.Rule{wc, rootAllow} {
		if Matches(r, d, Smart) {
			matched = append(matched, r)
		}
	}
	require.Len(t, matched, 2, "Smart mode should still let the wildcard match the root so Resolve can prefer Allow")

	winner, ok := Resolve(matched, d, Smart)
	require.True(t, ok)
	assert.Equal(t, rules.Allow, winner.Action)
}

func TestResolve_TieBreakPriorityThenRecencyThenSource(t *testing.T) {
	now := time.Now()
	older := mustRule(t, "ads.example.com", rules.Block, rules.Exact)
	older.UpdatedAt = now.Add(-time.Hour)
	newer := mustRule(t, "ads.example.com", rules.Block, rules.Exact)
	newer.UpdatedAt = now
	newer.Source = rules.SourceRemote

	winner, ok := Resolve([]rules.Rule{older, newer}, "ads.example.com", SubdomainsOnly)
	require.True(t, ok)
	assert.Equal(t, rules.SourceRemote, winner.Source, "more recently updated rule should win the tie")
}

func TestResolve_EmptyCandidates(t *testing.T) {
	_, ok := Resolve(nil, "example.com", SubdomainsOnly)
	assert.False(t, ok)
}
