package fetch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"howett.net/plist"

	"github.com/nullstream/ruleproxy/internal/rules"
)

// ListFormat identifies the on-disk shape of a fetched rule source, shared
// across JSON, YAML, Plist (one schema: version/name/updated/author/
// description/source/license/blocked/whitelist/metadata) and the classic
// hosts-file layout.
type ListFormat int

const (
	ListFormatAuto ListFormat = iota
	ListFormatJSON
	ListFormatYAML
	ListFormatPlist
	ListFormatHosts
)

// blockIPs are the addresses hosts-format blocklists redirect to; any of
// them on the left of a hosts line marks the right-hand domains as blocked.
var blockIPs = map[string]bool{
	"0.0.0.0":   true,
	"127.0.0.1": true,
	"::1":       true,
}

// wireRuleEntry is either a bare domain string or {domain,priority,comment}
// in the JSON/YAML/Plist schema's blocked/whitelist arrays.
type wireRuleEntry struct {
	Domain   string `json:"domain" yaml:"domain" plist:"domain"`
	Priority int    `json:"priority" yaml:"priority" plist:"priority"`
	Comment  string `json:"comment" yaml:"comment" plist:"comment"`
}

func (e *wireRuleEntry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Domain = s
		return nil
	}
	type alias wireRuleEntry
	return json.Unmarshal(data, (*alias)(e))
}

func (e *wireRuleEntry) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		e.Domain = s
		return nil
	}
	type alias wireRuleEntry
	return value.Decode((*alias)(e))
}

type wireRuleList struct {
	Version     string          `json:"version" yaml:"version" plist:"version"`
	Name        string          `json:"name" yaml:"name" plist:"name"`
	Updated     string          `json:"updated" yaml:"updated" plist:"updated"`
	Author      string          `json:"author" yaml:"author" plist:"author"`
	Description string          `json:"description" yaml:"description" plist:"description"`
	Source      string          `json:"source" yaml:"source" plist:"source"`
	License     string          `json:"license" yaml:"license" plist:"license"`
	Blocked     []wireRuleEntry `json:"blocked" yaml:"blocked" plist:"blocked"`
	Whitelist   []wireRuleEntry `json:"whitelist" yaml:"whitelist" plist:"whitelist"`
}

// ParsedList is the result of parsing one fetched rule source: the rules it
// contributes plus the shared metadata header, when the format carries one
// (hosts lists carry none).
type ParsedList struct {
	Rules   []rules.Rule
	Name    string
	Updated time.Time
}

// ParseRuleList parses raw bytes fetched for a rule source of the given
// format into domain rules tagged with source/sourceName, mirroring the
// teacher's Parser.Parse but against the richer {blocked,whitelist} schema
// and the new Rule tuple instead of a DomainTrie of booleans.
func ParseRuleList(data []byte, format ListFormat, source rules.Source, sourceName string) (ParsedList, error) {
	if format == ListFormatAuto {
		format = detectListFormat(data)
	}
	switch format {
	case ListFormatHosts:
		return parseHostsList(data, source, sourceName)
	case ListFormatPlist:
		return parseStructuredList(data, plistUnmarshal, source, sourceName)
	case ListFormatYAML:
		return parseStructuredList(data, yaml.Unmarshal, source, sourceName)
	default:
		return parseStructuredList(data, json.Unmarshal, source, sourceName)
	}
}

func plistUnmarshal(data []byte, v any) error {
	_, err := plist.Unmarshal(data, v)
	return err
}

func detectListFormat(data []byte) ListFormat {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return ListFormatHosts
	}
	switch trimmed[0] {
	case '{', '[':
		return ListFormatJSON
	case '<':
		return ListFormatPlist
	}
	// hosts lines start with an IP or a comment; structured YAML starts
	// with a "key:" line. A leading IP octet is the strongest signal.
	firstLine := trimmed
	if idx := bytes.IndexByte(trimmed, '\n'); idx >= 0 {
		firstLine = trimmed[:idx]
	}
	fields := strings.Fields(string(firstLine))
	if len(fields) > 0 {
		if ip := net.ParseIP(fields[0]); ip != nil {
			return ListFormatHosts
		}
	}
	return ListFormatYAML
}

func parseStructuredList(data []byte, unmarshal func([]byte, any) error, source rules.Source, sourceName string) (ParsedList, error) {
	var wire wireRuleList
	if err := unmarshal(data, &wire); err != nil {
		return ParsedList{}, newError(sourceName, KindDataCorrupted, 0, fmt.Errorf("decode rule list: %w", err))
	}
	out := ParsedList{Name: wire.Name}
	if wire.Updated != "" {
		if t, err := time.Parse(time.RFC3339, wire.Updated); err == nil {
			out.Updated = t
		}
	}
	for _, entry := range wire.Blocked {
		r, ok := buildEntryRule(entry, rules.Block, source, sourceName)
		if ok {
			out.Rules = append(out.Rules, r)
		}
	}
	for _, entry := range wire.Whitelist {
		r, ok := buildEntryRule(entry, rules.Allow, source, sourceName)
		if ok {
			out.Rules = append(out.Rules, r)
		}
	}
	return out, nil
}

func buildEntryRule(entry wireRuleEntry, action rules.Action, source rules.Source, sourceName string) (rules.Rule, bool) {
	if entry.Domain == "" {
		return rules.Rule{}, false
	}
	r, err := rules.NewRule(entry.Domain, action, rules.Exact, source)
	if err != nil {
		return rules.Rule{}, false
	}
	r.Priority = entry.Priority
	r.Comment = entry.Comment
	r.SourceName = sourceName
	return r, true
}

// parseHostsList parses the classic `IP domain [domain...]` format with
// `#`-comments, recognizing two extension directives used to carve
// exceptions out of an otherwise block-everything list:
// `# @whitelist <domain>` and `# @allow <domain>`.
func parseHostsList(data []byte, source rules.Source, sourceName string) (ParsedList, error) {
	var out ParsedList
	scanner := bufio.NewScanner(bytes.NewReader(data))
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if domain, ok := directiveDomain(line); ok {
				if r, err := rules.NewRule(domain, rules.Allow, rules.Exact, source); err == nil {
					r.SourceName = sourceName
					out.Rules = append(out.Rules, r)
				}
			}
			continue
		}
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !blockIPs[fields[0]] {
			continue
		}
		for _, domain := range fields[1:] {
			if domain == "localhost" || domain == "localhost.localdomain" {
				continue
			}
			r, err := rules.NewRule(domain, rules.Block, rules.Exact, source)
			if err != nil {
				continue
			}
			r.SourceName = sourceName
			out.Rules = append(out.Rules, r)
		}
	}
	if err := scanner.Err(); err != nil {
		return ParsedList{}, newError(sourceName, KindDataCorrupted, 0, err)
	}
	return out, nil
}

func directiveDomain(line string) (string, bool) {
	line = strings.TrimSpace(strings.TrimPrefix(line, "#"))
	for _, prefix := range []string{"@whitelist", "@allow"} {
		if strings.HasPrefix(line, prefix) {
			domain := strings.TrimSpace(strings.TrimPrefix(line, prefix))
			if domain != "" {
				return domain, true
			}
		}
	}
	return "", false
}
