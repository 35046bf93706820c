package manifest

import (
	"encoding/json"
	"time"
)

// wireManifest mirrors the on-disk manifest schema shared across JSON,
// YAML and plist (see the external interfaces section: identifier,
// display_name, included_manifests, rule_sources, managed_rules,
// conditional_items, metadata, manifest_version).
type wireManifest struct {
	Identifier        string            `json:"identifier" yaml:"identifier" plist:"identifier"`
	DisplayName       string            `json:"display_name" yaml:"display_name" plist:"display_name"`
	IncludedManifests []string          `json:"included_manifests" yaml:"included_manifests" plist:"included_manifests"`
	RuleSources       []wireRuleSource  `json:"rule_sources" yaml:"rule_sources" plist:"rule_sources"`
	ManagedRules      wireManagedRules  `json:"managed_rules" yaml:"managed_rules" plist:"managed_rules"`
	ConditionalItems  []wireConditional `json:"conditional_items" yaml:"conditional_items" plist:"conditional_items"`
	Metadata          wireMetadata      `json:"metadata" yaml:"metadata" plist:"metadata"`
	ManifestVersion   string            `json:"manifest_version" yaml:"manifest_version" plist:"manifest_version"`
}

type wireRuleSource struct {
	Identifier     string            `json:"identifier" yaml:"identifier" plist:"identifier"`
	Type           string            `json:"type" yaml:"type" plist:"type"`
	Format         string            `json:"format" yaml:"format" plist:"format"`
	URL            string            `json:"url" yaml:"url" plist:"url"`
	Path           string            `json:"path" yaml:"path" plist:"path"`
	UpdateInterval int               `json:"update_interval" yaml:"update_interval" plist:"update_interval"`
	Priority       int               `json:"priority" yaml:"priority" plist:"priority"`
	Enabled        *bool             `json:"enabled" yaml:"enabled" plist:"enabled"`
	CredentialRef  string            `json:"credential_ref" yaml:"credential_ref" plist:"credential_ref"`
	Headers        map[string]string `json:"headers" yaml:"headers" plist:"headers"`
}

type wireManagedRules struct {
	Block []string `json:"block" yaml:"block" plist:"block"`
	Allow []string `json:"allow" yaml:"allow" plist:"allow"`
}

type wireConditional struct {
	Condition         string           `json:"condition" yaml:"condition" plist:"condition"`
	ManagedRules       wireManagedRules `json:"managed_rules" yaml:"managed_rules" plist:"managed_rules"`
	RuleSources        []wireRuleSource `json:"rule_sources" yaml:"rule_sources" plist:"rule_sources"`
	IncludedManifests  []string         `json:"included_manifests" yaml:"included_manifests" plist:"included_manifests"`
}

type wireMetadata struct {
	Author       string `json:"author" yaml:"author" plist:"author"`
	Description  string `json:"description" yaml:"description" plist:"description"`
	LastModified string `json:"last_modified" yaml:"last_modified" plist:"last_modified"`
	Version      string `json:"version" yaml:"version" plist:"version"`
}

func decodeJSON(data []byte, out *wireManifest) error {
	return json.Unmarshal(data, out)
}

func (w wireManifest) toManifest() Manifest {
	m := Manifest{
		Identifier:        w.Identifier,
		DisplayName:       w.DisplayName,
		IncludedManifests: w.IncludedManifests,
		ManagedRules:      ManagedRules{Block: w.ManagedRules.Block, Allow: w.ManagedRules.Allow},
		ManifestVersion:   w.ManifestVersion,
	}
	for _, rs := range w.RuleSources {
		m.RuleSources = append(m.RuleSources, rs.toRuleSource())
	}
	for _, ci := range w.ConditionalItems {
		m.ConditionalItems = append(m.ConditionalItems, ConditionalItem{
			Condition:         ci.Condition,
			ManagedRulesBlock: ci.ManagedRules.Block,
			ManagedRulesAllow: ci.ManagedRules.Allow,
			IncludedManifests: ci.IncludedManifests,
		})
		var sources []RuleSource
		for _, rs := range ci.RuleSources {
			sources = append(sources, rs.toRuleSource())
		}
		m.ConditionalItems[len(m.ConditionalItems)-1].RuleSources = sources
	}
	lastMod, _ := time.Parse(time.RFC3339, w.Metadata.LastModified)
	m.Metadata = Metadata{
		Author:       w.Metadata.Author,
		Description:  w.Metadata.Description,
		LastModified: lastMod,
		Version:      w.Metadata.Version,
	}
	return m
}

func (rs wireRuleSource) toRuleSource() RuleSource {
	enabled := true
	if rs.Enabled != nil {
		enabled = *rs.Enabled
	}
	return RuleSource{
		Identifier:     rs.Identifier,
		Type:           parseSourceType(rs.Type),
		Format:         parseSourceFormat(rs.Format),
		URL:            rs.URL,
		Path:           rs.Path,
		UpdateInterval: time.Duration(rs.UpdateInterval) * time.Second,
		Priority:       rs.Priority,
		Enabled:        enabled,
		CredentialRef:  rs.CredentialRef,
		Headers:        rs.Headers,
	}
}

func parseSourceType(s string) RuleSourceType {
	if s == "file" || s == "File" {
		return SourceFile
	}
	return SourceHTTPS
}

func parseSourceFormat(s string) RuleSourceFormat {
	switch s {
	case "yaml", "yml":
		return FormatYAML
	case "plist":
		return FormatPlist
	case "hosts":
		return FormatHosts
	default:
		return FormatJSON
	}
}
