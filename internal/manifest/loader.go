package manifest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"howett.net/plist"
)

// FileLoader resolves manifest identifiers against an ordered list of
// search-path directories, loading `<dir>/<identifier>.{json,yaml,yml,plist}`
// and detecting the format by extension, falling back to content sniffing
// (first non-whitespace byte: '{'/'[' -> JSON, '<' -> plist, else YAML) when
// the identifier carries no recognized extension.
type FileLoader struct {
	SearchPaths []string
}

// NewFileLoader constructs a FileLoader over the given search paths, tried
// in order.
func NewFileLoader(searchPaths ...string) *FileLoader {
	return &FileLoader{SearchPaths: searchPaths}
}

func (l *FileLoader) Load(_ context.Context, identifier string) (Manifest, error) {
	for _, dir := range l.SearchPaths {
		for _, candidate := range candidatePaths(dir, identifier) {
			data, err := os.ReadFile(candidate)
			if err != nil {
				continue
			}
			m, err := decodeManifest(data, candidate)
			if err != nil {
				return Manifest{}, fmt.Errorf("manifest %s at %s: %w", identifier, candidate, err)
			}
			if m.Identifier == "" {
				m.Identifier = identifier
			}
			return m, nil
		}
	}
	return Manifest{}, fmt.Errorf("%w: %s", ErrManifestNotFound, identifier)
}

func candidatePaths(dir, identifier string) []string {
	if ext := filepath.Ext(identifier); ext != "" {
		return []string{filepath.Join(dir, identifier)}
	}
	return []string{
		filepath.Join(dir, identifier+".json"),
		filepath.Join(dir, identifier+".yaml"),
		filepath.Join(dir, identifier+".yml"),
		filepath.Join(dir, identifier+".plist"),
	}
}

func decodeManifest(data []byte, path string) (Manifest, error) {
	format := detectFormat(data, path)
	var wire wireManifest
	switch format {
	case FormatJSON:
		if err := decodeJSON(data, &wire); err != nil {
			return Manifest{}, err
		}
	case FormatPlist:
		if _, err := plist.Unmarshal(data, &wire); err != nil {
			return Manifest{}, err
		}
	default: // YAML
		if err := yaml.Unmarshal(data, &wire); err != nil {
			return Manifest{}, err
		}
	}
	return wire.toManifest(), nil
}

func detectFormat(data []byte, path string) RuleSourceFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	case ".plist":
		return FormatPlist
	}
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return FormatYAML
	}
	switch trimmed[0] {
	case '{', '[':
		return FormatJSON
	case '<':
		return FormatPlist
	default:
		return FormatYAML
	}
}
