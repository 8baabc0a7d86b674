package scenario

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hjson/hjson-go/v4"
	"gopkg.in/yaml.v2"
)

// Parse decodes a scenario document from canonical JSON (or anything JSON
// can read, including documents using the legacy flat amount encoding).
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	return &doc, nil
}

// ParseHJSON decodes a human-edited HJSON scenario (a superset of JSON, so
// plain JSON also passes through here).
func ParseHJSON(data []byte) (*Document, error) {
	var loose interface{}
	if err := hjson.Unmarshal(data, &loose); err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	return reparse(loose)
}

// ParseYAML decodes a YAML scenario.
func ParseYAML(data []byte) (*Document, error) {
	var loose interface{}
	if err := yaml.Unmarshal(data, &loose); err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	return reparse(stringKeys(loose))
}

// reparse funnels a loosely-typed tree through the canonical JSON decoder so
// every custom unmarshaler (tagged unions, legacy amounts, dates) applies
// regardless of the source syntax.
func reparse(loose interface{}) (*Document, error) {
	buf, err := json.Marshal(loose)
	if err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	return Parse(buf)
}

// stringKeys rewrites yaml.v2's interface{}-keyed maps into string-keyed
// maps so the tree marshals as JSON.
func stringKeys(v interface{}) interface{} {
	switch m := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprintf("%v", k)] = stringKeys(val)
		}
		return out
	case []interface{}:
		for i := range m {
			m[i] = stringKeys(m[i])
		}
		return m
	default:
		return v
	}
}

// LoadFile reads a scenario, dispatching on extension: .yaml/.yml through
// the YAML reader, everything else (.json, .hjson) through HJSON.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseHJSON(data)
	}
}

// Write emits the canonical JSON serialization: tagged discriminators
// everywhere, two-space indentation, trailing newline.
func Write(doc *Document) ([]byte, error) {
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(buf, '\n'), nil
}
