package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON returns the config document as JSON so YAML and JSON files share
// the strict decoder. The format comes from the file extension; without a
// known one, a document that is empty or opens with '{' is taken as JSON.
func toJSON(name string, data []byte) ([]byte, error) {
	if isJSON(name, data) {
		return data, nil
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("convert yaml: %w", err)
	}
	return out, nil
}

func isJSON(name string, data []byte) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return true
	case ".yaml", ".yml":
		return false
	}
	t := bytes.TrimSpace(data)
	return len(t) == 0 || t[0] == '{'
}

// stringKeys rewrites non-string mapping keys (e.g. `1: x`) so encoding/json
// accepts the tree.
func stringKeys(v any) any {
	switch node := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(node))
		for k, val := range node {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range node {
			node[k] = stringKeys(val)
		}
	case []any:
		for i, val := range node {
			node[i] = stringKeys(val)
		}
	}
	return v
}
