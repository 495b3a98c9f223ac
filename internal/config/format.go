package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

type fileFormat int

const (
	formatJSON fileFormat = iota
	formatYAML
)

func formatOf(name string) fileFormat {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatJSON
	}
}

// toJSON returns data as JSON so both formats go through the same strict
// decoder. A YAML file must hold exactly one document; an empty one
// decodes as {}.
func toJSON(name string, data []byte) ([]byte, error) {
	if formatOf(name) == formatJSON {
		return data, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return []byte("{}"), nil
		}
		return nil, fmt.Errorf("config: yaml: %w", err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: yaml: expected a single document")
	}
	if doc == nil {
		return []byte("{}"), nil
	}

	j, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("config: yaml: %w", err)
	}
	return j, nil
}

// stringKeys rewrites YAML maps with non-string keys (e.g. `1: x`) into
// JSON-compatible ones.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = stringKeys(e)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = stringKeys(e)
		}
		return out
	case []any:
		for i, e := range x {
			x[i] = stringKeys(e)
		}
		return x
	default:
		return v
	}
}
