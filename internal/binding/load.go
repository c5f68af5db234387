package binding

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hanpama/querydag/internal/query"
)

// LoadDir reads every *.json, *.yaml and *.yml file in dir as a query
// template named after the file without its extension. Subdirectories are
// not read.
func LoadDir(dir string) (map[string]query.Tree, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("binding: read %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := make(map[string]query.Tree)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		switch ext {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		name := strings.TrimSuffix(e.Name(), ext)
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("%w: %q defined by more than one file in %s", ErrAlreadyBound, name, dir)
		}
		tree, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out[name] = tree
	}
	return out, nil
}

// LoadFile reads one template file. YAML files use the same field names as
// the JSON wire format.
func LoadFile(path string) (query.Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("binding: read %s: %w", path, err)
	}
	var tree query.Tree
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		var raw any
		if err = yaml.Unmarshal(data, &raw); err == nil {
			var v any
			if v, err = query.FromWire(raw); err == nil {
				tree, err = query.AsTree(v)
			}
		}
	default:
		tree, err = query.UnmarshalTree(data)
	}
	if err != nil {
		return nil, fmt.Errorf("binding: parse %s: %w", path, err)
	}
	return tree, nil
}
