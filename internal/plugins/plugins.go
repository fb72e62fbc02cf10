// Package plugins lists the plugins advertised on the landing page.
package plugins

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type Plugin struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"`
}

type fileFormat struct {
	Plugins []Plugin `yaml:"plugins"`
}

type Registry struct {
	plugins []Plugin
}

// LoadFile reads a YAML registry. An empty path yields an empty registry.
func LoadFile(path string) (*Registry, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return &Registry{}, nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugins file: %w", err)
	}
	return Parse(blob)
}

func Parse(blob []byte) (*Registry, error) {
	var f fileFormat
	if err := yaml.Unmarshal(blob, &f); err != nil {
		return nil, fmt.Errorf("parse plugins file: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Plugins))
	out := make([]Plugin, 0, len(f.Plugins))
	for i, p := range f.Plugins {
		p.Name = strings.TrimSpace(p.Name)
		p.Address = strings.TrimSpace(p.Address)
		if p.Name == "" {
			return nil, fmt.Errorf("plugin %d: name is required", i)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("plugin %q: %w", p.Name, errDuplicate)
		}
		seen[p.Name] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return &Registry{plugins: out}, nil
}

var errDuplicate = errors.New("duplicate plugin")

// Plugins returns a copy sorted by name.
func (r *Registry) Plugins() []Plugin {
	if r == nil {
		return []Plugin{}
	}
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}
