package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultAllowedModels is the baked-in allow-list used when no models file
// is configured.
var defaultAllowedModels = []string{
	"glm-4.7",
	"glm-4.7-air",
	"glm-4.6",
}

// ModelAllowList is the set of upstream model names a tenant record may pin.
type ModelAllowList struct {
	models map[string]struct{}
	names  []string
}

type modelsFileDoc struct {
	Models []string `yaml:"models"`
}

// LoadModelAllowList reads the YAML allow-list at path. An empty path yields
// the baked-in defaults.
func LoadModelAllowList(path string) (*ModelAllowList, error) {
	names := defaultAllowedModels
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read models file %s: %w", path, err)
		}
		var doc modelsFileDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse models file %s: %w", path, err)
		}
		if len(doc.Models) == 0 {
			return nil, fmt.Errorf("models file %s lists no models", path)
		}
		names = doc.Models
	}

	l := &ModelAllowList{models: make(map[string]struct{}, len(names))}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := l.models[name]; dup {
			continue
		}
		l.models[name] = struct{}{}
		l.names = append(l.names, name)
	}
	if len(l.names) == 0 {
		return nil, fmt.Errorf("model allow-list is empty")
	}
	return l, nil
}

// Allowed reports whether a model name is admissible.
func (l *ModelAllowList) Allowed(name string) bool {
	_, ok := l.models[name]
	return ok
}

// Names returns the allow-list in file order.
func (l *ModelAllowList) Names() []string {
	out := make([]string, len(l.names))
	copy(out, l.names)
	return out
}
