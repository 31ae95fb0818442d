package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const envPrefix = "SEDORI__"

// Load reads dir/settings.yml, deep-merges dir/env/<env>.yml over it
// when present, applies SEDORI__ environment overrides, then decodes
// and validates. A missing base file is a ConfigError; a missing env
// overlay is not.
func Load(dir, env string) (*Settings, error) {
	base, err := readYAMLMap(filepath.Join(dir, "settings.yml"))
	if err != nil {
		return nil, err
	}

	if env != "" {
		overlayPath := filepath.Join(dir, "env", env+".yml")
		overlay, err := readYAMLMap(overlayPath)
		switch {
		case err == nil:
			base = deepMerge(base, overlay)
		case errors.Is(err, os.ErrNotExist):
			// overlay is optional
		default:
			return nil, err
		}
	}

	applyEnvOverrides(base, os.Environ())

	merged, err := yaml.Marshal(base)
	if err != nil {
		return nil, errorf("re-encode merged tree: %v", err)
	}
	settings := Default()
	if err := yaml.Unmarshal(merged, settings); err != nil {
		return nil, errorf("decode settings: %v", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func readYAMLMap(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", err, errorf("%s not found", path))
		}
		return nil, errorf("read %s: %v", path, err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, errorf("parse %s: %v", path, err)
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

// deepMerge overlays b onto a; nested maps merge recursively, anything
// else is replaced.
func deepMerge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if existing, ok := out[k]; ok {
			em, eok := asMap(existing)
			vm, vok := asMap(v)
			if eok && vok {
				out[k] = deepMerge(em, vm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	}
	return nil, false
}

// applyEnvOverrides sets SEDORI__section__key[__key...] values at the
// lowercased path, coercing scalars through YAML so "true" and "120"
// keep their types.
func applyEnvOverrides(tree map[string]any, environ []string) {
	for _, kv := range environ {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name, value := kv[:eq], kv[eq+1:]
		parts := strings.Split(strings.TrimPrefix(name, envPrefix), "__")
		if len(parts) < 2 {
			continue
		}
		for i := range parts {
			parts[i] = strings.ToLower(parts[i])
		}
		setPath(tree, parts, coerceScalar(value))
	}
}

func setPath(tree map[string]any, path []string, value any) {
	node := tree
	for _, key := range path[:len(path)-1] {
		child, ok := asMap(node[key])
		if !ok {
			child = map[string]any{}
		}
		node[key] = child
		node = child
	}
	node[path[len(path)-1]] = value
}

func coerceScalar(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
