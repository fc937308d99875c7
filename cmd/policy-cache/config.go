package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// YAML is a kong configuration loader for YAML files. Keys are flag names
// written with dashes or underscores. Lists become comma separated values
// and mappings become NAME=VALUE pairs, the same forms accepted on the
// command line:
//
//	api_url: https://api.example.com/v1
//	collections: [policies, users]
//	paths:
//	  users: /admin/users
func YAML(r io.Reader) (kong.Resolver, error) {
	var values map[string]any
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parsing yaml config: %w", err)
	}

	flat := make(map[string]string, len(values))
	for k, v := range values {
		if v == nil {
			continue
		}
		s, err := flagValue(v)
		if err != nil {
			return nil, fmt.Errorf("config key %q: %w", k, err)
		}
		flat[strings.ReplaceAll(k, "-", "_")] = s
	}

	raw, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("converting yaml config: %w", err)
	}
	return kong.JSON(bytes.NewReader(raw))
}

// flagValue renders a YAML value in command line form.
func flagValue(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := flagValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			s, err := flagValue(v[k])
			if err != nil {
				return "", err
			}
			pairs = append(pairs, k+"="+s)
		}
		return strings.Join(pairs, ";"), nil
	case string:
		return v, nil
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("unsupported value %T", v)
	}
}
