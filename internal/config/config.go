// Package config loads YAML option files and layers them under the command
// line: a value from the file only applies when its flag was not given.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/pflag"
)

// File maps option names to values. Keys may use underscores or dashes,
// so "chunk_size" and "chunk-size" both set --chunk-size.
type File map[string]any

// Load reads and parses a YAML option file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// Apply sets every flag in sets that the file names and the user did not
// set explicitly. Keys no flag knows are returned, not rejected, since one
// file is shared by all subcommands.
func (f File) Apply(sets ...*pflag.FlagSet) (unknown []string, err error) {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		name := strings.ReplaceAll(key, "_", "-")
		fl := lookup(name, sets)
		if fl == nil {
			unknown = append(unknown, key)
			continue
		}
		if fl.Changed {
			continue
		}
		val, err := format(f[key])
		if err != nil {
			return unknown, fmt.Errorf("option %s: %w", key, err)
		}
		if err := fl.Value.Set(val); err != nil {
			return unknown, fmt.Errorf("option %s: %w", key, err)
		}
	}
	return unknown, nil
}

func lookup(name string, sets []*pflag.FlagSet) *pflag.Flag {
	for _, fs := range sets {
		if fs == nil {
			continue
		}
		if fl := fs.Lookup(name); fl != nil {
			return fl
		}
	}
	return nil
}

// format renders a YAML scalar or list the way it would be typed on the
// command line. Lists become comma separated.
func format(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			s, err := format(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	case map[string]any:
		return "", fmt.Errorf("nested maps are not supported")
	default:
		return fmt.Sprint(x), nil
	}
}
