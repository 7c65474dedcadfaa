package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// readConfigFile decodes a YAML or TOML file, chosen by extension, into a
// layer. Unknown keys are rejected.
func readConfigFile(path string) (layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return layer{}, fmt.Errorf("read config file: %w", err)
	}
	var values settings
	var set map[string]bool
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		set, err = decodeYAMLConfig(data, &values)
	case ".toml":
		set, err = decodeTOMLConfig(data, &values)
	default:
		return layer{}, fmt.Errorf("config file %s: unsupported extension (want .yaml, .yml or .toml)", path)
	}
	if err != nil {
		return layer{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return layer{source: sourceFile, values: values, set: set}, nil
}

func decodeYAMLConfig(data []byte, values *settings) (map[string]bool, error) {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(values); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	set := make(map[string]bool, len(raw))
	for key := range raw {
		set[key] = true
	}
	return set, nil
}

func decodeTOMLConfig(data []byte, values *settings) (map[string]bool, error) {
	meta, err := toml.Decode(string(data), values)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	set := make(map[string]bool)
	forEachKey(func(key, _ string) {
		if meta.IsDefined(key) {
			set[key] = true
		}
	})
	return set, nil
}
