// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package effective builds the configuration a service runs with.
//
// Configuration is a flat mapping of dotted keys to strings with two
// precedence tiers:
//
//	Defaults  (default.yaml in the package)
//	  < Overrides  (the config backend, or <SERVICE>_* env when there is none)
//
// Nested YAML is flattened: maps join keys with ".", sequences use the
// element index ("servers.0.host").
package effective

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDefaults is returned when default.yaml cannot be flattened.
var ErrInvalidDefaults = errors.New("invalid defaults")

// Config is an immutable, key-ordered configuration snapshot.
type Config struct {
	keys   []string
	values map[string]string
}

// New returns a Config holding a copy of m.
func New(m map[string]string) *Config {
	c := &Config{values: make(map[string]string, len(m)), keys: make([]string, 0, len(m))}
	for k, v := range m {
		c.values[k] = v
		c.keys = append(c.keys, k)
	}
	sort.Strings(c.keys)
	return c
}

// Merge layers overrides on top of defaults. Keys present in overrides win.
func Merge(defaults, overrides map[string]string) *Config {
	m := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		m[k] = v
	}
	for k, v := range overrides {
		m[k] = v
	}
	return New(m)
}

// Get returns the value for key.
func (c *Config) Get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.values[key]
	return v, ok
}

// Keys returns the keys in sorted order.
func (c *Config) Keys() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.keys...)
}

// Len returns the number of keys.
func (c *Config) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}

// Map returns a copy of the values.
func (c *Config) Map() map[string]string {
	out := make(map[string]string, c.Len())
	if c == nil {
		return out
	}
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Equal reports whether c and other hold the same keys and values.
func (c *Config) Equal(other *Config) bool {
	if c.Len() != other.Len() {
		return false
	}
	for _, k := range c.Keys() {
		v, ok := other.Get(k)
		if !ok {
			return false
		}
		if cv, _ := c.Get(k); cv != v {
			return false
		}
	}
	return true
}

// Digest is a hex SHA-256 over the sorted key/value pairs.
func (c *Config) Digest() string {
	h := sha256.New()
	for _, k := range c.Keys() {
		v, _ := c.Get(k)
		fmt.Fprintf(h, "%d:%s%d:%s", len(k), k, len(v), v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Nested expands the dotted keys into nested maps for template lookups
// such as {{ .cfg.db.port }}. When a key is both a value and a prefix of
// other keys ("db" and "db.port"), the nested map wins.
func (c *Config) Nested() map[string]interface{} {
	root := make(map[string]interface{})
	for _, k := range c.Keys() {
		v, _ := c.Get(k)
		parts := strings.Split(k, ".")
		node := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]interface{})
			if !ok {
				child = make(map[string]interface{})
				node[p] = child
			}
			node = child
		}
		last := parts[len(parts)-1]
		if _, isMap := node[last].(map[string]interface{}); !isMap {
			node[last] = v
		}
	}
	return root
}

// =============================================================================
// Defaults
// =============================================================================

// LoadDefaults reads and flattens a default.yaml. A missing file yields
// an empty mapping.
func LoadDefaults(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return FlattenYAML(data)
}

// FlattenYAML flattens a YAML document into dotted keys. Scalars keep
// their source text, so "1.10" stays "1.10". Null values become "".
func FlattenYAML(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefaults, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return out, nil
	}
	top := doc.Content[0]
	if top.Kind == yaml.ScalarNode && top.Tag == "!!null" {
		return out, nil
	}
	if top.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping", ErrInvalidDefaults)
	}
	if err := flatten(top, "", out); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(n *yaml.Node, prefix string, out map[string]string) error {
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			k := n.Content[i].Value
			if k == "" || strings.Contains(k, ".") {
				return fmt.Errorf("%w: key %q at line %d", ErrInvalidDefaults, k, n.Content[i].Line)
			}
			if err := flatten(n.Content[i+1], join(prefix, k), out); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for i, c := range n.Content {
			if err := flatten(c, join(prefix, strconv.Itoa(i)), out); err != nil {
				return err
			}
		}
	case yaml.AliasNode:
		return flatten(n.Alias, prefix, out)
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			out[prefix] = ""
		} else {
			out[prefix] = n.Value
		}
	default:
		return fmt.Errorf("%w: unsupported node at line %d", ErrInvalidDefaults, n.Line)
	}
	return nil
}

func join(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "." + k
}

// =============================================================================
// Environment overrides
// =============================================================================

// EnvPrefix returns the variable prefix for service: upper case, "-"
// replaced by "_", followed by "_".
func EnvPrefix(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_")) + "_"
}

// EnvKey maps a variable name (without prefix) to a dotted key:
// lower case, "__" becomes ".".
func EnvKey(rest string) string {
	return strings.ReplaceAll(strings.ToLower(rest), "__", ".")
}

// EnvOverrides extracts the overrides for service from environ
// ("KEY=value" entries as returned by os.Environ).
//
//	REDIS_PORT=6380       -> port=6380
//	REDIS_DB__MAX_CONN=5  -> db.max_conn=5
func EnvOverrides(service string, environ []string) map[string]string {
	prefix := EnvPrefix(service)
	out := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) || len(name) == len(prefix) {
			continue
		}
		out[EnvKey(name[len(prefix):])] = value
	}
	return out
}
