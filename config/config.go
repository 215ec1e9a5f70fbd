package config

// Package config holds an application's configuration: typed values for
// every registered key, loaded from YAML files, with composite per-stem
// lookup for the keys that vary by comparison stem.

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/perfgo/texttest/model"
)

// DefaultStem is the stem-map entry used when no specific entry matches.
const DefaultStem = "default"

// StemLists is an ordered mapping from stem (or stem pattern) to a list.
type StemLists struct {
	order  []string
	values map[string][]string
}

// NewStemLists returns an empty mapping.
func NewStemLists() *StemLists {
	return &StemLists{values: map[string][]string{}}
}

// Keys returns the keys in the order they were first set.
func (s *StemLists) Keys() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

// Get returns the list stored under key.
func (s *StemLists) Get(key string) []string {
	if s == nil {
		return nil
	}
	return s.values[key]
}

// Set replaces the list stored under key, keeping its original position.
func (s *StemLists) Set(key string, values []string) {
	if _, ok := s.values[key]; !ok {
		s.order = append(s.order, key)
	}
	s.values[key] = values
}

// Len returns the number of keys.
func (s *StemLists) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

func (s *StemLists) clone() *StemLists {
	c := NewStemLists()
	for _, k := range s.order {
		c.Set(k, append([]string(nil), s.values[k]...))
	}
	return c
}

// Config holds the values of one application's configuration.
type Config struct {
	registry *Registry
	values   map[string]any
}

// New returns a configuration holding the registry's defaults.
func New(registry *Registry) *Config {
	c := &Config{registry: registry, values: map[string]any{}}
	for _, name := range registry.Names() {
		key, _ := registry.Lookup(name)
		c.values[name] = defaultValue(key)
	}
	return c
}

func defaultValue(key Key) any {
	switch key.Kind {
	case KindString:
		if s, ok := key.Default.(string); ok {
			return s
		}
		return ""
	case KindInt:
		if i, ok := key.Default.(int); ok {
			return i
		}
		return 0
	case KindFloat:
		if f, ok := key.Default.(float64); ok {
			return f
		}
		return 0.0
	case KindBool:
		if b, ok := key.Default.(bool); ok {
			return b
		}
		return false
	case KindList:
		if l, ok := key.Default.([]string); ok {
			return append([]string(nil), l...)
		}
		return []string(nil)
	case KindStemLists:
		return NewStemLists()
	case KindStemValues:
		m := map[string]string{}
		if d, ok := key.Default.(map[string]string); ok {
			for k, v := range d {
				m[k] = v
			}
		}
		return m
	}
	return nil
}

// Clone returns an independent copy, used when deriving extra-version applications.
func (c *Config) Clone() *Config {
	out := &Config{registry: c.registry, values: map[string]any{}}
	for k, v := range c.values {
		switch tv := v.(type) {
		case []string:
			out.values[k] = append([]string(nil), tv...)
		case *StemLists:
			out.values[k] = tv.clone()
		case map[string]string:
			m := make(map[string]string, len(tv))
			for mk, mv := range tv {
				m[mk] = mv
			}
			out.values[k] = m
		default:
			out.values[k] = v
		}
	}
	return out
}

// Load reads config.<app> from dir, any files it imports, and then
// config.<app>.<version> for each version in order.
func Load(registry *Registry, dir, app string, versions []string) (*Config, error) {
	c := New(registry)
	base := filepath.Join(dir, "config."+app)
	if err := c.LoadFile(base); err != nil {
		return nil, err
	}
	for _, imported := range c.List("import_config_file") {
		path := imported
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if err := c.LoadFile(path); err != nil {
			return nil, err
		}
	}
	for i := range versions {
		path := base + "." + strings.Join(versions[:i+1], ".")
		if _, err := os.Stat(path); err != nil {
			path = base + "." + versions[i]
			if _, err := os.Stat(path); err != nil {
				continue
			}
		}
		if err := c.LoadFile(path); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadFile merges one YAML file into the configuration.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: failed to read %s: %v", model.ErrConfiguration, path, err)
	}
	return c.LoadBytes(path, data)
}

// LoadBytes merges YAML content into the configuration. name is used in errors only.
func (c *Config) LoadBytes(name string, data []byte) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: failed to parse %s: %v", model.ErrConfiguration, name, err)
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: %s: top level must be a mapping", model.ErrConfiguration, name)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valueNode := root.Content[i], root.Content[i+1]
		if err := c.merge(keyNode.Value, valueNode); err != nil {
			return fmt.Errorf("%w: %s line %d: %v", model.ErrConfiguration, name, keyNode.Line, err)
		}
	}
	return nil
}

func (c *Config) merge(name string, node *yaml.Node) error {
	key, ok := c.registry.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown key %q", name)
	}
	switch key.Kind {
	case KindString:
		if node.Kind != yaml.ScalarNode {
			return fmt.Errorf("%s must be a string", name)
		}
		c.values[name] = node.Value
	case KindInt:
		i, err := strconv.Atoi(node.Value)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %v", name, err)
		}
		c.values[name] = i
	case KindFloat:
		f, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return fmt.Errorf("%s must be a number: %v", name, err)
		}
		c.values[name] = f
	case KindBool:
		var b bool
		if err := node.Decode(&b); err != nil {
			return fmt.Errorf("%s must be a boolean: %v", name, err)
		}
		c.values[name] = b
	case KindList:
		l, err := scalarList(node)
		if err != nil {
			return fmt.Errorf("%s: %v", name, err)
		}
		c.values[name] = append(c.List(name), l...)
	case KindStemLists:
		target := c.StemLists(name)
		if node.Kind != yaml.MappingNode {
			l, err := scalarList(node)
			if err != nil {
				return fmt.Errorf("%s: %v", name, err)
			}
			target.Set(DefaultStem, l)
			return nil
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			l, err := scalarList(node.Content[i+1])
			if err != nil {
				return fmt.Errorf("%s.%s: %v", name, node.Content[i].Value, err)
			}
			target.Set(node.Content[i].Value, l)
		}
	case KindStemValues:
		target := c.values[name].(map[string]string)
		if node.Kind == yaml.ScalarNode {
			target[DefaultStem] = node.Value
			return nil
		}
		if node.Kind != yaml.MappingNode {
			return fmt.Errorf("%s must be a mapping", name)
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i+1].Kind != yaml.ScalarNode {
				return fmt.Errorf("%s.%s must be a scalar", name, node.Content[i].Value)
			}
			target[node.Content[i].Value] = node.Content[i+1].Value
		}
	}
	return nil
}

func scalarList(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, nil
		}
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("list entries must be scalars")
			}
			out = append(out, item.Value)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a scalar or a list")
}

// Set assigns a value programmatically. The value must match the key's kind.
func (c *Config) Set(name string, value any) error {
	key, ok := c.registry.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: unknown key %q", model.ErrConfiguration, name)
	}
	valid := false
	switch key.Kind {
	case KindString:
		_, valid = value.(string)
	case KindInt:
		_, valid = value.(int)
	case KindFloat:
		_, valid = value.(float64)
	case KindBool:
		_, valid = value.(bool)
	case KindList:
		_, valid = value.([]string)
	case KindStemLists:
		_, valid = value.(*StemLists)
	case KindStemValues:
		_, valid = value.(map[string]string)
	}
	if !valid {
		return fmt.Errorf("%w: key %q expects a %s, got %T", model.ErrConfiguration, name, key.Kind, value)
	}
	c.values[name] = value
	return nil
}

// String returns a string-valued key.
func (c *Config) String(name string) string {
	s, _ := c.values[name].(string)
	return s
}

// Int returns an int-valued key.
func (c *Config) Int(name string) int {
	i, _ := c.values[name].(int)
	return i
}

// Float returns a float-valued key.
func (c *Config) Float(name string) float64 {
	f, _ := c.values[name].(float64)
	return f
}

// Bool returns a bool-valued key.
func (c *Config) Bool(name string) bool {
	b, _ := c.values[name].(bool)
	return b
}

// List returns a list-valued key.
func (c *Config) List(name string) []string {
	l, _ := c.values[name].([]string)
	return l
}

// StemLists returns a stem-map-of-lists key.
func (c *Config) StemLists(name string) *StemLists {
	s, ok := c.values[name].(*StemLists)
	if !ok {
		s = NewStemLists()
		c.values[name] = s
	}
	return s
}

// StemValues returns a stem-map-of-values key.
func (c *Config) StemValues(name string) map[string]string {
	m, _ := c.values[name].(map[string]string)
	return m
}

// CompositeList returns the default entries followed by the entries of every
// pattern key matching stem and finally the entries for stem itself.
func (c *Config) CompositeList(name, stem string) []string {
	s := c.StemLists(name)
	out := append([]string(nil), s.Get(DefaultStem)...)
	for _, key := range s.Keys() {
		if key == DefaultStem || key == stem {
			continue
		}
		if isPattern(key) && patternMatches(key, stem) {
			out = append(out, s.Get(key)...)
		}
	}
	if stem != DefaultStem {
		out = append(out, s.Get(stem)...)
	}
	return out
}

// CompositeValue returns the entry for stem, else the first pattern entry
// matching it, else the default entry. ok is false when none exists.
func (c *Config) CompositeValue(name, stem string) (string, bool) {
	m := c.StemValues(name)
	if v, ok := m[stem]; ok {
		return v, true
	}
	var patterns []string
	for key := range m {
		if isPattern(key) && patternMatches(key, stem) {
			patterns = append(patterns, key)
		}
	}
	if len(patterns) > 0 {
		// Longest pattern is the most specific; ties broken lexically for determinism.
		best := patterns[0]
		for _, p := range patterns[1:] {
			if len(p) > len(best) || (len(p) == len(best) && p < best) {
				best = p
			}
		}
		return m[best], true
	}
	v, ok := m[DefaultStem]
	return v, ok
}

// CompositeInt is CompositeValue parsed as an integer, falling back to def.
func (c *Config) CompositeInt(name, stem string, def int) int {
	v, ok := c.CompositeValue(name, stem)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return i
}

// CompositeFloat is CompositeValue parsed as a float.
func (c *Config) CompositeFloat(name, stem string) (float64, bool) {
	v, ok := c.CompositeValue(name, stem)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// MatchesAny reports whether stem matches one of the patterns stored in a list key.
func (c *Config) MatchesAny(name, stem string) bool {
	for _, pattern := range c.List(name) {
		if pattern == stem || patternMatches(pattern, stem) {
			return true
		}
	}
	return false
}

func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func patternMatches(pattern, stem string) bool {
	ok, err := doublestar.Match(pattern, stem)
	return err == nil && ok
}
