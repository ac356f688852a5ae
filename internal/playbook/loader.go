package playbook

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk catalog format.
//
//	strict_keywords: true
//	playbooks:
//	  - name: brute_force_response
//	    severity: HIGH
//	    actions:
//	      - {kind: block_source_ip, priority: 1}
//	rules:
//	  - {keyword: brute_force, playbook: brute_force_response}
//	policies:
//	  block_source_ip: {timeout: 5s, max_attempts: 3, initial_backoff: 200ms}
type File struct {
	StrictKeywords bool              `yaml:"strict_keywords"`
	Playbooks      []Definition      `yaml:"playbooks"`
	Rules          []Rule            `yaml:"rules"`
	Policies       map[string]Policy `yaml:"policies"`
}

// LoadFile reads and validates a catalog file. opts apply on top of the
// file's own settings.
func LoadFile(path string, opts ...Option) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := Parse(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML catalog. Unknown fields are rejected.
func Parse(data []byte, extra ...Option) (*Catalog, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	opts := []Option{WithPolicies(f.Policies)}
	if f.StrictKeywords {
		opts = append(opts, WithStrictKeywords())
	}
	opts = append(opts, extra...)
	return New(f.Playbooks, f.Rules, opts...)
}
