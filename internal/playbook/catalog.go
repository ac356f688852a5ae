// Package playbook holds the response playbook catalog and the matcher that
// maps an alert category to a playbook through an ordered keyword rule table.
package playbook

import (
	"cmp"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/linnemanlabs/go-core/xerrors"
)

// Severity labels carried by a playbook.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// keywordPattern is a short lowercase token.
var keywordPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Action is one step of a playbook.
type Action struct {
	Kind     string `json:"kind" yaml:"kind" validate:"required,keyword"`
	Priority int    `json:"priority" yaml:"priority" validate:"gt=0"`
}

// Definition is an immutable playbook.
type Definition struct {
	Name     string   `json:"name" yaml:"name" validate:"required,keyword"`
	Title    string   `json:"title" yaml:"title"`
	Trigger  string   `json:"trigger,omitempty" yaml:"trigger"`
	Severity string   `json:"severity" yaml:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	Actions  []Action `json:"actions" yaml:"actions" validate:"required,min=1,dive"`
}

// SortedActions returns the actions in ascending priority order.
func (d Definition) SortedActions() []Action {
	out := slices.Clone(d.Actions)
	slices.SortStableFunc(out, func(a, b Action) int { return cmp.Compare(a.Priority, b.Priority) })
	return out
}

// Rule routes categories containing Keyword to Playbook.
type Rule struct {
	Keyword  string `json:"keyword" yaml:"keyword" validate:"required,keyword"`
	Playbook string `json:"playbook" yaml:"playbook" validate:"required"`
}

// Policy bounds how one action kind is executed.
type Policy struct {
	Timeout        time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts" validate:"gte=0,lte=10"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" validate:"gte=0"`
}

// Catalog is the read-only set of playbooks, the rule table that selects
// them and per-kind execution policies. Build one at startup and share it.
type Catalog struct {
	defs     map[string]Definition
	names    []string
	rules    []Rule
	policies map[string]Policy
}

// Option configures catalog construction.
type Option func(*buildOptions)

type buildOptions struct {
	strict   bool
	policies map[string]Policy
}

// WithStrictKeywords rejects rule tables where one keyword contains another,
// so that no category can match two rules.
func WithStrictKeywords() Option {
	return func(o *buildOptions) { o.strict = true }
}

// WithPolicies attaches per-kind execution policies.
func WithPolicies(p map[string]Policy) Option {
	return func(o *buildOptions) { o.policies = p }
}

// New validates defs and rules and returns a Catalog. Rules are kept in the
// given order; the first matching rule wins.
func New(defs []Definition, rules []Rule, opts ...Option) (*Catalog, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := validateCatalog(defs, rules, o); err != nil {
		return nil, err
	}

	c := &Catalog{
		defs:     make(map[string]Definition, len(defs)),
		names:    make([]string, 0, len(defs)),
		rules:    slices.Clone(rules),
		policies: make(map[string]Policy, len(o.policies)),
	}
	for _, d := range defs {
		d.Actions = slices.Clone(d.Actions)
		c.defs[d.Name] = d
		c.names = append(c.names, d.Name)
	}
	for k, p := range o.policies {
		c.policies[k] = p
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(defaultPlaybooks(), defaultRules(), WithStrictKeywords())
	if err != nil {
		panic(xerrors.New("built-in playbook catalog is invalid: " + err.Error()))
	}
	return c
}

// Get returns a copy of the named playbook.
func (c *Catalog) Get(name string) (Definition, bool) {
	d, ok := c.defs[name]
	if !ok {
		return Definition{}, false
	}
	d.Actions = slices.Clone(d.Actions)
	return d, true
}

// Names lists playbooks in declaration order.
func (c *Catalog) Names() []string {
	return slices.Clone(c.names)
}

// Definitions lists playbooks in declaration order.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, 0, len(c.names))
	for _, n := range c.names {
		d, _ := c.Get(n)
		out = append(out, d)
	}
	return out
}

// Rules returns the rule table in match order.
func (c *Catalog) Rules() []Rule {
	return slices.Clone(c.rules)
}

// Policy returns the execution policy for an action kind, if one is declared.
func (c *Catalog) Policy(kind string) (Policy, bool) {
	p, ok := c.policies[kind]
	return p, ok
}

// Policies returns a copy of all declared policies.
func (c *Catalog) Policies() map[string]Policy {
	out := make(map[string]Policy, len(c.policies))
	for k, p := range c.policies {
		out[k] = p
	}
	return out
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("keyword", func(fl validator.FieldLevel) bool {
		return keywordPattern.MatchString(fl.Field().String())
	})
	return v
}

func validateCatalog(defs []Definition, rules []Rule, o buildOptions) error {
	v := newValidator()
	var errs []error

	if len(defs) == 0 {
		errs = append(errs, fmt.Errorf("catalog has no playbooks"))
	}

	seen := make(map[string]bool, len(defs))
	for i := range defs {
		d := &defs[i]
		if err := v.Struct(d); err != nil {
			errs = append(errs, fmt.Errorf("playbook %q: %w", d.Name, err))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("playbook %q: declared twice", d.Name))
		}
		seen[d.Name] = true

		prio := make(map[int]string, len(d.Actions))
		for _, a := range d.Actions {
			if other, dup := prio[a.Priority]; dup {
				errs = append(errs, fmt.Errorf("playbook %q: actions %s and %s share priority %d", d.Name, other, a.Kind, a.Priority))
			}
			prio[a.Priority] = a.Kind
		}
	}

	keywords := make(map[string]bool, len(rules))
	for i := range rules {
		r := &rules[i]
		if err := v.Struct(r); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Keyword, err))
			continue
		}
		if !seen[r.Playbook] {
			errs = append(errs, fmt.Errorf("rule %q: unknown playbook %q", r.Keyword, r.Playbook))
		}
		if keywords[r.Keyword] {
			errs = append(errs, fmt.Errorf("rule %q: declared twice", r.Keyword))
		}
		keywords[r.Keyword] = true
	}

	if o.strict {
		for i, a := range rules {
			for j, b := range rules {
				if i != j && a.Keyword != b.Keyword && strings.Contains(a.Keyword, b.Keyword) {
					errs = append(errs, fmt.Errorf("rule %q overlaps rule %q", a.Keyword, b.Keyword))
				}
			}
		}
	}

	for kind, p := range o.policies {
		if err := v.Struct(p); err != nil {
			errs = append(errs, fmt.Errorf("policy %q: %w", kind, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid playbook catalog: %w", errors.Join(errs...))
	}
	return nil
}
