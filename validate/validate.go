// Package validate classifies outbound queries before they reach a data
// provider. It is stateless: a query is checked against a hard length cap,
// an ordered blocklist of abuse patterns, and per-apiType rules.
//
// The blocklist ships as data: rules are {pattern, category} pairs that can
// be loaded from YAML at startup, so pattern updates don't require a
// redeploy. False positives are acceptable by policy; blocked attempts
// should be reported to the incident monitor by the caller.
package validate

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// MaxQueryLen is the hard cap on outbound query length in runes.
const MaxQueryLen = 500

// Rule is one blocklist entry. Pattern is a regular expression; Category
// names the abuse class for incident reporting.
type Rule struct {
	Pattern  string `yaml:"pattern"`
	Category string `yaml:"category"`
}

type compiledRule struct {
	re       *regexp.Regexp
	category string
}

// Result reports the outcome of a validation check.
type Result struct {
	Valid    bool
	Reason   string
	Category string
}

// DefaultRules is the built-in ordered blocklist. Order matters: the first
// matching rule decides the rejection category.
var DefaultRules = []Rule{
	{Pattern: `(?i)\b(api[_\s-]?key|secret[_\s-]?key|password|passphrase|access[_\s-]?token|credential)s?\b`, Category: "credential_harvesting"},
	{Pattern: `(?i)\b(private|session)[_\s-]?(key|token)s?\b`, Category: "credential_harvesting"},
	{Pattern: `\.\./|\.\.\\`, Category: "path_traversal"},
	{Pattern: `(?i)/etc/(passwd|shadow|hosts)|c:\\windows\\system32`, Category: "path_traversal"},
	{Pattern: `(?i)<\s*script\b|javascript\s*:|\bon(load|click|error)\s*=`, Category: "script_injection"},
	{Pattern: "(?i)`[^`]*`|\\$\\((?s).*\\)", Category: "script_injection"},
	{Pattern: `(?i)\bunion\s+(all\s+)?select\b|\bdrop\s+table\b|\binsert\s+into\b|\bdelete\s+from\b`, Category: "sql_injection"},
	{Pattern: `(?i)('|%27)\s*(or|and)\s*('|%27)?\d|--\s*$|;\s*--`, Category: "sql_injection"},
}

// Validator checks outbound queries against the blocklist and per-apiType
// rules. The zero value is not usable; use New.
type Validator struct {
	maxLen int
	rules  []compiledRule
}

// Option configures a Validator.
type Option func(*Validator) error

// WithMaxQueryLen overrides the hard length cap.
func WithMaxQueryLen(n int) Option {
	return func(v *Validator) error {
		if n > 0 {
			v.maxLen = n
		}
		return nil
	}
}

// WithRules replaces the built-in blocklist with the given ordered rules.
func WithRules(rules []Rule) Option {
	return func(v *Validator) error {
		compiled, err := compile(rules)
		if err != nil {
			return err
		}
		v.rules = compiled
		return nil
	}
}

// New creates a Validator with the built-in blocklist unless WithRules is given.
func New(opts ...Option) (*Validator, error) {
	compiled, err := compile(DefaultRules)
	if err != nil {
		return nil, err
	}
	v := &Validator{
		maxLen: MaxQueryLen,
		rules:  compiled,
	}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func compile(rules []Rule) ([]compiledRule, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile rule %q: %w", r.Pattern, err)
		}
		compiled = append(compiled, compiledRule{re: re, category: r.Category})
	}
	return compiled, nil
}

// LoadRules reads an ordered rule list from a YAML file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return rules, nil
}

var placeNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z\s\-'.,]*$`)

// Validate classifies a query for the given apiType. Length and blocklist
// checks apply to every apiType; search queries additionally need a minimum
// length, and weather queries must look like a place name.
func (v *Validator) Validate(apiType, query string) Result {
	trimmed := strings.TrimSpace(query)

	if trimmed == "" {
		return Result{Reason: "empty query"}
	}
	if utf8.RuneCountInString(trimmed) > v.maxLen {
		return Result{Reason: fmt.Sprintf("query exceeds %d characters", v.maxLen), Category: "oversize"}
	}

	for _, rule := range v.rules {
		if rule.re.MatchString(trimmed) {
			return Result{Reason: "query matches blocked pattern", Category: rule.category}
		}
	}

	switch apiType {
	case "web_search":
		if utf8.RuneCountInString(trimmed) < 3 {
			return Result{Reason: "search query too short"}
		}
	case "weather":
		if !placeNamePattern.MatchString(trimmed) {
			return Result{Reason: "place name must be alphabetic"}
		}
	}

	return Result{Valid: true}
}
