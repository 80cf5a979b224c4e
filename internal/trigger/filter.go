// Package trigger decides which VCS changes enqueue runs: branch filters,
// a per-trigger state machine and committer batching.
package trigger

import (
	"ciengine/internal/apperrors"
	"fmt"
	"strings"
	"unicode"
)

// DefaultBranch is the placeholder for the VCS root's default branch.
const DefaultBranch = "<default>"

// Rule is one parsed branch filter rule.
type Rule struct {
	Include bool
	Pattern string
}

func (r Rule) String() string {
	if r.Include {
		return "+:" + r.Pattern
	}
	return "-:" + r.Pattern
}

// Filter is an ordered list of rules. The zero Filter matches every branch.
type Filter struct {
	rules []Rule
}

// ParseFilter parses "+:pattern" / "-:pattern" rules. Errors are
// TriggerFilter errors on field[i].
func ParseFilter(field string, specs []string) (Filter, error) {
	f := Filter{rules: make([]Rule, 0, len(specs))}
	for i, spec := range specs {
		r, err := parseRule(spec)
		if err != nil {
			return Filter{}, apperrors.TriggerFilter(fmt.Sprintf("%s[%d]", field, i), spec, err.Error())
		}
		f.rules = append(f.rules, r)
	}
	return f, nil
}

func parseRule(spec string) (Rule, error) {
	var r Rule
	switch {
	case strings.HasPrefix(spec, "+:"):
		r.Include = true
	case strings.HasPrefix(spec, "-:"):
	default:
		return Rule{}, fmt.Errorf("rule must start with +: or -:")
	}
	r.Pattern = spec[2:]
	if r.Pattern == "" {
		return Rule{}, fmt.Errorf("empty pattern")
	}
	if strings.IndexFunc(r.Pattern, unicode.IsSpace) >= 0 {
		return Rule{}, fmt.Errorf("pattern contains whitespace")
	}
	if r.Pattern != DefaultBranch && strings.Contains(r.Pattern, DefaultBranch) {
		return Rule{}, fmt.Errorf("%s cannot be combined with other characters", DefaultBranch)
	}
	if strings.ContainsAny(r.Pattern, "<>") && r.Pattern != DefaultBranch {
		return Rule{}, fmt.Errorf("unknown placeholder in pattern")
	}
	return r, nil
}

// Rules returns the parsed rules.
func (f Filter) Rules() []Rule { return f.rules }

// Match reports whether branch passes the filter. Rules are applied in
// order and the last matching rule wins; a branch no rule matches is
// excluded. An empty filter behaves as "+:*".
func (f Filter) Match(branch, defaultBranch string) bool {
	if len(f.rules) == 0 {
		return true
	}
	included := false
	for _, r := range f.rules {
		if r.matches(branch, defaultBranch) {
			included = r.Include
		}
	}
	return included
}

func (r Rule) matches(branch, defaultBranch string) bool {
	if r.Pattern == DefaultBranch {
		return defaultBranch != "" && branch == defaultBranch
	}
	return wildcard(r.Pattern, branch)
}

// wildcard matches s against a pattern where * matches any run of
// characters, slashes included.
func wildcard(pattern, s string) bool {
	p, i := 0, 0
	star, mark := -1, 0
	for i < len(s) {
		switch {
		case p < len(pattern) && pattern[p] == '*':
			star, mark = p, i
			p++
		case p < len(pattern) && pattern[p] == s[i]:
			p++
			i++
		case star >= 0:
			p = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
