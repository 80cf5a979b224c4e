package artifact

import (
	"ciengine/internal/apperrors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// archiveSuffix marks a rule target that packs its matches into one entry.
const archiveSuffix = ".tar.gz"

// Rule selects workspace files on publish, or stored entries on fetch.
//
//	dist/**                 every file below dist, stored relative to dist
//	dist                    the same, when dist is a directory
//	dist/** => site         the same files stored below site/
//	dist/** => site.tar.gz  the same files packed into one archive entry
//	site.tar.gz!**/*.html   on fetch: html files extracted from a packed entry
//	+:dist                  explicit include, same as dist
//	-:**/*.map              drops matches of the include rules in the same list
type Rule struct {
	Pattern string // slash-separated glob
	Inner   string // glob applied inside a packed entry (fetch only)
	Target  string // directory or .tar.gz name; empty means the root
	Exclude bool
}

func (r Rule) String() string {
	p := r.Pattern
	if r.Exclude {
		p = "-:" + p
	}
	if r.Inner != "" {
		p += "!" + r.Inner
	}
	if r.Target != "" {
		p += " => " + r.Target
	}
	return p
}

// Packs reports whether matches are packed into a single archive entry.
func (r Rule) Packs() bool {
	return strings.HasSuffix(r.Target, archiveSuffix)
}

// ParseRule parses "[+:|-:]pattern[!inner] [=> target]". An exclude rule
// takes neither an inner pattern nor a target.
func ParseRule(s string) (Rule, error) {
	var r Rule
	spec, target, hasTarget := strings.Cut(strings.TrimSpace(s), "=>")
	spec = strings.TrimSpace(spec)
	switch {
	case strings.HasPrefix(spec, "+:"):
		spec = strings.TrimSpace(spec[2:])
	case strings.HasPrefix(spec, "-:"):
		spec = strings.TrimSpace(spec[2:])
		r.Exclude = true
		if hasTarget || strings.Contains(spec, "!") {
			return Rule{}, fmt.Errorf("exclude rule %q cannot have a target or inner pattern", s)
		}
	}
	if hasTarget {
		r.Target = strings.TrimSpace(target)
		if r.Target == "" {
			return Rule{}, fmt.Errorf("empty target after =>")
		}
		if err := validatePath(r.Target); err != nil {
			return Rule{}, fmt.Errorf("invalid target: %w", err)
		}
		r.Target = path.Clean(r.Target)
	}
	r.Pattern, r.Inner, _ = strings.Cut(spec, "!")
	if r.Pattern == "" {
		return Rule{}, fmt.Errorf("empty pattern")
	}
	if err := validatePattern(r.Pattern); err != nil {
		return Rule{}, err
	}
	if r.Inner != "" {
		if !strings.HasSuffix(r.Pattern, archiveSuffix) {
			return Rule{}, fmt.Errorf("%q selects inside a packed entry but does not name a %s file", s, archiveSuffix)
		}
		if err := validatePattern(r.Inner); err != nil {
			return Rule{}, err
		}
	}
	return r, nil
}

// ParseRules parses a list of rules, reporting the index of a bad one
// as a validation error on field. A non-empty list needs at least one
// include rule.
func ParseRules(field string, specs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	includes := 0
	for i, s := range specs {
		r, err := ParseRule(s)
		if err != nil {
			f := fmt.Sprintf("%s[%d]", field, i)
			return nil, apperrors.Validation(f, fmt.Sprintf("%s: invalid artifact rule %q: %v", f, s, err))
		}
		if !r.Exclude {
			includes++
		}
		rules = append(rules, r)
	}
	if len(rules) > 0 && includes == 0 {
		return nil, apperrors.Validation(field, fmt.Sprintf("%s: exclude rules need at least one include rule", field))
	}
	return rules, nil
}

// Split separates include rules from exclude rules, keeping their order.
func Split(rules []Rule) (includes, excludes []Rule) {
	for _, r := range rules {
		if r.Exclude {
			excludes = append(excludes, r)
		} else {
			includes = append(includes, r)
		}
	}
	return includes, excludes
}

// Excluded reports whether name matches any of the exclude patterns.
func Excluded(patterns []string, name string) bool {
	for _, p := range patterns {
		if Match(p, name) {
			return true
		}
	}
	return false
}

func validatePattern(p string) error {
	if err := validatePath(p); err != nil {
		return err
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "**" {
			continue
		}
		if _, err := path.Match(seg, ""); err != nil {
			return fmt.Errorf("malformed glob %q", p)
		}
	}
	return nil
}

func validatePath(p string) error {
	if p == "" {
		return nil
	}
	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) {
		return fmt.Errorf("path must be relative, not absolute")
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}
	return nil
}

// Match reports whether a slash-separated name matches pattern. "*", "?"
// and character classes match within one path element; "**" matches any
// number of elements.
func Match(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pat, parts []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			rest := pat[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(parts); i++ {
				if matchSegments(rest, parts[i:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		if ok, err := path.Match(pat[0], parts[0]); err != nil || !ok {
			return false
		}
		pat, parts = pat[1:], parts[1:]
	}
	return len(parts) == 0
}

func isLiteral(pattern string) bool {
	return !strings.ContainsAny(pattern, "*?[")
}

// DirPattern widens a pattern without wildcards that names a directory
// below root to every file in that directory, so the directory itself
// becomes the static base. "." names root.
func DirPattern(root, pattern string) string {
	if !isLiteral(pattern) {
		return pattern
	}
	if path.Clean(pattern) == "." {
		return "**"
	}
	fi, err := os.Stat(filepath.Join(root, filepath.FromSlash(pattern)))
	if err != nil || !fi.IsDir() {
		return pattern
	}
	return strings.TrimSuffix(pattern, "/") + "/**"
}

// EntryPattern is DirPattern for stored entry paths: a pattern without
// wildcards that names no entry but prefixes some is widened to the
// subtree below it.
func EntryPattern(pattern string, names []string) string {
	if !isLiteral(pattern) {
		return pattern
	}
	if path.Clean(pattern) == "." {
		return "**"
	}
	dir := strings.TrimSuffix(pattern, "/")
	prefixed := false
	for _, n := range names {
		if n == dir {
			return pattern
		}
		if strings.HasPrefix(n, dir+"/") {
			prefixed = true
		}
	}
	if prefixed {
		return dir + "/**"
	}
	return pattern
}

// staticBase returns the leading pattern elements without wildcards. For a
// pattern without wildcards it is the parent directory, so a single file
// keeps only its base name.
func staticBase(pattern string) string {
	segs := strings.Split(pattern, "/")
	i := 0
	for ; i < len(segs); i++ {
		if strings.ContainsAny(segs[i], "*?[") {
			break
		}
	}
	if i == len(segs) {
		i--
	}
	return strings.Join(segs[:i], "/")
}

// RelativeTo strips the static base of pattern from name, the part of a
// matched path that is kept when it is copied somewhere else.
func RelativeTo(pattern, name string) string {
	base := staticBase(pattern)
	if base == "" {
		return name
	}
	return strings.TrimPrefix(name, base+"/")
}

// Collect returns the slash-separated paths of regular files below root
// matching pattern, in lexical order. A pattern naming a directory collects
// every file below it; see DirPattern.
func Collect(root, pattern string) ([]string, error) {
	pattern = DirPattern(root, pattern)
	start := filepath.Join(root, filepath.FromSlash(staticBase(pattern)))
	var files []string
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == start {
				return filepath.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if Match(pattern, rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", start, err)
	}
	return files, nil
}
