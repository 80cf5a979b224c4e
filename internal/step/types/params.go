package types

import (
	"regexp"
	"strings"
)

var paramRef = regexp.MustCompile(`%([A-Za-z_][A-Za-z0-9_.-]*)%`)

// ExpandParams replaces %name% references in s with the values in params.
// References to names params does not define are left as written, so
// shell text such as date +%Y-%m-%d passes through.
func ExpandParams(s string, params map[string]string) string {
	if len(params) == 0 || !strings.Contains(s, "%") {
		return s
	}
	return paramRef.ReplaceAllStringFunc(s, func(ref string) string {
		if v, ok := params[ref[1:len(ref)-1]]; ok {
			return v
		}
		return ref
	})
}

// Unresolved returns the names of %name% references in s that params does
// not define.
func Unresolved(s string, params map[string]string) []string {
	var names []string
	for _, m := range paramRef.FindAllStringSubmatch(s, -1) {
		if _, ok := params[m[1]]; !ok {
			names = append(names, m[1])
		}
	}
	return names
}

func expandAll(in []string, params map[string]string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = ExpandParams(s, params)
	}
	return out
}

func expandValues(in map[string]string, params map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = ExpandParams(v, params)
	}
	return out
}
