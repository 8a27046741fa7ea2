// Package assess holds helpers shared by the extraction and comparison strategies.
package assess

import "strings"

var nameReplacer = strings.NewReplacer("-", "_", " ", "_")

// SplitTag splits a "name:argument" method tag. Without a ':' the argument
// starts at the first comparison operator, so "numeric-threshold >= 90" and
// ">=" both split. The name is lower-cased with '-' and ' ' folded to '_';
// the argument keeps its case.
func SplitTag(tag string) (name, arg string) {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexByte(tag, ':'); i >= 0 {
		name, arg = tag[:i], tag[i+1:]
	} else if i := strings.IndexAny(tag, "<>=!"); i >= 0 {
		name, arg = tag[:i], tag[i:]
	} else {
		name = tag
	}
	return NormalizeName(name), strings.TrimSpace(arg)
}

// NormalizeName folds a strategy name to its registry form.
func NormalizeName(name string) string {
	return nameReplacer.Replace(strings.ToLower(strings.TrimSpace(name)))
}
