package interp

import (
	"strings"

	"github.com/migadu/sievecore/sieve"
)

// matchType is the RFC 5231/5228 comparator selector carried by ":is",
// ":contains" and ":matches" tags. RFC 5228's default for header/address/
// envelope tests is ":is".
type matchType int

const (
	matchIs matchType = iota
	matchContains
	matchMatches
)

// findTag scans an argument list (shared by Command and Test) for a tag by
// name, returning its index. Tag *values* (":seconds 30", ":flags [...]")
// are the following argument in the same slice, not attached to the tag.
func findTag(args []sieve.Argument, name string) (int, bool) {
	for i, a := range args {
		if a.Kind == sieve.ArgTag && a.Str == name {
			return i, true
		}
	}
	return 0, false
}

func hasTag(args []sieve.Argument, name string) bool {
	_, ok := findTag(args, name)
	return ok
}

func tagStringValue(args []sieve.Argument, name string) (string, bool) {
	i, ok := findTag(args, name)
	if !ok || i+1 >= len(args) {
		return "", false
	}
	if args[i+1].Kind == sieve.ArgString {
		return args[i+1].Str, true
	}
	return "", false
}

func tagListValue(args []sieve.Argument, name string) ([]string, bool) {
	i, ok := findTag(args, name)
	if !ok || i+1 >= len(args) {
		return nil, false
	}
	if args[i+1].Kind == sieve.ArgStringList {
		return args[i+1].List, true
	}
	return nil, false
}

func tagNumberValue(args []sieve.Argument, name string) (int64, bool) {
	i, ok := findTag(args, name)
	if !ok || i+1 >= len(args) {
		return 0, false
	}
	if args[i+1].Kind == sieve.ArgNumber {
		return args[i+1].Num, true
	}
	return 0, false
}

func parseMatchType(args []sieve.Argument) matchType {
	if hasTag(args, "contains") {
		return matchContains
	}
	if hasTag(args, "matches") {
		return matchMatches
	}
	return matchIs
}

// stringArgs returns every plain string/string-list argument in order,
// skipping tags and their values; used by tests whose positional
// arguments follow a fixed "headers, keys" or similar shape.
func stringArgs(args []sieve.Argument) []string {
	var out []string
	skipNext := false
	for _, a := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch a.Kind {
		case sieve.ArgString:
			out = append(out, a.Str)
		case sieve.ArgStringList:
			out = append(out, a.List...)
		case sieve.ArgTag:
			skipNext = true
		}
	}
	return out
}

// stringListArgs returns the plain (non-tag) string-list and string
// arguments in order, each kept as its own []string element, so callers
// needing "header-names list, then key-values list" can take them
// positionally instead of flattened.
func stringListArgs(args []sieve.Argument) [][]string {
	var out [][]string
	skipNext := false
	for _, a := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch a.Kind {
		case sieve.ArgString:
			out = append(out, []string{a.Str})
		case sieve.ArgStringList:
			out = append(out, a.List)
		case sieve.ArgTag:
			skipNext = true
		}
	}
	return out
}

// numberArg returns the first plain (untagged) numeric argument, used by
// tests like size where the comparand is a bare number rather than a
// tag value.
func numberArg(args []sieve.Argument) (int64, bool) {
	for _, a := range args {
		if a.Kind == sieve.ArgNumber {
			return a.Num, true
		}
	}
	return 0, false
}

func matchValue(mt matchType, value, pattern string) bool {
	value = strings.ToLower(value)
	pattern = strings.ToLower(pattern)
	switch mt {
	case matchContains:
		return strings.Contains(value, pattern)
	case matchMatches:
		return globMatch(pattern, value)
	default:
		return value == pattern
	}
}

func matchAny(mt matchType, value string, patterns []string) bool {
	for _, p := range patterns {
		if matchValue(mt, value, p) {
			return true
		}
	}
	return false
}

// globMatch implements the Sieve ":matches" wildcard grammar: '*' matches
// any run of characters (including none), '?' matches exactly one.
func globMatch(pattern, s string) bool {
	return globMatchAt(pattern, s, 0, 0)
}

func globMatchAt(pattern, s string, pi, si int) bool {
	for pi < len(pattern) {
		switch pattern[pi] {
		case '*':
			for pi < len(pattern) && pattern[pi] == '*' {
				pi++
			}
			if pi == len(pattern) {
				return true
			}
			for k := si; k <= len(s); k++ {
				if globMatchAt(pattern, s, pi, k) {
					return true
				}
			}
			return false
		case '?':
			if si >= len(s) {
				return false
			}
			pi++
			si++
		default:
			if si >= len(s) || pattern[pi] != s[si] {
				return false
			}
			pi++
			si++
		}
	}
	return si == len(s)
}
