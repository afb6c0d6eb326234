package match

import "strings"

// Pattern is a compiled dotted-tag matcher.
// Params: internal segment list.
// Returns: reusable matcher for many Match calls.
//
// Segments are separated by '.'. Inside one segment '*' matches any run of
// characters except '.', a segment that is exactly "**" matches zero or more
// whole segments, and "{a,b}" alternation expands into separate patterns.
type Pattern struct {
	alternatives [][]string
	raw          string
}

// Compile compiles pattern into reusable tag matcher.
// Params: pattern such as "app.*", "kube.**" or "{app,web}.error".
// Returns: compiled matcher and false when pattern is empty.
func Compile(pattern string) (Pattern, bool) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return Pattern{}, false
	}

	expanded := expandBraces(p)
	out := Pattern{
		alternatives: make([][]string, 0, len(expanded)),
		raw:          p,
	}
	for _, alternative := range expanded {
		out.alternatives = append(out.alternatives, strings.Split(alternative, "."))
	}
	return out, true
}

// String returns the source pattern.
// Params: none.
// Returns: pattern text.
func (p Pattern) String() string {
	return p.raw
}

// Match evaluates compiled pattern against value.
// Params: value is a dotted tag or plain text.
// Returns: true when any alternative matches.
func (p Pattern) Match(value string) bool {
	if len(p.alternatives) == 0 {
		return false
	}
	segments := strings.Split(value, ".")
	for _, alternative := range p.alternatives {
		if matchSegments(alternative, segments) {
			return true
		}
	}
	return false
}

// Matches compiles pattern and evaluates it against value.
// Params: pattern tag pattern; value compared text.
// Returns: true on pattern match.
func Matches(pattern, value string) bool {
	compiled, ok := Compile(pattern)
	if !ok {
		return false
	}
	return compiled.Match(value)
}

// matchSegments matches pattern segments against value segments.
func matchSegments(pattern, value []string) bool {
	if len(pattern) == 0 {
		return len(value) == 0
	}

	if pattern[0] == "**" {
		for skip := 0; skip <= len(value); skip++ {
			if matchSegments(pattern[1:], value[skip:]) {
				return true
			}
		}
		return false
	}

	if len(value) == 0 {
		return false
	}
	if !matchSegment(pattern[0], value[0]) {
		return false
	}
	return matchSegments(pattern[1:], value[1:])
}

// matchSegment matches one segment with '*' wildcards.
func matchSegment(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	cursor := len(parts[0])

	last := len(parts) - 1
	for idx := 1; idx < last; idx++ {
		if parts[idx] == "" {
			continue
		}
		offset := strings.Index(value[cursor:], parts[idx])
		if offset < 0 {
			return false
		}
		cursor += offset + len(parts[idx])
	}

	return strings.HasSuffix(value[cursor:], parts[last])
}

// expandBraces expands the first {a,b} group recursively.
func expandBraces(pattern string) []string {
	open := strings.IndexByte(pattern, '{')
	if open < 0 {
		return []string{pattern}
	}
	closing := strings.IndexByte(pattern[open:], '}')
	if closing < 0 {
		return []string{pattern}
	}
	closing += open

	prefix := pattern[:open]
	suffix := pattern[closing+1:]
	options := strings.Split(pattern[open+1:closing], ",")

	out := make([]string, 0, len(options))
	for _, option := range options {
		out = append(out, expandBraces(prefix+strings.TrimSpace(option)+suffix)...)
	}
	return out
}
