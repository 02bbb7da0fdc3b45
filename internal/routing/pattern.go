package routing

import "strings"

// PathPattern matches templated paths such as
// "/v1/stores/{store_id}/check" and captures the parameter segments.
type PathPattern struct {
	raw      string
	segments []string
}

func parsePathPattern(raw string) (PathPattern, bool) {
	if !strings.Contains(raw, "{") {
		return PathPattern{}, false
	}
	if raw == "" || raw[0] != '/' {
		return PathPattern{}, false
	}

	parts := splitPathSegments(raw)
	for _, s := range parts {
		if s == "" {
			return PathPattern{}, false
		}
		if strings.Contains(s, "{") || strings.Contains(s, "}") {
			if !isParamSegment(s) {
				return PathPattern{}, false
			}
		}
	}
	return PathPattern{raw: raw, segments: parts}, true
}

func (p PathPattern) Match(path string) bool {
	_, ok := p.MatchParams(path)
	return ok
}

// MatchParams matches path against the pattern and returns the captured
// parameters keyed by segment name.
func (p PathPattern) MatchParams(path string) (map[string]string, bool) {
	if p.raw == "" {
		return nil, false
	}
	in := splitPathSegments(path)
	if len(in) != len(p.segments) {
		return nil, false
	}
	var params map[string]string
	for i := range p.segments {
		want := p.segments[i]
		got := in[i]
		if got == "" {
			return nil, false
		}
		if isParamSegment(want) {
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[want[1:len(want)-1]] = got
			continue
		}
		if got != want {
			return nil, false
		}
	}
	return params, true
}

func splitPathSegments(path string) []string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func isParamSegment(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && len(s) > 2
}
