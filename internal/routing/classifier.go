// Package routing classifies and dispatches the service's HTTP surface.
// Every route belongs to a route class; the class decides which error
// envelope a failure gets and whether the admin authorizer gates it.
package routing

import (
	"fmt"
)

type RouteClass string

const (
	// RouteClassPublicAPI is the query surface: check, expand, list.
	RouteClassPublicAPI RouteClass = "public_api"
	// RouteClassAdminAPI mutates stores, models and tuples.
	RouteClassAdminAPI RouteClass = "admin_api"
	// RouteClassOps is health and readiness.
	RouteClassOps RouteClass = "ops"
)

type Classifier struct {
	entrypoint        string
	allowExact        map[string]RouteClass
	allowPathPatterns []pathPatternRoute
}

// NewClassifier builds a classifier from one entrypoint of a parsed
// allowlist; route validity is the parser's job.
func NewClassifier(a Allowlist, entrypoint string) (*Classifier, error) {
	ep, ok := a.Entrypoints[entrypoint]
	if !ok {
		return nil, fmt.Errorf("allowlist: missing entrypoint %q", entrypoint)
	}

	exact := make(map[string]RouteClass, len(ep.Routes))
	var patterns []pathPatternRoute
	for _, r := range ep.Routes {
		if p, ok := parsePathPattern(r.Path); ok {
			patterns = append(patterns, pathPatternRoute{pattern: p, rc: RouteClass(r.RouteClass)})
			continue
		}
		exact[r.Path] = RouteClass(r.RouteClass)
	}
	return &Classifier{entrypoint: entrypoint, allowExact: exact, allowPathPatterns: patterns}, nil
}

// DefaultClassifier classifies by the built-in rules alone, with no
// allowlist overrides.
func DefaultClassifier() *Classifier {
	return &Classifier{allowExact: map[string]RouteClass{}}
}

var adminPatterns = []string{
	"/v1/stores",
	"/v1/stores/{store_id}/authorization-models",
	"/v1/stores/{store_id}/write",
}

func (c *Classifier) Classify(path string) RouteClass {
	if rc, ok := c.allowExact[path]; ok {
		return rc
	}
	for _, p := range c.allowPathPatterns {
		if p.pattern.Match(path) {
			return p.rc
		}
	}

	switch path {
	case "/healthz", "/readyz":
		return RouteClassOps
	}
	for _, raw := range adminPatterns {
		if p, ok := parsePathPattern(raw); ok {
			if p.Match(path) {
				return RouteClassAdminAPI
			}
			continue
		}
		if path == raw {
			return RouteClassAdminAPI
		}
	}
	return RouteClassPublicAPI
}

type pathPatternRoute struct {
	pattern PathPattern
	rc      RouteClass
}
