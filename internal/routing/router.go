package routing

import (
	"context"
	"net/http"
	"runtime/debug"
)

type Router struct {
	classifier *Classifier
	exact      map[string]map[string]routeEntry
	patterns   []patternRoute
}

type routeEntry struct {
	rc      RouteClass
	handler http.Handler
}

type patternRoute struct {
	pattern PathPattern
	methods map[string]routeEntry
}

func NewRouter(classifier *Classifier) *Router {
	return &Router{
		classifier: classifier,
		exact:      make(map[string]map[string]routeEntry),
	}
}

// Handle registers a handler. Paths may contain {param} segments; the
// captured values are available through Param. Panics inside handlers
// become a 500 envelope instead of a dropped connection.
func (r *Router) Handle(rc RouteClass, method string, path string, h http.Handler) {
	entry := routeEntry{
		rc: rc,
		handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					_ = debug.Stack()
					WriteError(w, req, rc, http.StatusInternalServerError, "internal_error", "internal error")
				}
			}()
			h.ServeHTTP(w, req)
		}),
	}

	if p, ok := parsePathPattern(path); ok {
		for i := range r.patterns {
			if r.patterns[i].pattern.raw == path {
				r.patterns[i].methods[method] = entry
				return
			}
		}
		r.patterns = append(r.patterns, patternRoute{
			pattern: p,
			methods: map[string]routeEntry{method: entry},
		})
		return
	}

	if r.exact[path] == nil {
		r.exact[path] = make(map[string]routeEntry)
	}
	r.exact[path][method] = entry
}

func (r *Router) HandleFunc(rc RouteClass, method string, path string, h http.HandlerFunc) {
	r.Handle(rc, method, path, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if methods, ok := r.exact[req.URL.Path]; ok {
		r.dispatch(w, req, methods, nil)
		return
	}
	for _, pr := range r.patterns {
		if params, ok := pr.pattern.MatchParams(req.URL.Path); ok {
			r.dispatch(w, req, pr.methods, params)
			return
		}
	}
	WriteError(w, req, r.classifier.Classify(req.URL.Path), http.StatusNotFound, "not_found", "not found")
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request, methods map[string]routeEntry, params map[string]string) {
	entry, ok := methods[req.Method]
	if !ok {
		WriteError(w, req, entrypointClass(methods, r.classifier.Classify(req.URL.Path)), http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if params != nil {
		req = req.WithContext(context.WithValue(req.Context(), paramsKey{}, params))
	}
	entry.handler.ServeHTTP(w, req)
}

func entrypointClass(methods map[string]routeEntry, fallback RouteClass) RouteClass {
	for _, e := range methods {
		return e.rc
	}
	return fallback
}

type paramsKey struct{}

// Param returns a captured path parameter, or "" when absent.
func Param(r *http.Request, name string) string {
	params, _ := r.Context().Value(paramsKey{}).(map[string]string)
	return params[name]
}
