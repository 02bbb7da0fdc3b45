// Package server binds the evaluation engines to the HTTP surface:
// store and model administration, tuple writes, and the query API
// (check, expand, list-objects, list-users).
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/trellis-authz/trellis/internal/check"
	"github.com/trellis-authz/trellis/internal/condition"
	"github.com/trellis-authz/trellis/internal/config"
	"github.com/trellis-authz/trellis/internal/expand"
	"github.com/trellis-authz/trellis/internal/routing"
	"github.com/trellis-authz/trellis/internal/storage"
)

type Server struct {
	registry *storage.Registry
	checker  *check.Engine
	expander *expand.Engine

	newTupleStore      func(storeID string) (storage.TupleStore, error)
	consistencyTimeout time.Duration
	logger             *slog.Logger
}

// Options configures the mux. Zero-value fields fall back to an
// in-memory tuple store, default engine bounds and slog.Default.
type Options struct {
	Registry      *storage.Registry
	Authorizer    authorizer
	Classifier    *routing.Classifier
	Engine        config.Engine
	NewTupleStore func(storeID string) (storage.TupleStore, error)
	Logger        *slog.Logger
}

func NewMux(opts Options) http.Handler {
	if opts.Registry == nil {
		opts.Registry = storage.NewRegistry()
	}
	if opts.Classifier == nil {
		opts.Classifier = routing.DefaultClassifier()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewTupleStore == nil {
		opts.NewTupleStore = func(string) (storage.TupleStore, error) {
			return storage.NewMemoryStore(), nil
		}
	}
	if opts.Engine.MaxDepth == 0 {
		opts.Engine.MaxDepth = config.DefaultMaxDepth
	}
	if opts.Engine.Fanout == 0 {
		opts.Engine.Fanout = config.DefaultFanout
	}
	if opts.Engine.ConsistencyTimeout == 0 {
		opts.Engine.ConsistencyTimeout = config.Duration(config.DefaultConsistencyTimeout)
	}

	conditions := condition.NewEvaluator()
	checker := check.NewEngine(conditions,
		check.WithMaxDepth(opts.Engine.MaxDepth),
		check.WithFanout(opts.Engine.Fanout),
		check.WithLogger(opts.Logger),
	)
	s := &Server{
		registry:           opts.Registry,
		checker:            checker,
		expander:           expand.NewEngine(checker, conditions, expand.WithMaxDepth(opts.Engine.MaxDepth)),
		newTupleStore:      opts.NewTupleStore,
		consistencyTimeout: time.Duration(opts.Engine.ConsistencyTimeout),
		logger:             opts.Logger,
	}

	r := routing.NewRouter(opts.Classifier)
	r.HandleFunc(routing.RouteClassOps, http.MethodGet, "/healthz", s.handleHealthz)
	r.HandleFunc(routing.RouteClassAdminAPI, http.MethodPost, "/v1/stores", s.handleCreateStore)
	r.HandleFunc(routing.RouteClassAdminAPI, http.MethodPost, "/v1/stores/{store_id}/authorization-models", s.handlePublishModel)
	r.HandleFunc(routing.RouteClassAdminAPI, http.MethodPost, "/v1/stores/{store_id}/write", s.handleWrite)
	r.HandleFunc(routing.RouteClassPublicAPI, http.MethodPost, "/v1/stores/{store_id}/check", s.handleCheck)
	r.HandleFunc(routing.RouteClassPublicAPI, http.MethodPost, "/v1/stores/{store_id}/expand", s.handleExpand)
	r.HandleFunc(routing.RouteClassPublicAPI, http.MethodPost, "/v1/stores/{store_id}/list-objects", s.handleListObjects)
	r.HandleFunc(routing.RouteClassPublicAPI, http.MethodPost, "/v1/stores/{store_id}/list-users", s.handleListUsers)

	if opts.Authorizer != nil {
		return withAuthz(opts.Classifier, opts.Authorizer, r)
	}
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	routing.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
