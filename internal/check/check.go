// Package check implements the recursive Check algorithm: evaluating a
// relation's rewrite-rule tree for one (user, relation, object) triple
// against a tuple reader and an immutable model snapshot.
//
// Evaluation is bounded by a maximum recursion depth and a visited set
// over the active path; both violations surface as ErrCycleDetected.
// An engine holds no per-request state and is safe for unlimited
// concurrent use.
package check

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/trellis-authz/trellis/internal/condition"
	"github.com/trellis-authz/trellis/internal/model"
	"github.com/trellis-authz/trellis/internal/storage"
	"github.com/trellis-authz/trellis/internal/tuple"
)

const (
	DefaultMaxDepth = 25
	DefaultFanout   = 8
)

// ErrCycleDetected is returned when evaluation revisits a node on the
// active path or exceeds the depth bound. Check converts it to deny;
// the distinct log signal is what separates it from an ordinary deny.
var ErrCycleDetected = errors.New("check: cycle detected")

// ErrRelationNotFound is a structural error: the requested relation is
// not defined on the object's type in the pinned model.
var ErrRelationNotFound = errors.New("check: relation not defined in model")

// Engine evaluates rewrite trees. Union and intersection children run
// concurrently with bounded fan-out; siblings are cancelled as soon as
// the node's result is decided.
type Engine struct {
	conditions *condition.Evaluator
	maxDepth   int
	fanout     int
	logger     *slog.Logger
}

type Option func(*Engine)

func WithMaxDepth(depth int) Option {
	return func(e *Engine) { e.maxDepth = depth }
}

func WithFanout(n int) Option {
	return func(e *Engine) { e.fanout = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(conditions *condition.Evaluator, opts ...Option) *Engine {
	e := &Engine{
		conditions: conditions,
		maxDepth:   DefaultMaxDepth,
		fanout:     DefaultFanout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request is one check invocation. Contextual tuples are unioned into
// the reader's view for this call only and never persisted.
type Request struct {
	Model            *model.AuthorizationModel
	Tuples           storage.Reader
	User             tuple.UserRef
	Relation         string
	Object           tuple.ObjectRef
	Context          map[string]any
	ContextualTuples []tuple.Tuple
}

// Check answers the request, failing closed: cycle detection and
// condition evaluation failures become deny and are logged with their
// own signal so operators can tell them from a structural deny.
// Structural errors (unknown relation, storage failure, cancellation)
// propagate.
func (e *Engine) Check(ctx context.Context, req Request) (bool, error) {
	allowed, err := e.Resolve(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrCycleDetected):
			e.logger.Warn("check denied: rewrite cycle",
				"user", req.User.String(), "relation", req.Relation,
				"object", req.Object.String(), "model", req.Model.ID)
			return false, nil
		case errors.Is(err, condition.ErrEvaluation):
			e.logger.Warn("check denied: condition evaluation failed",
				"user", req.User.String(), "relation", req.Relation,
				"object", req.Object.String(), "model", req.Model.ID,
				"err", err)
			return false, nil
		}
		return false, err
	}
	return allowed, nil
}

// Resolve is Check without the fail-closed conversion; callers that
// need to distinguish cycle or condition anomalies from a plain deny
// inspect the returned error.
func (e *Engine) Resolve(ctx context.Context, req Request) (bool, error) {
	r := &resolver{
		engine: e,
		model:  req.Model,
		reader: storage.Overlay(req.Tuples, req.ContextualTuples),
		reqCtx: req.Context,
		memo:   make(map[string]bool),
	}
	return r.evaluate(ctx, req.User, req.Relation, req.Object, nil, 0)
}

// resolver carries the per-call memo. The memo only holds results that
// resolved without error, so a deny caused by cycle pruning on one path
// can never leak into another path.
type resolver struct {
	engine *Engine
	model  *model.AuthorizationModel
	reader storage.Reader
	reqCtx map[string]any

	mu   sync.Mutex
	memo map[string]bool
}

type outcome struct {
	allowed bool
	err     error
}

func (r *resolver) evaluate(ctx context.Context, user tuple.UserRef, relation string, object tuple.ObjectRef, path map[string]struct{}, depth int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if depth > r.engine.maxDepth {
		return false, fmt.Errorf("%w: depth %d exceeded", ErrCycleDetected, r.engine.maxDepth)
	}
	key := tuple.Key(user, relation, object)
	if _, onPath := path[key]; onPath {
		return false, fmt.Errorf("%w: %s", ErrCycleDetected, key)
	}

	r.mu.Lock()
	cached, ok := r.memo[key]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	rel, ok := r.model.GetRelation(object.Type, relation)
	if !ok {
		return false, fmt.Errorf("%w: %s on type %q", ErrRelationNotFound, relation, object.Type)
	}

	next := maps.Clone(path)
	if next == nil {
		next = make(map[string]struct{}, 1)
	}
	next[key] = struct{}{}

	allowed, err := r.evalRewrite(ctx, rel.Rewrite, user, relation, object, next, depth+1)
	if err == nil {
		r.mu.Lock()
		r.memo[key] = allowed
		r.mu.Unlock()
	}
	return allowed, err
}

func (r *resolver) evalRewrite(ctx context.Context, rw *model.Rewrite, user tuple.UserRef, relation string, object tuple.ObjectRef, path map[string]struct{}, depth int) (bool, error) {
	switch rw.Kind {
	case model.KindThis:
		return r.evalThis(ctx, user, relation, object, path, depth)
	case model.KindComputed:
		return r.evaluate(ctx, user, rw.Computed, object, path, depth)
	case model.KindTupleToUserset:
		return r.evalTupleToUserset(ctx, rw, user, object, path, depth)
	case model.KindUnion:
		return r.evalUnion(ctx, rw.Children, user, relation, object, path, depth)
	case model.KindIntersection:
		return r.evalIntersection(ctx, rw.Children, user, relation, object, path, depth)
	case model.KindExclusion:
		return r.evalExclusion(ctx, rw, user, relation, object, path, depth)
	default:
		return false, fmt.Errorf("check: unknown rewrite kind %v", rw.Kind)
	}
}

// evalThis resolves a direct-tuple leaf: an exact subject match, a
// typed wildcard, or a userset reference resolved by a bounded
// recursive check. Conditioned tuples only count when their condition
// holds under the merged tuple and request context.
func (r *resolver) evalThis(ctx context.Context, user tuple.UserRef, relation string, object tuple.ObjectRef, path map[string]struct{}, depth int) (bool, error) {
	it, err := r.reader.Read(ctx, tuple.Filter{
		ObjectType: object.Type,
		ObjectID:   object.ID,
		Relation:   relation,
	})
	if err != nil {
		return false, err
	}
	defer it.Stop()

	var usersets []tuple.Tuple
	var deferred error
	for {
		t, err := it.Next(ctx)
		if errors.Is(err, storage.ErrIteratorDone) {
			break
		}
		if err != nil {
			return false, err
		}
		switch {
		case t.User == user:
			ok, err := r.evalCondition(t)
			if err != nil {
				deferred = errors.Join(deferred, err)
				continue
			}
			if ok {
				return true, nil
			}
		case !user.IsUserset() && t.User.IsWildcard() && t.User.Object.Type == user.Object.Type:
			ok, err := r.evalCondition(t)
			if err != nil {
				deferred = errors.Join(deferred, err)
				continue
			}
			if ok {
				return true, nil
			}
		case t.User.IsUserset():
			usersets = append(usersets, t)
		}
	}

	for _, t := range usersets {
		ok, err := r.evalCondition(t)
		if err != nil {
			deferred = errors.Join(deferred, err)
			continue
		}
		if !ok {
			continue
		}
		member, err := r.evaluate(ctx, user, t.User.Relation, t.User.Object, path, depth)
		if err != nil {
			deferred = errors.Join(deferred, err)
			continue
		}
		if member {
			return true, nil
		}
	}
	return false, deferred
}

func (r *resolver) evalTupleToUserset(ctx context.Context, rw *model.Rewrite, user tuple.UserRef, object tuple.ObjectRef, path map[string]struct{}, depth int) (bool, error) {
	it, err := r.reader.Read(ctx, tuple.Filter{
		ObjectType: object.Type,
		ObjectID:   object.ID,
		Relation:   rw.TuplesetRelation,
	})
	if err != nil {
		return false, err
	}
	defer it.Stop()

	var deferred error
	for {
		t, err := it.Next(ctx)
		if errors.Is(err, storage.ErrIteratorDone) {
			break
		}
		if err != nil {
			return false, err
		}
		if t.User.IsUserset() || t.User.IsWildcard() {
			continue // tupleset tuples point at concrete objects
		}
		ok, err := r.evalCondition(t)
		if err != nil {
			deferred = errors.Join(deferred, err)
			continue
		}
		if !ok {
			continue
		}
		allowed, err := r.evaluate(ctx, user, rw.TargetRelation, t.User.Object, path, depth)
		if err != nil {
			deferred = errors.Join(deferred, err)
			continue
		}
		if allowed {
			return true, nil
		}
	}
	return false, deferred
}

// evalUnion runs children concurrently with bounded fan-out and cancels
// outstanding siblings on the first true.
func (r *resolver) evalUnion(ctx context.Context, children []*model.Rewrite, user tuple.UserRef, relation string, object tuple.ObjectRef, path map[string]struct{}, depth int) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan outcome, len(children))
	var pool errgroup.Group
	pool.SetLimit(r.engine.fanout)
	defer func() {
		cancel()
		_ = pool.Wait()
	}()

	for _, child := range children {
		pool.Go(func() error {
			allowed, err := r.evalRewrite(ctx, child, user, relation, object, path, depth)
			select {
			case out <- outcome{allowed, err}:
			case <-ctx.Done():
			}
			return nil
		})
	}

	var deferred error
	for range children {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case o := <-out:
			if o.err != nil {
				deferred = errors.Join(deferred, o.err)
				continue
			}
			if o.allowed {
				return true, nil
			}
		}
	}
	return false, deferred
}

// evalIntersection cancels outstanding siblings on the first false. An
// errored child means the node cannot be proven, so the error wins.
func (r *resolver) evalIntersection(ctx context.Context, children []*model.Rewrite, user tuple.UserRef, relation string, object tuple.ObjectRef, path map[string]struct{}, depth int) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan outcome, len(children))
	var pool errgroup.Group
	pool.SetLimit(r.engine.fanout)
	defer func() {
		cancel()
		_ = pool.Wait()
	}()

	for _, child := range children {
		pool.Go(func() error {
			allowed, err := r.evalRewrite(ctx, child, user, relation, object, path, depth)
			select {
			case out <- outcome{allowed, err}:
			case <-ctx.Done():
			}
			return nil
		})
	}

	for range children {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case o := <-out:
			if o.err != nil {
				return false, o.err
			}
			if !o.allowed {
				return false, nil
			}
		}
	}
	return true, nil
}

// evalExclusion evaluates base and subtract concurrently but needs both
// before an allow: base false or subtract true decide immediately.
func (r *resolver) evalExclusion(ctx context.Context, rw *model.Rewrite, user tuple.UserRef, relation string, object tuple.ObjectRef, path map[string]struct{}, depth int) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	base := make(chan outcome, 1)
	subtract := make(chan outcome, 1)
	var wg sync.WaitGroup
	wg.Add(2)
	defer wg.Wait()

	go func() {
		defer wg.Done()
		allowed, err := r.evalRewrite(ctx, rw.Base, user, relation, object, path, depth)
		select {
		case base <- outcome{allowed, err}:
		case <-ctx.Done():
		}
	}()
	go func() {
		defer wg.Done()
		allowed, err := r.evalRewrite(ctx, rw.Subtract, user, relation, object, path, depth)
		select {
		case subtract <- outcome{allowed, err}:
		case <-ctx.Done():
		}
	}()

	baseAllowed := false
	seen := 0
	for seen < 2 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case o := <-base:
			seen++
			if o.err != nil {
				return false, o.err
			}
			if !o.allowed {
				return false, nil
			}
			baseAllowed = true
		case o := <-subtract:
			seen++
			if o.err != nil {
				return false, o.err
			}
			if o.allowed {
				return false, nil
			}
		}
	}
	return baseAllowed, nil
}

// evalCondition gates a tuple on its condition, if any. The tuple's
// stored context wins over the request context on key collision.
func (r *resolver) evalCondition(t tuple.Tuple) (bool, error) {
	if t.Condition == "" {
		return true, nil
	}
	def, ok := r.model.Conditions[t.Condition]
	if !ok {
		return false, fmt.Errorf("%w: condition %q not declared in model", condition.ErrEvaluation, t.Condition)
	}
	args := make(map[string]any, len(r.reqCtx)+len(t.ConditionContext))
	for k, v := range r.reqCtx {
		args[k] = v
	}
	for k, v := range t.ConditionContext {
		args[k] = v
	}
	return r.engine.conditions.Evaluate(r.model.ID, def, args)
}
