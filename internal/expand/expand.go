// Package expand implements the audit and reverse-query operations:
// Expand (the contributing tree for a relation on one object),
// ListObjects (reverse walk from a user to the objects it can reach)
// and ListUsers (forward enumeration of a relation's subjects).
//
// ListObjects guarantees ground truth: the returned set equals exactly
// the objects for which Check answers true. The reverse walk is an
// optimization that prunes the search space; any candidate it cannot
// prove on its own is verified with an explicit Check before inclusion.
package expand

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/trellis-authz/trellis/internal/check"
	"github.com/trellis-authz/trellis/internal/condition"
	"github.com/trellis-authz/trellis/internal/model"
	"github.com/trellis-authz/trellis/internal/storage"
	"github.com/trellis-authz/trellis/internal/tuple"
)

// Engine runs expansion queries against an immutable model snapshot and
// a tuple reader. It is stateless and safe for concurrent use.
type Engine struct {
	checker    *check.Engine
	conditions *condition.Evaluator
	maxDepth   int
}

type Option func(*Engine)

func WithMaxDepth(depth int) Option {
	return func(e *Engine) { e.maxDepth = depth }
}

func NewEngine(checker *check.Engine, conditions *condition.Evaluator, opts ...Option) *Engine {
	e := &Engine{
		checker:    checker,
		conditions: conditions,
		maxDepth:   check.DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NodeKind tags an expansion tree node.
type NodeKind int

const (
	NodeThis NodeKind = iota
	NodeComputed
	NodeTupleToUserset
	NodeUnion
	NodeIntersection
	NodeExclusion
)

func (k NodeKind) String() string {
	switch k {
	case NodeThis:
		return "this"
	case NodeComputed:
		return "computed"
	case NodeTupleToUserset:
		return "tuple_to_userset"
	case NodeUnion:
		return "union"
	case NodeIntersection:
		return "intersection"
	case NodeExclusion:
		return "exclusion"
	}
	return "unknown"
}

// Node is one level of the contributing tree. Leaves carry the stored
// subjects verbatim, usersets and wildcards included; they are not
// resolved further. Conditioned tuples appear in the tree because the
// tree answers "what contributes", not "who is allowed right now".
type Node struct {
	Kind     NodeKind
	Object   tuple.ObjectRef
	Relation string

	Subjects []tuple.UserRef // NodeThis: stored subjects
	Computed string          // NodeComputed: relation on the same object
	Usersets []tuple.UserRef // NodeTupleToUserset: related-object usersets
	Children []*Node         // union, intersection
	Base     *Node           // exclusion
	Subtract *Node
}

// ExpandRequest names the relation and object to expand.
type ExpandRequest struct {
	Model    *model.AuthorizationModel
	Tuples   storage.Reader
	Relation string
	Object   tuple.ObjectRef
}

// Expand materializes the rewrite tree of the relation with stored
// tuples bound into the leaves.
func (e *Engine) Expand(ctx context.Context, req ExpandRequest) (*Node, error) {
	rel, ok := req.Model.GetRelation(req.Object.Type, req.Relation)
	if !ok {
		return nil, fmt.Errorf("%w: %s on type %q", check.ErrRelationNotFound, req.Relation, req.Object.Type)
	}
	return e.expandRewrite(ctx, req, rel.Rewrite)
}

func (e *Engine) expandRewrite(ctx context.Context, req ExpandRequest, rw *model.Rewrite) (*Node, error) {
	node := &Node{Object: req.Object, Relation: req.Relation}
	switch rw.Kind {
	case model.KindThis:
		node.Kind = NodeThis
		tuples, err := storage.ReadAll(ctx, req.Tuples, tuple.Filter{
			ObjectType: req.Object.Type,
			ObjectID:   req.Object.ID,
			Relation:   req.Relation,
		})
		if err != nil {
			return nil, err
		}
		for _, t := range tuples {
			node.Subjects = append(node.Subjects, t.User)
		}
	case model.KindComputed:
		node.Kind = NodeComputed
		node.Computed = rw.Computed
	case model.KindTupleToUserset:
		node.Kind = NodeTupleToUserset
		tuples, err := storage.ReadAll(ctx, req.Tuples, tuple.Filter{
			ObjectType: req.Object.Type,
			ObjectID:   req.Object.ID,
			Relation:   rw.TuplesetRelation,
		})
		if err != nil {
			return nil, err
		}
		for _, t := range tuples {
			if t.User.IsUserset() || t.User.IsWildcard() {
				continue
			}
			node.Usersets = append(node.Usersets, tuple.UserRef{
				Object:   t.User.Object,
				Relation: rw.TargetRelation,
			})
		}
	case model.KindUnion, model.KindIntersection:
		node.Kind = NodeUnion
		if rw.Kind == model.KindIntersection {
			node.Kind = NodeIntersection
		}
		for _, child := range rw.Children {
			c, err := e.expandRewrite(ctx, req, child)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, c)
		}
	case model.KindExclusion:
		node.Kind = NodeExclusion
		base, err := e.expandRewrite(ctx, req, rw.Base)
		if err != nil {
			return nil, err
		}
		subtract, err := e.expandRewrite(ctx, req, rw.Subtract)
		if err != nil {
			return nil, err
		}
		node.Base, node.Subtract = base, subtract
	default:
		return nil, fmt.Errorf("expand: unknown rewrite kind %v", rw.Kind)
	}
	return node, nil
}

// ListObjectsRequest asks for every object of ObjectType on which User
// holds Relation. Contextual tuples and condition context carry the
// same per-request semantics as Check.
type ListObjectsRequest struct {
	Model            *model.AuthorizationModel
	Tuples           storage.Reader
	User             tuple.UserRef
	Relation         string
	ObjectType       string
	Context          map[string]any
	ContextualTuples []tuple.Tuple
}

// ListObjects walks the rewrite graph backward from tuples naming the
// user, collecting candidate objects. Candidates reached only through
// intersection or exclusion nodes, or through conditioned tuples, are
// verified with Check; the rest are proven by construction.
func (e *Engine) ListObjects(ctx context.Context, req ListObjectsRequest) ([]string, error) {
	if _, ok := req.Model.GetRelation(req.ObjectType, req.Relation); !ok {
		return nil, fmt.Errorf("%w: %s on type %q", check.ErrRelationNotFound, req.Relation, req.ObjectType)
	}

	reader := storage.Overlay(req.Tuples, req.ContextualTuples)
	idx := buildReverseIndex(req.Model)

	w := &reverseWalker{
		index:  idx,
		reader: reader,
		proven: make(map[fact]bool),
	}
	if err := w.seed(ctx, req.User); err != nil {
		return nil, err
	}
	if err := w.run(ctx); err != nil {
		return nil, err
	}

	var out []string
	for f, proven := range w.proven {
		if f.object.Type != req.ObjectType || f.relation != req.Relation {
			continue
		}
		if !proven {
			allowed, err := e.checker.Check(ctx, check.Request{
				Model:    req.Model,
				Tuples:   reader,
				User:     req.User,
				Relation: req.Relation,
				Object:   f.object,
				Context:  req.Context,
			})
			if err != nil {
				return nil, err
			}
			if !allowed {
				continue
			}
		}
		out = append(out, f.object.ID)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

type fact struct {
	object   tuple.ObjectRef
	relation string
}

type relRef struct {
	objectType string
	relation   string
}

type computedEdge struct {
	to      string // relation on the same type
	certain bool
}

type ttuEdge struct {
	objectType string // owning the tuple_to_userset rewrite
	relation   string
	tupleset   string
	certain    bool
}

// reverseIndex inverts the model's rewrite graph once per query: which
// derived facts each stored tuple or proven fact can contribute to.
// Certainty is lost below intersection and exclusion nodes; subtract
// branches contribute nothing, objects reachable only through them can
// never be in the result.
type reverseIndex struct {
	this     map[relRef]bool // This present; value is its certainty
	computed map[relRef][]computedEdge
	ttu      map[relRef][]ttuEdge
}

func buildReverseIndex(m *model.AuthorizationModel) *reverseIndex {
	idx := &reverseIndex{
		this:     make(map[relRef]bool),
		computed: make(map[relRef][]computedEdge),
		ttu:      make(map[relRef][]ttuEdge),
	}
	for typeName, td := range m.Types {
		for relName, rel := range td.Relations {
			idx.addRewrite(m, typeName, relName, rel.Rewrite, true)
		}
	}
	return idx
}

func (idx *reverseIndex) addRewrite(m *model.AuthorizationModel, typeName, relName string, rw *model.Rewrite, certain bool) {
	switch rw.Kind {
	case model.KindThis:
		key := relRef{typeName, relName}
		if cur, ok := idx.this[key]; !ok || (certain && !cur) {
			idx.this[key] = certain
		}
	case model.KindComputed:
		key := relRef{typeName, rw.Computed}
		idx.computed[key] = append(idx.computed[key], computedEdge{to: relName, certain: certain})
	case model.KindTupleToUserset:
		tupleset, ok := m.GetRelation(typeName, rw.TuplesetRelation)
		if !ok {
			return
		}
		for _, dt := range tupleset.DirectTypes {
			key := relRef{dt.Type, rw.TargetRelation}
			idx.ttu[key] = append(idx.ttu[key], ttuEdge{
				objectType: typeName,
				relation:   relName,
				tupleset:   rw.TuplesetRelation,
				certain:    certain,
			})
		}
	case model.KindUnion:
		for _, child := range rw.Children {
			idx.addRewrite(m, typeName, relName, child, certain)
		}
	case model.KindIntersection:
		for _, child := range rw.Children {
			idx.addRewrite(m, typeName, relName, child, false)
		}
	case model.KindExclusion:
		idx.addRewrite(m, typeName, relName, rw.Base, false)
	}
}

// reverseWalker propagates facts of the form "the user holds relation r
// on object o". Each fact carries whether it was proven purely by the
// walk; an unproven fact survives as a candidate for verification.
type reverseWalker struct {
	index  *reverseIndex
	reader storage.Reader
	proven map[fact]bool
	queue  []fact
}

func (w *reverseWalker) add(f fact, proven bool) {
	cur, ok := w.proven[f]
	if ok && (cur || !proven) {
		return
	}
	w.proven[f] = proven
	w.queue = append(w.queue, f)
}

// seed collects facts from tuples naming the user directly and, for a
// concrete user, from typed wildcard tuples of the user's type.
func (w *reverseWalker) seed(ctx context.Context, user tuple.UserRef) error {
	direct, err := storage.ReadAll(ctx, w.reader, tuple.Filter{
		UserType: user.Object.Type,
		UserID:   user.Object.ID,
	})
	if err != nil {
		return err
	}
	for _, t := range direct {
		if t.User == user {
			w.addDirect(t)
		}
	}
	if !user.IsUserset() && !user.IsWildcard() {
		wild, err := storage.ReadAll(ctx, w.reader, tuple.Filter{
			UserType: user.Object.Type,
			UserID:   tuple.Wildcard,
		})
		if err != nil {
			return err
		}
		for _, t := range wild {
			if t.User.IsWildcard() {
				w.addDirect(t)
			}
		}
	}
	return nil
}

// addDirect turns a stored tuple naming the user into a fact, if the
// relation's rewrite actually consumes direct tuples.
func (w *reverseWalker) addDirect(t tuple.Tuple) {
	certain, ok := w.index.this[relRef{t.Object.Type, t.Relation}]
	if !ok {
		return
	}
	w.add(fact{t.Object, t.Relation}, certain && t.Condition == "")
}

func (w *reverseWalker) run(ctx context.Context) error {
	for len(w.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := w.queue[0]
		w.queue = w.queue[1:]
		proven := w.proven[f]
		key := relRef{f.object.Type, f.relation}

		for _, e := range w.index.computed[key] {
			w.add(fact{f.object, e.to}, proven && e.certain)
		}

		// Invert tuple_to_userset: the user holds the target relation on
		// f.object, so any object whose tupleset points at f.object
		// inherits the rewrite's relation.
		for _, e := range w.index.ttu[key] {
			tuples, err := storage.ReadAll(ctx, w.reader, tuple.Filter{
				ObjectType: e.objectType,
				Relation:   e.tupleset,
				UserType:   f.object.Type,
				UserID:     f.object.ID,
			})
			if err != nil {
				return err
			}
			for _, t := range tuples {
				if t.User.IsUserset() || t.User.IsWildcard() {
					continue
				}
				w.add(fact{t.Object, e.relation}, proven && e.certain && t.Condition == "")
			}
		}

		// The user is a member of the userset f.object#f.relation, so
		// tuples with that userset as subject grant direct membership.
		usersetTuples, err := storage.ReadAll(ctx, w.reader, tuple.Filter{
			UserType:     f.object.Type,
			UserID:       f.object.ID,
			UserRelation: f.relation,
		})
		if err != nil {
			return err
		}
		for _, t := range usersetTuples {
			certain, ok := w.index.this[relRef{t.Object.Type, t.Relation}]
			if !ok {
				continue
			}
			w.add(fact{t.Object, t.Relation}, proven && certain && t.Condition == "")
		}
	}
	return nil
}

// ListUsersRequest asks for every subject holding Relation on Object.
type ListUsersRequest struct {
	Model    *model.AuthorizationModel
	Tuples   storage.Reader
	Object   tuple.ObjectRef
	Relation string
	Context  map[string]any
}

// ListUsers enumerates the relation forward, recursively expanding
// userset subjects into their members. Wildcard subjects are returned
// verbatim. Conditioned tuples only contribute when their condition
// holds under the merged context; an evaluation failure excludes the
// tuple. Revisited nodes contribute nothing, which terminates cyclic
// tuple graphs; exceeding the depth bound is an error.
//
// Intersection and exclusion are resolved by literal set algebra over
// the enumerated subjects, so a wildcard in one branch neither covers
// concrete subjects in the other branch nor subtracts them. Callers
// needing per-subject exactness under such models should confirm each
// returned subject with Check; ListObjects is the surface that carries
// the ground-truth guarantee.
func (e *Engine) ListUsers(ctx context.Context, req ListUsersRequest) ([]tuple.UserRef, error) {
	rel, ok := req.Model.GetRelation(req.Object.Type, req.Relation)
	if !ok {
		return nil, fmt.Errorf("%w: %s on type %q", check.ErrRelationNotFound, req.Relation, req.Object.Type)
	}
	lw := &listUsersWalker{engine: e, req: req}
	set, err := lw.enumerateRewrite(ctx, rel.Rewrite, req.Object, req.Relation, nil, 0)
	if err != nil {
		return nil, err
	}
	out := make([]tuple.UserRef, 0, len(set))
	for _, u := range set {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b tuple.UserRef) int {
		return strings.Compare(a.String(), b.String())
	})
	return out, nil
}

type listUsersWalker struct {
	engine *Engine
	req    ListUsersRequest
}

type userSet map[string]tuple.UserRef

func (s userSet) add(u tuple.UserRef) { s[u.String()] = u }

func (lw *listUsersWalker) enumerate(ctx context.Context, object tuple.ObjectRef, relation string, path map[string]struct{}, depth int) (userSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth > lw.engine.maxDepth {
		return nil, fmt.Errorf("%w: depth %d exceeded", check.ErrCycleDetected, lw.engine.maxDepth)
	}
	key := relation + "@" + object.String()
	if _, onPath := path[key]; onPath {
		return userSet{}, nil
	}
	rel, ok := lw.req.Model.GetRelation(object.Type, relation)
	if !ok {
		return userSet{}, nil
	}
	next := make(map[string]struct{}, len(path)+1)
	for k := range path {
		next[k] = struct{}{}
	}
	next[key] = struct{}{}
	return lw.enumerateRewrite(ctx, rel.Rewrite, object, relation, next, depth+1)
}

func (lw *listUsersWalker) enumerateRewrite(ctx context.Context, rw *model.Rewrite, object tuple.ObjectRef, relation string, path map[string]struct{}, depth int) (userSet, error) {
	switch rw.Kind {
	case model.KindThis:
		return lw.enumerateDirect(ctx, object, relation, path, depth)
	case model.KindComputed:
		return lw.enumerate(ctx, object, rw.Computed, path, depth)
	case model.KindTupleToUserset:
		return lw.enumerateTupleToUserset(ctx, rw, object, path, depth)
	case model.KindUnion:
		out := userSet{}
		for _, child := range rw.Children {
			set, err := lw.enumerateRewrite(ctx, child, object, relation, path, depth)
			if err != nil {
				return nil, err
			}
			for k, u := range set {
				out[k] = u
			}
		}
		return out, nil
	case model.KindIntersection:
		var out userSet
		for _, child := range rw.Children {
			set, err := lw.enumerateRewrite(ctx, child, object, relation, path, depth)
			if err != nil {
				return nil, err
			}
			if out == nil {
				out = set
				continue
			}
			for k := range out {
				if _, ok := set[k]; !ok {
					delete(out, k)
				}
			}
		}
		if out == nil {
			out = userSet{}
		}
		return out, nil
	case model.KindExclusion:
		base, err := lw.enumerateRewrite(ctx, rw.Base, object, relation, path, depth)
		if err != nil {
			return nil, err
		}
		subtract, err := lw.enumerateRewrite(ctx, rw.Subtract, object, relation, path, depth)
		if err != nil {
			return nil, err
		}
		for k := range subtract {
			delete(base, k)
		}
		return base, nil
	default:
		return nil, fmt.Errorf("expand: unknown rewrite kind %v", rw.Kind)
	}
}

func (lw *listUsersWalker) enumerateDirect(ctx context.Context, object tuple.ObjectRef, relation string, path map[string]struct{}, depth int) (userSet, error) {
	tuples, err := storage.ReadAll(ctx, lw.req.Tuples, tuple.Filter{
		ObjectType: object.Type,
		ObjectID:   object.ID,
		Relation:   relation,
	})
	if err != nil {
		return nil, err
	}
	out := userSet{}
	for _, t := range tuples {
		ok, err := lw.engine.evalCondition(lw.req.Model, lw.req.Context, t)
		if err != nil || !ok {
			continue
		}
		if t.User.IsUserset() {
			members, err := lw.enumerate(ctx, t.User.Object, t.User.Relation, path, depth)
			if err != nil {
				return nil, err
			}
			for k, u := range members {
				out[k] = u
			}
			continue
		}
		out.add(t.User)
	}
	return out, nil
}

func (lw *listUsersWalker) enumerateTupleToUserset(ctx context.Context, rw *model.Rewrite, object tuple.ObjectRef, path map[string]struct{}, depth int) (userSet, error) {
	tuples, err := storage.ReadAll(ctx, lw.req.Tuples, tuple.Filter{
		ObjectType: object.Type,
		ObjectID:   object.ID,
		Relation:   rw.TuplesetRelation,
	})
	if err != nil {
		return nil, err
	}
	out := userSet{}
	for _, t := range tuples {
		if t.User.IsUserset() || t.User.IsWildcard() {
			continue
		}
		ok, err := lw.engine.evalCondition(lw.req.Model, lw.req.Context, t)
		if err != nil || !ok {
			continue
		}
		members, err := lw.enumerate(ctx, t.User.Object, rw.TargetRelation, path, depth)
		if err != nil {
			return nil, err
		}
		for k, u := range members {
			out[k] = u
		}
	}
	return out, nil
}

func (e *Engine) evalCondition(m *model.AuthorizationModel, reqCtx map[string]any, t tuple.Tuple) (bool, error) {
	if t.Condition == "" {
		return true, nil
	}
	def, ok := m.Conditions[t.Condition]
	if !ok {
		return false, fmt.Errorf("%w: condition %q not declared in model", condition.ErrEvaluation, t.Condition)
	}
	args := make(map[string]any, len(reqCtx)+len(t.ConditionContext))
	for k, v := range reqCtx {
		args[k] = v
	}
	for k, v := range t.ConditionContext {
		args[k] = v
	}
	return e.conditions.Evaluate(m.ID, def, args)
}
