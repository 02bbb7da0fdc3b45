// Package model holds the compiled authorization model: the immutable
// type graph of relations and their rewrite rules, plus declared
// conditions. A model never changes after Compile; publishing a new
// version is an atomic pointer swap in the store.
package model

import (
	"github.com/trellis-authz/trellis/internal/condition"
	"github.com/trellis-authz/trellis/internal/tuple"
)

// RewriteKind tags a Rewrite variant.
type RewriteKind int

const (
	// KindThis matches direct tuples on the relation itself.
	KindThis RewriteKind = iota
	// KindComputed re-evaluates another relation on the same object.
	KindComputed
	// KindTupleToUserset follows tuples of TuplesetRelation from the
	// object to related objects, then evaluates TargetRelation there.
	KindTupleToUserset
	// KindUnion is true iff any child is true.
	KindUnion
	// KindIntersection is true iff all children are true.
	KindIntersection
	// KindExclusion is true iff Base is true and Subtract is false.
	KindExclusion
)

func (k RewriteKind) String() string {
	switch k {
	case KindThis:
		return "this"
	case KindComputed:
		return "computed"
	case KindTupleToUserset:
		return "tuple_to_userset"
	case KindUnion:
		return "union"
	case KindIntersection:
		return "intersection"
	case KindExclusion:
		return "exclusion"
	}
	return "unknown"
}

// Rewrite is one node of a relation's set-algebra expression tree.
// Which fields are meaningful depends on Kind.
type Rewrite struct {
	Kind             RewriteKind
	Computed         string
	TuplesetRelation string
	TargetRelation   string
	Children         []*Rewrite
	Base             *Rewrite
	Subtract         *Rewrite
}

// This matches direct tuples only.
func This() *Rewrite { return &Rewrite{Kind: KindThis} }

// Computed re-evaluates relation on the same object.
func Computed(relation string) *Rewrite {
	return &Rewrite{Kind: KindComputed, Computed: relation}
}

// TupleToUserset follows tupleset tuples and evaluates target on the
// related object.
func TupleToUserset(tupleset, target string) *Rewrite {
	return &Rewrite{Kind: KindTupleToUserset, TuplesetRelation: tupleset, TargetRelation: target}
}

func Union(children ...*Rewrite) *Rewrite {
	return &Rewrite{Kind: KindUnion, Children: children}
}

func Intersection(children ...*Rewrite) *Rewrite {
	return &Rewrite{Kind: KindIntersection, Children: children}
}

func Exclusion(base, subtract *Rewrite) *Rewrite {
	return &Rewrite{Kind: KindExclusion, Base: base, Subtract: subtract}
}

// DirectType is a type restriction on direct tuples of a relation:
// which subject shapes may be written. Relation set means a userset
// restriction ("group#member"); Wildcard means the typed wildcard
// ("user:*").
type DirectType struct {
	Type     string
	Relation string
	Wildcard bool
}

func (d DirectType) String() string {
	if d.Relation != "" {
		return d.Type + "#" + d.Relation
	}
	if d.Wildcard {
		return d.Type + ":*"
	}
	return d.Type
}

// Relation is a named edge kind on a type, bound to its rewrite tree.
type Relation struct {
	Name        string
	Rewrite     *Rewrite
	DirectTypes []DirectType
}

// TypeDef is a named object kind owning a set of relations.
type TypeDef struct {
	Name      string
	Relations map[string]*Relation
}

// AuthorizationModel is an immutable compiled model snapshot. ID is
// derived from the model content, so identical sources share a version.
type AuthorizationModel struct {
	ID         string
	Types      map[string]*TypeDef
	Conditions map[string]condition.Definition
}

// GetRelation resolves a relation on an object type.
func (m *AuthorizationModel) GetRelation(objectType, relation string) (*Relation, bool) {
	td, ok := m.Types[objectType]
	if !ok {
		return nil, false
	}
	r, ok := td.Relations[relation]
	return r, ok
}

// HasType reports whether objectType is declared.
func (m *AuthorizationModel) HasType(objectType string) bool {
	_, ok := m.Types[objectType]
	return ok
}

// PermitsDirect reports whether a direct tuple (objectType, relation,
// user) is allowed by the relation's type restrictions.
func (m *AuthorizationModel) PermitsDirect(objectType, relation string, user tuple.UserRef) bool {
	r, ok := m.GetRelation(objectType, relation)
	if !ok {
		return false
	}
	for _, dt := range r.DirectTypes {
		if dt.Type != user.Object.Type {
			continue
		}
		switch {
		case user.IsWildcard():
			if dt.Wildcard {
				return true
			}
		case user.IsUserset():
			if dt.Relation == user.Relation {
				return true
			}
		default:
			if dt.Relation == "" && !dt.Wildcard {
				return true
			}
		}
	}
	return false
}

// WildcardPermitted reports whether the relation accepts a typed
// wildcard subject of userType.
func (m *AuthorizationModel) WildcardPermitted(objectType, relation, userType string) bool {
	r, ok := m.GetRelation(objectType, relation)
	if !ok {
		return false
	}
	for _, dt := range r.DirectTypes {
		if dt.Wildcard && dt.Type == userType {
			return true
		}
	}
	return false
}

// UsersetRestrictions returns the userset-shaped direct restrictions of
// a relation. The reverse expansion seeds from these.
func (m *AuthorizationModel) UsersetRestrictions(objectType, relation string) []DirectType {
	r, ok := m.GetRelation(objectType, relation)
	if !ok {
		return nil
	}
	var out []DirectType
	for _, dt := range r.DirectTypes {
		if dt.Relation != "" {
			out = append(out, dt)
		}
	}
	return out
}
