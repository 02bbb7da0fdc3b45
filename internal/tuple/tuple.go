// Package tuple defines relation tuples, the unit of authorization data:
// an edge (object, relation, user) where user is a concrete subject, a
// typed wildcard, or a userset reference.
package tuple

import (
	"errors"
	"strings"
)

// Wildcard is the ID used in typed wildcard subjects ("user:*").
const Wildcard = "*"

// ObjectRef is a typed reference to an object, e.g. "document:readme".
type ObjectRef struct {
	Type string
	ID   string
}

func (o ObjectRef) String() string {
	return o.Type + ":" + o.ID
}

func (o ObjectRef) IsZero() bool {
	return o.Type == "" && o.ID == ""
}

// UserRef is the subject side of a tuple. Three shapes:
//   - concrete subject: user:anne
//   - typed wildcard:   user:*
//   - userset:          group:eng#member
type UserRef struct {
	Object   ObjectRef
	Relation string
}

func (u UserRef) String() string {
	if u.Relation == "" {
		return u.Object.String()
	}
	return u.Object.String() + "#" + u.Relation
}

// IsUserset reports whether the subject is a userset reference.
func (u UserRef) IsUserset() bool {
	return u.Relation != ""
}

// IsWildcard reports whether the subject is a typed wildcard.
func (u UserRef) IsWildcard() bool {
	return u.Relation == "" && u.Object.ID == Wildcard
}

// Tuple is a relation tuple, optionally gated by a named condition.
// ConditionContext is merged with the request context at evaluation time;
// tuple context wins on key collision.
type Tuple struct {
	Object           ObjectRef
	Relation         string
	User             UserRef
	Condition        string
	ConditionContext map[string]any
}

func (t Tuple) String() string {
	return t.Object.String() + "#" + t.Relation + "@" + t.User.String()
}

// ShardKey identifies the write-serialization shard for this tuple.
// Writes touching the same (object type, object id, relation) edge are
// serialized; disjoint shards proceed independently.
func (t Tuple) ShardKey() string {
	return t.Object.String() + "#" + t.Relation
}

// Key is the canonical evaluation key used by the visited set and the
// per-call memo in the check engine.
func Key(user UserRef, relation string, object ObjectRef) string {
	return user.String() + "#" + relation + "@" + object.String()
}

var errBadRef = errors.New("tuple: malformed reference")

// ParseObject parses "type:id".
func ParseObject(s string) (ObjectRef, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || typ == "" || id == "" {
		return ObjectRef{}, errBadRef
	}
	return ObjectRef{Type: typ, ID: id}, nil
}

// ParseUser parses "type:id", "type:*" or "type:id#relation".
func ParseUser(s string) (UserRef, error) {
	ref, rel, hasRel := strings.Cut(s, "#")
	obj, err := ParseObject(ref)
	if err != nil {
		return UserRef{}, err
	}
	if hasRel {
		if rel == "" || obj.ID == Wildcard {
			return UserRef{}, errBadRef
		}
		return UserRef{Object: obj, Relation: rel}, nil
	}
	return UserRef{Object: obj}, nil
}

// Filter selects tuples by exact match on its non-empty fields.
type Filter struct {
	ObjectType   string
	ObjectID     string
	Relation     string
	UserType     string
	UserID       string
	UserRelation string
}

// Matches reports whether the tuple satisfies every non-empty field.
func (f Filter) Matches(t Tuple) bool {
	if f.ObjectType != "" && t.Object.Type != f.ObjectType {
		return false
	}
	if f.ObjectID != "" && t.Object.ID != f.ObjectID {
		return false
	}
	if f.Relation != "" && t.Relation != f.Relation {
		return false
	}
	if f.UserType != "" && t.User.Object.Type != f.UserType {
		return false
	}
	if f.UserID != "" && t.User.Object.ID != f.UserID {
		return false
	}
	if f.UserRelation != "" && t.User.Relation != f.UserRelation {
		return false
	}
	return true
}
