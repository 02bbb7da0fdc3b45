package server

import (
	"fmt"

	"github.com/trellis-authz/trellis/internal/storage"
	"github.com/trellis-authz/trellis/internal/tuple"
	"github.com/trellis-authz/trellis/pkg/httperr"
)

// wireTuple is the JSON shape of a relation tuple.
type wireTuple struct {
	Object    string         `json:"object"`
	Relation  string         `json:"relation"`
	User      string         `json:"user"`
	Condition *wireCondition `json:"condition,omitempty"`
}

type wireCondition struct {
	Name    string         `json:"name"`
	Context map[string]any `json:"context,omitempty"`
}

type wirePrecondition struct {
	Tuple     wireTuple `json:"tuple"`
	MustExist bool      `json:"must_exist"`
}

type wireConsistency struct {
	Mode  string `json:"mode,omitempty"`
	Token string `json:"token,omitempty"`
}

func parseTuple(wt wireTuple) (tuple.Tuple, error) {
	obj, err := tuple.ParseObject(wt.Object)
	if err != nil {
		return tuple.Tuple{}, httperr.BadRequest("invalid_reference", fmt.Sprintf("invalid object %q", wt.Object))
	}
	if wt.Relation == "" {
		return tuple.Tuple{}, httperr.BadRequest("invalid_reference", "relation is required")
	}
	user, err := tuple.ParseUser(wt.User)
	if err != nil {
		return tuple.Tuple{}, httperr.BadRequest("invalid_reference", fmt.Sprintf("invalid user %q", wt.User))
	}
	t := tuple.Tuple{Object: obj, Relation: wt.Relation, User: user}
	if wt.Condition != nil {
		t.Condition = wt.Condition.Name
		t.ConditionContext = wt.Condition.Context
	}
	return t, nil
}

func parseTuples(in []wireTuple) ([]tuple.Tuple, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]tuple.Tuple, 0, len(in))
	for _, wt := range in {
		t, err := parseTuple(wt)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func parsePreconditions(in []wirePrecondition) ([]storage.Precondition, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]storage.Precondition, 0, len(in))
	for _, wp := range in {
		t, err := parseTuple(wp.Tuple)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.Precondition{Tuple: t, MustExist: wp.MustExist})
	}
	return out, nil
}
