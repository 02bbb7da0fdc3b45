package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/trellis-authz/trellis/internal/check"
	"github.com/trellis-authz/trellis/internal/expand"
	"github.com/trellis-authz/trellis/internal/model"
	"github.com/trellis-authz/trellis/internal/routing"
	"github.com/trellis-authz/trellis/internal/storage"
	"github.com/trellis-authz/trellis/internal/tuple"
	"github.com/trellis-authz/trellis/pkg/httperr"
)

const (
	consistencyMinimizeLatency = "minimize_latency"
	consistencyHigher          = "higher_consistency"
)

// applyConsistency blocks until the store reaches the token's revision
// when higher_consistency is requested; minimize_latency reads current
// state immediately.
func (s *Server) applyConsistency(ctx context.Context, st *storage.Store, c *wireConsistency) error {
	if c == nil || c.Mode == "" || c.Mode == consistencyMinimizeLatency {
		return nil
	}
	if c.Mode != consistencyHigher {
		return httperr.BadRequest("invalid_consistency_mode", "mode must be minimize_latency or higher_consistency")
	}
	if c.Token == "" {
		return httperr.BadRequest("invalid_consistency_token", "higher_consistency requires a token")
	}
	return st.WaitToken(ctx, storage.Token(c.Token), s.consistencyTimeout)
}

// pinnedModel resolves the requested model version, empty meaning the
// active one.
func pinnedModel(st *storage.Store, version string) (*model.AuthorizationModel, error) {
	return st.Model(version)
}

type checkPayload struct {
	User                 string           `json:"user"`
	Relation             string           `json:"relation"`
	Object               string           `json:"object"`
	Context              map[string]any   `json:"context,omitempty"`
	ContextualTuples     []wireTuple      `json:"contextual_tuples,omitempty"`
	AuthorizationModelID string           `json:"authorization_model_id,omitempty"`
	Consistency          *wireConsistency `json:"consistency,omitempty"`
}

type checkResponse struct {
	Allowed          bool   `json:"allowed"`
	ConsistencyToken string `json:"consistency_token"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	const rc = routing.RouteClassPublicAPI

	st, err := s.storeFromRequest(r)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	var payload checkPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, r, rc, httperr.BadRequest("invalid_json", "invalid json body"))
		return
	}

	user, err := tuple.ParseUser(payload.User)
	if err != nil {
		s.respondError(w, r, rc, httperr.BadRequest("invalid_reference", "invalid user"))
		return
	}
	object, err := tuple.ParseObject(payload.Object)
	if err != nil {
		s.respondError(w, r, rc, httperr.BadRequest("invalid_reference", "invalid object"))
		return
	}
	contextual, err := parseTuples(payload.ContextualTuples)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	m, err := pinnedModel(st, payload.AuthorizationModelID)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	if err := s.applyConsistency(r.Context(), st, payload.Consistency); err != nil {
		s.respondError(w, r, rc, err)
		return
	}

	allowed, err := s.checker.Check(r.Context(), check.Request{
		Model:            m,
		Tuples:           st.Tuples(),
		User:             user,
		Relation:         payload.Relation,
		Object:           object,
		Context:          payload.Context,
		ContextualTuples: contextual,
	})
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	token, err := st.Token(r.Context())
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, checkResponse{
		Allowed:          allowed,
		ConsistencyToken: string(token),
	})
}

type expandPayload struct {
	Relation             string           `json:"relation"`
	Object               string           `json:"object"`
	AuthorizationModelID string           `json:"authorization_model_id,omitempty"`
	Consistency          *wireConsistency `json:"consistency,omitempty"`
}

type expandResponse struct {
	Tree             *wireNode `json:"tree"`
	ConsistencyToken string    `json:"consistency_token"`
}

// wireNode mirrors expand.Node with subjects flattened to strings.
type wireNode struct {
	Kind     string      `json:"kind"`
	Object   string      `json:"object"`
	Relation string      `json:"relation"`
	Subjects []string    `json:"subjects,omitempty"`
	Computed string      `json:"computed,omitempty"`
	Usersets []string    `json:"usersets,omitempty"`
	Children []*wireNode `json:"children,omitempty"`
	Base     *wireNode   `json:"base,omitempty"`
	Subtract *wireNode   `json:"subtract,omitempty"`
}

func toWireNode(n *expand.Node) *wireNode {
	if n == nil {
		return nil
	}
	out := &wireNode{
		Kind:     n.Kind.String(),
		Object:   n.Object.String(),
		Relation: n.Relation,
		Computed: n.Computed,
		Base:     toWireNode(n.Base),
		Subtract: toWireNode(n.Subtract),
	}
	for _, u := range n.Subjects {
		out.Subjects = append(out.Subjects, u.String())
	}
	for _, u := range n.Usersets {
		out.Usersets = append(out.Usersets, u.String())
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, toWireNode(c))
	}
	return out
}

func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	const rc = routing.RouteClassPublicAPI

	st, err := s.storeFromRequest(r)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	var payload expandPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, r, rc, httperr.BadRequest("invalid_json", "invalid json body"))
		return
	}
	object, err := tuple.ParseObject(payload.Object)
	if err != nil {
		s.respondError(w, r, rc, httperr.BadRequest("invalid_reference", "invalid object"))
		return
	}
	m, err := pinnedModel(st, payload.AuthorizationModelID)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	if err := s.applyConsistency(r.Context(), st, payload.Consistency); err != nil {
		s.respondError(w, r, rc, err)
		return
	}

	tree, err := s.expander.Expand(r.Context(), expand.ExpandRequest{
		Model:    m,
		Tuples:   st.Tuples(),
		Relation: payload.Relation,
		Object:   object,
	})
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	token, err := st.Token(r.Context())
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, expandResponse{
		Tree:             toWireNode(tree),
		ConsistencyToken: string(token),
	})
}

type listObjectsPayload struct {
	User                 string           `json:"user"`
	Relation             string           `json:"relation"`
	Type                 string           `json:"type"`
	Context              map[string]any   `json:"context,omitempty"`
	ContextualTuples     []wireTuple      `json:"contextual_tuples,omitempty"`
	AuthorizationModelID string           `json:"authorization_model_id,omitempty"`
	Consistency          *wireConsistency `json:"consistency,omitempty"`
}

type listObjectsResponse struct {
	ObjectIDs        []string `json:"object_ids"`
	ConsistencyToken string   `json:"consistency_token"`
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	const rc = routing.RouteClassPublicAPI

	st, err := s.storeFromRequest(r)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	var payload listObjectsPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, r, rc, httperr.BadRequest("invalid_json", "invalid json body"))
		return
	}
	user, err := tuple.ParseUser(payload.User)
	if err != nil {
		s.respondError(w, r, rc, httperr.BadRequest("invalid_reference", "invalid user"))
		return
	}
	contextual, err := parseTuples(payload.ContextualTuples)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	m, err := pinnedModel(st, payload.AuthorizationModelID)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	if err := s.applyConsistency(r.Context(), st, payload.Consistency); err != nil {
		s.respondError(w, r, rc, err)
		return
	}

	ids, err := s.expander.ListObjects(r.Context(), expand.ListObjectsRequest{
		Model:            m,
		Tuples:           st.Tuples(),
		User:             user,
		Relation:         payload.Relation,
		ObjectType:       payload.Type,
		Context:          payload.Context,
		ContextualTuples: contextual,
	})
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	token, err := st.Token(r.Context())
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	routing.WriteJSON(w, http.StatusOK, listObjectsResponse{
		ObjectIDs:        ids,
		ConsistencyToken: string(token),
	})
}

type listUsersPayload struct {
	Object               string           `json:"object"`
	Relation             string           `json:"relation"`
	Context              map[string]any   `json:"context,omitempty"`
	AuthorizationModelID string           `json:"authorization_model_id,omitempty"`
	Consistency          *wireConsistency `json:"consistency,omitempty"`
}

type listUsersResponse struct {
	Users            []string `json:"users"`
	ConsistencyToken string   `json:"consistency_token"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	const rc = routing.RouteClassPublicAPI

	st, err := s.storeFromRequest(r)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	var payload listUsersPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, r, rc, httperr.BadRequest("invalid_json", "invalid json body"))
		return
	}
	object, err := tuple.ParseObject(payload.Object)
	if err != nil {
		s.respondError(w, r, rc, httperr.BadRequest("invalid_reference", "invalid object"))
		return
	}
	m, err := pinnedModel(st, payload.AuthorizationModelID)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	if err := s.applyConsistency(r.Context(), st, payload.Consistency); err != nil {
		s.respondError(w, r, rc, err)
		return
	}

	users, err := s.expander.ListUsers(r.Context(), expand.ListUsersRequest{
		Model:    m,
		Tuples:   st.Tuples(),
		Object:   object,
		Relation: payload.Relation,
		Context:  payload.Context,
	})
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	token, err := st.Token(r.Context())
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.String())
	}
	routing.WriteJSON(w, http.StatusOK, listUsersResponse{
		Users:            out,
		ConsistencyToken: string(token),
	})
}
