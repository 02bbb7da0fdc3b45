package server

import (
	"encoding/json"
	"net/http"

	"github.com/trellis-authz/trellis/internal/routing"
	"github.com/trellis-authz/trellis/pkg/httperr"
)

type writePayload struct {
	Writes        []wireTuple        `json:"writes,omitempty"`
	Deletes       []wireTuple        `json:"deletes,omitempty"`
	Preconditions []wirePrecondition `json:"preconditions,omitempty"`
}

type writeResponse struct {
	ConsistencyToken string `json:"consistency_token"`
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	const rc = routing.RouteClassAdminAPI

	st, err := s.storeFromRequest(r)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}

	var payload writePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, r, rc, httperr.BadRequest("invalid_json", "invalid json body"))
		return
	}
	if len(payload.Writes) == 0 && len(payload.Deletes) == 0 {
		s.respondError(w, r, rc, httperr.BadRequest("empty_write", "writes or deletes required"))
		return
	}

	writes, err := parseTuples(payload.Writes)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	deletes, err := parseTuples(payload.Deletes)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	preconditions, err := parsePreconditions(payload.Preconditions)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}

	token, err := st.Write(r.Context(), writes, deletes, preconditions)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	routing.WriteJSON(w, http.StatusOK, writeResponse{ConsistencyToken: string(token)})
}
