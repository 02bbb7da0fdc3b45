package server

import (
	"encoding/json"
	"net/http"

	"github.com/trellis-authz/trellis/internal/routing"
	"github.com/trellis-authz/trellis/pkg/httperr"
)

type publishModelPayload struct {
	// Source is the model DSL document, verbatim.
	Source string `json:"source"`
}

type publishModelResponse struct {
	AuthorizationModelID string `json:"authorization_model_id"`
}

type compileErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type compileErrorResponse struct {
	Code   string             `json:"code"`
	Errors []compileErrorItem `json:"errors"`
}

func (s *Server) handlePublishModel(w http.ResponseWriter, r *http.Request) {
	const rc = routing.RouteClassAdminAPI

	st, err := s.storeFromRequest(r)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}

	var payload publishModelPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, r, rc, httperr.BadRequest("invalid_json", "invalid json body"))
		return
	}
	if payload.Source == "" {
		s.respondError(w, r, rc, httperr.BadRequest("invalid_model", "source is required"))
		return
	}

	m, compileErrs := st.PublishModel([]byte(payload.Source))
	if len(compileErrs) > 0 {
		items := make([]compileErrorItem, 0, len(compileErrs))
		for _, ce := range compileErrs {
			items = append(items, compileErrorItem{Path: ce.Path, Message: ce.Message})
		}
		routing.WriteJSON(w, http.StatusBadRequest, compileErrorResponse{
			Code:   "invalid_model",
			Errors: items,
		})
		return
	}

	s.logger.Info("model published", "store", st.ID, "model", m.ID)
	routing.WriteJSON(w, http.StatusCreated, publishModelResponse{AuthorizationModelID: m.ID})
}
