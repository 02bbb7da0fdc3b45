package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/trellis-authz/trellis/internal/routing"
	"github.com/trellis-authz/trellis/internal/storage"
	"github.com/trellis-authz/trellis/pkg/httperr"
)

type createStorePayload struct {
	Name string `json:"name"`
}

type storeResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleCreateStore(w http.ResponseWriter, r *http.Request) {
	const rc = routing.RouteClassAdminAPI

	var payload createStorePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.respondError(w, r, rc, httperr.BadRequest("invalid_json", "invalid json body"))
		return
	}
	name := strings.TrimSpace(payload.Name)
	if name == "" {
		s.respondError(w, r, rc, httperr.BadRequest("invalid_store_name", "name is required"))
		return
	}

	id := storage.NewStoreID()
	tuples, err := s.newTupleStore(id)
	if err != nil {
		s.respondError(w, r, rc, err)
		return
	}
	st := storage.NewStore(id, name, tuples)
	s.registry.Add(st)

	s.logger.Info("store created", "store", st.ID, "name", st.Name)
	routing.WriteJSON(w, http.StatusCreated, storeResponse{
		ID:        st.ID,
		Name:      st.Name,
		CreatedAt: st.CreatedAt,
	})
}

// storeFromRequest resolves the {store_id} path parameter.
func (s *Server) storeFromRequest(r *http.Request) (*storage.Store, error) {
	return s.registry.Get(routing.Param(r, "store_id"))
}
