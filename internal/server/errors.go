package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/trellis-authz/trellis/internal/check"
	"github.com/trellis-authz/trellis/internal/routing"
	"github.com/trellis-authz/trellis/internal/storage"
	"github.com/trellis-authz/trellis/pkg/httperr"
)

// toHTTPErr maps domain sentinels to wire errors. Anything unmapped
// resolves to 500 without leaking its message.
func toHTTPErr(err error) error {
	if _, ok := errors.AsType[*httperr.Error](err); ok {
		return err
	}
	switch {
	case errors.Is(err, storage.ErrUnknownStore):
		return httperr.NotFound("store_not_found", err.Error())
	case errors.Is(err, storage.ErrUnknownModel):
		return httperr.NotFound("model_not_found", err.Error())
	case errors.Is(err, storage.ErrNoActiveModel):
		return httperr.BadRequest("no_active_model", err.Error())
	case errors.Is(err, storage.ErrUnknownType):
		return httperr.BadRequest("unknown_type", err.Error())
	case errors.Is(err, storage.ErrUnknownRelation):
		return httperr.BadRequest("unknown_relation", err.Error())
	case errors.Is(err, storage.ErrUnknownCondition):
		return httperr.BadRequest("unknown_condition", err.Error())
	case errors.Is(err, storage.ErrNotPermitted):
		return httperr.BadRequest("type_restriction_violation", err.Error())
	case errors.Is(err, storage.ErrPreconditionFailed):
		return httperr.PreconditionFailed("precondition_failed", err.Error())
	case errors.Is(err, storage.ErrInvalidToken):
		return httperr.BadRequest("invalid_consistency_token", err.Error())
	case errors.Is(err, storage.ErrConsistencyTimeout):
		return httperr.Unavailable("consistency_timeout", err.Error())
	case errors.Is(err, check.ErrRelationNotFound):
		return httperr.BadRequest("relation_not_found", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return httperr.New(http.StatusRequestTimeout, "request_cancelled", "request cancelled")
	default:
		return err
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, rc routing.RouteClass, err error) {
	mapped := toHTTPErr(err)
	status, code, message := httperr.Resolve(mapped)
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
	}
	routing.WriteError(w, r, rc, status, code, message)
}
