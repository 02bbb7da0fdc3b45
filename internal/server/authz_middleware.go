package server

import (
	"net/http"
	"strings"

	"github.com/trellis-authz/trellis/internal/routing"
	"github.com/trellis-authz/trellis/pkg/authz"
)

type authorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}

// roleHeader names the caller role asserted by the fronting gateway.
// Identity itself is the identity provider's problem; this service only
// consumes the resulting role.
const roleHeader = "X-Authz-Role"

// withAuthz gates admin mutations through the casbin authorizer. The
// query surface and ops endpoints pass through.
func withAuthz(classifier *routing.Classifier, a authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := classifier.Classify(r.URL.Path)

		object, action, domain, shouldCheck := authzRequirementForRoute(r.Method, r.URL.Path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}

		subject := authz.SubjectFromRole(r.Header.Get(roleHeader))
		allowed, enforced, err := a.Authorize(subject, domain, object, action)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if enforced && !allowed {
			routing.WriteError(w, r, rc, http.StatusForbidden, "forbidden", "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func authzRequirementForRoute(method string, path string) (object string, action string, domain string, ok bool) {
	if method != http.MethodPost {
		return "", "", "", false
	}
	if path == "/v1/stores" {
		return authz.ObjectStores, authz.ActionAdmin, authz.DomainGlobal, true
	}
	storeID, tail, found := splitStoreRoute(path)
	if !found {
		return "", "", "", false
	}
	switch tail {
	case "authorization-models":
		return authz.ObjectModels, authz.ActionAdmin, authz.DomainFromStoreID(storeID), true
	case "write":
		return authz.ObjectTuples, authz.ActionAdmin, authz.DomainFromStoreID(storeID), true
	default:
		return "", "", "", false
	}
}

// splitStoreRoute decomposes /v1/stores/{id}/{tail}.
func splitStoreRoute(path string) (storeID string, tail string, ok bool) {
	rest, found := strings.CutPrefix(path, "/v1/stores/")
	if !found {
		return "", "", false
	}
	storeID, tail, found = strings.Cut(rest, "/")
	if !found || storeID == "" || tail == "" || strings.Contains(tail, "/") {
		return "", "", false
	}
	return storeID, tail, true
}
