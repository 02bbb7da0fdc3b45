package routing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRouterDispatchesPatternsAndParams(t *testing.T) {
	t.Parallel()

	r := NewRouter(DefaultClassifier())
	r.HandleFunc(RouteClassPublicAPI, http.MethodPost, "/v1/stores/{store_id}/check", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(Param(req, "store_id")))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/stores/s1/check", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "s1" {
		t.Fatalf("code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestRouterNotFound(t *testing.T) {
	t.Parallel()

	r := NewRouter(DefaultClassifier())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code=%d", rec.Code)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Code != "not_found" {
		t.Fatalf("envelope=%+v", env)
	}
}

func TestRouterMethodNotAllowed(t *testing.T) {
	t.Parallel()

	r := NewRouter(DefaultClassifier())
	r.HandleFunc(RouteClassAdminAPI, http.MethodPost, "/v1/stores", func(w http.ResponseWriter, req *http.Request) {})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stores", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestRouterRecoversPanics(t *testing.T) {
	t.Parallel()

	r := NewRouter(DefaultClassifier())
	r.HandleFunc(RouteClassPublicAPI, http.MethodGet, "/boom", func(w http.ResponseWriter, req *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("code=%d", rec.Code)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Code != "internal_error" {
		t.Fatalf("envelope=%+v", env)
	}
}

func TestRouterMultipleMethodsOnePattern(t *testing.T) {
	t.Parallel()

	r := NewRouter(DefaultClassifier())
	r.HandleFunc(RouteClassPublicAPI, http.MethodGet, "/v1/stores/{store_id}/thing", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("get"))
	})
	r.HandleFunc(RouteClassAdminAPI, http.MethodPost, "/v1/stores/{store_id}/thing", func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("post"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/stores/s1/thing", nil))
	if rec.Body.String() != "post" {
		t.Fatalf("body=%q", rec.Body.String())
	}
}
