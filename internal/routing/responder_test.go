package routing

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteErrorEnvelope(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/stores/s1/check", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	WriteError(rec, req, RouteClassPublicAPI, http.StatusBadRequest, "invalid_tuple", "bad tuple")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code=%d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("content-type=%q", ct)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Code != "invalid_tuple" || env.Message != "bad tuple" {
		t.Fatalf("envelope=%+v", env)
	}
	if env.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("trace_id=%q", env.TraceID)
	}
	if env.Meta.Path != "/v1/stores/s1/check" || env.Meta.Method != http.MethodPost || env.Meta.RouteClass != RouteClassPublicAPI {
		t.Fatalf("meta=%+v", env.Meta)
	}
}

func TestTraceIDFromRequestRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"00-short-00f067aa0ba902b7-01",
		"00-00000000000000000000000000000000-00f067aa0ba902b7-01",
		"00-4bf92f3577b34da6a3ce929d0e0e473Z-00f067aa0ba902b7-01",
		"not-a-traceparent",
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc != "" {
			req.Header.Set("traceparent", tc)
		}
		if got := traceIDFromRequest(req); got != "" {
			t.Fatalf("%q: got=%q", tc, got)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"id": "s1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("code=%d", rec.Code)
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["id"] != "s1" {
		t.Fatalf("got=%v", got)
	}
}
