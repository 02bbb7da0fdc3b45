package httperr

import (
	"fmt"
	"net/http"
	"testing"
)

func TestResolve(t *testing.T) {
	status, code, msg := Resolve(BadRequest("invalid_tuple", "bad tuple"))
	if status != http.StatusBadRequest || code != "invalid_tuple" || msg != "bad tuple" {
		t.Fatalf("got %d %q %q", status, code, msg)
	}

	// Wrapped errors still resolve.
	wrapped := fmt.Errorf("write: %w", PreconditionFailed("precondition_failed", "stale"))
	status, code, _ = Resolve(wrapped)
	if status != http.StatusPreconditionFailed || code != "precondition_failed" {
		t.Fatalf("got %d %q", status, code)
	}
}

func TestResolveHidesInternalMessages(t *testing.T) {
	status, code, msg := Resolve(assertErr("pgx: connection refused"))
	if status != http.StatusInternalServerError || code != "internal_error" {
		t.Fatalf("got %d %q", status, code)
	}
	if msg == "pgx: connection refused" {
		t.Fatal("internal message must not leak")
	}
}

func TestIsClient(t *testing.T) {
	if !IsClient(NotFound("store_not_found", "no such store")) {
		t.Fatal("404 is a client error")
	}
	if IsClient(assertErr("boom")) {
		t.Fatal("unknown errors are not client errors")
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
