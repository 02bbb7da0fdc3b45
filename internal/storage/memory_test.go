package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/trellis-authz/trellis/internal/tuple"
)

func mustTuple(t *testing.T, object, relation, user string) tuple.Tuple {
	t.Helper()
	o, err := tuple.ParseObject(object)
	if err != nil {
		t.Fatal(err)
	}
	u, err := tuple.ParseUser(user)
	if err != nil {
		t.Fatal(err)
	}
	return tuple.Tuple{Object: o, Relation: relation, User: u}
}

func TestMemoryStoreWriteRead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	owner := mustTuple(t, "document:readme", "owner", "user:anne")
	rev, err := s.Write(ctx, []tuple.Tuple{owner}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rev != 1 {
		t.Fatalf("rev=%d", rev)
	}

	got, err := ReadAll(ctx, s, tuple.Filter{ObjectType: "document", ObjectID: "readme"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].String() != "document:readme#owner@user:anne" {
		t.Fatalf("got=%v", got)
	}
}

func TestMemoryStoreDeleteIsTombstone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	owner := mustTuple(t, "document:readme", "owner", "user:anne")

	if _, err := s.Write(ctx, []tuple.Tuple{owner}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(ctx, nil, []tuple.Tuple{owner}, nil); err != nil {
		t.Fatal(err)
	}

	live, err := ReadAll(ctx, s, tuple.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 0 {
		t.Fatalf("expected no live tuples, got %v", live)
	}

	history, err := s.History(ctx, tuple.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].TombstonedAt.IsZero() {
		t.Fatalf("expected one tombstoned record, got %+v", history)
	}
}

func TestMemoryStorePreconditions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	owner := mustTuple(t, "document:readme", "owner", "user:anne")
	second := mustTuple(t, "document:readme", "owner", "user:bob")

	// Write iff no owner exists yet: first transfer wins.
	if _, err := s.Write(ctx, []tuple.Tuple{owner}, nil, []Precondition{{Tuple: owner, MustExist: false}}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Write(ctx, []tuple.Tuple{second}, nil, []Precondition{{Tuple: owner, MustExist: false}})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("got=%v", err)
	}

	// Nothing from the failed batch may be visible.
	got, err := ReadAll(ctx, s, tuple.Filter{Relation: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got=%v", got)
	}
}

func TestMemoryStoreIdempotentRewrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	owner := mustTuple(t, "document:readme", "owner", "user:anne")

	if _, err := s.Write(ctx, []tuple.Tuple{owner}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(ctx, []tuple.Tuple{owner}, nil, nil); err != nil {
		t.Fatal(err)
	}
	history, err := s.History(ctx, tuple.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("duplicate write must be a no-op, history=%v", history)
	}
}

func TestMemoryStoreWaitRevision(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	err := s.WaitRevision(ctx, 1, 20*time.Millisecond)
	if !errors.Is(err, ErrConsistencyTimeout) {
		t.Fatalf("got=%v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		_, _ = s.Write(ctx, []tuple.Tuple{mustTuple(t, "document:readme", "owner", "user:anne")}, nil, nil)
	}()
	if err := s.WaitRevision(ctx, 1, time.Second); err != nil {
		t.Fatal(err)
	}
	wg.Wait()
}

func TestMemoryStoreCompact(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	owner := mustTuple(t, "document:readme", "owner", "user:anne")
	viewer := mustTuple(t, "document:readme", "viewer", "user:bob")

	if _, err := s.Write(ctx, []tuple.Tuple{owner, viewer}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(ctx, nil, []tuple.Tuple{owner}, nil); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Compact(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("removed=%d", removed)
	}
	history, err := s.History(ctx, tuple.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Relation != "viewer" {
		t.Fatalf("history=%v", history)
	}
}

func TestMemoryStoreConcurrentDisjointShards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	docs := []string{"document:a", "document:b", "document:c", "document:d"}
	tuples := make([]tuple.Tuple, 8)
	for i := range tuples {
		tuples[i] = mustTuple(t, docs[i%len(docs)], "viewer", "user:anne")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(tp tuple.Tuple) {
			defer wg.Done()
			if _, err := s.Write(ctx, []tuple.Tuple{tp}, nil, nil); err != nil {
				t.Error(err)
			}
		}(tuples[i])
	}
	wg.Wait()

	rev, err := s.Revision(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rev != 8 {
		t.Fatalf("rev=%d", rev)
	}
}
