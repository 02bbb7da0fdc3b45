// Package storage defines the tuple store contract and the store
// container that pins tuples to authorization model versions.
//
// Tuples are the only mutable state in the engine. They are appended and
// tombstoned, never edited in place; physical removal happens only in an
// explicit compaction pass.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/trellis-authz/trellis/internal/tuple"
)

var (
	// ErrIteratorDone is returned by Iterator.Next when exhausted.
	ErrIteratorDone = errors.New("storage: iterator done")
	// ErrPreconditionFailed rejects a whole write batch when one of its
	// existence preconditions does not hold.
	ErrPreconditionFailed = errors.New("storage: precondition failed")
	// ErrUnknownType rejects a tuple naming a type the active model does
	// not declare.
	ErrUnknownType = errors.New("storage: unknown type")
	// ErrUnknownRelation rejects a tuple naming a relation the active
	// model does not declare on the object's type.
	ErrUnknownRelation = errors.New("storage: unknown relation")
	// ErrUnknownCondition rejects a tuple naming an undeclared condition.
	ErrUnknownCondition = errors.New("storage: unknown condition")
	// ErrNotPermitted rejects a tuple whose subject shape violates the
	// relation's type restrictions.
	ErrNotPermitted = errors.New("storage: subject not permitted by type restrictions")
	// ErrConsistencyTimeout is returned by higher-consistency reads that
	// could not observe the requested revision in time.
	ErrConsistencyTimeout = errors.New("storage: consistency timeout")
	// ErrUnknownModel is returned for an unpublished model version.
	ErrUnknownModel = errors.New("storage: unknown model version")
	// ErrNoActiveModel is returned when a store has no published model.
	ErrNoActiveModel = errors.New("storage: no active model")
	// ErrUnknownStore is returned by the registry for missing stores.
	ErrUnknownStore = errors.New("storage: unknown store")
	// ErrInvalidToken rejects malformed tokens and tokens minted by a
	// different store.
	ErrInvalidToken = errors.New("storage: invalid consistency token")
)

// Iterator yields tuples one at a time; Next returns ErrIteratorDone
// when exhausted. Stop releases backing resources and is idempotent.
type Iterator interface {
	Next(ctx context.Context) (tuple.Tuple, error)
	Stop()
}

// Reader is the read side of a tuple store. Check and expansion only
// ever see this interface, which is how contextual tuples are layered in.
type Reader interface {
	Read(ctx context.Context, f tuple.Filter) (Iterator, error)
}

// Precondition gates a write batch on the existence or absence of a
// tuple, for optimistic sharing/transfer flows.
type Precondition struct {
	Tuple     tuple.Tuple
	MustExist bool
}

// Record is a stored tuple plus its audit timestamps. A zero
// TombstonedAt means the tuple is live.
type Record struct {
	tuple.Tuple
	CreatedAt    time.Time
	TombstonedAt time.Time
}

// TupleStore is the durable, versioned tuple storage contract. Write is
// atomic per batch and serialized per (object type, object id, relation)
// shard. The returned revision increases monotonically with every
// applied batch.
type TupleStore interface {
	Reader
	Write(ctx context.Context, writes, deletes []tuple.Tuple, preconditions []Precondition) (uint64, error)
	Revision(ctx context.Context) (uint64, error)
	// WaitRevision blocks until the store has applied at least rev, the
	// context is done, or timeout elapses (ErrConsistencyTimeout).
	WaitRevision(ctx context.Context, rev uint64, timeout time.Duration) error
	// History returns live and tombstoned records matching the filter,
	// for audit.
	History(ctx context.Context, f tuple.Filter) ([]Record, error)
	// Compact physically removes records tombstoned before horizon and
	// returns the number removed.
	Compact(ctx context.Context, horizon time.Time) (int, error)
}

// Token is an opaque freshness marker: "<revision>@<store id>".
type Token string

// NewToken builds a token for a store revision.
func NewToken(storeID string, rev uint64) Token {
	return Token(strconv.FormatUint(rev, 10) + "@" + storeID)
}

// ParseToken extracts the revision from a token minted for storeID.
func ParseToken(t Token, storeID string) (uint64, error) {
	revPart, idPart, ok := strings.Cut(string(t), "@")
	if !ok || idPart != storeID {
		return 0, fmt.Errorf("%w: %q does not belong to store %s", ErrInvalidToken, t, storeID)
	}
	rev, err := strconv.ParseUint(revPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidToken, t)
	}
	return rev, nil
}

type sliceIterator struct {
	tuples []tuple.Tuple
	pos    int
}

// NewSliceIterator returns an iterator over a fixed tuple slice.
func NewSliceIterator(tuples []tuple.Tuple) Iterator {
	return &sliceIterator{tuples: tuples}
}

func (it *sliceIterator) Next(ctx context.Context) (tuple.Tuple, error) {
	if err := ctx.Err(); err != nil {
		return tuple.Tuple{}, err
	}
	if it.pos >= len(it.tuples) {
		return tuple.Tuple{}, ErrIteratorDone
	}
	t := it.tuples[it.pos]
	it.pos++
	return t, nil
}

func (it *sliceIterator) Stop() {}

// ReadAll drains a reader into a slice.
func ReadAll(ctx context.Context, r Reader, f tuple.Filter) ([]tuple.Tuple, error) {
	it, err := r.Read(ctx, f)
	if err != nil {
		return nil, err
	}
	defer it.Stop()
	var out []tuple.Tuple
	for {
		t, err := it.Next(ctx)
		if errors.Is(err, ErrIteratorDone) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
}

type overlayReader struct {
	base   Reader
	extras []tuple.Tuple
}

// Overlay returns a reader whose results are the union of base and the
// request-scoped contextual tuples. Contextual tuples are yielded first
// and never persisted; a contextual duplicate of a stored tuple is
// harmless because evaluation is set-based.
func Overlay(base Reader, contextual []tuple.Tuple) Reader {
	if len(contextual) == 0 {
		return base
	}
	return &overlayReader{base: base, extras: contextual}
}

func (r *overlayReader) Read(ctx context.Context, f tuple.Filter) (Iterator, error) {
	var matched []tuple.Tuple
	for _, t := range r.extras {
		if f.Matches(t) {
			matched = append(matched, t)
		}
	}
	baseIt, err := r.base.Read(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return baseIt, nil
	}
	return &concatIterator{first: NewSliceIterator(matched), second: baseIt}, nil
}

type concatIterator struct {
	first   Iterator
	second  Iterator
	onFirst bool
	started bool
}

func (it *concatIterator) Next(ctx context.Context) (tuple.Tuple, error) {
	if !it.started {
		it.started = true
		it.onFirst = true
	}
	if it.onFirst {
		t, err := it.first.Next(ctx)
		if !errors.Is(err, ErrIteratorDone) {
			return t, err
		}
		it.onFirst = false
	}
	return it.second.Next(ctx)
}

func (it *concatIterator) Stop() {
	it.first.Stop()
	it.second.Stop()
}
