package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trellis-authz/trellis/internal/tuple"
)

// MemoryStore is the in-memory TupleStore used by tests, development
// and single-process deployments. Reads take a snapshot under RLock;
// write batches lock their shard set in sorted order so that writers on
// the same edge serialize while disjoint shards proceed independently.
type MemoryStore struct {
	shardsMu sync.Mutex
	shards   map[string]*sync.Mutex

	mu       sync.RWMutex
	records  []Record
	revision uint64
	revCh    chan struct{}

	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shards: make(map[string]*sync.Mutex),
		revCh:  make(chan struct{}),
		clock:  time.Now,
	}
}

func (s *MemoryStore) shard(key string) *sync.Mutex {
	s.shardsMu.Lock()
	defer s.shardsMu.Unlock()
	m, ok := s.shards[key]
	if !ok {
		m = &sync.Mutex{}
		s.shards[key] = m
	}
	return m
}

// lockShards acquires every shard touched by the batch in sorted key
// order to avoid deadlock between concurrent batches.
func (s *MemoryStore) lockShards(writes, deletes []tuple.Tuple) func() {
	keys := make(map[string]struct{})
	for _, t := range writes {
		keys[t.ShardKey()] = struct{}{}
	}
	for _, t := range deletes {
		keys[t.ShardKey()] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	locked := make([]*sync.Mutex, 0, len(sorted))
	for _, k := range sorted {
		m := s.shard(k)
		m.Lock()
		locked = append(locked, m)
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}

func sameEdge(a, b tuple.Tuple) bool {
	return a.Object == b.Object && a.Relation == b.Relation && a.User == b.User
}

func (s *MemoryStore) liveIndex(t tuple.Tuple) int {
	for i := range s.records {
		if s.records[i].TombstonedAt.IsZero() && sameEdge(s.records[i].Tuple, t) {
			return i
		}
	}
	return -1
}

func (s *MemoryStore) Write(ctx context.Context, writes, deletes []tuple.Tuple, preconditions []Precondition) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	unlock := s.lockShards(writes, deletes)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pre := range preconditions {
		exists := s.liveIndex(pre.Tuple) >= 0
		if exists != pre.MustExist {
			return 0, ErrPreconditionFailed
		}
	}

	now := s.clock()
	for _, t := range deletes {
		if i := s.liveIndex(t); i >= 0 {
			s.records[i].TombstonedAt = now
		}
	}
	for _, t := range writes {
		if i := s.liveIndex(t); i >= 0 {
			if s.records[i].Condition == t.Condition &&
				len(s.records[i].ConditionContext) == 0 && len(t.ConditionContext) == 0 {
				continue // identical edge, idempotent
			}
			// Re-writing an edge with a different condition supersedes
			// the old record rather than editing it.
			s.records[i].TombstonedAt = now
		}
		s.records = append(s.records, Record{Tuple: t, CreatedAt: now})
	}

	s.revision++
	close(s.revCh)
	s.revCh = make(chan struct{})
	return s.revision, nil
}

func (s *MemoryStore) Read(ctx context.Context, f tuple.Filter) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tuple.Tuple
	for i := range s.records {
		if s.records[i].TombstonedAt.IsZero() && f.Matches(s.records[i].Tuple) {
			out = append(out, s.records[i].Tuple)
		}
	}
	return NewSliceIterator(out), nil
}

func (s *MemoryStore) Revision(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision, nil
}

func (s *MemoryStore) WaitRevision(ctx context.Context, rev uint64, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.RLock()
		current, ch := s.revision, s.revCh
		s.mu.RUnlock()
		if current >= rev {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrConsistencyTimeout
		case <-ch:
		}
	}
}

func (s *MemoryStore) History(ctx context.Context, f tuple.Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for i := range s.records {
		if f.Matches(s.records[i].Tuple) {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) Compact(ctx context.Context, horizon time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	removed := 0
	for i := range s.records {
		r := s.records[i]
		if !r.TombstonedAt.IsZero() && r.TombstonedAt.Before(horizon) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return removed, nil
}

var _ TupleStore = (*MemoryStore)(nil)
