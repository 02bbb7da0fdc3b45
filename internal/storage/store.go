package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trellis-authz/trellis/internal/model"
	"github.com/trellis-authz/trellis/internal/tuple"
	"github.com/trellis-authz/trellis/pkg/uuidv7"
)

// Store is the tenant-scoping container: one active authorization model
// pointer, every published model version, and the tuple history. Model
// publication is an atomic pointer swap; checks pinned to an older
// version keep resolving against it.
type Store struct {
	ID        string
	Name      string
	CreatedAt time.Time

	tuples TupleStore

	modelsMu sync.RWMutex
	models   map[string]*model.AuthorizationModel
	active   atomic.Pointer[model.AuthorizationModel]
}

// NewStoreID mints a time-ordered store identifier.
func NewStoreID() string {
	return uuidv7.MustString()
}

func NewStore(id string, name string, tuples TupleStore) *Store {
	return &Store{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now(),
		tuples:    tuples,
		models:    make(map[string]*model.AuthorizationModel),
	}
}

// PublishModel compiles source, records the version and activates it.
// A model that fails compilation is never published.
func (s *Store) PublishModel(source []byte) (*model.AuthorizationModel, []model.CompileError) {
	m, errs := model.Compile(source)
	if len(errs) > 0 {
		return nil, errs
	}
	s.modelsMu.Lock()
	s.models[m.ID] = m
	s.modelsMu.Unlock()
	s.active.Store(m)
	return m, nil
}

// Model resolves a pinned model version; the empty version means the
// active model.
func (s *Store) Model(version string) (*model.AuthorizationModel, error) {
	if version == "" {
		return s.ActiveModel()
	}
	s.modelsMu.RLock()
	defer s.modelsMu.RUnlock()
	m, ok := s.models[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, version)
	}
	return m, nil
}

func (s *Store) ActiveModel() (*model.AuthorizationModel, error) {
	m := s.active.Load()
	if m == nil {
		return nil, ErrNoActiveModel
	}
	return m, nil
}

// Tuples exposes the raw tuple store, for read paths.
func (s *Store) Tuples() TupleStore {
	return s.tuples
}

// Write validates every written tuple against the active model's type
// restrictions, then applies the batch atomically and returns a
// freshness token. Deletes are not re-validated so that tuples written
// under earlier model versions stay deletable.
func (s *Store) Write(ctx context.Context, writes, deletes []tuple.Tuple, preconditions []Precondition) (Token, error) {
	m, err := s.ActiveModel()
	if err != nil {
		return "", err
	}
	for _, t := range writes {
		if err := validateTuple(m, t); err != nil {
			return "", err
		}
	}
	rev, err := s.tuples.Write(ctx, writes, deletes, preconditions)
	if err != nil {
		return "", err
	}
	return NewToken(s.ID, rev), nil
}

func validateTuple(m *model.AuthorizationModel, t tuple.Tuple) error {
	if !m.HasType(t.Object.Type) {
		return fmt.Errorf("%w: object type %q", ErrUnknownType, t.Object.Type)
	}
	if !m.HasType(t.User.Object.Type) {
		return fmt.Errorf("%w: user type %q", ErrUnknownType, t.User.Object.Type)
	}
	if _, ok := m.GetRelation(t.Object.Type, t.Relation); !ok {
		return fmt.Errorf("%w: %q on type %q", ErrUnknownRelation, t.Relation, t.Object.Type)
	}
	if t.User.IsUserset() {
		if _, ok := m.GetRelation(t.User.Object.Type, t.User.Relation); !ok {
			return fmt.Errorf("%w: %q on type %q", ErrUnknownRelation, t.User.Relation, t.User.Object.Type)
		}
	}
	if !m.PermitsDirect(t.Object.Type, t.Relation, t.User) {
		return fmt.Errorf("%w: %s", ErrNotPermitted, t.String())
	}
	if t.Condition != "" {
		if _, ok := m.Conditions[t.Condition]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownCondition, t.Condition)
		}
	}
	return nil
}

// Token returns a freshness token for the store's current revision.
func (s *Store) Token(ctx context.Context) (Token, error) {
	rev, err := s.tuples.Revision(ctx)
	if err != nil {
		return "", err
	}
	return NewToken(s.ID, rev), nil
}

// WaitToken blocks until the store is at least as fresh as the token.
func (s *Store) WaitToken(ctx context.Context, t Token, timeout time.Duration) error {
	rev, err := ParseToken(t, s.ID)
	if err != nil {
		return err
	}
	return s.tuples.WaitRevision(ctx, rev, timeout)
}

// Registry holds all stores in the process.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]*Store
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Store)}
}

func (r *Registry) Add(s *Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[s.ID] = s
}

func (r *Registry) Get(id string) (*Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, id)
	}
	return s, nil
}
