package cache

import (
	"sync"
	"sync/atomic"
)

// MutationKind selects what a Mutation does to a cache entry.
type MutationKind int

const (
	MutationSet MutationKind = iota + 1
	MutationDelete
)

// Mutation is one change to a table cache entry.
type Mutation struct {
	Kind  MutationKind
	Table string
	Key   string
	Row   any
}

// Store holds the client-side table caches and applies message batches
// atomically. Rows are immutable values once stored.
type Store struct {
	registry *Registry

	writeMu sync.Mutex
	state   atomic.Pointer[snapshot]
}

type snapshot struct {
	tables map[string]map[string]any
}

func newSnapshot() *snapshot {
	return &snapshot{tables: map[string]map[string]any{}}
}

// next returns a shallow copy of s. Table maps are shared until touched.
func (s *snapshot) next() *snapshot {
	out := &snapshot{tables: make(map[string]map[string]any, len(s.tables))}
	for name, rows := range s.tables {
		out.tables[name] = rows
	}
	return out
}

func cloneRows(rows map[string]any) map[string]any {
	out := make(map[string]any, len(rows)+1)
	for key, value := range rows {
		out[key] = value
	}
	return out
}

// NewStore creates an empty cache with one table per registered table
// binding. A nil registry accepts any table name.
func NewStore(registry *Registry) *Store {
	store := &Store{registry: registry}
	initial := newSnapshot()
	for _, name := range registry.TableNames() {
		initial.tables[name] = map[string]any{}
	}
	store.state.Store(initial)
	return store
}

func (s *Store) Registry() *Registry {
	return s.registry
}

func (s *Store) checkTable(table string) error {
	if s.registry == nil || s.registry.HasTable(table) {
		return nil
	}
	return &LookupError{Name: table, Err: ErrUnknownTable}
}

// Apply publishes all mutations as a single state update. Mutations are
// applied in order. Deleting an absent key is a no-op.
func (s *Store) Apply(mutations []Mutation) error {
	for _, m := range mutations {
		if err := s.checkTable(m.Table); err != nil {
			return err
		}
	}
	if len(mutations) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.state.Load().next()
	touched := map[string]bool{}
	for _, m := range mutations {
		rows := next.tables[m.Table]
		if !touched[m.Table] {
			rows = cloneRows(rows)
			next.tables[m.Table] = rows
			touched[m.Table] = true
		}
		switch m.Kind {
		case MutationSet:
			rows[m.Key] = m.Row
		case MutationDelete:
			delete(rows, m.Key)
		}
	}

	s.state.Store(next)
	return nil
}

func (s *Store) Set(table, key string, row any) error {
	return s.Apply([]Mutation{{Kind: MutationSet, Table: table, Key: key, Row: row}})
}

func (s *Store) Delete(table, key string) error {
	return s.Apply([]Mutation{{Kind: MutationDelete, Table: table, Key: key}})
}

func (s *Store) Get(table, key string) (any, bool) {
	current := s.state.Load()
	if current == nil {
		return nil, false
	}
	rows, ok := current.tables[table]
	if !ok {
		return nil, false
	}
	value, ok := rows[key]
	return value, ok
}

func (s *Store) Len(table string) int {
	current := s.state.Load()
	if current == nil {
		return 0
	}
	return len(current.tables[table])
}

// Values returns the rows of one table in no particular order.
func (s *Store) Values(table string) []any {
	current := s.state.Load()
	if current == nil {
		return nil
	}
	rows := current.tables[table]
	out := make([]any, 0, len(rows))
	for _, value := range rows {
		out = append(out, value)
	}
	return out
}

// TableSnapshot returns a copy of all rows in one table keyed by row key.
func (s *Store) TableSnapshot(table string) map[string]any {
	current := s.state.Load()
	if current == nil {
		return map[string]any{}
	}
	return cloneRows(current.tables[table])
}

// Snapshot returns a full copy of the cache grouped by table and row key.
func (s *Store) Snapshot() map[string]map[string]any {
	current := s.state.Load()
	if current == nil {
		return map[string]map[string]any{}
	}

	out := make(map[string]map[string]any, len(current.tables))
	for tableName, rows := range current.tables {
		out[tableName] = cloneRows(rows)
	}
	return out
}
