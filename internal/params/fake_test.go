package params

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
)

// memStore is an in-memory stand-in for the dictionary and parameter tables,
// interpreting exactly the statements this package issues.
type memStore struct {
	mu     sync.Mutex
	nextID int64

	resourceTypes map[string]int32
	names         map[string]int32
	systems       map[string]int32
	tokens        map[tokenRowKey]int64
	canonicals    map[string]int64
	idents        map[identRowKey]int64
	tables        map[string][][]any

	// dropInserts makes every dictionary insert a silent no-op.
	dropInserts bool
}

func newMemStore() *memStore {
	return &memStore{
		nextID:        100,
		resourceTypes: map[string]int32{"Patient": 1, "Observation": 2},
		names:         make(map[string]int32),
		systems:       make(map[string]int32),
		tokens:        make(map[tokenRowKey]int64),
		canonicals:    make(map[string]int64),
		idents:        make(map[identRowKey]int64),
		tables:        make(map[string][][]any),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) rows(table string) [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables[table]
}

// addName simulates a row committed by another writer.
func (s *memStore) addName(name string) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.names[name]; ok {
		return id
	}
	id := int32(s.id())
	s.names[name] = id
	return id
}

// fakeConn implements conn on top of a memStore.
type fakeConn struct {
	store *memStore
	inTx  bool

	// failOn makes any statement containing the substring return failErr.
	failOn  string
	failErr error
	// beforeInsert runs ahead of every dictionary insert.
	beforeInsert func(query string, args []any)

	mu         sync.Mutex
	statements []string
}

func newFakeConn(store *memStore) *fakeConn {
	return &fakeConn{store: store}
}

func (c *fakeConn) record(query string) error {
	c.mu.Lock()
	c.statements = append(c.statements, query)
	c.mu.Unlock()
	if c.failOn != "" && strings.Contains(query, c.failOn) {
		return c.failErr
	}
	return nil
}

func (c *fakeConn) count(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.statements {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.statements = nil
	c.mu.Unlock()
}

func (c *fakeConn) InTx(context.Context) bool { return c.inTx }

func (c *fakeConn) Query(_ context.Context, query string, args ...any) (rows, error) {
	if err := c.record(query); err != nil {
		return nil, err
	}
	if strings.HasPrefix(query, "INSERT INTO") && c.beforeInsert != nil {
		c.beforeInsert(query, args)
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [][]any
	switch {
	case query == selectResourceTypes:
		for name, id := range s.resourceTypes {
			out = append(out, []any{id, name})
		}
	case strings.HasPrefix(query, "SELECT parameter_name,"):
		for _, a := range args {
			if id, ok := s.names[a.(string)]; ok {
				out = append(out, []any{a.(string), id})
			}
		}
	case strings.HasPrefix(query, "SELECT code_system_name,"):
		for _, a := range args {
			if id, ok := s.systems[a.(string)]; ok {
				out = append(out, []any{a.(string), id})
			}
		}
	case strings.HasPrefix(query, "SELECT url,"):
		for _, a := range args {
			if id, ok := s.canonicals[a.(string)]; ok {
				out = append(out, []any{a.(string), id})
			}
		}
	case strings.HasPrefix(query, "SELECT c.code_system_id"):
		for i := 0; i < len(args); i += 2 {
			k := tokenRowKey{args[i].(int32), args[i+1].(string)}
			if id, ok := s.tokens[k]; ok {
				out = append(out, []any{k.codeSystemID, k.tokenValue, id})
			}
		}
	case strings.HasPrefix(query, "SELECT lri."):
		for i := 0; i < len(args); i += 2 {
			k := identRowKey{args[i].(int32), args[i+1].(string)}
			if id, ok := s.idents[k]; ok {
				out = append(out, []any{k.resourceTypeID, k.logicalID, id})
			}
		}
	case strings.HasPrefix(query, "INSERT INTO parameter_names"):
		for _, a := range args {
			name := a.(string)
			if _, ok := s.names[name]; ok || s.dropInserts {
				continue
			}
			s.names[name] = int32(s.id())
			out = append(out, []any{name, s.names[name]})
		}
	case strings.HasPrefix(query, "INSERT INTO code_systems"):
		for _, a := range args {
			system := a.(string)
			if _, ok := s.systems[system]; ok || s.dropInserts {
				continue
			}
			s.systems[system] = int32(s.id())
			out = append(out, []any{system, s.systems[system]})
		}
	case strings.HasPrefix(query, "INSERT INTO common_canonical_values"):
		for _, a := range args {
			url := a.(string)
			if _, ok := s.canonicals[url]; ok || s.dropInserts {
				continue
			}
			s.canonicals[url] = s.id()
			out = append(out, []any{url, s.canonicals[url]})
		}
	case strings.HasPrefix(query, "INSERT INTO common_token_values"):
		for i := 0; i < len(args); i += 2 {
			k := tokenRowKey{args[i].(int32), args[i+1].(string)}
			if _, ok := s.tokens[k]; ok || s.dropInserts {
				continue
			}
			s.tokens[k] = s.id()
			out = append(out, []any{k.codeSystemID, k.tokenValue, s.tokens[k]})
		}
	case strings.HasPrefix(query, "INSERT INTO logical_resource_ident"):
		for i := 0; i < len(args); i += 2 {
			k := identRowKey{args[i].(int32), args[i+1].(string)}
			if _, ok := s.idents[k]; ok || s.dropInserts {
				continue
			}
			s.idents[k] = s.id()
			out = append(out, []any{k.resourceTypeID, k.logicalID, s.idents[k]})
		}
	default:
		return nil, fmt.Errorf("fakeConn: unexpected query %q", query)
	}
	return &fakeRows{data: out}, nil
}

func duplicateKey() error {
	return &pgconn.PgError{Code: sqlStateUniqueViolation, Message: "duplicate key value violates unique constraint"}
}

func (c *fakeConn) Exec(_ context.Context, query string, args ...any) error {
	if err := c.record(query); err != nil {
		return err
	}
	if strings.Contains(query, "SAVEPOINT") {
		return nil
	}
	if c.beforeInsert != nil {
		c.beforeInsert(query, args)
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropInserts {
		return nil
	}

	switch query {
	case insertParameterName:
		name := args[0].(string)
		if _, ok := s.names[name]; ok {
			return duplicateKey()
		}
		s.names[name] = int32(s.id())
	case insertCodeSystem:
		system := args[0].(string)
		if _, ok := s.systems[system]; ok {
			return duplicateKey()
		}
		s.systems[system] = int32(s.id())
	case insertCanonical:
		url := args[0].(string)
		if _, ok := s.canonicals[url]; ok {
			return duplicateKey()
		}
		s.canonicals[url] = s.id()
	case insertCommonTokenValue:
		k := tokenRowKey{args[0].(int32), args[1].(string)}
		if _, ok := s.tokens[k]; ok {
			return duplicateKey()
		}
		s.tokens[k] = s.id()
	case insertLogicalResourceIdent:
		k := identRowKey{args[0].(int32), args[1].(string)}
		if _, ok := s.idents[k]; ok {
			return duplicateKey()
		}
		s.idents[k] = s.id()
	default:
		return fmt.Errorf("fakeConn: unexpected exec %q", query)
	}
	return nil
}

func (c *fakeConn) ExecBatch(_ context.Context, query string, argRows [][]any) error {
	if err := c.record(query); err != nil {
		return err
	}
	rest := strings.TrimPrefix(query, "INSERT INTO ")
	table := rest[:strings.Index(rest, " ")]

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append(s.tables[table], argRows...)
	return nil
}

type fakeRows struct {
	data [][]any
	i    int
}

func (r *fakeRows) Next() bool {
	if r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.i-1]
	if len(dest) != len(row) {
		return fmt.Errorf("fakeRows: scan %d columns into %d", len(row), len(dest))
	}
	for i, d := range dest {
		switch d := d.(type) {
		case *int32:
			*d = row[i].(int32)
		case *int64:
			*d = row[i].(int64)
		case *string:
			*d = row[i].(string)
		default:
			return fmt.Errorf("fakeRows: unsupported destination %T", d)
		}
	}
	return nil
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

// memSharedCache is a SharedCache over a map.
type memSharedCache struct {
	mu      sync.Mutex
	entries map[string]int64
	err     error
	lookups int
}

func newMemSharedCache() *memSharedCache {
	return &memSharedCache{entries: make(map[string]int64)}
}

func (c *memSharedCache) Lookup(_ context.Context, kind ValueKind, keys []string) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if c.err != nil {
		return nil, c.err
	}
	out := make(map[string]int64)
	for _, k := range keys {
		if id, ok := c.entries[string(kind)+":"+k]; ok {
			out[k] = id
		}
	}
	return out, nil
}

func (c *memSharedCache) Publish(_ context.Context, kind ValueKind, ids map[string]int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	for k, id := range ids {
		c.entries[string(kind)+":"+k] = id
	}
	return nil
}

func (c *memSharedCache) get(kind ValueKind, key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.entries[string(kind)+":"+key]
	return id, ok
}
