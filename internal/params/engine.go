package params

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
)

// Variant selects how missing dictionary values are created.
type Variant string

const (
	// VariantAtomic inserts each missing chunk with one
	// INSERT ... ON CONFLICT DO NOTHING RETURNING statement.
	VariantAtomic Variant = "atomic"
	// VariantSerialized inserts missing values one row at a time and treats a
	// duplicate key as "another writer won".
	VariantSerialized Variant = "serialized"
)

// ParseVariant maps a config value onto a Variant.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantAtomic, VariantSerialized:
		return Variant(s), nil
	}
	return "", fmt.Errorf("unknown engine variant %q", s)
}

// creator is the variant-specific half of the resolve protocol.
type creator interface {
	createParameterNames(ctx context.Context, c conn, missing []*ParameterNameValue) ([]*ParameterNameValue, error)
	createCodeSystems(ctx context.Context, c conn, missing []*CodeSystemValue) ([]*CodeSystemValue, error)
	createCommonTokenValues(ctx context.Context, c conn, missing []*CommonTokenValue) ([]*CommonTokenValue, error)
	createCanonicals(ctx context.Context, c conn, missing []*CommonCanonicalValue) ([]*CommonCanonicalValue, error)
	createLogicalResourceIdents(ctx context.Context, c conn, missing []*LogicalResourceIdentValue) ([]*LogicalResourceIdentValue, error)
}

// Engine resolves dictionary values and writes parameter rows for one
// database. The variant is fixed for the life of the engine.
type Engine struct {
	variant Variant
	conn    conn
	creator creator
}

// NewPgxEngine runs on a pgx pool. Statements use the transaction or
// connection bound to the context (see db.WithTx, db.WithConn) and fall back
// to the pool.
func NewPgxEngine(pool *pgxpool.Pool, variant Variant) *Engine {
	return newEngine(&pgxConn{pool: pool}, variant)
}

// NewSQLEngine runs on database/sql through sqlx, normally with lib/pq.
// Statements use the transaction bound with db.WithSQLTx when present.
func NewSQLEngine(sdb *sqlx.DB, variant Variant) *Engine {
	return newEngine(&sqlConn{db: sdb}, variant)
}

func newEngine(c conn, variant Variant) *Engine {
	e := &Engine{variant: variant, conn: c}
	if variant == VariantSerialized {
		e.creator = serializedCreator{}
	} else {
		e.variant = VariantAtomic
		e.creator = atomicCreator{}
	}
	return e
}

func (e *Engine) Variant() Variant { return e.variant }

// NewWriter returns an empty batch writer bound to this engine's connection.
func (e *Engine) NewWriter() *ParameterWriter {
	return newParameterWriter(e.conn)
}

// LoadResourceTypes reads the resource_types reference table.
func (e *Engine) LoadResourceTypes(ctx context.Context) (map[string]int32, error) {
	r, err := e.conn.Query(ctx, selectResourceTypes)
	if err != nil {
		return nil, wrapErr("load resource types", KindResourceType, err)
	}
	defer r.Close()

	types := make(map[string]int32)
	for r.Next() {
		var (
			id   int32
			name string
		)
		if err := r.Scan(&id, &name); err != nil {
			return nil, wrapErr("load resource types", KindResourceType, err)
		}
		types[name] = id
	}
	if err := r.Err(); err != nil {
		return nil, wrapErr("load resource types", KindResourceType, err)
	}
	return types, nil
}

func (e *Engine) ResolveParameterNames(ctx context.Context, values []*ParameterNameValue) error {
	return dictionary[*ParameterNameValue]{
		kind:    KindParameterName,
		chunk:   parameterNameChunk,
		compare: compareParameterNames,
		fetch:   e.fetchParameterNames,
		create: func(ctx context.Context, missing []*ParameterNameValue) ([]*ParameterNameValue, error) {
			return e.creator.createParameterNames(ctx, e.conn, missing)
		},
	}.resolve(ctx, values)
}

func (e *Engine) ResolveCodeSystems(ctx context.Context, values []*CodeSystemValue) error {
	return dictionary[*CodeSystemValue]{
		kind:    KindCodeSystem,
		chunk:   codeSystemChunk,
		compare: compareCodeSystems,
		fetch:   e.fetchCodeSystems,
		create: func(ctx context.Context, missing []*CodeSystemValue) ([]*CodeSystemValue, error) {
			return e.creator.createCodeSystems(ctx, e.conn, missing)
		},
	}.resolve(ctx, values)
}

// ResolveCommonTokenValues requires every value's CodeSystem to be resolved.
func (e *Engine) ResolveCommonTokenValues(ctx context.Context, values []*CommonTokenValue) error {
	var pending []string
	for _, v := range values {
		if !v.CodeSystem.Resolved() {
			pending = append(pending, v.String())
		}
	}
	if len(pending) > 0 {
		return &PersistenceError{Op: "resolve", Kind: KindCommonTokenValue, Keys: pending, Err: ErrInvalidState}
	}
	return dictionary[*CommonTokenValue]{
		kind:    KindCommonTokenValue,
		chunk:   commonTokenValueChunk,
		compare: compareCommonTokenValues,
		fetch:   e.fetchCommonTokenValues,
		create: func(ctx context.Context, missing []*CommonTokenValue) ([]*CommonTokenValue, error) {
			return e.creator.createCommonTokenValues(ctx, e.conn, missing)
		},
	}.resolve(ctx, values)
}

func (e *Engine) ResolveCanonicals(ctx context.Context, values []*CommonCanonicalValue) error {
	return dictionary[*CommonCanonicalValue]{
		kind:    KindCommonCanonicalValue,
		chunk:   canonicalChunk,
		compare: compareCanonicals,
		fetch:   e.fetchCanonicals,
		create: func(ctx context.Context, missing []*CommonCanonicalValue) ([]*CommonCanonicalValue, error) {
			return e.creator.createCanonicals(ctx, e.conn, missing)
		},
	}.resolve(ctx, values)
}

func (e *Engine) ResolveLogicalResourceIdents(ctx context.Context, values []*LogicalResourceIdentValue) error {
	return dictionary[*LogicalResourceIdentValue]{
		kind:    KindLogicalResourceIdent,
		chunk:   logicalResourceIdentChunk,
		compare: compareLogicalResourceIdents,
		fetch:   e.fetchLogicalResourceIdents,
		create: func(ctx context.Context, missing []*LogicalResourceIdentValue) ([]*LogicalResourceIdentValue, error) {
			return e.creator.createLogicalResourceIdents(ctx, e.conn, missing)
		},
	}.resolve(ctx, values)
}

func (e *Engine) fetchParameterNames(ctx context.Context, chunk []*ParameterNameValue) error {
	byName := make(map[string]*ParameterNameValue, len(chunk))
	names := make([]string, 0, len(chunk))
	for _, v := range chunk {
		byName[v.Name] = v
		names = append(names, v.Name)
	}
	query, args, err := inQuery(selectParameterNames, names)
	if err != nil {
		return err
	}
	return scanEach(ctx, e.conn, query, args, func(r rows) error {
		var (
			name string
			id   int32
		)
		if err := r.Scan(&name, &id); err != nil {
			return err
		}
		if v, ok := byName[name]; ok {
			v.ID = id
		}
		return nil
	})
}

func (e *Engine) fetchCodeSystems(ctx context.Context, chunk []*CodeSystemValue) error {
	bySystem := make(map[string]*CodeSystemValue, len(chunk))
	systems := make([]string, 0, len(chunk))
	for _, v := range chunk {
		bySystem[v.System] = v
		systems = append(systems, v.System)
	}
	query, args, err := inQuery(selectCodeSystems, systems)
	if err != nil {
		return err
	}
	return scanEach(ctx, e.conn, query, args, func(r rows) error {
		var (
			system string
			id     int32
		)
		if err := r.Scan(&system, &id); err != nil {
			return err
		}
		if v, ok := bySystem[system]; ok {
			v.ID = id
		}
		return nil
	})
}

type tokenRowKey struct {
	codeSystemID int32
	tokenValue   string
}

func (e *Engine) fetchCommonTokenValues(ctx context.Context, chunk []*CommonTokenValue) error {
	byKey := make(map[tokenRowKey]*CommonTokenValue, len(chunk))
	args := make([]any, 0, 2*len(chunk))
	for _, v := range chunk {
		byKey[tokenRowKey{v.CodeSystem.ID, v.TokenValue}] = v
		args = append(args, v.CodeSystem.ID, v.TokenValue)
	}
	return scanEach(ctx, e.conn, selectCommonTokenValues(len(chunk)), args, func(r rows) error {
		return assignTokenRow(r, byKey)
	})
}

func assignTokenRow(r rows, byKey map[tokenRowKey]*CommonTokenValue) error {
	var (
		k  tokenRowKey
		id int64
	)
	if err := r.Scan(&k.codeSystemID, &k.tokenValue, &id); err != nil {
		return err
	}
	if v, ok := byKey[k]; ok {
		v.ID = id
	}
	return nil
}

func (e *Engine) fetchCanonicals(ctx context.Context, chunk []*CommonCanonicalValue) error {
	byURL := make(map[string]*CommonCanonicalValue, len(chunk))
	urls := make([]string, 0, len(chunk))
	for _, v := range chunk {
		byURL[v.URL] = v
		urls = append(urls, v.URL)
	}
	query, args, err := inQuery(selectCanonicals, urls)
	if err != nil {
		return err
	}
	return scanEach(ctx, e.conn, query, args, func(r rows) error {
		return assignCanonicalRow(r, byURL)
	})
}

func assignCanonicalRow(r rows, byURL map[string]*CommonCanonicalValue) error {
	var (
		url string
		id  int64
	)
	if err := r.Scan(&url, &id); err != nil {
		return err
	}
	if v, ok := byURL[url]; ok {
		v.ID = id
	}
	return nil
}

type identRowKey struct {
	resourceTypeID int32
	logicalID      string
}

func (e *Engine) fetchLogicalResourceIdents(ctx context.Context, chunk []*LogicalResourceIdentValue) error {
	byKey := make(map[identRowKey]*LogicalResourceIdentValue, len(chunk))
	args := make([]any, 0, 2*len(chunk))
	for _, v := range chunk {
		byKey[identRowKey{v.ResourceTypeID, v.LogicalID}] = v
		args = append(args, v.ResourceTypeID, v.LogicalID)
	}
	return scanEach(ctx, e.conn, selectLogicalResourceIdents(len(chunk)), args, func(r rows) error {
		return assignIdentRow(r, byKey)
	})
}

func assignIdentRow(r rows, byKey map[identRowKey]*LogicalResourceIdentValue) error {
	var (
		k  identRowKey
		id int64
	)
	if err := r.Scan(&k.resourceTypeID, &k.logicalID, &id); err != nil {
		return err
	}
	if v, ok := byKey[k]; ok {
		v.LogicalResourceID = id
	}
	return nil
}

func scanEach(ctx context.Context, c conn, query string, args []any, fn func(rows) error) error {
	r, err := c.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer r.Close()
	for r.Next() {
		if err := fn(r); err != nil {
			return err
		}
	}
	return r.Err()
}
