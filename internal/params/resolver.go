package params

import (
	"context"

	"golang.org/x/exp/slices"
)

// Statement chunk sizes for the dictionary fetches.
const (
	parameterNameChunk        = 256
	codeSystemChunk           = 512
	commonTokenValueChunk     = 256
	canonicalChunk            = 256
	logicalResourceIdentChunk = 256
)

type dictionaryValue interface {
	comparable
	Resolved() bool
	String() string
	surrogateID() int64
	setSurrogateID(id int64)
}

// dictionary is the resolve protocol for one normalized value table:
//
//	sort, fetch existing in chunks, sort the missing set, create it with the
//	engine's strategy, re-fetch whatever the strategy could not identify.
//
// Any value still unresolved after that is a consistency fault.
type dictionary[T dictionaryValue] struct {
	kind    ValueKind
	chunk   int
	compare func(a, b T) int
	// fetch assigns ids to the values in chunk that already exist.
	fetch func(ctx context.Context, chunk []T) error
	// create inserts missing in order and returns the values whose ids are
	// still unknown.
	create func(ctx context.Context, missing []T) ([]T, error)
}

func (d dictionary[T]) resolve(ctx context.Context, values []T) error {
	if len(values) == 0 {
		return nil
	}
	slices.SortFunc(values, d.compare)

	// Several candidates may share a natural key. Only the first of each run
	// goes to the database; the rest copy its id afterwards.
	unique := slices.CompactFunc(slices.Clone(values), func(a, b T) bool { return d.compare(a, b) == 0 })
	if err := d.resolveUnique(ctx, unique); err != nil {
		return err
	}
	if len(unique) < len(values) {
		for i := 1; i < len(values); i++ {
			if d.compare(values[i-1], values[i]) == 0 {
				values[i].setSurrogateID(values[i-1].surrogateID())
			}
		}
	}
	return nil
}

func (d dictionary[T]) resolveUnique(ctx context.Context, values []T) error {
	missing, err := d.fetchAll(ctx, values)
	if err != nil {
		return wrapErr("fetch", d.kind, err)
	}
	if len(missing) == 0 {
		return nil
	}

	slices.SortFunc(missing, d.compare)
	left, err := d.create(ctx, missing)
	if err != nil {
		return wrapErr("create", d.kind, err)
	}
	if len(left) == 0 {
		return nil
	}

	stillMissing, err := d.fetchAll(ctx, left)
	if err != nil {
		return wrapErr("refetch", d.kind, err)
	}
	if len(stillMissing) > 0 {
		keys := make([]string, len(stillMissing))
		for i, v := range stillMissing {
			keys[i] = v.String()
		}
		return consistencyErr("resolve", d.kind, keys)
	}
	return nil
}

func (d dictionary[T]) fetchAll(ctx context.Context, values []T) ([]T, error) {
	var missing []T
	for start := 0; start < len(values); start += d.chunk {
		sub := values[start:min(start+d.chunk, len(values))]
		if err := d.fetch(ctx, sub); err != nil {
			return nil, err
		}
		for _, v := range sub {
			if !v.Resolved() {
				missing = append(missing, v)
			}
		}
	}
	return missing, nil
}
