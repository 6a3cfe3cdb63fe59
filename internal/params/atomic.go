package params

import "context"

// atomicCreator creates each chunk of missing values with a single
// INSERT ... ON CONFLICT DO NOTHING RETURNING. Rows another writer created
// first are skipped by the database and picked up by the re-fetch.
type atomicCreator struct{}

func eachChunk[T any](values []T, size int, fn func([]T) error) error {
	for start := 0; start < len(values); start += size {
		if err := fn(values[start:min(start+size, len(values))]); err != nil {
			return err
		}
	}
	return nil
}

func unresolved[T dictionaryValue](values []T) []T {
	var out []T
	for _, v := range values {
		if !v.Resolved() {
			out = append(out, v)
		}
	}
	return out
}

func (atomicCreator) createParameterNames(ctx context.Context, c conn, missing []*ParameterNameValue) ([]*ParameterNameValue, error) {
	err := eachChunk(missing, parameterNameChunk, func(chunk []*ParameterNameValue) error {
		byName := make(map[string]*ParameterNameValue, len(chunk))
		args := make([]any, 0, len(chunk))
		for _, v := range chunk {
			byName[v.Name] = v
			args = append(args, v.Name)
		}
		query := multiRowInsert("parameter_names", []string{"parameter_name"}, len(chunk), "parameter_name, parameter_name_id")
		return scanEach(ctx, c, query, args, func(r rows) error {
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
	})
	if err != nil {
		return nil, err
	}
	return unresolved(missing), nil
}

func (atomicCreator) createCodeSystems(ctx context.Context, c conn, missing []*CodeSystemValue) ([]*CodeSystemValue, error) {
	err := eachChunk(missing, codeSystemChunk, func(chunk []*CodeSystemValue) error {
		bySystem := make(map[string]*CodeSystemValue, len(chunk))
		args := make([]any, 0, len(chunk))
		for _, v := range chunk {
			bySystem[v.System] = v
			args = append(args, v.System)
		}
		query := multiRowInsert("code_systems", []string{"code_system_name"}, len(chunk), "code_system_name, code_system_id")
		return scanEach(ctx, c, query, args, func(r rows) error {
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
	})
	if err != nil {
		return nil, err
	}
	return unresolved(missing), nil
}

func (atomicCreator) createCommonTokenValues(ctx context.Context, c conn, missing []*CommonTokenValue) ([]*CommonTokenValue, error) {
	err := eachChunk(missing, commonTokenValueChunk, func(chunk []*CommonTokenValue) error {
		byKey := make(map[tokenRowKey]*CommonTokenValue, len(chunk))
		args := make([]any, 0, 2*len(chunk))
		for _, v := range chunk {
			byKey[tokenRowKey{v.CodeSystem.ID, v.TokenValue}] = v
			args = append(args, v.CodeSystem.ID, v.TokenValue)
		}
		query := multiRowInsert("common_token_values", []string{"code_system_id", "token_value"}, len(chunk),
			"code_system_id, token_value, common_token_value_id")
		return scanEach(ctx, c, query, args, func(r rows) error {
			return assignTokenRow(r, byKey)
		})
	})
	if err != nil {
		return nil, err
	}
	return unresolved(missing), nil
}

func (atomicCreator) createCanonicals(ctx context.Context, c conn, missing []*CommonCanonicalValue) ([]*CommonCanonicalValue, error) {
	err := eachChunk(missing, canonicalChunk, func(chunk []*CommonCanonicalValue) error {
		byURL := make(map[string]*CommonCanonicalValue, len(chunk))
		args := make([]any, 0, len(chunk))
		for _, v := range chunk {
			byURL[v.URL] = v
			args = append(args, v.URL)
		}
		query := multiRowInsert("common_canonical_values", []string{"url"}, len(chunk), "url, canonical_id")
		return scanEach(ctx, c, query, args, func(r rows) error {
			return assignCanonicalRow(r, byURL)
		})
	})
	if err != nil {
		return nil, err
	}
	return unresolved(missing), nil
}

func (atomicCreator) createLogicalResourceIdents(ctx context.Context, c conn, missing []*LogicalResourceIdentValue) ([]*LogicalResourceIdentValue, error) {
	err := eachChunk(missing, logicalResourceIdentChunk, func(chunk []*LogicalResourceIdentValue) error {
		byKey := make(map[identRowKey]*LogicalResourceIdentValue, len(chunk))
		args := make([]any, 0, 2*len(chunk))
		for _, v := range chunk {
			byKey[identRowKey{v.ResourceTypeID, v.LogicalID}] = v
			args = append(args, v.ResourceTypeID, v.LogicalID)
		}
		query := multiRowInsert("logical_resource_ident", []string{"resource_type_id", "logical_id"}, len(chunk),
			"resource_type_id, logical_id, logical_resource_id")
		return scanEach(ctx, c, query, args, func(r rows) error {
			return assignIdentRow(r, byKey)
		})
	})
	if err != nil {
		return nil, err
	}
	return unresolved(missing), nil
}
