package params

import "context"

// serializedCreator inserts missing values one at a time in sorted order. A
// duplicate key means a concurrent writer created the row first; it is
// absorbed and the id learned on re-fetch. Inside a transaction each insert
// runs under a savepoint because PostgreSQL aborts the whole transaction on
// any statement error.
type serializedCreator struct{}

const dictionarySavepoint = "dictionary_insert"

func insertIgnoringDuplicate(ctx context.Context, c conn, query string, args ...any) error {
	inTx := c.InTx(ctx)
	if inTx {
		if err := c.Exec(ctx, "SAVEPOINT "+dictionarySavepoint); err != nil {
			return err
		}
	}
	err := c.Exec(ctx, query, args...)
	switch {
	case err == nil:
		if inTx {
			return c.Exec(ctx, "RELEASE SAVEPOINT "+dictionarySavepoint)
		}
		return nil
	case IsDuplicateKey(err):
		if inTx {
			return c.Exec(ctx, "ROLLBACK TO SAVEPOINT "+dictionarySavepoint)
		}
		return nil
	default:
		return err
	}
}

func (serializedCreator) createParameterNames(ctx context.Context, c conn, missing []*ParameterNameValue) ([]*ParameterNameValue, error) {
	for _, v := range missing {
		if err := insertIgnoringDuplicate(ctx, c, insertParameterName, v.Name); err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func (serializedCreator) createCodeSystems(ctx context.Context, c conn, missing []*CodeSystemValue) ([]*CodeSystemValue, error) {
	for _, v := range missing {
		if err := insertIgnoringDuplicate(ctx, c, insertCodeSystem, v.System); err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func (serializedCreator) createCommonTokenValues(ctx context.Context, c conn, missing []*CommonTokenValue) ([]*CommonTokenValue, error) {
	for _, v := range missing {
		if err := insertIgnoringDuplicate(ctx, c, insertCommonTokenValue, v.CodeSystem.ID, v.TokenValue); err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func (serializedCreator) createCanonicals(ctx context.Context, c conn, missing []*CommonCanonicalValue) ([]*CommonCanonicalValue, error) {
	for _, v := range missing {
		if err := insertIgnoringDuplicate(ctx, c, insertCanonical, v.URL); err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func (serializedCreator) createLogicalResourceIdents(ctx context.Context, c conn, missing []*LogicalResourceIdentValue) ([]*LogicalResourceIdentValue, error) {
	for _, v := range missing {
		if err := insertIgnoringDuplicate(ctx, c, insertLogicalResourceIdent, v.ResourceTypeID, v.LogicalID); err != nil {
			return nil, err
		}
	}
	return missing, nil
}
