package params

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

var (
	// ErrRetryable marks failures the transaction manager should answer with
	// rollback, ResetBatch and resubmission: deadlock victims and
	// serialization failures.
	ErrRetryable = errors.New("retryable transaction failure")

	// ErrConsistency means a dictionary value stayed unresolved after insert
	// and re-fetch. It is never retryable.
	ErrConsistency = errors.New("dictionary value unresolved after insert")

	ErrInvalidState        = errors.New("invalid processor state")
	ErrUnknownResourceType = errors.New("unknown resource type")
)

// SQLSTATE codes the engines care about.
const (
	sqlStateUniqueViolation      = "23505"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// PersistenceError is the single error type surfaced by this package. It
// carries enough context for the caller to log and decide between retry and
// abort.
type PersistenceError struct {
	Op           string
	ResourceType string
	Kind         ValueKind
	Keys         []string
	Err          error
}

func (e *PersistenceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.ResourceType != "" {
		fmt.Fprintf(&b, " [%s]", e.ResourceType)
	}
	if e.Kind != "" {
		fmt.Fprintf(&b, " (%s)", e.Kind)
	}
	if len(e.Keys) > 0 {
		const maxKeys = 10
		keys := e.Keys
		if len(keys) > maxKeys {
			keys = keys[:maxKeys]
		}
		fmt.Fprintf(&b, " keys=%s", strings.Join(keys, ","))
		if len(e.Keys) > maxKeys {
			fmt.Fprintf(&b, " (+%d more)", len(e.Keys)-maxKeys)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is reports ErrRetryable for deadlock and serialization failures anywhere in
// the cause chain.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrRetryable && isRetryableCause(e.Err)
}

// IsRetryable reports whether err should trigger rollback and resubmission.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable) || isRetryableCause(err)
}

func wrapErr(op string, kind ValueKind, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Kind: kind, Err: err}
}

func consistencyErr(op string, kind ValueKind, keys []string) error {
	return &PersistenceError{Op: op, Kind: kind, Keys: keys, Err: ErrConsistency}
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func isRetryableCause(err error) bool {
	if err == nil {
		return false
	}
	switch sqlState(err) {
	case sqlStateDeadlockDetected, sqlStateSerializationFailure:
		return true
	}
	return false
}

// IsDuplicateKey reports a unique constraint violation.
func IsDuplicateKey(err error) bool {
	return sqlState(err) == sqlStateUniqueViolation
}
