package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirparams/internal/params"
)

// ErrNotReady is returned when messages still refer to resource versions the
// database has not committed after the configured number of checks.
var ErrNotReady = errors.New("resource version not committed")

// readiness splits a unit of work by comparing each message with the
// committed version of its resource.
type readiness struct {
	ready    []Message
	notReady []Message
	skipped  int
}

func (r *Runner) splitReady(ctx context.Context, msgs []Message) (readiness, error) {
	idsByType := make(map[string][]int64)
	for i := range msgs {
		d := &msgs[i].Data
		if d.LogicalResourceID > 0 {
			idsByType[d.ResourceType] = append(idsByType[d.ResourceType], d.LogicalResourceID)
		}
	}
	if len(idsByType) == 0 {
		return readiness{ready: msgs}, nil
	}
	versions, err := r.session.Engine().LogicalResourceVersions(ctx, idsByType)
	if err != nil {
		return readiness{}, err
	}
	return classify(msgs, versions, r.logger), nil
}

// classify decides per message:
//   - no logicalResourceId: nothing to compare, ready
//   - resource not visible: the server transaction has not committed, not ready
//   - database holds a newer version: a later message carries its parameters, skip
//   - database holds an older version: not ready
//   - same version but different lastUpdated or parameterHash: published by a
//     transaction that never committed, skip
func classify(msgs []Message, versions map[int64]params.LogicalResourceVersion, logger zerolog.Logger) readiness {
	var out readiness
	for _, m := range msgs {
		d := &m.Data
		if d.LogicalResourceID <= 0 {
			out.ready = append(out.ready, m)
			continue
		}
		v, ok := versions[d.LogicalResourceID]
		switch {
		case !ok:
			out.notReady = append(out.notReady, m)
		case v.VersionID > int32(d.VersionID):
			out.skipped++
		case v.VersionID < int32(d.VersionID):
			out.notReady = append(out.notReady, m)
		case v.ParameterHash == d.ParameterHash && sameInstant(v.LastUpdated, d.LastUpdated):
			out.ready = append(out.ready, m)
		default:
			logger.Warn().
				Str("resource_type", d.ResourceType).
				Str("logical_id", d.LogicalID).
				Int("version_id", d.VersionID).
				Msg("parameter hash or lastUpdated differs from the stored version, ignoring message from uncommitted transaction")
			out.skipped++
		}
	}
	return out
}

// sameInstant compares at the database's microsecond precision.
func sameInstant(stored, published time.Time) bool {
	return stored.Truncate(time.Microsecond).Equal(published.Truncate(time.Microsecond))
}
