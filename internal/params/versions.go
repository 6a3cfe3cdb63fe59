package params

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	"github.com/ehr/fhirparams/internal/platform/db"
)

// LogicalResourceVersion is the committed version metadata of a stored
// resource, as written by the server that published the parameters.
type LogicalResourceVersion struct {
	LogicalResourceID int64
	VersionID         int32
	LastUpdated       time.Time
	ParameterHash     string
}

const selectLogicalResourceVersions = `SELECT lr.logical_resource_id, xlr.version_id, lr.last_updated, COALESCE(lr.parameter_hash, '')` +
	` FROM logical_resources AS lr` +
	` JOIN %s_logical_resources AS xlr ON lr.logical_resource_id = xlr.logical_resource_id` +
	` WHERE xlr.logical_resource_id IN (?)`

// LogicalResourceVersions reads the current version of each requested
// logical resource, grouped by resource type. Resources that are not visible
// to the caller's transaction are absent from the result.
func (e *Engine) LogicalResourceVersions(ctx context.Context, idsByType map[string][]int64) (map[int64]LogicalResourceVersion, error) {
	out := make(map[int64]LogicalResourceVersion)
	types := make([]string, 0, len(idsByType))
	for rt := range idsByType {
		types = append(types, rt)
	}
	slices.Sort(types)

	for _, rt := range types {
		ids := slices.Clone(idsByType[rt])
		slices.Sort(ids)
		ids = slices.Compact(ids)
		if len(ids) == 0 {
			continue
		}
		prefix, err := db.TablePrefix(rt)
		if err != nil {
			return nil, &PersistenceError{Op: "check ready", ResourceType: rt, Err: ErrUnknownResourceType}
		}
		query, args, err := inQuery(fmt.Sprintf(selectLogicalResourceVersions, prefix), ids)
		if err != nil {
			return nil, err
		}
		err = scanEach(ctx, e.conn, query, args, func(r rows) error {
			var v LogicalResourceVersion
			if err := r.Scan(&v.LogicalResourceID, &v.VersionID, &v.LastUpdated, &v.ParameterHash); err != nil {
				return err
			}
			out[v.LogicalResourceID] = v
			return nil
		})
		if err != nil {
			return nil, &PersistenceError{Op: "check ready", ResourceType: rt, Err: err}
		}
	}
	return out, nil
}
