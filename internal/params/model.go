package params

import (
	"cmp"
	"fmt"
)

// FixedShard is the only shard value written to the dictionary tables. It is
// part of the token and canonical natural keys so the key shape stays stable
// if sharding is ever introduced.
const FixedShard int16 = 0

// ValueKind identifies a normalized (dictionary) value table.
type ValueKind string

const (
	KindParameterName        ValueKind = "parameter_name"
	KindCodeSystem           ValueKind = "code_system"
	KindCommonTokenValue     ValueKind = "common_token_value"
	KindCommonCanonicalValue ValueKind = "common_canonical_value"
	KindLogicalResourceIdent ValueKind = "logical_resource_ident"
	KindResourceType         ValueKind = "resource_type"
)

// Surrogate ids are assigned by database sequences and are always positive,
// so a zero id means "not yet resolved".

// ParameterNameValue is a search parameter code and its parameter_name_id.
type ParameterNameValue struct {
	Name string
	ID   int32
}

func (v *ParameterNameValue) Resolved() bool { return v.ID > 0 }

func (v *ParameterNameValue) surrogateID() int64      { return int64(v.ID) }
func (v *ParameterNameValue) setSurrogateID(id int64) { v.ID = int32(id) }

func (v *ParameterNameValue) String() string { return v.Name }

// CodeSystemValue is a token or quantity code system and its code_system_id.
type CodeSystemValue struct {
	System string
	ID     int32
}

func (v *CodeSystemValue) Resolved() bool { return v.ID > 0 }

func (v *CodeSystemValue) surrogateID() int64      { return int64(v.ID) }
func (v *CodeSystemValue) setSurrogateID(id int64) { v.ID = int32(id) }

func (v *CodeSystemValue) String() string { return v.System }

// CommonTokenValueKey is the natural key of a common_token_values row as seen
// by callers, who know the code system by name rather than by id.
type CommonTokenValueKey struct {
	Shard      int16
	System     string
	TokenValue string
}

// String is the shared-cache form of the key. The system is length-prefixed
// so a '|' inside it cannot collide with the separator.
func (k CommonTokenValueKey) String() string {
	return fmt.Sprintf("%d|%d:%s|%s", k.Shard, len(k.System), k.System, k.TokenValue)
}

// CommonTokenValue is a deduplicated (code system, token value) pair. Its
// CodeSystem must be resolved before the token value itself can be.
type CommonTokenValue struct {
	Shard      int16
	CodeSystem *CodeSystemValue
	TokenValue string
	ID         int64
}

func (v *CommonTokenValue) Resolved() bool { return v.ID > 0 }

func (v *CommonTokenValue) surrogateID() int64      { return v.ID }
func (v *CommonTokenValue) setSurrogateID(id int64) { v.ID = id }

func (v *CommonTokenValue) Key() CommonTokenValueKey {
	return CommonTokenValueKey{Shard: v.Shard, System: v.CodeSystem.System, TokenValue: v.TokenValue}
}

func (v *CommonTokenValue) String() string {
	return fmt.Sprintf("%s|%s", v.CodeSystem.System, v.TokenValue)
}

// CommonCanonicalValueKey is the natural key of a common_canonical_values row.
type CommonCanonicalValueKey struct {
	Shard int16
	URL   string
}

func (k CommonCanonicalValueKey) String() string {
	return fmt.Sprintf("%d|%s", k.Shard, k.URL)
}

// CommonCanonicalValue is a deduplicated canonical url referenced by profiles.
type CommonCanonicalValue struct {
	Shard int16
	URL   string
	ID    int64
}

func (v *CommonCanonicalValue) Resolved() bool { return v.ID > 0 }

func (v *CommonCanonicalValue) surrogateID() int64      { return v.ID }
func (v *CommonCanonicalValue) setSurrogateID(id int64) { v.ID = id }

func (v *CommonCanonicalValue) Key() CommonCanonicalValueKey {
	return CommonCanonicalValueKey{Shard: v.Shard, URL: v.URL}
}

func (v *CommonCanonicalValue) String() string { return v.URL }

// LogicalResourceIdentKey identifies a logical resource by type name and id.
type LogicalResourceIdentKey struct {
	ResourceType string
	LogicalID    string
}

func (k LogicalResourceIdentKey) String() string {
	return k.ResourceType + "/" + k.LogicalID
}

// LogicalResourceIdentValue maps (resource type, logical id) to the durable
// logical_resource_id used by reference parameters.
type LogicalResourceIdentValue struct {
	ResourceTypeID    int32
	ResourceType      string
	LogicalID         string
	LogicalResourceID int64
}

func (v *LogicalResourceIdentValue) Resolved() bool { return v.LogicalResourceID > 0 }

func (v *LogicalResourceIdentValue) surrogateID() int64      { return v.LogicalResourceID }
func (v *LogicalResourceIdentValue) setSurrogateID(id int64) { v.LogicalResourceID = id }

func (v *LogicalResourceIdentValue) Key() LogicalResourceIdentKey {
	return LogicalResourceIdentKey{ResourceType: v.ResourceType, LogicalID: v.LogicalID}
}

func (v *LogicalResourceIdentValue) String() string {
	return v.ResourceType + "/" + v.LogicalID
}

// The comparators below define the total order every writer uses before
// touching a dictionary table. All concurrent writers must agree on them.

func compareParameterNames(a, b *ParameterNameValue) int {
	return cmp.Compare(a.Name, b.Name)
}

func compareCodeSystems(a, b *CodeSystemValue) int {
	return cmp.Compare(a.System, b.System)
}

// Token values sort on the stored key (code_system_id, token_value), which
// is why the code systems have to be resolved first.
func compareCommonTokenValues(a, b *CommonTokenValue) int {
	if c := cmp.Compare(a.CodeSystem.ID, b.CodeSystem.ID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.TokenValue, b.TokenValue); c != 0 {
		return c
	}
	return cmp.Compare(a.Shard, b.Shard)
}

func compareCanonicals(a, b *CommonCanonicalValue) int {
	if c := cmp.Compare(a.URL, b.URL); c != 0 {
		return c
	}
	return cmp.Compare(a.Shard, b.Shard)
}

func compareLogicalResourceIdents(a, b *LogicalResourceIdentValue) int {
	if c := cmp.Compare(a.ResourceTypeID, b.ResourceTypeID); c != 0 {
		return c
	}
	return cmp.Compare(a.LogicalID, b.LogicalID)
}
