package params

// IdentityCache maps (kind, natural key) to a committed surrogate id.
//
// One cache belongs to one connection/session. It performs no locking: the
// owning worker is its only reader and writer. Entries are only added for
// ids known to be committed (see Processor.Committed) or loaded from
// reference tables, so a cache hit never refers to a rolled-back row.
type IdentityCache struct {
	entries map[ValueKind]map[any]int64
}

// NewIdentityCache creates an empty cache.
func NewIdentityCache() *IdentityCache {
	return &IdentityCache{entries: make(map[ValueKind]map[any]int64)}
}

// Lookup returns the id cached for key, if any.
func (c *IdentityCache) Lookup(kind ValueKind, key any) (int64, bool) {
	m, ok := c.entries[kind]
	if !ok {
		return 0, false
	}
	id, ok := m[key]
	return id, ok
}

// Put records the id for key. Non-positive ids are ignored.
func (c *IdentityCache) Put(kind ValueKind, key any, id int64) {
	if id <= 0 {
		return
	}
	m, ok := c.entries[kind]
	if !ok {
		m = make(map[any]int64)
		c.entries[kind] = m
	}
	m[key] = id
}

// Len returns the number of entries cached for kind.
func (c *IdentityCache) Len(kind ValueKind) int {
	return len(c.entries[kind])
}

// Clear drops every entry of every kind.
func (c *IdentityCache) Clear() {
	c.entries = make(map[ValueKind]map[any]int64)
}

// ResourceTypeID returns the resource_type_id loaded for resourceType.
func (c *IdentityCache) ResourceTypeID(resourceType string) (int32, bool) {
	id, ok := c.Lookup(KindResourceType, resourceType)
	return int32(id), ok
}
