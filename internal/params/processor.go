package params

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// State is the lifecycle position of a Processor.
type State int

const (
	StateIdle State = iota
	StateBatchOpen
	StateResolving
	StateWriting
	StateFlushed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBatchOpen:
		return "batch_open"
	case StateResolving:
		return "resolving"
	case StateWriting:
		return "writing"
	case StateFlushed:
		return "flushed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SharedCache holds committed dictionary ids across sessions and processes.
// Keys are the String form of each kind's natural key.
type SharedCache interface {
	Lookup(ctx context.Context, kind ValueKind, keys []string) (map[string]int64, error)
	Publish(ctx context.Context, kind ValueKind, ids map[string]int64) error
}

// pending holds the dictionary values one transaction has touched.
//
// Values found in the IdentityCache are never added to the resolve lists.
// Values resolved by this transaction are held in the promote lists until
// Committed, because their ids are not visible to anyone else before that.
type pending struct {
	names      map[string]*ParameterNameValue
	systems    map[string]*CodeSystemValue
	tokens     map[CommonTokenValueKey]*CommonTokenValue
	canonicals map[CommonCanonicalValueKey]*CommonCanonicalValue
	idents     map[LogicalResourceIdentKey]*LogicalResourceIdentValue

	resolveNames      []*ParameterNameValue
	resolveSystems    []*CodeSystemValue
	resolveTokens     []*CommonTokenValue
	resolveCanonicals []*CommonCanonicalValue
	resolveIdents     []*LogicalResourceIdentValue

	promoteNames      []*ParameterNameValue
	promoteSystems    []*CodeSystemValue
	promoteTokens     []*CommonTokenValue
	promoteCanonicals []*CommonCanonicalValue
	promoteIdents     []*LogicalResourceIdentValue
}

func newPending() *pending {
	return &pending{
		names:      make(map[string]*ParameterNameValue),
		systems:    make(map[string]*CodeSystemValue),
		tokens:     make(map[CommonTokenValueKey]*CommonTokenValue),
		canonicals: make(map[CommonCanonicalValueKey]*CommonCanonicalValue),
		idents:     make(map[LogicalResourceIdentKey]*LogicalResourceIdentValue),
	}
}

func (p *pending) unresolvedCount() int {
	return len(p.resolveNames) + len(p.resolveSystems) + len(p.resolveTokens) +
		len(p.resolveCanonicals) + len(p.resolveIdents)
}

// Processor turns extracted search parameters into parameter table rows for
// one database session. It owns the session's IdentityCache and writer and
// must not be shared between goroutines.
//
// A unit of work is driven as StartBatch, Process (repeated), PushBatch, then
// Committed after the surrounding transaction commits. After a rollback the
// caller invokes ResetBatch before resubmitting.
type Processor struct {
	engine *Engine
	cache  *IdentityCache
	shared SharedCache
	writer *ParameterWriter
	logger zerolog.Logger

	state  State
	tx     *pending
	values []BatchParameterValue
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithSharedCache consults and feeds a cross-session cache of committed ids.
func WithSharedCache(c SharedCache) ProcessorOption {
	return func(p *Processor) { p.shared = c }
}

// WithLogger sets the processor's logger. The default discards everything.
func WithLogger(logger zerolog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// NewProcessor creates a processor for one session. cache may be nil, in
// which case an empty one is created.
func NewProcessor(engine *Engine, cache *IdentityCache, opts ...ProcessorOption) *Processor {
	if cache == nil {
		cache = NewIdentityCache()
	}
	p := &Processor{
		engine: engine,
		cache:  cache,
		writer: engine.NewWriter(),
		logger: zerolog.Nop(),
		tx:     newPending(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) State() State { return p.state }

// Cache exposes the session identity cache.
func (p *Processor) Cache() *IdentityCache { return p.cache }

// Counts returns the rows pushed per kind since the last Close or ResetBatch.
func (p *Processor) Counts() map[ParamKind]int { return p.writer.Counts() }

// LastPushed returns the rows sent by the most recent PushBatch.
func (p *Processor) LastPushed() map[ParamKind]int { return p.writer.LastPushed() }

// LoadResourceTypes fills the identity cache from resource_types. It is
// called once per session before the first batch.
func (p *Processor) LoadResourceTypes(ctx context.Context) error {
	types, err := p.engine.LoadResourceTypes(ctx)
	if err != nil {
		return err
	}
	for name, id := range types {
		p.cache.Put(KindResourceType, name, int64(id))
	}
	p.logger.Debug().Int("resource_types", len(types)).Msg("resource types loaded")
	return nil
}

// StartBatch opens a new batch. Values resolved earlier in the same
// transaction stay known; only the parameter list is cleared.
func (p *Processor) StartBatch() error {
	if p.state == StateFailed {
		return fmt.Errorf("%w: start batch after failure requires ResetBatch", ErrInvalidState)
	}
	p.values = p.values[:0]
	p.state = StateBatchOpen
	return nil
}

// Process adds every parameter of one resource to the batch and records the
// dictionary values they reference. No statements are issued. A resource is
// added whole or not at all; on error the processor is Failed and the batch
// must be discarded with ResetBatch.
func (p *Processor) Process(rp ResourceParameters) error {
	if p.state != StateBatchOpen {
		return fmt.Errorf("%w: process in state %s", ErrInvalidState, p.state)
	}
	values, err := p.resourceValues(rp)
	if err != nil {
		p.state = StateFailed
		return err
	}
	p.values = append(p.values, values...)
	return nil
}

func (p *Processor) resourceValues(rp ResourceParameters) ([]BatchParameterValue, error) {
	rtID, ok := p.cache.ResourceTypeID(rp.ResourceType)
	if !ok {
		return nil, &PersistenceError{Op: "process", ResourceType: rp.ResourceType, Err: ErrUnknownResourceType}
	}

	owner := &BatchResource{ResourceType: rp.ResourceType}
	if rp.LogicalResourceID > 0 {
		owner.Ident = &LogicalResourceIdentValue{
			ResourceTypeID:    rtID,
			ResourceType:      rp.ResourceType,
			LogicalID:         rp.LogicalID,
			LogicalResourceID: rp.LogicalResourceID,
		}
	} else {
		ident, err := p.ident(rp.ResourceType, rp.LogicalID)
		if err != nil {
			return nil, err
		}
		owner.Ident = ident
	}

	values := make([]BatchParameterValue, 0, len(rp.Parameters))
	for _, param := range rp.Parameters {
		v, err := p.batchValue(owner, param)
		if err != nil {
			return nil, &PersistenceError{Op: "process", ResourceType: rp.ResourceType, Keys: []string{rp.LogicalID}, Err: err}
		}
		values = append(values, v)
	}
	return values, nil
}

func (p *Processor) batchValue(owner *BatchResource, param SearchParameterValue) (BatchParameterValue, error) {
	switch param := param.(type) {
	case *StringParameter:
		return &BatchStringValue{Resource: owner, Name: p.parameterName(param.Name), Param: param}, nil
	case *NumberParameter:
		return &BatchNumberValue{Resource: owner, Name: p.parameterName(param.Name), Param: param}, nil
	case *DateParameter:
		return &BatchDateValue{Resource: owner, Name: p.parameterName(param.Name), Param: param}, nil
	case *QuantityParameter:
		return &BatchQuantityValue{
			Resource:   owner,
			Name:       p.parameterName(param.Name),
			CodeSystem: p.codeSystem(tokenSystem(param.System)),
			Param:      param,
		}, nil
	case *LocationParameter:
		return &BatchLocationValue{Resource: owner, Name: p.parameterName(param.Name), Param: param}, nil
	case *TokenParameter:
		return &BatchTokenValue{
			Resource: owner,
			Name:     p.parameterName(param.Name),
			Token:    p.commonTokenValue(param.System, param.Code),
			Param:    param,
		}, nil
	case *TagParameter:
		return &BatchTagValue{Resource: owner, Token: p.commonTokenValue(param.System, param.Code), Param: param}, nil
	case *SecurityParameter:
		return &BatchSecurityValue{Resource: owner, Token: p.commonTokenValue(param.System, param.Code), Param: param}, nil
	case *ProfileParameter:
		return &BatchProfileValue{Resource: owner, Canonical: p.canonical(param.URL), Param: param}, nil
	case *ReferenceParameter:
		ref, err := p.ident(param.ResourceType, param.LogicalID)
		if err != nil {
			return nil, err
		}
		return &BatchReferenceValue{Resource: owner, Name: p.parameterName(param.Name), Ref: ref, Param: param}, nil
	case nil:
		return nil, fmt.Errorf("%w: nil parameter", ErrInvalidState)
	default:
		return nil, fmt.Errorf("%w: unsupported parameter %T", ErrInvalidState, param)
	}
}

func (p *Processor) parameterName(name string) *ParameterNameValue {
	if v, ok := p.tx.names[name]; ok {
		return v
	}
	v := &ParameterNameValue{Name: name}
	if id, ok := p.cache.Lookup(KindParameterName, name); ok {
		v.ID = int32(id)
	} else {
		p.tx.resolveNames = append(p.tx.resolveNames, v)
	}
	p.tx.names[name] = v
	return v
}

func (p *Processor) codeSystem(system string) *CodeSystemValue {
	if v, ok := p.tx.systems[system]; ok {
		return v
	}
	v := &CodeSystemValue{System: system}
	if id, ok := p.cache.Lookup(KindCodeSystem, system); ok {
		v.ID = int32(id)
	} else {
		p.tx.resolveSystems = append(p.tx.resolveSystems, v)
	}
	p.tx.systems[system] = v
	return v
}

func (p *Processor) commonTokenValue(system, code string) *CommonTokenValue {
	system = tokenSystem(system)
	key := CommonTokenValueKey{Shard: FixedShard, System: system, TokenValue: code}
	if v, ok := p.tx.tokens[key]; ok {
		return v
	}
	v := &CommonTokenValue{Shard: FixedShard, CodeSystem: p.codeSystem(system), TokenValue: code}
	if id, ok := p.cache.Lookup(KindCommonTokenValue, key); ok {
		v.ID = id
	} else {
		p.tx.resolveTokens = append(p.tx.resolveTokens, v)
	}
	p.tx.tokens[key] = v
	return v
}

func (p *Processor) canonical(url string) *CommonCanonicalValue {
	key := CommonCanonicalValueKey{Shard: FixedShard, URL: url}
	if v, ok := p.tx.canonicals[key]; ok {
		return v
	}
	v := &CommonCanonicalValue{Shard: FixedShard, URL: url}
	if id, ok := p.cache.Lookup(KindCommonCanonicalValue, key); ok {
		v.ID = id
	} else {
		p.tx.resolveCanonicals = append(p.tx.resolveCanonicals, v)
	}
	p.tx.canonicals[key] = v
	return v
}

func (p *Processor) ident(resourceType, logicalID string) (*LogicalResourceIdentValue, error) {
	key := LogicalResourceIdentKey{ResourceType: resourceType, LogicalID: logicalID}
	if v, ok := p.tx.idents[key]; ok {
		return v, nil
	}
	rtID, ok := p.cache.ResourceTypeID(resourceType)
	if !ok {
		return nil, &PersistenceError{Op: "process", ResourceType: resourceType, Kind: KindLogicalResourceIdent,
			Keys: []string{key.String()}, Err: ErrUnknownResourceType}
	}
	v := &LogicalResourceIdentValue{ResourceTypeID: rtID, ResourceType: resourceType, LogicalID: logicalID}
	if id, ok := p.cache.Lookup(KindLogicalResourceIdent, key); ok {
		v.LogicalResourceID = id
	} else {
		p.tx.resolveIdents = append(p.tx.resolveIdents, v)
	}
	p.tx.idents[key] = v
	return v, nil
}

// Resolve assigns ids to every dictionary value the batch references and
// that is not yet known, in dependency order: logical resource idents,
// parameter names, code systems, then token and canonical values.
func (p *Processor) Resolve(ctx context.Context) error {
	if p.state != StateBatchOpen {
		return fmt.Errorf("%w: resolve in state %s", ErrInvalidState, p.state)
	}
	if p.tx.unresolvedCount() == 0 {
		return nil
	}
	p.state = StateResolving
	if err := p.resolve(ctx); err != nil {
		p.state = StateFailed
		return err
	}
	p.state = StateBatchOpen
	return nil
}

func (p *Processor) resolve(ctx context.Context) error {
	tx := p.tx

	idents := lookupShared(ctx, p, KindLogicalResourceIdent, tx.resolveIdents,
		func(v *LogicalResourceIdentValue) string { return v.Key().String() },
		func(v *LogicalResourceIdentValue, id int64) { v.LogicalResourceID = id })
	if err := p.engine.ResolveLogicalResourceIdents(ctx, idents); err != nil {
		return err
	}
	tx.promoteIdents = append(tx.promoteIdents, tx.resolveIdents...)
	tx.resolveIdents = nil

	names := lookupShared(ctx, p, KindParameterName, tx.resolveNames,
		func(v *ParameterNameValue) string { return v.Name },
		func(v *ParameterNameValue, id int64) { v.ID = int32(id) })
	if err := p.engine.ResolveParameterNames(ctx, names); err != nil {
		return err
	}
	tx.promoteNames = append(tx.promoteNames, tx.resolveNames...)
	tx.resolveNames = nil

	systems := lookupShared(ctx, p, KindCodeSystem, tx.resolveSystems,
		func(v *CodeSystemValue) string { return v.System },
		func(v *CodeSystemValue, id int64) { v.ID = int32(id) })
	if err := p.engine.ResolveCodeSystems(ctx, systems); err != nil {
		return err
	}
	tx.promoteSystems = append(tx.promoteSystems, tx.resolveSystems...)
	tx.resolveSystems = nil

	tokens := lookupShared(ctx, p, KindCommonTokenValue, tx.resolveTokens,
		func(v *CommonTokenValue) string { return v.Key().String() },
		func(v *CommonTokenValue, id int64) { v.ID = id })
	if err := p.engine.ResolveCommonTokenValues(ctx, tokens); err != nil {
		return err
	}
	tx.promoteTokens = append(tx.promoteTokens, tx.resolveTokens...)
	tx.resolveTokens = nil

	canonicals := lookupShared(ctx, p, KindCommonCanonicalValue, tx.resolveCanonicals,
		func(v *CommonCanonicalValue) string { return v.Key().String() },
		func(v *CommonCanonicalValue, id int64) { v.ID = id })
	if err := p.engine.ResolveCanonicals(ctx, canonicals); err != nil {
		return err
	}
	tx.promoteCanonicals = append(tx.promoteCanonicals, tx.resolveCanonicals...)
	tx.resolveCanonicals = nil

	p.logger.Debug().
		Int("logical_resource_idents", len(idents)).
		Int("parameter_names", len(names)).
		Int("code_systems", len(systems)).
		Int("common_token_values", len(tokens)).
		Int("canonical_values", len(canonicals)).
		Msg("dictionary values resolved")
	return nil
}

// lookupShared assigns ids found in the shared cache and returns the values
// still to be resolved against the database. Cache errors are logged and
// otherwise ignored.
func lookupShared[T dictionaryValue](ctx context.Context, p *Processor, kind ValueKind, values []T, key func(T) string, assign func(T, int64)) []T {
	if p.shared == nil || len(values) == 0 {
		return values
	}
	keys := make([]string, len(values))
	for i, v := range values {
		keys[i] = key(v)
	}
	found, err := p.shared.Lookup(ctx, kind, keys)
	if err != nil {
		p.logger.Warn().Err(err).Str("kind", string(kind)).Msg("shared cache lookup failed")
		return values
	}
	if len(found) == 0 {
		return values
	}
	rest := values[:0:0]
	for i, v := range values {
		if id, ok := found[keys[i]]; ok && id > 0 {
			assign(v, id)
			continue
		}
		rest = append(rest, v)
	}
	return rest
}

// PushBatch resolves anything still unresolved, writes every batched value
// and executes the accumulated statements.
func (p *Processor) PushBatch(ctx context.Context) error {
	if p.state != StateBatchOpen {
		return fmt.Errorf("%w: push in state %s", ErrInvalidState, p.state)
	}
	if err := p.Resolve(ctx); err != nil {
		return err
	}

	p.state = StateWriting
	for _, v := range p.values {
		if err := writeValue(p.writer, v); err != nil {
			p.state = StateFailed
			return withResourceType(err, v.Owner().ResourceType)
		}
	}
	if err := p.writer.PushBatch(ctx); err != nil {
		p.state = StateFailed
		return err
	}

	p.logger.Debug().Int("values", len(p.values)).Interface("pushed", p.writer.LastPushed()).Msg("parameter batch pushed")
	p.values = p.values[:0]
	p.state = StateFlushed
	return nil
}

func withResourceType(err error, resourceType string) error {
	var pe *PersistenceError
	if errors.As(err, &pe) && pe.ResourceType == "" {
		pe.ResourceType = resourceType
	}
	return err
}

// ResetBatch discards the batch, all statement state and every id resolved
// since the last commit, so the same logical batch can be replayed after the
// surrounding transaction rolled back. Ids already committed stay in the
// identity cache and are simply looked up again.
func (p *Processor) ResetBatch() {
	p.writer.Close()
	p.tx = newPending()
	p.values = p.values[:0]
	p.state = StateIdle
}

// Committed publishes the ids resolved by the committed transaction to the
// identity cache and, when configured, to the shared cache.
func (p *Processor) Committed(ctx context.Context) error {
	if len(p.values) > 0 {
		return fmt.Errorf("%w: commit with %d unpushed values", ErrInvalidState, len(p.values))
	}
	tx := p.tx
	p.tx = newPending()
	p.state = StateIdle

	promote(ctx, p, KindLogicalResourceIdent, tx.promoteIdents,
		func(v *LogicalResourceIdentValue) any { return v.Key() },
		func(v *LogicalResourceIdentValue) string { return v.Key().String() },
		func(v *LogicalResourceIdentValue) int64 { return v.LogicalResourceID })
	promote(ctx, p, KindParameterName, tx.promoteNames,
		func(v *ParameterNameValue) any { return v.Name },
		func(v *ParameterNameValue) string { return v.Name },
		func(v *ParameterNameValue) int64 { return int64(v.ID) })
	promote(ctx, p, KindCodeSystem, tx.promoteSystems,
		func(v *CodeSystemValue) any { return v.System },
		func(v *CodeSystemValue) string { return v.System },
		func(v *CodeSystemValue) int64 { return int64(v.ID) })
	promote(ctx, p, KindCommonTokenValue, tx.promoteTokens,
		func(v *CommonTokenValue) any { return v.Key() },
		func(v *CommonTokenValue) string { return v.Key().String() },
		func(v *CommonTokenValue) int64 { return v.ID })
	promote(ctx, p, KindCommonCanonicalValue, tx.promoteCanonicals,
		func(v *CommonCanonicalValue) any { return v.Key() },
		func(v *CommonCanonicalValue) string { return v.Key().String() },
		func(v *CommonCanonicalValue) int64 { return v.ID })
	return nil
}

func promote[T any](ctx context.Context, p *Processor, kind ValueKind, values []T, cacheKey func(T) any, sharedKey func(T) string, id func(T) int64) {
	if len(values) == 0 {
		return
	}
	var shared map[string]int64
	if p.shared != nil {
		shared = make(map[string]int64, len(values))
	}
	for _, v := range values {
		if id(v) <= 0 {
			continue
		}
		p.cache.Put(kind, cacheKey(v), id(v))
		if shared != nil {
			shared[sharedKey(v)] = id(v)
		}
	}
	if len(shared) == 0 {
		return
	}
	if err := p.shared.Publish(ctx, kind, shared); err != nil {
		p.logger.Warn().Err(err).Str("kind", string(kind)).Int("ids", len(shared)).Msg("shared cache publish failed")
	}
}

// Close releases the writer and forgets all batch and transaction state.
// The identity cache is kept.
func (p *Processor) Close() {
	p.writer.Close()
	p.tx = newPending()
	p.values = nil
	p.state = StateIdle
}
