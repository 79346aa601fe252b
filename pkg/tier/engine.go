// Package tier implements the tiered placement engine (§4.7): size-based
// tier selection across hot/warm/cold object stores, an in-memory LRU tier
// map, access-driven promotion and age-driven demotion policies, a
// ristretto-backed per-tier page cache, and latency/throughput metrics.
package tier

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/fsx-project/fsx/pkg/clock"
	"github.com/fsx-project/fsx/pkg/errtypes"
	"github.com/fsx-project/fsx/pkg/tier/objectstore"
)

// MetadataCollaborator is the narrow slice of the metadata store the
// engine pushes placement decisions to. A production wiring adapts
// *metastore.Store to this interface; tests can use a stub.
type MetadataCollaborator interface {
	SetMetadata(ctx context.Context, path string, tier string, size int64) error
	RecordAccess(ctx context.Context, path string) error
	DeleteMetadata(ctx context.Context, path string) error
}

// Hooks are optional instrumentation callbacks, all nil-safe.
type Hooks struct {
	OnOperationStart func(ctx context.Context, op string, path string)
	OnOperationEnd   func(ctx context.Context, op string, path string, err error, d time.Duration)
	OnTierMigration  func(path string, from string, to string)
}

// Engine is the tiered placement engine. The hot tier is mandatory; warm
// and cold are optional and wired only when Config enables them.
type Engine struct {
	cfg   Config
	clock clock.Clock
	meta  MetadataCollaborator
	hooks Hooks

	stores map[string]objectstore.Store

	tierMap *tierMap
	metrics *metricsState
	cache   *ristretto.Cache // per-tier page content cache, keyed "tier:path"
}

// New validates cfg and wires an Engine over the given per-tier stores.
// stores must at minimum contain TierHot; TierWarm/TierCold are required
// only when their corresponding Config flag is enabled.
func New(cfg Config, stores map[string]objectstore.Store, meta MetadataCollaborator, opts ...EngineOption) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, ok := stores[TierHot]; !ok {
		return nil, &errtypes.Config{Field: "stores", Reason: "hot tier store is required"}
	}
	if cfg.WarmEnabled {
		if _, ok := stores[TierWarm]; !ok {
			return nil, &errtypes.Config{Field: "stores", Reason: "warm tier enabled but no store provided"}
		}
	}
	if cfg.ColdEnabled {
		if _, ok := stores[TierCold]; !ok {
			return nil, &errtypes.Config{Field: "stores", Reason: "cold tier enabled but no store provided"}
		}
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 28, // 256MiB default page cache budget
		BufferItems: 64,
	})
	if err != nil {
		return nil, &errtypes.Io{Op: "tier.New", Err: err}
	}

	e := &Engine{
		cfg:     cfg,
		clock:   clock.Real,
		meta:    meta,
		stores:  stores,
		tierMap: newTierMap(cfg.MaxCacheSize),
		metrics: newMetricsState(cfg.LatencyWindowSize),
		cache:   cache,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine)

// WithClock overrides the engine's clock, used for lastAccess/recentAccesses
// bookkeeping. Defaults to clock.Real.
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithHooks installs optional instrumentation callbacks.
func WithHooks(h Hooks) EngineOption {
	return func(e *Engine) { e.hooks = h }
}

func (e *Engine) start(ctx context.Context, op, path string) time.Time {
	if e.hooks.OnOperationStart != nil {
		e.hooks.OnOperationStart(ctx, op, path)
	}
	return e.clock.Now()
}

func (e *Engine) end(ctx context.Context, op, path string, start time.Time, err error) {
	if e.hooks.OnOperationEnd != nil {
		e.hooks.OnOperationEnd(ctx, op, path, err, e.clock.Now().Sub(start))
	}
}

func (e *Engine) cacheKey(t, path string) string { return t + ":" + path }

// WriteFile selects a tier by size, writes bytes to that tier's store,
// pushes metadata, and updates the tier map.
func (e *Engine) WriteFile(ctx context.Context, path string, data []byte) (string, error) {
	start := e.start(ctx, "writeFile", path)
	t := e.cfg.selectTier(int64(len(data)))

	err := e.stores[t].Put(ctx, path, data)
	if err == nil {
		err = e.meta.SetMetadata(ctx, path, t, int64(len(data)))
	}
	if err == nil {
		now := e.clock.Now()
		e.tierMap.set(path, entry{tier: t, size: int64(len(data)), lastAccess: now})
		e.cache.Set(e.cacheKey(t, path), data, int64(len(data)))
		e.metrics.recordWrite(t)
	}
	e.end(ctx, "writeFile", path, start, err)
	return t, err
}

// ReadFile reads path's content, consulting the tier map for a cache hit
// before falling back to a warm -> cold -> hot probe.
func (e *Engine) ReadFile(ctx context.Context, path string) ([]byte, error) {
	start := e.start(ctx, "readFile", path)

	t, known := e.tierMap.get(path)
	var data []byte
	var err error
	var foundTier string

	if known {
		e.metrics.recordCacheHit()
		data, err = e.readFromTier(ctx, t.tier, path)
		foundTier = t.tier
	} else {
		e.metrics.recordCacheMiss()
		data, foundTier, err = e.probeTiers(ctx, path)
	}

	if err != nil {
		e.end(ctx, "readFile", path, start, err)
		return nil, err
	}

	readLatency := e.clock.Now().Sub(start)
	e.metrics.recordRead(foundTier, readLatency)

	_ = e.meta.RecordAccess(ctx, path)
	now := e.clock.Now()
	recent := append(e.pruneRecentAccesses(path, now), now)
	e.tierMap.set(path, entry{
		tier: foundTier, size: int64(len(data)), accessCount: t.accessCount + 1,
		lastAccess: now, recentAccesses: recent,
	})

	if e.shouldAutoPromote(path, foundTier) {
		target := promotionTarget(foundTier)
		if e.cfg.enabled(target) {
			_ = e.Promote(ctx, path, target)
		}
	}

	e.end(ctx, "readFile", path, start, nil)
	return data, nil
}

func (e *Engine) pruneRecentAccesses(path string, now time.Time) []time.Time {
	existing, ok := e.tierMap.get(path)
	if !ok {
		return nil
	}
	cutoff := now.Add(-e.cfg.OnAccessWindow)
	out := make([]time.Time, 0, len(existing.recentAccesses))
	for _, t := range existing.recentAccesses {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	if len(out) > 9 {
		out = out[len(out)-9:] // cap at 10 including the access about to be appended
	}
	return out
}

func (e *Engine) readFromTier(ctx context.Context, t, path string) ([]byte, error) {
	if v, ok := e.cache.Get(e.cacheKey(t, path)); ok {
		return v.([]byte), nil
	}
	store, ok := e.stores[t]
	if !ok {
		return nil, &errtypes.Io{Op: "readFile", Path: path, Err: errtypes.NotFound(t)}
	}
	data, err := store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	e.cache.Set(e.cacheKey(t, path), data, int64(len(data)))
	return data, nil
}

// probeTiers searches warm -> cold -> hot for path when it is not present
// in the tier map (a cold start, or an entry evicted from the map).
func (e *Engine) probeTiers(ctx context.Context, path string) ([]byte, string, error) {
	for _, t := range []string{TierWarm, TierCold, TierHot} {
		store, ok := e.stores[t]
		if !ok {
			continue
		}
		data, err := store.Get(ctx, path)
		if err == nil {
			return data, t, nil
		}
		if !errtypes.IsNotFound(err) {
			return nil, "", err
		}
	}
	return nil, "", errtypes.NotFound(path)
}

// DeleteFile removes path from its current tier (determined from the map,
// or by probing warm/cold/hot) and its metadata.
func (e *Engine) DeleteFile(ctx context.Context, path string) error {
	start := e.start(ctx, "deleteFile", path)

	t, ok := e.tierMap.get(path)
	tier := t.tier
	if !ok {
		var err error
		tier, err = e.locateTier(ctx, path)
		if err != nil {
			e.end(ctx, "deleteFile", path, start, err)
			return err
		}
	}

	err := e.stores[tier].Delete(ctx, path)
	if err == nil {
		err = e.meta.DeleteMetadata(ctx, path)
	}
	if err == nil {
		e.cache.Del(e.cacheKey(tier, path))
		e.tierMap.delete(path)
	}
	e.end(ctx, "deleteFile", path, start, err)
	return err
}

// locateTier probes warm/cold/hot head calls to find which tier currently
// holds path, used when the tier map has no entry for it.
func (e *Engine) locateTier(ctx context.Context, path string) (string, error) {
	for _, t := range []string{TierWarm, TierCold, TierHot} {
		store, ok := e.stores[t]
		if !ok {
			continue
		}
		exists, _, err := store.Head(ctx, path)
		if err != nil {
			return "", err
		}
		if exists {
			return t, nil
		}
	}
	return "", errtypes.NotFound(path)
}

// Move reads src, writes it to dst (defaulting to src's current tier),
// and deletes src.
func (e *Engine) Move(ctx context.Context, src, dst string) error {
	data, err := e.ReadFile(ctx, src)
	if err != nil {
		return err
	}
	if _, err := e.writeFileToTier(ctx, dst, data, e.tierForPath(src)); err != nil {
		return err
	}
	return e.DeleteFile(ctx, src)
}

// Copy reads src and writes it to dst, defaulting to src's tier unless
// overridden.
func (e *Engine) Copy(ctx context.Context, src, dst string, overrideTier string) error {
	data, err := e.ReadFile(ctx, src)
	if err != nil {
		return err
	}
	target := overrideTier
	if target == "" {
		target = e.tierForPath(src)
	}
	_, err = e.writeFileToTier(ctx, dst, data, target)
	return err
}

func (e *Engine) tierForPath(path string) string {
	if t, ok := e.tierMap.get(path); ok {
		return t.tier
	}
	return TierHot
}

func (e *Engine) writeFileToTier(ctx context.Context, path string, data []byte, t string) (string, error) {
	if !e.cfg.enabled(t) {
		t = TierHot
	}
	err := e.stores[t].Put(ctx, path, data)
	if err == nil {
		err = e.meta.SetMetadata(ctx, path, t, int64(len(data)))
	}
	if err == nil {
		now := e.clock.Now()
		e.tierMap.set(path, entry{tier: t, size: int64(len(data)), lastAccess: now})
		e.cache.Set(e.cacheKey(t, path), data, int64(len(data)))
		e.metrics.recordWrite(t)
	}
	return t, err
}

// Promote moves path from its current tier to toTier. Returns
// InvalidArgument if toTier is disabled.
func (e *Engine) Promote(ctx context.Context, path, toTier string) error {
	return e.migrate(ctx, path, toTier, e.metrics.recordPromotion)
}

// Demote moves path from its current tier to toTier. Returns InvalidArgument
// if toTier is disabled.
func (e *Engine) Demote(ctx context.Context, path, toTier string) error {
	return e.migrate(ctx, path, toTier, e.metrics.recordDemotion)
}

func (e *Engine) migrate(ctx context.Context, path, toTier string, record func(string)) error {
	if !e.cfg.enabled(toTier) {
		return errtypes.InvalidArgument("migration target tier disabled: " + toTier)
	}
	from := e.tierForPath(path)
	if from == toTier {
		return nil
	}
	// Read directly from the known source tier rather than through ReadFile:
	// ReadFile can itself trigger shouldAutoPromote, which would recursively
	// migrate path out from under this call and invalidate `from`.
	data, err := e.readFromTier(ctx, from, path)
	if err != nil {
		return err
	}
	if err := e.stores[toTier].Put(ctx, path, data); err != nil {
		return err
	}
	if err := e.stores[from].Delete(ctx, path); err != nil {
		return err
	}
	if err := e.meta.SetMetadata(ctx, path, toTier, int64(len(data))); err != nil {
		return err
	}

	now := e.clock.Now()
	e.tierMap.set(path, entry{tier: toTier, size: int64(len(data)), lastAccess: now})
	e.cache.Del(e.cacheKey(from, path))
	e.cache.Set(e.cacheKey(toTier, path), data, int64(len(data)))
	record(toTier)
	if e.hooks.OnTierMigration != nil {
		e.hooks.OnTierMigration(path, from, toTier)
	}
	return nil
}

// promotionTarget returns the next hotter tier, or "" if already hottest.
func promotionTarget(t string) string {
	switch t {
	case TierCold:
		return TierWarm
	case TierWarm:
		return TierHot
	default:
		return ""
	}
}

// demotionTarget returns the next colder enabled tier, skipping disabled
// ones (so hot demotes straight to cold if warm is disabled).
func (e *Engine) demotionTarget(t string) string {
	switch t {
	case TierHot:
		if e.cfg.enabled(TierWarm) {
			return TierWarm
		}
		if e.cfg.enabled(TierCold) {
			return TierCold
		}
		return ""
	case TierWarm:
		if e.cfg.enabled(TierCold) {
			return TierCold
		}
		return ""
	default:
		return ""
	}
}

// shouldAutoPromote evaluates the configured promotion policy for path
// currently in currentTier. Never promotes from hot.
func (e *Engine) shouldAutoPromote(path, currentTier string) bool {
	if currentTier == TierHot {
		return false
	}
	target := promotionTarget(currentTier)
	if target == "" || !e.cfg.enabled(target) {
		return false
	}
	t, ok := e.tierMap.get(path)
	if !ok {
		return false
	}
	if t.size > e.maxSizeFor(target) {
		return false
	}

	switch e.cfg.PromotionPolicy {
	case PromotionAggressive:
		return true
	case PromotionOnAccess:
		// t.recentAccesses already includes the access that triggered this
		// evaluation: ReadFile updates the tier map before calling here.
		return len(t.recentAccesses) >= e.cfg.OnAccessThreshold
	default:
		return false
	}
}

func (e *Engine) maxSizeFor(t string) int64 {
	switch t {
	case TierHot:
		return e.cfg.HotMaxSize
	case TierWarm:
		return e.cfg.WarmMaxSize
	default:
		return 1<<63 - 1
	}
}

// shouldDemote evaluates the configured demotion policy for an entry.
// Never demotes from cold.
func (e *Engine) shouldDemote(path string, ent entry, now time.Time) (string, bool) {
	if e.cfg.DemotionPolicy != DemotionOnAge {
		return "", false
	}
	if ent.tier == TierCold {
		return "", false
	}

	var maxAge time.Duration
	switch ent.tier {
	case TierHot:
		maxAge = e.cfg.HotMaxAge
	case TierWarm:
		maxAge = e.cfg.WarmMaxAge
	default:
		return "", false
	}
	if now.Sub(ent.lastAccess) < maxAge {
		return "", false
	}

	target := e.demotionTarget(ent.tier)
	if target == "" {
		return "", false
	}
	return target, true
}

// SweepIdle walks the tier map and demotes every entry whose idle time
// exceeds its tier's max age, per the configured demotion policy. Intended
// to be called periodically by the process that owns the Engine.
func (e *Engine) SweepIdle(ctx context.Context) error {
	now := e.clock.Now()
	for path, ent := range e.tierMap.all() {
		target, ok := e.shouldDemote(path, ent, now)
		if !ok {
			continue
		}
		if err := e.Demote(ctx, path, target); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a point-in-time snapshot of the engine's metrics.
func (e *Engine) Stats() Metrics {
	return e.metrics.snapshot()
}

// TierMapSize reports the current number of entries held in the in-memory
// tier map, mostly useful for tests asserting LRU eviction behavior.
func (e *Engine) TierMapSize() int {
	return e.tierMap.len()
}
