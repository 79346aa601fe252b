// Package columnar implements the generic one-row-per-entity store (§4.4):
// a schema-parameterized table fronted by the write-buffer cache, with
// checkpoint triggers driven by dirty-count, wall-clock interval, memory
// pressure, and cache eviction.
package columnar

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/mem"

	"github.com/fsx-project/fsx/pkg/clock"
	"github.com/fsx-project/fsx/pkg/errtypes"
	"github.com/fsx-project/fsx/pkg/log"
	"github.com/fsx-project/fsx/pkg/writebuffer"
)

// Trigger identifies why a checkpoint ran.
type Trigger string

const (
	TriggerDirtyCount     Trigger = "dirty_count"
	TriggerInterval       Trigger = "interval"
	TriggerMemoryPressure Trigger = "memory_pressure"
	TriggerEviction       Trigger = "eviction"
	TriggerExplicit       Trigger = "explicit"
)

// CheckpointStats describes the outcome of one checkpoint.
type CheckpointStats struct {
	EntityCount int
	TotalBytes  int
	DurationMs  int64
	Trigger     Trigger
}

// OnCheckpointFunc is invoked after every successful checkpoint; a
// checkpoint that fails returns its error without invoking it.
type OnCheckpointFunc func(entities map[string]map[string]any, stats CheckpointStats)

// Config tunes a Store's checkpoint behavior.
type Config struct {
	DirtyCountThreshold int           // default 10
	WallInterval        time.Duration // default 5s
	MemoryPressureRatio float64       // default 0.8
	BufferMaxCount      int           // write-buffer entry cap, 0 = unbounded
	BufferMaxBytes      int           // write-buffer byte cap, 0 = unbounded
	Clock               clock.Clock   // default clock.Real
	OnCheckpoint        OnCheckpointFunc
}

func (c *Config) withDefaults() {
	if c.DirtyCountThreshold == 0 {
		c.DirtyCountThreshold = 10
	}
	if c.WallInterval == 0 {
		c.WallInterval = 5 * time.Second
	}
	if c.MemoryPressureRatio == 0 {
		c.MemoryPressureRatio = 0.8
	}
	if c.Clock == nil {
		c.Clock = clock.Real
	}
}

// Store is a generic, cache-backed, checkpointed table.
type Store struct {
	schema Schema
	db     *sql.DB
	cfg    Config
	buf    *writebuffer.Buffer

	mu        sync.Mutex
	stopCh    chan struct{}
	stopped   bool
	dirtyKeys map[string]struct{}
	cacheHits int
	cacheMiss int
}

// New builds a Store over db for the given schema, applying cfg's
// checkpoint thresholds (zero fields take their documented defaults).
func New(db *sql.DB, schema Schema, cfg Config) (*Store, error) {
	if err := schema.validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()

	s := &Store{
		schema:    schema,
		db:        db,
		cfg:       cfg,
		dirtyKeys: make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
	s.buf = writebuffer.New(writebuffer.Options{
		MaxCount: cfg.BufferMaxCount,
		MaxBytes: cfg.BufferMaxBytes,
		OnEvict:  s.onEvict,
	})
	go s.runInterval()
	return s, nil
}

// EnsureSchema creates the backing table if it does not already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	var cols []string
	for name, col := range s.schema.Columns {
		def := fmt.Sprintf("%s %s", s.schema.sqlColumn(name), col.Type)
		if name == s.schema.PrimaryKey {
			def += " PRIMARY KEY"
		} else if col.Required {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.schema.Table, strings.Join(cols, ", "))
	_, err := s.db.ExecContext(ctx, stmt)
	if err != nil {
		return &errtypes.Io{Op: "ensureSchema", Path: s.schema.Table, Err: err}
	}
	return nil
}

// Get returns the entity for id, reading through the write buffer.
func (s *Store) Get(ctx context.Context, id any) (map[string]any, error) {
	key := fmt.Sprint(id)

	if v, ok := s.buf.Get(key); ok {
		s.mu.Lock()
		s.cacheHits++
		s.mu.Unlock()
		return v.(map[string]any), nil
	}

	s.mu.Lock()
	s.cacheMiss++
	s.mu.Unlock()

	row, err := s.selectByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errtypes.NotFound(fmt.Sprintf("%s id=%v", s.schema.Table, id))
	}
	s.buf.Set(key, row, estimateSize(row), false)
	return row, nil
}

// Create inserts a new entity, seeding version/createdAt bookkeeping
// fields, and buffers it as dirty.
func (s *Store) Create(ctx context.Context, entity map[string]any) error {
	id, ok := entity[s.schema.PrimaryKey]
	if !ok {
		return &errtypes.Config{Field: s.schema.PrimaryKey, Reason: "primary key value required"}
	}

	for name, col := range s.schema.Columns {
		if _, present := entity[name]; !present {
			if col.Required {
				return errtypes.InvalidArgument("required column missing: " + name)
			}
			if col.Default != nil {
				entity[name] = col.Default
			}
		}
	}

	now := s.cfg.Clock.Now().Unix()
	if s.schema.VersionField != "" {
		entity[s.schema.VersionField] = 1
	}
	if s.schema.CreatedAtField != "" {
		entity[s.schema.CreatedAtField] = now
	}
	if s.schema.UpdatedAtField != "" {
		entity[s.schema.UpdatedAtField] = now
	}

	key := fmt.Sprint(id)
	s.markDirty(key)
	s.buf.Set(key, entity, estimateSize(entity), true)
	s.maybeCheckpointOnDirtyCount(ctx)
	return nil
}

// Update applies patch to the existing entity for id, advancing version
// and updatedAt, and marks it dirty.
func (s *Store) Update(ctx context.Context, id any, patch map[string]any) error {
	entity, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	merged := make(map[string]any, len(entity))
	for k, v := range entity {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}

	if s.schema.VersionField != "" {
		v, _ := merged[s.schema.VersionField].(int)
		merged[s.schema.VersionField] = v + 1
	}
	if s.schema.UpdatedAtField != "" {
		merged[s.schema.UpdatedAtField] = s.cfg.Clock.Now().Unix()
	}

	key := fmt.Sprint(id)
	s.markDirty(key)
	s.buf.Set(key, merged, estimateSize(merged), true)
	s.maybeCheckpointOnDirtyCount(ctx)
	return nil
}

// Delete removes the entity for id from both the buffer and the table.
func (s *Store) Delete(ctx context.Context, id any) error {
	key := fmt.Sprint(id)
	s.buf.Delete(key)
	s.clearDirty(key)

	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", s.schema.Table, s.schema.sqlColumn(s.schema.PrimaryKey)), id)
	if err != nil {
		return &errtypes.Io{Op: "delete", Path: s.schema.Table, Err: err}
	}
	return nil
}

// Checkpoint flushes all currently dirty entities to the database inside a
// single transaction, one UPSERT per entity, then clears their dirty bits.
func (s *Store) Checkpoint(ctx context.Context, trigger Trigger) (CheckpointStats, error) {
	start := s.cfg.Clock.Now()

	dirty := s.buf.GetDirtyEntries()
	if len(dirty) == 0 {
		stats := CheckpointStats{Trigger: trigger}
		s.notifyCheckpoint(nil, stats)
		return stats, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CheckpointStats{}, &errtypes.Io{Op: "checkpoint", Path: s.schema.Table, Err: err}
	}

	entities := make(map[string]map[string]any, len(dirty))
	totalBytes := 0
	cleanKeys := make([]string, 0, len(dirty))

	for key, v := range dirty {
		entity := v.(map[string]any)
		if s.schema.CheckpointedAtField != "" {
			entity[s.schema.CheckpointedAtField] = s.cfg.Clock.Now().Unix()
		}
		if err := s.upsert(ctx, tx, entity); err != nil {
			_ = tx.Rollback()
			return CheckpointStats{}, err
		}
		entities[key] = entity
		totalBytes += estimateSize(entity)
		cleanKeys = append(cleanKeys, key)
	}

	if err := tx.Commit(); err != nil {
		return CheckpointStats{}, &errtypes.Io{Op: "checkpoint", Path: s.schema.Table, Err: err}
	}

	s.buf.MarkClean(cleanKeys)
	for _, k := range cleanKeys {
		s.clearDirty(k)
	}

	stats := CheckpointStats{
		EntityCount: len(entities),
		TotalBytes:  totalBytes,
		DurationMs:  s.cfg.Clock.Now().Sub(start).Milliseconds(),
		Trigger:     trigger,
	}
	s.notifyCheckpoint(entities, stats)
	return stats, nil
}

// GetCacheStats reports the buffer's hit/miss counters alongside its
// occupancy stats.
func (s *Store) GetCacheStats() (hits, misses int, buf writebuffer.Stats) {
	s.mu.Lock()
	hits, misses = s.cacheHits, s.cacheMiss
	s.mu.Unlock()
	return hits, misses, s.buf.GetStats()
}

// GetCostComparison estimates the I/O cost saved by the cache: the number
// of reads served from the buffer versus the number that would have hit
// the database had there been no cache at all.
func (s *Store) GetCostComparison() (cachedReads, uncachedReads int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cacheHits, s.cacheHits + s.cacheMiss
}

// Stop halts the background interval-checkpoint goroutine. Safe to call
// more than once.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

func (s *Store) markDirty(key string) {
	s.mu.Lock()
	s.dirtyKeys[key] = struct{}{}
	s.mu.Unlock()
}

func (s *Store) clearDirty(key string) {
	s.mu.Lock()
	delete(s.dirtyKeys, key)
	s.mu.Unlock()
}

func (s *Store) dirtyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirtyKeys)
}

func (s *Store) maybeCheckpointOnDirtyCount(ctx context.Context) {
	if s.dirtyCount() < s.cfg.DirtyCountThreshold {
		return
	}
	if _, err := s.Checkpoint(ctx, TriggerDirtyCount); err != nil {
		l := log.FromContext(ctx)
		l.Error().Err(err).Str("table", s.schema.Table).Msg("checkpoint on dirty-count threshold failed")
	}
}

// onEvict is the write buffer's eviction hook: a dirty entry being evicted
// must be flushed synchronously before eviction completes. Returning an
// error here tells the buffer to keep the entry rather than drop it, so a
// transient DB failure during eviction doesn't lose the write outright.
func (s *Store) onEvict(key string, value any, reason writebuffer.EvictReason) error {
	entity, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	s.mu.Lock()
	_, dirty := s.dirtyKeys[key]
	s.mu.Unlock()
	if !dirty {
		return nil
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := s.upsert(ctx, tx, entity); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.clearDirty(key)
	return nil
}

func (s *Store) runInterval() {
	t := s.cfg.Clock.NewTimer(s.cfg.WallInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C():
			s.checkpointOnInterval()
			t.Reset(s.cfg.WallInterval)
		}
	}
}

func (s *Store) checkpointOnInterval() {
	if s.dirtyCount() == 0 {
		return
	}
	if _, err := s.Checkpoint(context.Background(), TriggerInterval); err != nil {
		return
	}
	if ratio, err := memoryPressureRatio(); err == nil && ratio >= s.cfg.MemoryPressureRatio {
		_, _ = s.Checkpoint(context.Background(), TriggerMemoryPressure)
	}
}

func memoryPressureRatio() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent / 100.0, nil
}

func (s *Store) notifyCheckpoint(entities map[string]map[string]any, stats CheckpointStats) {
	if s.cfg.OnCheckpoint != nil {
		s.cfg.OnCheckpoint(entities, stats)
	}
}

func (s *Store) selectByID(ctx context.Context, id any) (map[string]any, error) {
	names := make([]string, 0, len(s.schema.Columns))
	for name := range s.schema.Columns {
		names = append(names, name)
	}
	sqlCols := make([]string, len(names))
	for i, n := range names {
		sqlCols[i] = s.schema.sqlColumn(n)
	}

	stmt := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		strings.Join(sqlCols, ", "), s.schema.Table, s.schema.sqlColumn(s.schema.PrimaryKey))

	dest := make([]any, len(names))
	scan := make([]any, len(names))
	for i := range dest {
		scan[i] = &dest[i]
	}

	row := s.db.QueryRowContext(ctx, stmt, id)
	if err := row.Scan(scan...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, &errtypes.Io{Op: "get", Path: s.schema.Table, Err: err}
	}

	entity := make(map[string]any, len(names))
	for i, name := range names {
		v := dest[i]
		if col := s.schema.Columns[name]; col.Deserialize != nil {
			dv, err := col.Deserialize(v)
			if err != nil {
				return nil, &errtypes.Io{Op: "deserialize", Path: name, Err: err}
			}
			v = dv
		}
		entity[name] = v
	}
	return entity, nil
}

func (s *Store) upsert(ctx context.Context, tx *sql.Tx, entity map[string]any) error {
	names := make([]string, 0, len(entity))
	for name := range entity {
		if _, declared := s.schema.Columns[name]; declared {
			names = append(names, name)
		}
	}

	sqlCols := make([]string, len(names))
	placeholders := make([]string, len(names))
	values := make([]any, len(names))
	updates := make([]string, 0, len(names))

	for i, name := range names {
		sqlCols[i] = s.schema.sqlColumn(name)
		placeholders[i] = "?"
		v := entity[name]
		if col := s.schema.Columns[name]; col.Serialize != nil {
			sv, err := col.Serialize(v)
			if err != nil {
				return &errtypes.Io{Op: "serialize", Path: name, Err: err}
			}
			v = sv
		}
		values[i] = v
		if name != s.schema.PrimaryKey {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", sqlCols[i], sqlCols[i]))
		}
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		s.schema.Table,
		strings.Join(sqlCols, ", "),
		strings.Join(placeholders, ", "),
		s.schema.sqlColumn(s.schema.PrimaryKey),
		strings.Join(updates, ", "),
	)

	if _, err := tx.ExecContext(ctx, stmt, values...); err != nil {
		return &errtypes.Io{Op: "upsert", Path: s.schema.Table, Err: err}
	}
	return nil
}

func estimateSize(entity map[string]any) int {
	size := 0
	for k, v := range entity {
		size += len(k) + 8
		if s, ok := v.(string); ok {
			size += len(s)
		} else {
			size += 8
		}
	}
	return size
}
