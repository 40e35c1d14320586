// Package statestore tracks WorkflowRecord and completed OrchestratorResult
// values keyed by workflow identity, per spec §4.2. It follows a two-tier
// design grounded on the teacher's run/inmem.Store (hot in-memory map,
// defensive copies on read/write, mutex-guarded) generalised with an
// optional pluggable durable backend for asynchronous replication and
// start-of-day rehydration, per the teacher's registry/result_stream.go
// Redis-cache pattern.
package statestore

import (
	"container/list"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lukeslp/dreamwalker/dwerrors"
	"github.com/lukeslp/dreamwalker/ident"
	"github.com/lukeslp/dreamwalker/telemetry"
	"github.com/lukeslp/dreamwalker/workflow"
)

const (
	// DefaultMaxActive is the default cap on concurrently active workflow records.
	DefaultMaxActive = 50
	// DefaultCompletedRetention is the default hot-tier completed-result cap.
	DefaultCompletedRetention = 100
	// DefaultRetentionWindow is how long a terminal record/result survives
	// before EvictExpired removes it outright.
	DefaultRetentionWindow = 24 * time.Hour
)

// Backend is the narrow pluggable durable-storage seam the spec's §9 design
// note calls for: a key-value store with TTL plus a set and a sorted-set
// primitive, sufficient to persist records, track the active-id set, and
// maintain the completion-time index.
type Backend interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	SetAdd(ctx context.Context, key, member string) error
	SetRem(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key, member string) error
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

const (
	keyRecordPrefix = "dreamwalker:record:"
	keyResultPrefix = "dreamwalker:result:"
	keyActiveSet    = "dreamwalker:active"
	keyCompletedZ   = "dreamwalker:completed"
)

// Config tunes the store's bounds. Zero values fall back to defaults.
type Config struct {
	MaxActive          int
	CompletedRetention int
	RetentionWindow    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxActive <= 0 {
		c.MaxActive = DefaultMaxActive
	}
	if c.CompletedRetention <= 0 {
		c.CompletedRetention = DefaultCompletedRetention
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = DefaultRetentionWindow
	}
	return c
}

type completedEntry struct {
	id        ident.WorkflowID
	result    workflow.OrchestratorResult
	record    workflow.Record
	completed time.Time
	elem      *list.Element
}

// Store is the two-tier workflow record/result store.
type Store struct {
	cfg     Config
	backend Backend
	logger  telemetry.Logger

	mu       sync.Mutex
	active   map[ident.WorkflowID]*workflow.Record
	// completed preserves oldest-first order by completion time; new entries
	// are always appended because Complete is called at real completion
	// time, so insertion order already equals completion order.
	completed    map[ident.WorkflowID]*completedEntry
	completedLRU *list.List
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithConfig overrides the default bounds.
func WithConfig(c Config) Option { return func(s *Store) { s.cfg = c } }

// WithBackend attaches a durable backend for asynchronous replication and
// start-of-day rehydration. Without one the store is in-memory only.
func WithBackend(b Backend) Option { return func(s *Store) { s.backend = b } }

// WithLogger sets the logger used for replication/eviction diagnostics.
func WithLogger(l telemetry.Logger) Option { return func(s *Store) { s.logger = l } }

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		active:       make(map[ident.WorkflowID]*workflow.Record),
		completed:    make(map[ident.WorkflowID]*completedEntry),
		completedLRU: list.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cfg = s.cfg.withDefaults()
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	return s
}

// Rehydrate loads active records from the durable backend, if configured.
// Call once at process start before serving traffic.
func (s *Store) Rehydrate(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	ids, err := s.backend.SetMembers(ctx, keyActiveSet)
	if err != nil {
		return dwerrors.Wrap(dwerrors.KindInternal, err, "rehydrate: list active ids")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range ids {
		id := ident.WorkflowID(raw)
		data, ok, err := s.backend.Get(ctx, keyRecordPrefix+raw)
		if err != nil || !ok {
			continue
		}
		var rec workflow.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn(ctx, "rehydrate: malformed record skipped", "workflow_id", raw, "error", err.Error())
			continue
		}
		s.active[id] = &rec
	}
	return nil
}

// Create inserts a new pending record. Fails with too_many_active if the hot
// tier is already at the active-record bound, or with internal if the
// identity is already present.
func (s *Store) Create(ctx context.Context, rec workflow.Record) error {
	s.mu.Lock()
	if _, exists := s.active[rec.WorkflowID]; exists {
		s.mu.Unlock()
		return dwerrors.Newf(dwerrors.KindInternal, "workflow %s already exists", rec.WorkflowID)
	}
	if len(s.active) >= s.cfg.MaxActive {
		s.mu.Unlock()
		return dwerrors.Newf(dwerrors.KindTooManyActive, "active workflow bound (%d) reached", s.cfg.MaxActive)
	}
	copy := rec
	s.active[rec.WorkflowID] = &copy
	s.mu.Unlock()

	s.replicateRecord(ctx, copy)
	return nil
}

// Transition moves id's record to next, recording err if non-nil. Fails if
// the transition is disallowed by the TaskStatus state machine.
func (s *Store) Transition(ctx context.Context, id ident.WorkflowID, next workflow.TaskStatus, cause error) error {
	s.mu.Lock()
	rec, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return dwerrors.Newf(dwerrors.KindUnknownWorkflow, "workflow %s not found", id)
	}
	if !rec.Status.CanTransition(next) {
		s.mu.Unlock()
		return dwerrors.Newf(dwerrors.KindInternal, "illegal transition %s -> %s for workflow %s", rec.Status, next, id)
	}
	rec.Status = next
	rec.Error = cause
	switch next {
	case workflow.StatusRunning:
		rec.Timestamps.Started = time.Now()
	case workflow.StatusCancelled:
		rec.Timestamps.Completed = time.Now()
	}
	copy := *rec
	s.mu.Unlock()

	s.replicateRecord(ctx, copy)
	return nil
}

// Complete atomically transitions id to a terminal status and stores result.
// It fails if id is not an active record or the transition is disallowed.
func (s *Store) Complete(ctx context.Context, id ident.WorkflowID, result workflow.OrchestratorResult) error {
	if !result.Status.Terminal() {
		return dwerrors.Newf(dwerrors.KindInternal, "Complete requires a terminal status, got %s", result.Status)
	}

	s.mu.Lock()
	rec, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return dwerrors.Newf(dwerrors.KindUnknownWorkflow, "workflow %s not found", id)
	}
	if !rec.Status.CanTransition(result.Status) {
		s.mu.Unlock()
		return dwerrors.Newf(dwerrors.KindInternal, "illegal transition %s -> %s for workflow %s", rec.Status, result.Status, id)
	}
	rec.Status = result.Status
	rec.Error = result.Error
	now := time.Now()
	rec.Timestamps.Completed = now
	finalRec := *rec
	delete(s.active, id)

	entry := &completedEntry{id: id, result: result, record: finalRec, completed: now}
	entry.elem = s.completedLRU.PushBack(entry)
	s.completed[id] = entry
	s.evictCompletedLocked(ctx)
	s.mu.Unlock()

	s.replicateComplete(ctx, finalRec, result, now)
	return nil
}

// evictCompletedLocked must be called with s.mu held. It removes the oldest
// completed entries, by completion timestamp, until the hot tier is within
// CompletedRetention. This is the explicit fix for the spec's documented
// source bug (eviction keyed on execution duration instead of completion
// time): the list is strictly FIFO by completion order, so the front is
// always the oldest completion regardless of how long any run took.
func (s *Store) evictCompletedLocked(ctx context.Context) {
	for len(s.completed) > s.cfg.CompletedRetention {
		front := s.completedLRU.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*completedEntry)
		s.completedLRU.Remove(front)
		delete(s.completed, entry.id)
		if s.backend != nil {
			go func(id ident.WorkflowID) {
				_ = s.backend.ZRem(context.Background(), keyCompletedZ, string(id))
			}(entry.id)
		}
		_ = ctx
	}
}

// GetRecord returns a defensive copy of id's record, from whichever tier
// currently holds it.
func (s *Store) GetRecord(id ident.WorkflowID) (workflow.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.active[id]; ok {
		return *rec, true
	}
	if entry, ok := s.completed[id]; ok {
		return entry.record, true
	}
	return workflow.Record{}, false
}

// GetResult returns id's terminal OrchestratorResult. The bool is false if
// the workflow is unknown or has not yet reached a terminal state.
func (s *Store) GetResult(id ident.WorkflowID) (workflow.OrchestratorResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.completed[id]
	if !ok {
		return workflow.OrchestratorResult{}, false
	}
	return entry.result, true
}

// ActiveIDs lists every non-terminal workflow identity.
func (s *Store) ActiveIDs() []ident.WorkflowID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ident.WorkflowID, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CompletedIDs lists up to limit completed workflow identities, newest-first
// by completion time (limit <= 0 means "all").
func (s *Store) CompletedIDs(limit int) []ident.WorkflowID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ident.WorkflowID, 0, len(s.completed))
	for e := s.completedLRU.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(*completedEntry).id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// EvictExpired removes completed records whose completion time is older
// than the configured RetentionWindow relative to now.
func (s *Store) EvictExpired(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var expired []*completedEntry
	for e := s.completedLRU.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*completedEntry)
		if now.Sub(entry.completed) > s.cfg.RetentionWindow {
			s.completedLRU.Remove(e)
			delete(s.completed, entry.id)
			expired = append(expired, entry)
		}
		e = next
	}
	s.mu.Unlock()

	if s.backend != nil {
		for _, entry := range expired {
			go func(id ident.WorkflowID) {
				bctx := context.Background()
				_ = s.backend.Delete(bctx, keyRecordPrefix+string(id))
				_ = s.backend.Delete(bctx, keyResultPrefix+string(id))
				_ = s.backend.ZRem(bctx, keyCompletedZ, string(id))
			}(entry.id)
		}
	}
	_ = ctx
	return len(expired)
}

func (s *Store) replicateRecord(ctx context.Context, rec workflow.Record) {
	if s.backend == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn(ctx, "replicate record: marshal failed", "workflow_id", rec.WorkflowID.String(), "error", err.Error())
		return
	}
	go func() {
		bctx := context.Background()
		if err := s.backend.Put(bctx, keyRecordPrefix+rec.WorkflowID.String(), data, s.cfg.RetentionWindow); err != nil {
			s.logger.Warn(bctx, "replicate record failed", "workflow_id", rec.WorkflowID.String(), "error", err.Error())
			return
		}
		if rec.Status.Terminal() {
			_ = s.backend.SetRem(bctx, keyActiveSet, rec.WorkflowID.String())
		} else {
			_ = s.backend.SetAdd(bctx, keyActiveSet, rec.WorkflowID.String())
		}
	}()
}

func (s *Store) replicateComplete(ctx context.Context, rec workflow.Record, result workflow.OrchestratorResult, completedAt time.Time) {
	if s.backend == nil {
		return
	}
	recData, recErr := json.Marshal(rec)
	resData, resErr := json.Marshal(result)
	go func() {
		bctx := context.Background()
		if recErr == nil {
			_ = s.backend.Put(bctx, keyRecordPrefix+rec.WorkflowID.String(), recData, s.cfg.RetentionWindow)
		}
		if resErr == nil {
			_ = s.backend.Put(bctx, keyResultPrefix+rec.WorkflowID.String(), resData, s.cfg.RetentionWindow)
		}
		_ = s.backend.SetRem(bctx, keyActiveSet, rec.WorkflowID.String())
		_ = s.backend.ZAdd(bctx, keyCompletedZ, float64(completedAt.UnixNano()), rec.WorkflowID.String())
	}()
	_ = ctx
}
