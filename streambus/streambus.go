// Package streambus implements the per-workflow bounded event queue that
// feeds the SSE transport and the webhook dispatcher. It follows the shape
// of the teacher's agent/stream package (Event/Base/Sink, dense per-run
// sequence numbers) but adds the bounded-retention, block-then-drop-oldest
// backpressure policy and multi-subscriber fan-out this spec requires.
package streambus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/lukeslp/dreamwalker/dwerrors"
	"github.com/lukeslp/dreamwalker/ident"
	"github.com/lukeslp/dreamwalker/telemetry"
	"github.com/lukeslp/dreamwalker/workflow"
)

const (
	// DefaultCapacity is the default per-workflow event retention bound.
	DefaultCapacity = 1000
	// DefaultMaxStreams is the default number of concurrently open workflow streams.
	DefaultMaxStreams = 100
	// DefaultPublishDeadline is how long Publish waits for a subscriber to
	// catch up before forcibly dropping the oldest retained event.
	DefaultPublishDeadline = 250 * time.Millisecond
	// DefaultCloseGrace is how long a closed stream remains readable before
	// its queue is released, so late SSE subscribers can still observe the
	// terminal event.
	DefaultCloseGrace = 5 * time.Second
	// DefaultIdleTTL is how long an untouched stream may sit before Reap
	// closes and releases it.
	DefaultIdleTTL = 3600 * time.Second
)

// Config tunes the bus's bounds and timings. Zero values fall back to the
// package defaults.
type Config struct {
	Capacity        int
	MaxStreams      int
	PublishDeadline time.Duration
	CloseGrace      time.Duration
	IdleTTL         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.MaxStreams <= 0 {
		c.MaxStreams = DefaultMaxStreams
	}
	if c.PublishDeadline <= 0 {
		c.PublishDeadline = DefaultPublishDeadline
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	return c
}

// Bus holds every active workflow's event queue.
type Bus struct {
	cfg    Config
	logger telemetry.Logger

	mu      sync.Mutex
	streams map[ident.WorkflowID]*queue
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithConfig overrides the default bounds and timings.
func WithConfig(c Config) Option {
	return func(b *Bus) { b.cfg = c }
}

// WithLogger sets the logger used for drop/reap diagnostics.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// New constructs an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{streams: make(map[ident.WorkflowID]*queue)}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.cfg = b.cfg.withDefaults()
	if b.logger == nil {
		b.logger = telemetry.NewNoopLogger()
	}
	return b
}

type subscriber struct {
	cursor uint64 // next sequence number this subscriber wants
	wake   chan struct{}
}

type queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	events []workflow.StreamEvent // ring, ascending by Seq, len <= capacity
	floor  uint64                 // smallest Seq still retained (events below this are gone)
	nextSeq uint64

	dropped      uint64
	closed       bool
	closeDeadline time.Time
	lastActivity time.Time

	subs map[int]*subscriber
	nextSubID int
}

func newQueue() *queue {
	q := &queue{subs: make(map[int]*subscriber), lastActivity: time.Now()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// minCursorLocked returns the lowest cursor among live subscribers, or
// nextSeq (meaning "no constraint") if there are none.
func (q *queue) minCursorLocked() uint64 {
	min := q.nextSeq
	for _, s := range q.subs {
		if s.cursor < min {
			min = s.cursor
		}
	}
	return min
}

// stream returns the queue for id, creating it if absent and within bounds.
func (b *Bus) stream(id ident.WorkflowID, create bool) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.streams[id]; ok {
		return q, nil
	}
	if !create {
		return nil, dwerrors.Newf(dwerrors.KindUnknownWorkflow, "no stream for workflow %s", id)
	}
	if len(b.streams) >= b.cfg.MaxStreams {
		return nil, dwerrors.New(dwerrors.KindInternal, "maximum concurrent workflow streams reached")
	}
	q := newQueue()
	b.streams[id] = q
	return q, nil
}

// Publish assigns the next dense sequence number for workflowID and
// enqueues the event. If the retained queue is at capacity, Publish first
// tries to evict events every current subscriber has already passed; if
// that is not enough it waits up to the configured deadline for a
// subscriber to catch up, and failing that drops the oldest retained event
// (incrementing the dropped-events counter) to make room. A stream with no
// subscribers drops and counts its oldest event without waiting.
func (b *Bus) Publish(ctx context.Context, workflowID ident.WorkflowID, eventType workflow.StreamEventType, payload json.RawMessage) (uint64, error) {
	q, err := b.stream(workflowID, true)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, dwerrors.Newf(dwerrors.KindInternal, "workflow %s stream is closed", workflowID)
	}

	if len(q.events) >= b.cfg.Capacity {
		b.makeRoom(ctx, q, workflowID)
	}

	seq := q.nextSeq
	q.nextSeq++
	evt := workflow.StreamEvent{
		WorkflowID: workflowID,
		Seq:        seq,
		Type:       eventType,
		Timestamp:  time.Now(),
		Payload:    payload,
	}
	q.events = append(q.events, evt)
	q.lastActivity = evt.Timestamp
	q.cond.Broadcast()
	return seq, nil
}

// makeRoom must be called with q.mu held and len(q.events) >= capacity. It
// evicts already-consumed events opportunistically, then waits up to the
// publish deadline for subscribers to advance, and finally force-drops the
// oldest event regardless of consumption state. With no subscribers it
// neither evicts nor waits: the oldest event is dropped and counted at once.
func (b *Bus) makeRoom(ctx context.Context, q *queue, workflowID ident.WorkflowID) {
	if b.evictConsumedLocked(q) {
		return
	}

	deadline := time.Now().Add(b.cfg.PublishDeadline)
	for len(q.subs) > 0 && len(q.events) >= b.cfg.Capacity {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		go func() {
			timer := time.NewTimer(remaining)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		}()
		q.cond.Wait()
		if b.evictConsumedLocked(q) {
			return
		}
	}

	if len(q.events) >= b.cfg.Capacity && len(q.events) > 0 {
		dropped := q.events[0]
		q.events = q.events[1:]
		q.floor = dropped.Seq + 1
		q.dropped++
		b.logger.Warn(context.Background(), "streambus dropped oldest event under backpressure",
			"workflow_id", string(workflowID), "seq", dropped.Seq, "dropped_total", q.dropped)
	}
}

// evictConsumedLocked removes every retained event every live subscriber has
// already passed, freeing room without dropping anything. Returns true if
// room was freed. With no live subscribers nothing counts as consumed.
func (b *Bus) evictConsumedLocked(q *queue) bool {
	if len(q.events) == 0 || len(q.subs) == 0 {
		return false
	}
	min := q.minCursorLocked()
	n := 0
	for n < len(q.events) && q.events[n].Seq < min {
		n++
	}
	if n == 0 {
		return false
	}
	q.floor = q.events[n-1].Seq + 1
	q.events = q.events[n:]
	return len(q.events) < b.cfg.Capacity
}

// Subscription is a single consumer's cursor into a workflow's stream.
type Subscription struct {
	bus        *Bus
	workflowID ident.WorkflowID
	id         int
}

// Subscribe attaches a new subscriber to workflowID. If fromSeq is non-nil
// and still retained, the subscription replays starting at that sequence
// number; otherwise it begins from the current tail (new events only).
func (b *Bus) Subscribe(workflowID ident.WorkflowID, fromSeq *uint64) (*Subscription, error) {
	q, err := b.stream(workflowID, false)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	cursor := q.nextSeq
	if fromSeq != nil && *fromSeq >= q.floor && *fromSeq < q.nextSeq {
		cursor = *fromSeq
	}

	id := q.nextSubID
	q.nextSubID++
	q.subs[id] = &subscriber{cursor: cursor, wake: make(chan struct{}, 1)}

	return &Subscription{bus: b, workflowID: workflowID, id: id}, nil
}

// Next blocks until the next event is available, the stream is closed with
// no further retained event for this subscriber, or ctx is cancelled.
func (s *Subscription) Next(ctx context.Context) (workflow.StreamEvent, bool, error) {
	q, err := s.bus.stream(s.workflowID, false)
	if err != nil {
		return workflow.StreamEvent{}, false, err
	}

	// A single watcher wakes the condition variable if ctx is cancelled
	// while we are parked in q.cond.Wait; it exits once Next returns.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		sub, ok := q.subs[s.id]
		if !ok {
			return workflow.StreamEvent{}, false, nil
		}
		if sub.cursor < q.floor {
			sub.cursor = q.floor
		}
		idx := int(sub.cursor - q.floor)
		if idx >= 0 && idx < len(q.events) {
			evt := q.events[idx]
			sub.cursor = evt.Seq + 1
			q.cond.Broadcast()
			return evt, true, nil
		}
		if q.closed {
			return workflow.StreamEvent{}, false, nil
		}
		if ctx.Err() != nil {
			return workflow.StreamEvent{}, false, ctx.Err()
		}
		q.cond.Wait()
	}
}

// Unsubscribe detaches the subscription, so its cursor no longer holds back
// eviction of events the remaining subscribers have passed.
func (s *Subscription) Unsubscribe() {
	q, err := s.bus.stream(s.workflowID, false)
	if err != nil {
		return
	}
	q.mu.Lock()
	delete(q.subs, s.id)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Close schedules workflowID's stream for release. Subscribers can still
// drain buffered events (including the terminal one just published by the
// orchestrator) until the grace window elapses, after which Reap releases
// the queue entirely.
func (b *Bus) Close(workflowID ident.WorkflowID) {
	q, err := b.stream(workflowID, false)
	if err != nil {
		return
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.closeDeadline = time.Now().Add(b.cfg.CloseGrace)
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

// Reap releases streams that are closed and past their grace window, or
// that have been idle beyond the configured TTL.
func (b *Bus) Reap(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, q := range b.streams {
		q.mu.Lock()
		expired := (q.closed && now.After(q.closeDeadline)) ||
			(!q.closed && now.Sub(q.lastActivity) > b.cfg.IdleTTL)
		if expired && !q.closed {
			q.closed = true
			q.cond.Broadcast()
		}
		q.mu.Unlock()

		if expired {
			delete(b.streams, id)
		}
	}
}

// DroppedCount reports how many events have been force-evicted for
// workflowID under backpressure.
func (b *Bus) DroppedCount(workflowID ident.WorkflowID) uint64 {
	q, err := b.stream(workflowID, false)
	if err != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
