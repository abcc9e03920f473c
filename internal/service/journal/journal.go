// Package journal is the write-behind persistence pipeline for orchestrator
// state. Components record missions, tasks, domains, and audit logs here;
// the journal coalesces repeated upserts of the same record and flushes them
// to the store in batches on a timer, when the buffer fills, or on Sync.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/rex/internal/model"
	"github.com/ashita-ai/rex/internal/storage"
	"github.com/ashita-ai/rex/internal/telemetry"
)

// maxCapacity is the hard upper limit on buffered records. Past it a failed
// batch is dropped rather than re-queued.
const maxCapacity = 100_000

// Writer persists a batch. Both storage backends satisfy it.
type Writer interface {
	WriteBatch(ctx context.Context, b storage.Batch) (int, error)
}

// ErrClosed is returned by Sync after Drain.
var ErrClosed = errors.New("journal: closed")

// pending holds coalesced upserts in first-seen order plus appended logs.
type pending struct {
	missions     map[uuid.UUID]model.Mission
	missionOrder []uuid.UUID
	tasks        map[uuid.UUID]model.Task
	taskOrder    []uuid.UUID
	domains      map[uuid.UUID]model.Domain
	domainOrder  []uuid.UUID
	logs         []model.RexLog
}

func newPending() *pending {
	return &pending{
		missions: make(map[uuid.UUID]model.Mission),
		tasks:    make(map[uuid.UUID]model.Task),
		domains:  make(map[uuid.UUID]model.Domain),
	}
}

func (p *pending) len() int {
	return len(p.missionOrder) + len(p.taskOrder) + len(p.domainOrder) + len(p.logs)
}

func (p *pending) batch() storage.Batch {
	var b storage.Batch
	for _, id := range p.missionOrder {
		b.Missions = append(b.Missions, p.missions[id])
	}
	for _, id := range p.taskOrder {
		b.Tasks = append(b.Tasks, p.tasks[id])
	}
	for _, id := range p.domainOrder {
		b.Domains = append(b.Domains, p.domains[id])
	}
	b.Logs = p.logs
	return b
}

// Journal buffers records for batched writes.
type Journal struct {
	w             Writer
	logger        *slog.Logger
	maxSize       int
	flushInterval time.Duration

	mu  sync.Mutex
	buf *pending

	flushMu sync.Mutex // serialises flushes from the loop and Sync

	dropped atomic.Int64
	flushed atomic.Int64
	started atomic.Bool
	closed  atomic.Bool

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

// New creates a journal. A nil writer discards flushed batches, which keeps
// single-process tests free of a database.
func New(w Writer, logger *slog.Logger, maxSize int, flushInterval time.Duration) *Journal {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Journal{
		w:             w,
		logger:        logger,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		buf:           newPending(),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. A second
// call is a no-op. Call Drain to stop.
func (j *Journal) Start(ctx context.Context) {
	if !j.started.CompareAndSwap(false, true) {
		j.logger.Warn("journal: start called twice")
		return
	}
	j.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	j.cancelLoop = cancel
	go j.flushLoop(loopCtx)
}

// RecordMission queues a mission upsert. A later record for the same ID
// replaces an unflushed earlier one.
func (j *Journal) RecordMission(m model.Mission) {
	j.mu.Lock()
	if _, ok := j.buf.missions[m.ID]; !ok {
		j.buf.missionOrder = append(j.buf.missionOrder, m.ID)
	}
	j.buf.missions[m.ID] = m
	j.signalLocked()
	j.mu.Unlock()
}

// RecordTask queues a task upsert.
func (j *Journal) RecordTask(t model.Task) {
	j.mu.Lock()
	if _, ok := j.buf.tasks[t.ID]; !ok {
		j.buf.taskOrder = append(j.buf.taskOrder, t.ID)
	}
	j.buf.tasks[t.ID] = t
	j.signalLocked()
	j.mu.Unlock()
}

// RecordDomain queues a domain upsert.
func (j *Journal) RecordDomain(d model.Domain) {
	j.mu.Lock()
	if _, ok := j.buf.domains[d.ID]; !ok {
		j.buf.domainOrder = append(j.buf.domainOrder, d.ID)
	}
	j.buf.domains[d.ID] = d
	j.signalLocked()
	j.mu.Unlock()
}

// Log queues an audit record.
func (j *Journal) Log(l model.RexLog) {
	j.mu.Lock()
	j.buf.logs = append(j.buf.logs, l)
	j.signalLocked()
	j.mu.Unlock()
}

func (j *Journal) signalLocked() {
	if j.buf.len() >= j.maxSize {
		select {
		case j.flushCh <- struct{}{}:
		default:
		}
	}
}

// Sync flushes everything buffered so far and reports the write error, if
// any. Records from a failed Sync stay queued for the next flush.
func (j *Journal) Sync(ctx context.Context) error {
	if j.closed.Load() {
		return ErrClosed
	}
	return j.flush(ctx)
}

func (j *Journal) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if j.drainCtx != nil {
				_ = j.flush(j.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				_ = j.flush(fallbackCtx)
				cancel()
			}
			close(j.done)
			return
		case <-ticker.C:
			_ = j.flush(ctx)
		case <-j.flushCh:
			_ = j.flush(ctx)
		}
	}
}

func (j *Journal) flush(ctx context.Context) error {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	j.mu.Lock()
	if j.buf.len() == 0 {
		j.mu.Unlock()
		return nil
	}
	taken := j.buf
	j.buf = newPending()
	j.mu.Unlock()

	if j.w == nil {
		return nil
	}

	batch := taken.batch()
	start := time.Now()
	count, err := j.w.WriteBatch(ctx, batch)
	if err != nil {
		j.logger.Error("journal: flush failed", "error", err, "batch_size", batch.Len())
		j.requeue(taken)
		return err
	}
	j.flushed.Add(int64(count))
	j.logger.Debug("journal: batch flushed",
		"batch_size", count,
		"flush_duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// requeue puts a failed batch back in front of anything recorded since,
// keeping the newer version of any record written in the meantime.
func (j *Journal) requeue(old *pending) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if old.len()+j.buf.len() > maxCapacity {
		j.dropped.Add(int64(old.len()))
		j.logger.Error("journal: dropping records, buffer at capacity after flush failure", "dropped", old.len())
		return
	}
	cur := j.buf
	for _, id := range cur.missionOrder {
		if _, ok := old.missions[id]; !ok {
			old.missionOrder = append(old.missionOrder, id)
		}
		old.missions[id] = cur.missions[id]
	}
	for _, id := range cur.taskOrder {
		if _, ok := old.tasks[id]; !ok {
			old.taskOrder = append(old.taskOrder, id)
		}
		old.tasks[id] = cur.tasks[id]
	}
	for _, id := range cur.domainOrder {
		if _, ok := old.domains[id]; !ok {
			old.domainOrder = append(old.domainOrder, id)
		}
		old.domains[id] = cur.domains[id]
	}
	old.logs = append(old.logs, cur.logs...)
	j.buf = old
}

// Drain stops the flush loop after a final flush. ctx bounds both the wait
// and the final write.
func (j *Journal) Drain(ctx context.Context) {
	j.closed.Store(true)
	if !j.started.Load() {
		_ = j.flush(ctx)
		return
	}
	j.drainCtx = ctx
	if j.cancelLoop != nil {
		j.cancelLoop()
	}
	select {
	case <-j.done:
	case <-ctx.Done():
		j.logger.Warn("journal: drain timed out waiting for flush loop")
	}
}

func (j *Journal) registerMetrics() {
	meter := telemetry.Meter("rex/journal")

	_, _ = meter.Int64ObservableGauge("rex.journal.depth",
		metric.WithDescription("Records waiting in the journal buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(j.Len()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("rex.journal.dropped_total",
		metric.WithDescription("Records dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(j.Dropped())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("rex.journal.flushed_total",
		metric.WithDescription("Records written to the store"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(j.flushed.Load())
			return nil
		}),
	)
}

// Len returns the number of buffered records.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.buf.len()
}

// Capacity returns the buffer size at which new records start to drop.
func (j *Journal) Capacity() int { return j.maxSize }

// Dropped returns the number of records lost to capacity exhaustion after a
// flush failure. Non-zero means data loss.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}
