package jobs

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Priority orders admission within a pool. Within one level, jobs are
// admitted in enqueue order.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// priorityOrder is the dispatch scan order, highest first.
var priorityOrder = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority maps a string to a priority level, defaulting to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// Record is one queued job awaiting admission.
type Record struct {
	JobID      string            `json:"job_id"`
	Kind       string            `json:"kind"`
	Priority   Priority          `json:"priority"`
	HasBackup  bool              `json:"has_backup"`
	Meta       map[string]string `json:"meta,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Callbacks wire the pools to the composite runner. OnAdmit runs in its
// own goroutine per admission and owns the job until it returns; OnComplete
// fires after the slot is released.
type Callbacks struct {
	OnAdmit    func(rec Record)
	OnComplete func(jobID string, success bool)
}

// QueueConfig sizes the admission pools.
type QueueConfig struct {
	BackupSlots    int
	OperationSlots int
	BacklogCap     int
	PollInterval   time.Duration
}

// DefaultQueueConfig returns the standard pool sizing: five concurrent
// backups, ten concurrent operations, a combined backlog of 100 pending
// jobs, and a 100 ms dispatch poll.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		BackupSlots:    5,
		OperationSlots: 10,
		BacklogCap:     100,
		PollInterval:   100 * time.Millisecond,
	}
}

func (c QueueConfig) withDefaults() QueueConfig {
	d := DefaultQueueConfig()
	if c.BackupSlots <= 0 {
		c.BackupSlots = d.BackupSlots
	}
	if c.OperationSlots <= 0 {
		c.OperationSlots = d.OperationSlots
	}
	if c.BacklogCap <= 0 {
		c.BacklogCap = d.BacklogCap
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// pool is one bounded admission pool: a priority FIFO of pending records
// plus the set of currently running jobs.
type pool struct {
	name    string
	slots   int
	buckets map[Priority][]*Record
	running map[string]*Record
}

func newPool(name string, slots int) *pool {
	return &pool{
		name:    name,
		slots:   slots,
		buckets: make(map[Priority][]*Record),
		running: make(map[string]*Record),
	}
}

func (p *pool) pending() int {
	n := 0
	for _, bucket := range p.buckets {
		n += len(bucket)
	}
	return n
}

// next pops the oldest record from the highest non-empty priority bucket,
// or nil when the pool is empty or out of slots.
func (p *pool) next() *Record {
	if len(p.running) >= p.slots {
		return nil
	}
	for _, prio := range priorityOrder {
		bucket := p.buckets[prio]
		if len(bucket) == 0 {
			continue
		}
		rec := bucket[0]
		p.buckets[prio] = bucket[1:]
		return rec
	}
	return nil
}

// remove drops a pending record, returning true if it was found.
func (p *pool) remove(jobID string) bool {
	for prio, bucket := range p.buckets {
		for i, rec := range bucket {
			if rec.JobID == jobID {
				p.buckets[prio] = append(bucket[:i:i], bucket[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Queue admits jobs into two bounded pools: jobs with at least one backup
// task go to the backup pool, everything else to the operation pool. Each
// pool dispatches its priority FIFO whenever a slot frees, driven by a
// poll ticker plus an admit/complete signal.
type Queue struct {
	mu        sync.Mutex
	backup    *pool
	operation *pool
	cfg       QueueConfig
	callbacks Callbacks
	logger    *zap.SugaredLogger

	wake    chan struct{}
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewQueue creates a queue with the given pool sizing and callbacks.
// Call Start to begin dispatching.
func NewQueue(cfg QueueConfig, callbacks Callbacks, logger *zap.SugaredLogger) *Queue {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Queue{
		backup:    newPool("backup", cfg.BackupSlots),
		operation: newPool("operation", cfg.OperationSlots),
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.dispatchLoop()
}

// Stop halts dispatching. Running jobs are not interrupted; their slots
// simply stop being refilled.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
}

// Enqueue adds a job to its pool's priority FIFO. Returns false when the
// combined pending backlog is at the cap; the job is then never admitted.
func (q *Queue) Enqueue(rec Record) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	if q.backup.pending()+q.operation.pending() >= q.cfg.BacklogCap {
		q.mu.Unlock()
		q.logger.Warnw("Admission backlog full, rejecting job",
			"job_id", rec.JobID,
			"backlog_cap", q.cfg.BacklogCap,
		)
		return false
	}

	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now()
	}
	rec.Priority = ParsePriority(string(rec.Priority))

	target := q.operation
	if rec.HasBackup {
		target = q.backup
	}
	target.buckets[rec.Priority] = append(target.buckets[rec.Priority], &rec)
	q.mu.Unlock()

	q.signal()
	return true
}

// Remove drops a still-pending job from either pool. Returns false when
// the job has already been admitted or was never enqueued.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backup.remove(jobID) || q.operation.remove(jobID)
}

// Complete releases the slot held by a running job and fires OnComplete.
func (q *Queue) Complete(jobID string, success bool) {
	q.mu.Lock()
	if _, ok := q.backup.running[jobID]; ok {
		delete(q.backup.running, jobID)
	} else if _, ok := q.operation.running[jobID]; ok {
		delete(q.operation.running, jobID)
	} else {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.signal()
	if q.callbacks.OnComplete != nil {
		q.callbacks.OnComplete(jobID, success)
	}
}

// QueueStats counts pending and running jobs per pool.
type QueueStats struct {
	BackupPending    int `json:"backup_pending"`
	BackupRunning    int `json:"backup_running"`
	OperationPending int `json:"operation_pending"`
	OperationRunning int `json:"operation_running"`
}

// Stats returns a snapshot of both pools.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		BackupPending:    q.backup.pending(),
		BackupRunning:    len(q.backup.running),
		OperationPending: q.operation.pending(),
		OperationRunning: len(q.operation.running),
	}
}

// ListRunning returns copies of every record currently holding a slot.
func (q *Queue) ListRunning() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Record, 0, len(q.backup.running)+len(q.operation.running))
	for _, rec := range q.backup.running {
		out = append(out, *rec)
	}
	for _, rec := range q.operation.running {
		out = append(out, *rec)
	}
	return out
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatchLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
		case <-q.wake:
		}
		q.admitReady()
	}
}

// admitReady fills free slots from each pool's FIFO and hands every
// admitted record to OnAdmit on its own goroutine.
func (q *Queue) admitReady() {
	q.mu.Lock()
	var admitted []*Record
	for _, p := range []*pool{q.backup, q.operation} {
		for {
			rec := p.next()
			if rec == nil {
				break
			}
			p.running[rec.JobID] = rec
			admitted = append(admitted, rec)
		}
	}
	q.mu.Unlock()

	for _, rec := range admitted {
		q.logger.Debugw("Admitted job",
			"job_id", rec.JobID,
			"kind", rec.Kind,
			"priority", rec.Priority,
			"pool", poolName(rec.HasBackup),
		)
		if q.callbacks.OnAdmit != nil {
			go q.callbacks.OnAdmit(*rec)
		}
	}
}

func poolName(hasBackup bool) string {
	if hasBackup {
		return "backup"
	}
	return "operation"
}
