// Package output buffers per-job process output in bounded rings and lets
// callers snapshot or follow a job's lines while it runs.
package output

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRingSize bounds per-job line retention when no size is configured.
const DefaultRingSize = 1000

// Line is one captured output line with its per-job sequence number.
// Sequence numbers are assigned at append time, monotonic and dense per job.
type Line struct {
	Seq      uint64    `json:"seq"`
	Text     string    `json:"text"`
	Stream   string    `json:"stream"`
	Progress string    `json:"progress,omitempty"`
	At       time.Time `json:"at"`
}

// Snapshot is a point-in-time read of a job's buffered output.
type Snapshot struct {
	Lines     []Line `json:"lines"`
	Truncated uint64 `json:"truncated"`
}

// Manager holds one bounded ring per job.
type Manager struct {
	mu       sync.RWMutex
	jobs     map[string]*jobOutput
	ringSize int
	logger   *zap.SugaredLogger
}

// NewManager creates an output manager. ringSize <= 0 selects
// DefaultRingSize. A nil logger disables logging.
func NewManager(ringSize int, logger *zap.SugaredLogger) *Manager {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		jobs:     make(map[string]*jobOutput),
		ringSize: ringSize,
		logger:   logger,
	}
}

// jobOutput is the ring plus follower bookkeeping for a single job.
type jobOutput struct {
	mu        sync.Mutex
	ring      []Line
	head      int
	count     int
	nextSeq   uint64
	truncated uint64
	done      bool

	// changed is closed and replaced on every append and on completion,
	// waking followers waiting for new lines.
	changed chan struct{}
}

func newJobOutput(size int) *jobOutput {
	return &jobOutput{
		ring:    make([]Line, size),
		changed: make(chan struct{}),
	}
}

func (m *Manager) get(jobID string) (*jobOutput, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jo, ok := m.jobs[jobID]
	return jo, ok
}

func (m *Manager) getOrCreate(jobID string) *jobOutput {
	m.mu.Lock()
	defer m.mu.Unlock()
	if jo, ok := m.jobs[jobID]; ok {
		return jo
	}
	jo := newJobOutput(m.ringSize)
	m.jobs[jobID] = jo
	return jo
}

// Register creates the buffer for a job ahead of its first line so that
// followers attached before any output see an empty history, not a miss.
func (m *Manager) Register(jobID string) {
	m.getOrCreate(jobID)
}

// Append records one line for a job, assigning its sequence number. When
// the ring is full the oldest line is discarded and the truncated counter
// increments. Unknown jobs get a buffer on first append.
func (m *Manager) Append(jobID, text, stream, progress string) {
	jo := m.getOrCreate(jobID)

	jo.mu.Lock()
	line := Line{
		Seq:      jo.nextSeq,
		Text:     text,
		Stream:   stream,
		Progress: progress,
		At:       time.Now(),
	}
	jo.nextSeq++

	if jo.count == len(jo.ring) {
		// Overwrite the oldest slot
		jo.ring[jo.head] = line
		jo.head = (jo.head + 1) % len(jo.ring)
		jo.truncated++
	} else {
		jo.ring[(jo.head+jo.count)%len(jo.ring)] = line
		jo.count++
	}

	jo.wake()
	jo.mu.Unlock()
}

// wake notifies waiting followers. Caller holds jo.mu.
func (jo *jobOutput) wake() {
	close(jo.changed)
	jo.changed = make(chan struct{})
}

// oldestSeq returns the sequence number of the oldest retained line.
// Caller holds jo.mu.
func (jo *jobOutput) oldestSeq() uint64 {
	return jo.nextSeq - uint64(jo.count)
}

// collectFrom copies retained lines with sequence >= cursor.
// Caller holds jo.mu.
func (jo *jobOutput) collectFrom(cursor uint64) []Line {
	if jo.count == 0 || cursor >= jo.nextSeq {
		return nil
	}
	start := jo.oldestSeq()
	if cursor > start {
		start = cursor
	}
	n := int(jo.nextSeq - start)
	out := make([]Line, 0, n)
	offset := int(start - jo.oldestSeq())
	for i := 0; i < n; i++ {
		out = append(out, jo.ring[(jo.head+offset+i)%len(jo.ring)])
	}
	return out
}

// Snapshot returns a point-in-time copy of a job's buffer. tailN > 0 limits
// the copy to the newest tailN lines. The second return is false when the
// job has no buffer.
func (m *Manager) Snapshot(jobID string, tailN int) (Snapshot, bool) {
	jo, ok := m.get(jobID)
	if !ok {
		return Snapshot{}, false
	}

	jo.mu.Lock()
	defer jo.mu.Unlock()

	lines := jo.collectFrom(0)
	if tailN > 0 && len(lines) > tailN {
		lines = lines[len(lines)-tailN:]
	}
	return Snapshot{Lines: lines, Truncated: jo.truncated}, true
}

// Follow streams a job's buffered history followed by live additions until
// the job completes or ctx is cancelled. Every caller gets an independent
// cursor; a slow follower that falls behind the ring resumes at the oldest
// retained line. The channel closes when the stream ends. Unknown jobs
// yield an immediately closed channel.
func (m *Manager) Follow(ctx context.Context, jobID string) <-chan Line {
	ch := make(chan Line)

	jo, ok := m.get(jobID)
	if !ok {
		close(ch)
		return ch
	}

	go func() {
		defer close(ch)
		var cursor uint64

		for {
			jo.mu.Lock()
			batch := jo.collectFrom(cursor)
			done := jo.done
			changed := jo.changed
			jo.mu.Unlock()

			for _, line := range batch {
				select {
				case ch <- line:
					cursor = line.Seq + 1
				case <-ctx.Done():
					return
				}
			}

			if done {
				// Deliver anything appended between collect and the flag,
				// then finish
				jo.mu.Lock()
				rest := jo.collectFrom(cursor)
				jo.mu.Unlock()
				for _, line := range rest {
					select {
					case ch <- line:
					case <-ctx.Done():
						return
					}
				}
				return
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Complete marks a job's stream finished. Followers drain remaining lines
// and their channels close. Idempotent.
func (m *Manager) Complete(jobID string) {
	jo, ok := m.get(jobID)
	if !ok {
		return
	}
	jo.mu.Lock()
	if !jo.done {
		jo.done = true
		jo.wake()
	}
	jo.mu.Unlock()
}

// Clear removes a job's buffer. Active followers finish as if the job
// completed. The persisted job row is unaffected.
func (m *Manager) Clear(jobID string) {
	m.mu.Lock()
	jo, ok := m.jobs[jobID]
	delete(m.jobs, jobID)
	m.mu.Unlock()

	if !ok {
		return
	}
	jo.mu.Lock()
	if !jo.done {
		jo.done = true
		jo.wake()
	}
	jo.mu.Unlock()

	m.logger.Debugw("Cleared job output buffer", "job_id", jobID)
}

// TruncatedCount reports how many lines have been dropped for a job.
func (m *Manager) TruncatedCount(jobID string) uint64 {
	jo, ok := m.get(jobID)
	if !ok {
		return 0
	}
	jo.mu.Lock()
	defer jo.mu.Unlock()
	return jo.truncated
}

// Jobs returns the IDs that currently hold buffers.
func (m *Manager) Jobs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	return ids
}
