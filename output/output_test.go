package output

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestAppendAndSnapshot(t *testing.T) {
	m := NewManager(10, zap.NewNop().Sugar())

	t.Run("lines carry dense monotonic sequence numbers", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			m.Append("job-a", fmt.Sprintf("line %d", i), "stdout", "")
		}

		snap, ok := m.Snapshot("job-a", 0)
		if !ok {
			t.Fatal("expected buffer for job-a")
		}
		if len(snap.Lines) != 5 {
			t.Fatalf("expected 5 lines, got %d", len(snap.Lines))
		}
		for i, line := range snap.Lines {
			if line.Seq != uint64(i) {
				t.Errorf("line %d: expected seq %d, got %d", i, i, line.Seq)
			}
		}
		if snap.Truncated != 0 {
			t.Errorf("expected no truncation, got %d", snap.Truncated)
		}
	})

	t.Run("tail limits the snapshot to newest lines", func(t *testing.T) {
		snap, _ := m.Snapshot("job-a", 2)
		if len(snap.Lines) != 2 {
			t.Fatalf("expected 2 lines, got %d", len(snap.Lines))
		}
		if snap.Lines[0].Text != "line 3" || snap.Lines[1].Text != "line 4" {
			t.Errorf("tail returned wrong lines: %v", snap.Lines)
		}
	})

	t.Run("unknown job has no buffer", func(t *testing.T) {
		if _, ok := m.Snapshot("never-seen", 0); ok {
			t.Error("snapshot of unknown job should report no buffer")
		}
	})

	t.Run("stream and progress tags are preserved", func(t *testing.T) {
		m.Append("job-b", "Compacting segments 45%", "stderr", "45%")
		snap, _ := m.Snapshot("job-b", 0)
		if snap.Lines[0].Stream != "stderr" {
			t.Errorf("stream tag lost: %q", snap.Lines[0].Stream)
		}
		if snap.Lines[0].Progress != "45%" {
			t.Errorf("progress tag lost: %q", snap.Lines[0].Progress)
		}
	})
}

func TestRingOverflow(t *testing.T) {
	// Capacity 3; append 5 lines; the buffer must hold the last 3 with the
	// truncation counter at 2 and sequence numbers still dense.
	m := NewManager(3, zap.NewNop().Sugar())

	for i := 1; i <= 5; i++ {
		m.Append("job", fmt.Sprintf("L%d", i), "stdout", "")
	}

	snap, ok := m.Snapshot("job", 0)
	if !ok {
		t.Fatal("expected buffer")
	}

	if len(snap.Lines) != 3 {
		t.Fatalf("expected 3 retained lines, got %d", len(snap.Lines))
	}
	want := []string{"L3", "L4", "L5"}
	for i, line := range snap.Lines {
		if line.Text != want[i] {
			t.Errorf("retained line %d: expected %s, got %s", i, want[i], line.Text)
		}
	}
	if snap.Truncated != 2 {
		t.Errorf("expected truncated=2, got %d", snap.Truncated)
	}
	// Oldest retained line is L3, the third append
	if snap.Lines[0].Seq != 2 {
		t.Errorf("expected oldest retained seq 2, got %d", snap.Lines[0].Seq)
	}
	if m.TruncatedCount("job") != 2 {
		t.Errorf("TruncatedCount mismatch: %d", m.TruncatedCount("job"))
	}
}

func TestFollowDeliversHistoryThenLive(t *testing.T) {
	m := NewManager(100, zap.NewNop().Sugar())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// History before the follower attaches
	m.Append("job", "historical 0", "stdout", "")
	m.Append("job", "historical 1", "stdout", "")

	ch := m.Follow(ctx, "job")

	var got []string
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range ch {
			mu.Lock()
			got = append(got, line.Text)
			mu.Unlock()
		}
	}()

	// Live additions while following
	m.Append("job", "live 2", "stdout", "")
	m.Append("job", "live 3", "stderr", "")
	m.Complete("job")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("follow channel did not close after completion")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"historical 0", "historical 1", "live 2", "live 3"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestFollowIndependentCursors(t *testing.T) {
	m := NewManager(100, zap.NewNop().Sugar())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		m.Append("job", fmt.Sprintf("line %d", i), "stdout", "")
	}
	m.Complete("job")

	// Two followers attached after completion both get the full history
	for follower := 0; follower < 2; follower++ {
		var count int
		for range m.Follow(ctx, "job") {
			count++
		}
		if count != 10 {
			t.Errorf("follower %d: expected 10 lines, got %d", follower, count)
		}
	}
}

func TestFollowUnknownJobClosesImmediately(t *testing.T) {
	m := NewManager(10, zap.NewNop().Sugar())

	ch := m.Follow(context.Background(), "ghost")
	select {
	case _, open := <-ch:
		if open {
			t.Error("unknown job should yield no lines")
		}
	case <-time.After(time.Second):
		t.Fatal("channel for unknown job should close immediately")
	}
}

func TestFollowStopsOnContextCancel(t *testing.T) {
	m := NewManager(10, zap.NewNop().Sugar())
	m.Append("job", "one", "stdout", "")

	ctx, cancel := context.WithCancel(context.Background())
	ch := m.Follow(ctx, "job")

	// Drain the historical line, then cancel while the follower waits
	<-ch
	cancel()

	select {
	case _, open := <-ch:
		if open {
			t.Error("expected channel to close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follow did not stop on context cancel")
	}
}

func TestClearRemovesBufferAndEndsFollowers(t *testing.T) {
	m := NewManager(10, zap.NewNop().Sugar())
	m.Register("job")
	m.Append("job", "only line", "stdout", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch := m.Follow(ctx, "job")
	<-ch

	m.Clear("job")

	select {
	case _, open := <-ch:
		if open {
			t.Error("follower should end when the buffer is cleared")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follower did not end after clear")
	}

	if _, ok := m.Snapshot("job", 0); ok {
		t.Error("buffer should be gone after clear")
	}
	if len(m.Jobs()) != 0 {
		t.Errorf("expected no tracked jobs, got %v", m.Jobs())
	}

	// Clear again is a no-op
	m.Clear("job")
}

func TestConcurrentAppendsKeepSequencesDense(t *testing.T) {
	m := NewManager(2000, zap.NewNop().Sugar())

	var wg sync.WaitGroup
	const writers = 8
	const perWriter = 100
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				m.Append("job", fmt.Sprintf("writer %d line %d", w, i), "stdout", "")
			}
		}(w)
	}
	wg.Wait()

	snap, _ := m.Snapshot("job", 0)
	if len(snap.Lines) != writers*perWriter {
		t.Fatalf("expected %d lines, got %d", writers*perWriter, len(snap.Lines))
	}
	for i, line := range snap.Lines {
		if line.Seq != uint64(i) {
			t.Fatalf("sequence gap at %d: seq %d", i, line.Seq)
		}
	}
}
