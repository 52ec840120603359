package cycle

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingHandler struct {
	mu        sync.Mutex
	calls     []string
	deadlines bool
	block     chan struct{}
}

func (h *recordingHandler) OnReadTick(ctx context.Context) {
	if h.block != nil {
		<-h.block
	}
	h.record(ctx, "read")
}

func (h *recordingHandler) OnWriteTick(ctx context.Context) {
	h.record(ctx, "write")
}

func (h *recordingHandler) record(ctx context.Context, phase string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, phase)
	if _, ok := ctx.Deadline(); ok {
		h.deadlines = true
	}
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func TestRunCycleOrder(t *testing.T) {
	h := &recordingHandler{}
	r := New(h, time.Second, 0)

	r.RunCycle(context.Background())
	r.RunCycle(context.Background())

	want := []string{"read", "write", "read", "write"}
	got := h.snapshot()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
	if !h.deadlines {
		t.Error("cycle context should carry a deadline")
	}
}

type stallingReader struct {
	writeErr error
	wrote    bool
}

func (h *stallingReader) OnReadTick(ctx context.Context) { <-ctx.Done() }

func (h *stallingReader) OnWriteTick(ctx context.Context) {
	h.wrote = true
	h.writeErr = ctx.Err()
}

func TestStalledReadLeavesWriteBudget(t *testing.T) {
	h := &stallingReader{}
	r := New(h, time.Second, 50*time.Millisecond)

	r.RunCycle(context.Background())

	if !h.wrote {
		t.Fatal("write phase did not run")
	}
	if h.writeErr != nil {
		t.Errorf("write phase started with ctx error %v, want a fresh deadline", h.writeErr)
	}
}

func TestRunCycleTimeoutDefaultsToInterval(t *testing.T) {
	r := New(&recordingHandler{}, 3*time.Second, 0)
	if r.timeout != 3*time.Second {
		t.Fatalf("timeout = %s, want 3s", r.timeout)
	}

	r = New(&recordingHandler{}, 3*time.Second, time.Second)
	if r.timeout != time.Second {
		t.Fatalf("timeout = %s, want 1s", r.timeout)
	}
}

func TestStartRunsCycles(t *testing.T) {
	h := &recordingHandler{}
	r := New(h, time.Second, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	deadline := time.After(5 * time.Second)
	for {
		if len(h.snapshot()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no cycle ran within 5s")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	r.Stop()

	calls := h.snapshot()
	if calls[0] != "read" || calls[1] != "write" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestSlowCycleIsSkippedNotOverlapped(t *testing.T) {
	h := &recordingHandler{block: make(chan struct{})}
	r := New(h, time.Second, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	// let at least two ticks fire while the first read is blocked
	time.Sleep(2500 * time.Millisecond)
	cancel()
	close(h.block)
	r.Stop()

	calls := h.snapshot()
	for i := 0; i+1 < len(calls); i += 2 {
		if calls[i] != "read" || calls[i+1] != "write" {
			t.Fatalf("phases interleaved: %v", calls)
		}
	}
	if len(calls) != 2 {
		t.Fatalf("expected exactly one cycle, got %v", calls)
	}
}
