package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chainops/chain-go/internal/domain"
	"github.com/chainops/chain-go/internal/service/lifecycle"
)

func TestLocalConfigValidate(t *testing.T) {
	if err := (LocalConfig{Workers: 0}).Validate(); err == nil {
		t.Fatalf("expected error for zero workers")
	}
	if err := (LocalConfig{Workers: 1, Buffer: -1}).Validate(); err == nil {
		t.Fatalf("expected error for negative buffer")
	}
	if err := (LocalConfig{Workers: 2, Buffer: 0}).Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
}

func TestLocalQueueRunsSubmittedJobs(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	runner := RunnerFunc(func(_ context.Context, job Job) error {
		mu.Lock()
		seen[job.OperationID] = true
		mu.Unlock()
		return nil
	})

	q, err := NewLocalQueue(context.Background(), LocalConfig{Workers: 2, Buffer: 8}, runner, nil)
	if err != nil {
		t.Fatalf("NewLocalQueue() err=%v", err)
	}
	for _, id := range []string{"op1", "op2", "op3"} {
		if err := q.Submit(context.Background(), Job{Kind: KindOperationRun, OperationID: id}); err != nil {
			t.Fatalf("Submit(%s) err=%v", id, err)
		}
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close() err=%v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("ran %d jobs, want 3", len(seen))
	}
}

func TestLocalQueueRejectsWhenFullOrClosed(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := RunnerFunc(func(ctx context.Context, _ Job) error {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	q, err := NewLocalQueue(context.Background(), LocalConfig{Workers: 1, Buffer: 1}, runner, nil)
	if err != nil {
		t.Fatalf("NewLocalQueue() err=%v", err)
	}
	job := Job{Kind: KindOperationRun, OperationID: "op1"}
	if err := q.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	<-started
	if err := q.Submit(context.Background(), job); err != nil {
		t.Fatalf("Submit() buffered err=%v", err)
	}
	if err := q.Submit(context.Background(), job); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit() err=%v, want ErrQueueFull", err)
	}

	close(release)
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if err := q.Submit(context.Background(), job); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Submit() after close err=%v, want ErrQueueClosed", err)
	}
}

func TestLocalQueueRejectsInvalidJob(t *testing.T) {
	q, err := NewLocalQueue(context.Background(), LocalConfig{Workers: 1}, RunnerFunc(func(context.Context, Job) error { return nil }), nil)
	if err != nil {
		t.Fatalf("NewLocalQueue() err=%v", err)
	}
	defer q.Close(context.Background())

	if err := q.Submit(context.Background(), Job{Kind: KindOperationRun}); err == nil {
		t.Fatalf("expected error for missing operation id")
	}
}

func TestLocalQueueCloseCancelsOnDeadline(t *testing.T) {
	started := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, _ Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	q, err := NewLocalQueue(context.Background(), LocalConfig{Workers: 1}, runner, nil)
	if err != nil {
		t.Fatalf("NewLocalQueue() err=%v", err)
	}
	if err := q.Submit(context.Background(), Job{Kind: KindOperationRun, OperationID: "op1"}); err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close() err=%v, want deadline exceeded", err)
	}
}

func TestLocalQueueSurvivesPanickingRunner(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	runner := RunnerFunc(func(_ context.Context, job Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		if job.OperationID == "boom" {
			panic("boom")
		}
		return nil
	})
	q, err := NewLocalQueue(context.Background(), LocalConfig{Workers: 1, Buffer: 2}, runner, nil)
	if err != nil {
		t.Fatalf("NewLocalQueue() err=%v", err)
	}
	_ = q.Submit(context.Background(), Job{Kind: KindOperationRun, OperationID: "boom"})
	_ = q.Submit(context.Background(), Job{Kind: KindOperationRun, OperationID: "ok"})
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("calls=%d, want 2", calls)
	}
}

// submitEventually retries while the queue is full, as long as workers keep
// draining it.
func submitEventually(t *testing.T, q *LocalQueue, id string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		err := q.Submit(context.Background(), Job{Kind: KindOperationRun, OperationID: id})
		if err == nil {
			return
		}
		if !errors.Is(err, ErrQueueFull) || time.Now().After(deadline) {
			t.Fatalf("Submit(%s) err=%v", id, err)
		}
		time.Sleep(time.Millisecond)
	}
}

// A paused operation must not pin the only worker: later running
// operations still get executed.
func TestLocalQueuePausedOperationFreesWorker(t *testing.T) {
	ops := newFakeOperations(
		domain.Operation{ID: "a", AdversaryID: "adv1", State: domain.OperationPaused},
		domain.Operation{ID: "b", AdversaryID: "adv1", State: domain.OperationRunning},
		domain.Operation{ID: "c", AdversaryID: "adv1", State: domain.OperationRunning},
	)
	runner, err := NewPhaseRunner(ops, testAdversaries, lifecycle.New(ops), PhaseRunnerConfig{}, nil)
	if err != nil {
		t.Fatalf("NewPhaseRunner() err=%v", err)
	}
	q, err := NewLocalQueue(context.Background(), LocalConfig{Workers: 1, Buffer: 1}, runner, nil)
	if err != nil {
		t.Fatalf("NewLocalQueue() err=%v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		submitEventually(t, q, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close() err=%v", err)
	}

	for _, id := range []string{"b", "c"} {
		if op, phases := ops.snapshot(id); op.State != domain.OperationFinished || len(phases) != 3 {
			t.Fatalf("%s: state=%q phases=%v, want finished after 3 phases", id, op.State, phases)
		}
	}
	if op, _ := ops.snapshot("a"); op.State != domain.OperationPaused {
		t.Fatalf("a: state=%q, want paused", op.State)
	}

	// Resuming queues a fresh run, which completes the paused operation.
	q, err = NewLocalQueue(context.Background(), LocalConfig{Workers: 1, Buffer: 1}, runner, nil)
	if err != nil {
		t.Fatalf("NewLocalQueue() err=%v", err)
	}
	if _, err := lifecycle.New(ops).RequestTransition(context.Background(), "a", "running"); err != nil {
		t.Fatalf("resume err=%v", err)
	}
	submitEventually(t, q, "a")
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close() err=%v", err)
	}
	if op, _ := ops.snapshot("a"); op.State != domain.OperationFinished {
		t.Fatalf("a: state=%q, want finished after resume", op.State)
	}
}
