package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/basedin/pkg/region"
)

// blockingRunner parks every job until released, reporting starts on a channel.
type blockingRunner struct {
	started chan string
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan string, 64),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) run(ctx context.Context, job Job) region.Result {
	r.started <- job.Key
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return region.Result{Success: true, Region: "Taiwan", Source: region.SourceAutomation}
}

func waitStart(t *testing.T, r *blockingRunner) string {
	t.Helper()
	select {
	case key := <-r.started:
		return key
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a job to start")
		return ""
	}
}

func assertNoStart(t *testing.T, r *blockingRunner) {
	t.Helper()
	select {
	case key := <-r.started:
		t.Fatalf("unexpected job start: %s", key)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDuplicateSuppression(t *testing.T) {
	r := newBlockingRunner()
	q := New(r.run, WithConcurrency(1))
	defer q.Close()

	if _, err := q.Enqueue(Job{Key: "alice"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	waitStart(t, r)

	// Duplicate of an active job.
	if _, err := q.Enqueue(Job{Key: "alice"}); !errors.Is(err, region.ErrQueueRejected) {
		t.Errorf("duplicate of active job: err = %v, want ErrQueueRejected", err)
	}

	// Duplicate of a queued job.
	if _, err := q.Enqueue(Job{Key: "bob"}); err != nil {
		t.Fatalf("enqueue bob: %v", err)
	}
	if _, err := q.Enqueue(Job{Key: "bob"}); !errors.Is(err, region.ErrQueueRejected) {
		t.Errorf("duplicate of queued job: err = %v, want ErrQueueRejected", err)
	}

	close(r.release)
}

func TestKeyReusableAfterCompletion(t *testing.T) {
	r := newBlockingRunner()
	q := New(r.run, WithConcurrency(1))
	defer q.Close()

	ticket, err := q.Enqueue(Job{Key: "alice"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitStart(t, r)
	close(r.release)
	if _, err := ticket.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if _, err := q.Enqueue(Job{Key: "alice"}); err != nil {
		t.Errorf("re-enqueue after completion should be admitted: %v", err)
	}
}

func TestCapacityBound(t *testing.T) {
	r := newBlockingRunner()
	q := New(r.run, WithConcurrency(1), WithCapacity(2))
	defer q.Close()

	if _, err := q.Enqueue(Job{Key: "active"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitStart(t, r)

	for _, key := range []string{"p1", "p2"} {
		if _, err := q.Enqueue(Job{Key: key}); err != nil {
			t.Fatalf("enqueue %s: %v", key, err)
		}
	}
	if _, err := q.Enqueue(Job{Key: "overflow"}); !errors.Is(err, region.ErrQueueRejected) {
		t.Errorf("overflow enqueue: err = %v, want ErrQueueRejected", err)
	}
	if st := q.Status(); st.Pending != 2 {
		t.Errorf("pending = %d, want 2", st.Pending)
	}

	close(r.release)
}

func TestConcurrencyBoundAndImmediateRaise(t *testing.T) {
	r := newBlockingRunner()
	q := New(r.run, WithConcurrency(1))
	defer q.Close()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(Job{Key: key}); err != nil {
			t.Fatalf("enqueue %s: %v", key, err)
		}
	}

	waitStart(t, r)
	assertNoStart(t, r)
	if st := q.Status(); st.Active != 1 || st.Pending != 2 {
		t.Fatalf("status = %+v, want 1 active / 2 pending", st)
	}

	// Raising the limit must dispatch without waiting for a completion.
	q.SetConcurrency(3)
	waitStart(t, r)
	waitStart(t, r)
	if st := q.Status(); st.Active != 3 || st.Pending != 0 {
		t.Errorf("status after raise = %+v, want 3 active / 0 pending", st)
	}

	close(r.release)
}

func TestFIFODispatchOrder(t *testing.T) {
	r := newBlockingRunner()
	q := New(r.run, WithConcurrency(1))
	defer q.Close()

	keys := []string{"first", "second", "third"}
	for _, key := range keys {
		if _, err := q.Enqueue(Job{Key: key}); err != nil {
			t.Fatalf("enqueue %s: %v", key, err)
		}
	}

	for i, want := range keys {
		got := waitStart(t, r)
		if got != want {
			t.Errorf("dispatch %d = %s, want %s", i, got, want)
		}
		r.release <- struct{}{}
	}
}

func TestPanicIsolation(t *testing.T) {
	q := New(func(_ context.Context, job Job) region.Result {
		if job.Key == "boom" {
			panic("exploded")
		}
		return region.Result{Success: true}
	})
	defer q.Close()

	boom, err := q.Enqueue(Job{Key: "boom"})
	if err != nil {
		t.Fatalf("enqueue boom: %v", err)
	}
	res, err := boom.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Success || res.Err == "" {
		t.Errorf("panicked job should settle as failure, got %+v", res)
	}

	// The dispatch loop must survive.
	ok, err := q.Enqueue(Job{Key: "fine"})
	if err != nil {
		t.Fatalf("enqueue after panic: %v", err)
	}
	res, err = ok.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.Success {
		t.Errorf("job after panic should succeed, got %+v", res)
	}
}

func TestSetConcurrencyClamps(t *testing.T) {
	q := New(func(context.Context, Job) region.Result { return region.Result{} })
	defer q.Close()

	q.SetConcurrency(99)
	if st := q.Status(); st.Limit != MaxConcurrency {
		t.Errorf("limit = %d, want %d", st.Limit, MaxConcurrency)
	}
	q.SetConcurrency(0)
	if st := q.Status(); st.Limit != MinConcurrency {
		t.Errorf("limit = %d, want %d", st.Limit, MinConcurrency)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	r := newBlockingRunner()
	q := New(r.run, WithConcurrency(1))
	defer q.Close()
	defer close(r.release)

	ticket, err := q.Enqueue(Job{Key: "slow"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitStart(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := ticket.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait err = %v, want DeadlineExceeded", err)
	}
}
