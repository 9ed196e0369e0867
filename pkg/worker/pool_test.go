package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/truenas/middlewared/metric"
)

type task struct {
	id    int
	block chan struct{}
	fail  bool
	panic bool
}

func process(_ context.Context, w task) error {
	if w.block != nil {
		<-w.block
	}
	if w.panic {
		panic("boom")
	}
	if w.fail {
		return errors.New("failed")
	}
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewPool_Defaults(t *testing.T) {
	p := NewPool(0, 0, process)
	if p.workers != 16 {
		t.Errorf("expected 16 workers, got %d", p.workers)
	}
	if p.queueSize != 512 {
		t.Errorf("expected queue 512, got %d", p.queueSize)
	}
}

func TestNewPool_NilProcessor(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil processor")
		}
	}()
	NewPool[task](1, 1, nil)
}

func TestPool_Lifecycle(t *testing.T) {
	p := NewPool(2, 4, process)

	if err := p.Submit(task{}); !errors.Is(err, ErrPoolNotStarted) {
		t.Errorf("expected ErrPoolNotStarted, got %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrPoolAlreadyStarted) {
		t.Errorf("expected ErrPoolAlreadyStarted, got %v", err)
	}
	if err := p.Submit(task{id: 1}); err != nil {
		t.Errorf("submit: %v", err)
	}
	if err := p.Stop(time.Second); err != nil {
		t.Errorf("stop: %v", err)
	}
	if err := p.Submit(task{}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("expected ErrPoolStopped, got %v", err)
	}
	if got := p.Stats().Processed; got != 1 {
		t.Errorf("expected 1 processed, got %d", got)
	}
}

func TestPool_QueueFull(t *testing.T) {
	block := make(chan struct{})
	p := NewPool(1, 2, process)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		close(block)
		_ = p.Stop(time.Second)
	}()

	// one running, two queued
	if err := p.Submit(task{block: block}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return p.Stats().Busy == 1 })
	for i := 0; i < 2; i++ {
		if err := p.Submit(task{block: block}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	if err := p.Submit(task{}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if got := p.Stats().Rejected; got != 1 {
		t.Errorf("expected 1 rejected, got %d", got)
	}
}

func TestPool_ErrorsAndPanics(t *testing.T) {
	var mu sync.Mutex
	var seen []error
	p := NewPool(2, 8, process, WithErrorHandler(func(_ task, err error) {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
	}))
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	_ = p.Submit(task{fail: true})
	_ = p.Submit(task{panic: true})
	_ = p.Submit(task{})
	if err := p.Stop(time.Second); err != nil {
		t.Fatal(err)
	}

	stats := p.Stats()
	if stats.Processed != 3 || stats.Failed != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}

	mu.Lock()
	defer mu.Unlock()
	var pe *PanicError
	found := false
	for _, err := range seen {
		if errors.As(err, &pe) {
			found = true
			if len(pe.Stack) == 0 {
				t.Error("panic error should carry a stack")
			}
		}
	}
	if !found {
		t.Error("expected a recovered PanicError")
	}
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	p := NewPool(1, 1, process)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = p.Submit(task{block: block})
	waitFor(t, func() bool { return p.Stats().Busy == 1 })

	if err := p.Stop(20 * time.Millisecond); !errors.Is(err, ErrStopTimeout) {
		t.Errorf("expected ErrStopTimeout, got %v", err)
	}
}

func TestPool_ConcurrentSubmit(t *testing.T) {
	var count atomic.Int64
	p := NewPool(4, 1000, func(_ context.Context, _ int) error {
		count.Add(1)
		return nil
	}, WithMetricsRegistry[int](metric.NewMetricsRegistry(), "test_pool"))
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := p.Submit(i); err != nil {
					t.Errorf("submit: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if err := p.Stop(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	if count.Load() != 500 {
		t.Errorf("expected 500 processed, got %d", count.Load())
	}
}
