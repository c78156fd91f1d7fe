package memory

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
)

// TaskHandle tracks one background task from spawn to completion.
type TaskHandle struct {
	id   string
	name string
	done chan struct{}

	mu  sync.Mutex
	err error
}

// Done is closed when the task finishes.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Err returns the task's error after Done is closed.
func (h *TaskHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Name returns the task's label.
func (h *TaskHandle) Name() string { return h.name }

// Scheduler runs background work. The engine spawns hippocampus batches
// through it so task lifetimes are owned in one place rather than by
// loose goroutines.
type Scheduler interface {
	// Spawn starts fn in the background and returns its handle, or nil
	// when the scheduler cannot accept work (it is shut down).
	Spawn(name string, fn func(ctx context.Context) error) *TaskHandle
}

// GoScheduler runs tasks on goroutines, tracks live handles in a locked
// set and reaps them on completion. Failures are logged; a cancellation
// is a silent no-op.
type GoScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*TaskHandle
	closed bool
}

// NewGoScheduler creates a running scheduler.
func NewGoScheduler() *GoScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &GoScheduler{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*TaskHandle),
	}
}

// Spawn starts fn on its own goroutine. The handle is tracked until the
// task completes; completion removes it and surfaces errors via logging.
func (s *GoScheduler) Spawn(name string, fn func(ctx context.Context) error) *TaskHandle {
	h := &TaskHandle{
		id:   uuid.New().String(),
		name: name,
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.tasks[h.id] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := fn(s.ctx)

		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)

		s.mu.Lock()
		delete(s.tasks, h.id)
		s.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[MEMORY] Background task %s failed: %v", name, err)
		}
	}()
	return h
}

// TaskCount returns the number of live tasks.
func (s *GoScheduler) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels outstanding tasks and waits for them to drain. Further
// Spawn calls return nil.
func (s *GoScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
