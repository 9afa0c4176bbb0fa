package enrich

import (
	"context"
	"sync"
)

// taskSet tracks at most one in-flight background task per item id.
// Starting a replacement cancels the previous task and waits for it to
// acknowledge before the new one runs, so two writers for the same id can
// never race: the old task's result is dropped at its cancellation check
// before the new task's result is applied.
type taskSet struct {
	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newTaskSet() *taskSet {
	return &taskSet{tasks: make(map[string]*task)}
}

// begin registers a task for id, cancelling and waiting out any
// predecessor. It returns the task context and a completion callback the
// task must invoke when it finishes. The predecessor check and the
// registration happen under one lock acquisition, so concurrent begins for
// the same id serialize: each sees either a free slot or a live task it
// must cancel and wait out first.
func (ts *taskSet) begin(parent context.Context, id string) (context.Context, func()) {
	ts.mu.Lock()
	for {
		prev := ts.tasks[id]
		if prev == nil {
			break
		}
		// Release the lock while waiting so the predecessor's finish can
		// run; another begin may install in the gap, so re-check.
		ts.mu.Unlock()
		prev.cancel()
		<-prev.done
		ts.mu.Lock()
	}

	ctx, cancel := context.WithCancel(parent)
	t := &task{cancel: cancel, done: make(chan struct{})}
	ts.tasks[id] = t
	ts.mu.Unlock()

	var once sync.Once
	finish := func() {
		once.Do(func() {
			cancel()
			close(t.done)
			ts.mu.Lock()
			if ts.tasks[id] == t {
				delete(ts.tasks, id)
			}
			ts.mu.Unlock()
		})
	}
	return ctx, finish
}

// cancel stops the in-flight task for id, if any, and waits for it.
func (ts *taskSet) cancel(id string) {
	ts.mu.Lock()
	t := ts.tasks[id]
	ts.mu.Unlock()
	if t != nil {
		t.cancel()
		<-t.done
	}
}

// inflight reports whether a task is registered for id.
func (ts *taskSet) inflight(id string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	_, ok := ts.tasks[id]
	return ok
}
