// Copyright 2026 The Keystone Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package taskqueue provides a single-consumer serialized work queue.
//
// Tasks scheduled on a TaskQueue execute strictly in submission order on a
// single worker goroutine. State that is touched only from tasks on the same
// queue needs no further locking; the queue's ordering discipline substitutes
// for fine-grained mutexes.
package taskqueue

import (
	"context"
	"sync"

	"github.com/keystonedb/keystone/pkg/util/log"
	"github.com/keystonedb/keystone/pkg/util/syncutil"
)

// A Task is a one-shot work item. Perform runs on the queue's worker
// goroutine. A Task may schedule further tasks, including tasks that outlive
// it; they run after the current Perform returns.
type Task interface {
	Perform(ctx context.Context)
}

// TaskQueue runs tasks in FIFO order on a single worker.
//
// The worker is the goroutine that calls PerformTasksUntilHalt (or, in
// tests, PerformTask). Halt stops the worker after the currently executing
// task finishes; tasks still enqueued at that point are dropped and tasks
// scheduled after Halt are discarded until the next PerformTasksUntilHalt.
type TaskQueue struct {
	mu struct {
		syncutil.Mutex
		tasks  []Task
		halted bool
	}
	cond *sync.Cond
}

// New returns an empty TaskQueue.
func New() *TaskQueue {
	q := &TaskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Schedule admits t to the queue. Safe to call from any goroutine, including
// from a task currently running on the worker. If the queue is halted the
// task is discarded.
func (q *TaskQueue) Schedule(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.mu.halted {
		return
	}
	q.mu.tasks = append(q.mu.tasks, t)
	q.cond.Signal()
}

// Len returns the number of tasks admitted but not yet started.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mu.tasks)
}

// PerformTask runs the next pending task synchronously on the calling
// goroutine and reports whether a task was run. Intended for tests that want
// to drive the queue deterministically without a background worker.
func (q *TaskQueue) PerformTask(ctx context.Context) bool {
	q.mu.Lock()
	if len(q.mu.tasks) == 0 {
		q.mu.Unlock()
		return false
	}
	t := q.mu.tasks[0]
	q.mu.tasks = q.mu.tasks[1:]
	q.mu.Unlock()
	q.runTask(ctx, t)
	return true
}

// PerformTasksUntilHalt runs tasks in admission order, blocking when the
// queue is empty, until Halt is called. Calling it un-halts the queue, so a
// halted queue can be resumed by calling it again.
func (q *TaskQueue) PerformTasksUntilHalt(ctx context.Context) {
	q.mu.Lock()
	q.mu.halted = false
	q.mu.Unlock()
	for {
		q.mu.Lock()
		for len(q.mu.tasks) == 0 && !q.mu.halted {
			q.cond.Wait()
		}
		if q.mu.halted {
			q.mu.Unlock()
			return
		}
		t := q.mu.tasks[0]
		q.mu.tasks = q.mu.tasks[1:]
		q.mu.Unlock()
		q.runTask(ctx, t)
	}
}

// Halt wakes the worker and causes it to return after the task it is
// currently executing, if any. Pending tasks are dropped. Idempotent.
func (q *TaskQueue) Halt() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.mu.halted = true
	q.mu.tasks = nil
	q.cond.Broadcast()
}

func (q *TaskQueue) runTask(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf(ctx, "task %T panicked, continuing with next task: %v", t, r)
		}
	}()
	t.Perform(ctx)
}
