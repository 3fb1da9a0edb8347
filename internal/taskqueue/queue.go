// Package taskqueue is an in-memory work queue for crawl workers. A task
// key is handed to at most one worker at a time, failed tasks come back
// with a bumped attempt counter until the budget runs out, and the whole
// queue can pause while shared resources (proxies, browser pages) recover.
package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateReturned   State = "returned"
)

// Task is one unit of crawl work. Payload is opaque to the queue.
type Task struct {
	Key        string
	Payload    any
	Attempt    int
	State      State
	LastProxy  string
	EnqueuedAt time.Time
	UpdatedAt  time.Time
}

type Queue struct {
	maxAttempts int
	logger      *slog.Logger

	mu       sync.Mutex
	paused   bool
	resumeCh chan struct{}
	order    []string
	tasks    map[string]*Task
}

func New(maxAttempts int) (*Queue, error) {
	if maxAttempts < 1 {
		return nil, errors.New("maxAttempts must be at least 1")
	}
	resumeCh := make(chan struct{})
	close(resumeCh)
	return &Queue{
		maxAttempts: maxAttempts,
		logger:      slog.Default().With("component", "taskqueue"),
		resumeCh:    resumeCh,
		tasks:       map[string]*Task{},
	}, nil
}

// Put enqueues one task. Duplicate keys are ignored.
func (q *Queue) Put(key string, payload any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.putLocked(key, payload)
}

// PutMany enqueues tasks in order and reports how many were new.
func (q *Queue) PutMany(items map[string]any, order []string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	inserted := 0
	for _, key := range order {
		if q.putLocked(key, items[key]) {
			inserted++
		}
	}
	return inserted
}

func (q *Queue) putLocked(key string, payload any) bool {
	if _, exists := q.tasks[key]; exists {
		return false
	}
	now := time.Now().UTC()
	q.tasks[key] = &Task{
		Key:        key,
		Payload:    payload,
		Attempt:    1,
		State:      StatePending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	q.order = append(q.order, key)
	return true
}

// Get returns the next runnable task. It blocks while the queue is paused
// and returns ok=false once the queue is empty.
func (q *Queue) Get(ctx context.Context) (Task, bool, error) {
	for {
		q.mu.Lock()
		if q.paused {
			ch := q.resumeCh
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return Task{}, false, ctx.Err()
			case <-ch:
			}
			continue
		}

		for len(q.order) > 0 {
			key := q.order[0]
			q.order = q.order[1:]

			task, ok := q.tasks[key]
			if !ok || (task.State != StatePending && task.State != StateReturned) {
				continue
			}
			task.State = StateInProgress
			task.UpdatedAt = time.Now().UTC()
			snapshot := *task
			q.mu.Unlock()
			return snapshot, true, nil
		}
		q.mu.Unlock()
		return Task{}, false, nil
	}
}

// MarkDone removes a successfully processed task.
func (q *Queue) MarkDone(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, key)
}

// Retry puts a task back for another attempt, remembering which proxy the
// failed attempt used. Returns false when the attempt budget ran out and
// the task got dropped.
func (q *Queue) Retry(key, lastProxy string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[key]
	if !ok {
		return false
	}
	task.LastProxy = lastProxy
	task.Attempt++
	task.UpdatedAt = time.Now().UTC()

	if task.Attempt > q.maxAttempts {
		delete(q.tasks, key)
		q.logger.Warn("task dropped after attempt budget", "key", key, "attempts", q.maxAttempts)
		return false
	}
	task.State = StateReturned
	q.order = append(q.order, key)
	return true
}

// Abandon drops a task that cannot be retried.
func (q *Queue) Abandon(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, key)
}

// PendingCount reports tasks waiting to be handed out.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, task := range q.tasks {
		if task.State == StatePending || task.State == StateReturned {
			count++
		}
	}
	return count
}

// Pause stops handing out tasks until Resume. Idempotent.
func (q *Queue) Pause(reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return false
	}
	q.paused = true
	q.resumeCh = make(chan struct{})
	q.logger.Info("queue paused", "reason", reason)
	return true
}

// Resume releases workers blocked in Get.
func (q *Queue) Resume(reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.paused {
		return false
	}
	q.paused = false
	close(q.resumeCh)
	q.logger.Info("queue resumed", "reason", reason)
	return true
}
