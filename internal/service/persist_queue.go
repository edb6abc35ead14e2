package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"condo-assistant/internal/metrics"
	"condo-assistant/internal/storage"
	"condo-assistant/pkg/logger"

	"github.com/sirupsen/logrus"
)

type PersistOp string

const (
	OpAppendUser      PersistOp = "append_user"
	OpAppendAssistant PersistOp = "append_assistant"
	OpRename          PersistOp = "rename"
)

var ErrQueueClosed = errors.New("persist queue closed")

type PersistResult struct {
	Op       PersistOp
	Err      error
	Attempts int
}

// PersistTask is the handle for one queued write.
type PersistTask struct {
	op     PersistOp
	fields logrus.Fields
	fn     func(ctx context.Context) error
	done   chan struct{}
	result PersistResult
}

func (t *PersistTask) Op() PersistOp {
	return t.op
}

// Done is closed once the write has succeeded or given up.
func (t *PersistTask) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the write finishes or ctx ends. In the latter case the
// result carries ctx's error and the write keeps going in the background.
func (t *PersistTask) Wait(ctx context.Context) PersistResult {
	select {
	case <-t.done:
		return t.result
	case <-ctx.Done():
		return PersistResult{Op: t.op, Err: ctx.Err()}
	}
}

func (t *PersistTask) finish(result PersistResult) {
	t.result = result
	close(t.done)
}

// PersistQueue runs store writes one at a time in submission order, so a
// user turn always lands before the assistant turn that answers it.
// Submitting never blocks.
type PersistQueue struct {
	mu      sync.Mutex
	tasks   []*PersistTask
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
	retries int
	delay   time.Duration
}

func NewPersistQueue(retries int, delay time.Duration) *PersistQueue {
	if retries < 0 {
		retries = 0
	}
	q := &PersistQueue{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		retries: retries,
		delay:   delay,
	}
	go q.run()
	return q
}

// Submit queues fn. fields are attached to the failure log line.
func (q *PersistQueue) Submit(op PersistOp, fields logrus.Fields, fn func(ctx context.Context) error) *PersistTask {
	task := &PersistTask{
		op:     op,
		fields: fields,
		fn:     fn,
		done:   make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		logFields := logrus.Fields{"op": string(op)}
		for k, v := range fields {
			logFields[k] = v
		}
		logger.WithFields(logFields).Warn("Write dropped: persist queue closed")
		metrics.RecordPersistFailure(string(op))
		task.finish(PersistResult{Op: op, Err: ErrQueueClosed})
		return task
	}
	q.tasks = append(q.tasks, task)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()

	return task
}

// Pending reports how many writes are queued or running.
func (q *PersistQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Close stops accepting writes, lets the queued ones finish, and waits for
// the worker to exit.
func (q *PersistQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
	q.mu.Unlock()

	<-q.stopped
}

func (q *PersistQueue) run() {
	defer close(q.stopped)

	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		task := q.tasks[0]
		q.mu.Unlock()

		task.finish(q.execute(task))

		q.mu.Lock()
		q.tasks = q.tasks[1:]
		q.mu.Unlock()
	}
}

func (q *PersistQueue) execute(task *PersistTask) PersistResult {
	ctx := context.Background()
	result := PersistResult{Op: task.op}

	for attempt := 0; attempt <= q.retries; attempt++ {
		if attempt > 0 && q.delay > 0 {
			time.Sleep(q.delay)
		}

		result.Attempts++
		result.Err = task.fn(ctx)
		if result.Err == nil {
			return result
		}
		if errors.Is(result.Err, storage.ErrConversationNotFound) {
			break
		}
	}

	fields := logrus.Fields{"op": string(task.op), "attempts": result.Attempts}
	for k, v := range task.fields {
		fields[k] = v
	}
	logger.WithFields(fields).Errorf("Failed to persist: %v", result.Err)
	metrics.RecordPersistFailure(string(task.op))

	return result
}
