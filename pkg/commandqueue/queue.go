package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/tenantlink/internal/observability"
	"github.com/harun/tenantlink/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrLaneFull is returned when a lane already holds LaneDepth pending tasks.
	ErrLaneFull = errors.New("commandqueue: lane is full")
	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("commandqueue: queue is closed")
	// ErrDuplicate is returned by SubmitUnique for a key seen within the dedup window.
	ErrDuplicate = errors.New("commandqueue: duplicate task")
)

// DefaultLaneDepth bounds each lane when Options.LaneDepth is not set.
const DefaultLaneDepth = 64

// Task is an asynchronous unit of work. Its error is logged and counted, never returned to the submitter.
type Task func(ctx context.Context) error

// Options configures a Queue.
type Options struct {
	LaneDepth int
	DedupTTL  time.Duration
	Logger    *zerolog.Logger
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
}

type laneState struct {
	name    string
	pending []*taskRecord
}

// Queue serializes tasks per lane.
type Queue struct {
	mu        sync.Mutex
	idle      *sync.Cond
	lanes     map[string]*laneState
	taskIDSeq uint64
	depth     int
	closed    bool

	dedup  *dedupCache
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Queue.
func New(opts Options) *Queue {
	observability.EnsureRegistered()

	depth := opts.LaneDepth
	if depth <= 0 {
		depth = DefaultLaneDepth
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		lanes:  make(map[string]*laneState),
		depth:  depth,
		dedup:  newDedupCache(ctx, opts.DedupTTL),
		logger: logger.With().Str("component", "commandqueue").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Submit appends task to lane and returns immediately. ctx only contributes
// tracing values; its cancellation does not reach the task.
func (q *Queue) Submit(ctx context.Context, lane string, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(ctx, lane, task)
}

// SubmitUnique is Submit, except a key already accepted within the dedup window
// is rejected with ErrDuplicate.
func (q *Queue) SubmitUnique(ctx context.Context, lane, key string, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dedup.Seen(key) {
		return ErrDuplicate
	}
	if err := q.enqueueLocked(ctx, lane, task); err != nil {
		return err
	}
	q.dedup.Mark(key)
	return nil
}

func (q *Queue) enqueueLocked(ctx context.Context, lane string, task Task) error {
	if q.closed {
		observability.RecordQueueRejected("closed")
		return ErrClosed
	}

	ls, exists := q.lanes[lane]
	if !exists {
		ls = &laneState{name: lane}
		q.lanes[lane] = ls
	}

	if len(ls.pending) >= q.depth {
		observability.RecordQueueRejected("full")
		return fmt.Errorf("%w: %s", ErrLaneFull, lane)
	}

	q.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, q.taskIDSeq),
		task:       task,
		ctx:        tracing.Detach(ctx),
		enqueuedAt: time.Now(),
	}
	ls.pending = append(ls.pending, record)
	depth := len(ls.pending)

	enqueueLogger := tracing.LoggerFromContext(ctx, q.logger)
	enqueueLogger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", depth).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, depth)

	if !exists {
		go q.processLane(ls)
	}
	return nil
}

// processLane drains a lane one task at a time and removes it once empty.
func (q *Queue) processLane(ls *laneState) {
	for {
		q.mu.Lock()
		if len(ls.pending) == 0 {
			delete(q.lanes, ls.name)
			observability.ForgetQueueLane(ls.name)
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		record := ls.pending[0]
		// Leave the running task in pending so depth counts it until it finishes.
		q.mu.Unlock()

		err := q.executeTask(ls.name, record)

		q.mu.Lock()
		ls.pending = ls.pending[1:]
		remaining := len(ls.pending)
		q.mu.Unlock()

		observability.RecordQueueCompletion(ls.name, time.Since(record.enqueuedAt), err == nil, remaining)
	}
}

func (q *Queue) executeTask(lane string, record *taskRecord) (err error) {
	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"tenantlink.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, q.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}

		duration := time.Since(startTime)
		if err != nil {
			tracing.FailSpan(span, err)
			logger.Error().
				Str("lane", lane).
				Str("taskId", record.id).
				Dur("duration", duration).
				Err(err).
				Msg("Task failed")
			return
		}
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}()

	return record.task(runCtx)
}

// Depth returns the number of pending tasks in lane, including a running one.
func (q *Queue) Depth(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ls, ok := q.lanes[lane]; ok {
		return len(ls.pending)
	}
	return 0
}

// Lanes returns the number of lanes with pending work.
func (q *Queue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Wait blocks until every lane has drained.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.lanes) > 0 {
		q.idle.Wait()
	}
}

// Close stops accepting tasks and waits for pending ones until ctx is done,
// then cancels whatever is still running.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()

	defer q.dedup.Stop()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		q.mu.Lock()
		dropped := 0
		for _, ls := range q.lanes {
			dropped += len(ls.pending)
		}
		q.mu.Unlock()
		q.logger.Warn().Int("pending", dropped).Msg("Queue closed before draining")
		return ctx.Err()
	}
}
