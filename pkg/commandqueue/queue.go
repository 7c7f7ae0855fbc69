package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/harun/mixdown/internal/observability"
	"github.com/harun/mixdown/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("command queue closed")

// ErrDuplicate is returned by SubmitOnce for a request id seen recently.
var ErrDuplicate = errors.New("duplicate request")

// Task is one unit of work on a lane.
type Task func(ctx context.Context) error

// EventType names a queue lifecycle event.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventCompleted EventType = "completed"
)

// Event describes queue activity.
type Event struct {
	Type     EventType
	Lane     string
	TaskID   string
	QueueLen int
	Wait     time.Duration
	Duration time.Duration
	Err      error
}

// EventHandler is called synchronously for each event.
type EventHandler func(event Event)

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	done       chan error
}

type laneState struct {
	concurrency int
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// CommandQueue serializes tasks per lane.
type CommandQueue struct {
	lanes     map[string]*laneState
	taskIDSeq uint64
	closed    bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	dedup     *dedupCache

	handlers map[EventType][]EventHandler
	eventMu  sync.RWMutex
}

// New creates a queue.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		lanes:    make(map[string]*laneState),
		ctx:      ctx,
		cancel:   cancel,
		dedup:    newDedupCache(ctx, 5*time.Minute),
		handlers: make(map[EventType][]EventHandler),
	}
}

// UserLane returns the lane name for a user.
func UserLane(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

// Submit appends task to lane and returns a channel that receives the task's
// error once it has run. Ordering is fixed when Submit returns, so callers
// may submit from one goroutine and wait from others.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task) <-chan error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan error, 1)

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		done <- ErrClosed
		return done
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{concurrency: 1}
		cq.lanes[lane] = ls
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		done:       done,
	}
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueLen := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("task_id", record.id).
		Int("queue_len", queueLen).
		Msg("Task enqueued")

	observability.RecordQueueEnqueue(lane, queueLen)
	cq.emit(Event{Type: EventEnqueued, Lane: lane, TaskID: record.id, QueueLen: queueLen})

	cq.processLane(lane, ls)
	return done
}

// SubmitOnce is Submit guarded by a request id; a repeated id within the
// dedup window yields ErrDuplicate without running the task.
func (cq *CommandQueue) SubmitOnce(ctx context.Context, lane, requestID string, task Task) <-chan error {
	if requestID != "" && !cq.dedup.Mark(requestID) {
		done := make(chan error, 1)
		done <- ErrDuplicate
		return done
	}
	return cq.Submit(ctx, lane, task)
}

// Do submits task and waits for it.
func (cq *CommandQueue) Do(ctx context.Context, lane string, task Task) error {
	return <-cq.Submit(ctx, lane, task)
}

func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.running++

		cq.wg.Add(1)
		go cq.executeTask(lane, ls, record)
	}
}

func (cq *CommandQueue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"mixdown.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	if tracing.GetUserKey(taskCtx) == "" {
		taskCtx = tracing.WithUserKey(taskCtx, lane)
	}
	logger := tracing.LoggerFromContext(taskCtx, log.Logger).With().Str("lane", lane).Logger()

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	wait := time.Since(record.enqueuedAt)
	started := time.Now()
	err := cq.run(runCtx, record.task)
	duration := time.Since(started)

	stopCancel()
	cancel()

	record.done <- err
	close(record.done)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Str("task_id", record.id).Dur("duration", duration).Err(err).Msg("Task returned error")
	} else {
		logger.Debug().Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
	}

	cq.mu.Lock()
	ls.mu.Lock()
	ls.running--
	queueLen := len(ls.queue)
	idle := ls.running == 0 && queueLen == 0
	if idle && cq.lanes[lane] == ls {
		delete(cq.lanes, lane)
	}
	ls.mu.Unlock()
	cq.mu.Unlock()

	observability.RecordQueueCompletion(lane, duration, err == nil, queueLen)
	if idle {
		observability.ForgetLane(lane)
	}
	cq.emit(Event{Type: EventCompleted, Lane: lane, TaskID: record.id, QueueLen: queueLen, Wait: wait, Duration: duration, Err: err})

	if !idle {
		cq.processLane(lane, ls)
	}
}

// run executes task, converting a panic into an error so one bad event
// cannot take the lane down.
func (cq *CommandQueue) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// QueueLen returns the number of waiting tasks on lane.
func (cq *CommandQueue) QueueLen(lane string) int {
	cq.mu.Lock()
	ls, ok := cq.lanes[lane]
	cq.mu.Unlock()
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// LaneCount returns the number of lanes with queued or running work.
func (cq *CommandQueue) LaneCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// Close stops accepting work, cancels running tasks and waits for them.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.dedup.Stop()
	cq.wg.Wait()
	return nil
}

// On registers an event handler.
func (cq *CommandQueue) On(eventType EventType, handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()
	cq.handlers[eventType] = append(cq.handlers[eventType], handler)
}

func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.handlers[event.Type]
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
