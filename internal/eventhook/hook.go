// Package eventhook bridges store.Repository's synchronous TaskAttempt
// update hooks to the asynchronous Event Service bus, so that publishing a
// TaskAttempt lifecycle notification never performs further DB access (or
// blocks on a slow subscriber) from inside the repository's write lock.
package eventhook

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/taskctl/taskctl/internal/common/logger"
	"github.com/taskctl/taskctl/internal/eventbus"
	"github.com/taskctl/taskctl/internal/store"
)

// Subject is the bus subject TaskAttempt update notifications are
// published under.
const Subject = "task_attempt.updated"

// DefaultQueueSize bounds how many pending notifications the popper
// goroutine will buffer before the hook starts dropping the oldest ones.
const DefaultQueueSize = 256

// Hook drains TaskAttempt update notifications off a bounded channel and
// republishes them on the Event Service bus from a single dedicated
// goroutine, decoupling notification fan-out from whatever lock the
// Repository held when the update happened.
type Hook struct {
	bus   eventbus.Bus
	log   *logger.Logger
	queue chan store.TaskAttempt

	mu      sync.Mutex
	dropped uint64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a Hook publishing onto bus. queueSize <= 0 uses
// DefaultQueueSize.
func New(bus eventbus.Bus, queueSize int, log *logger.Logger) *Hook {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = logger.Default()
	}
	return &Hook{
		bus:   bus,
		log:   log.WithFields(zap.String("component", "eventhook")),
		queue: make(chan store.TaskAttempt, queueSize),
	}
}

// Attach registers the Hook's enqueue callback as an OnAttemptUpdated
// listener on repo. Updates that arrive before Start are held in the
// bounded queue (oldest dropped once it is full) and published once Start
// begins draining it.
func (h *Hook) Attach(repo store.Repository) {
	repo.OnAttemptUpdated(h.enqueue)
}

// enqueue is the synchronous callback invoked by the Repository from
// within its write lock. It never blocks: a full queue drops the oldest
// queued notification rather than stall the caller, matching the Message
// Store's own back-pressure policy.
func (h *Hook) enqueue(a store.TaskAttempt) {
	select {
	case h.queue <- a:
		return
	default:
	}

	// Queue full: evict the oldest queued notification to make room for
	// this one, and count the eviction.
	select {
	case <-h.queue:
	default:
	}
	h.mu.Lock()
	h.dropped++
	h.mu.Unlock()
	h.log.Warn("dropped task attempt update notification, queue full", zap.String("attempt_id", a.ID))

	select {
	case h.queue <- a:
	default:
	}
}

// Dropped returns the number of notifications dropped due to a full queue.
func (h *Hook) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Start begins the popper goroutine. Calling Start more than once without
// Stop is a no-op.
func (h *Hook) Start(ctx context.Context) {
	if h.started {
		return
	}
	h.started = true
	ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.pop(ctx)
}

// Stop cancels the popper goroutine and waits for it to drain in flight.
func (h *Hook) Stop() {
	if !h.started {
		return
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.started = false
}

func (h *Hook) pop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-h.queue:
			h.publish(ctx, a)
		}
	}
}

func (h *Hook) publish(ctx context.Context, a store.TaskAttempt) {
	event := eventbus.NewEvent(Subject, "eventhook", map[string]interface{}{
		"attempt_id": a.ID,
		"task_id":    a.TaskID,
		"status":     string(a.Status),
	})
	if err := h.bus.Publish(ctx, Subject, event); err != nil {
		h.log.Error("publish task attempt update", zap.String("attempt_id", a.ID), zap.Error(err))
	}
}
