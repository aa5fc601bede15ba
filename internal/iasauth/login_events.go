package iasauth

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrLoginEventQueueClosed indicates Post after Close.
var ErrLoginEventQueueClosed = errors.New("login_events.closed")

// LoginEvent describes a completed browser login.
type LoginEvent struct {
	UserID    string
	SessionID string
	OrgID     string
	At        time.Time
}

// LoginEventHandler processes one event. Events are handled one at a time in order.
type LoginEventHandler func(ctx context.Context, event LoginEvent) error

// LoginEventQueue is an unbounded queue with many producers and one consumer goroutine.
// Post never blocks the login request.
type LoginEventQueue struct {
	mutex   sync.Mutex
	pending []LoginEvent
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	handler LoginEventHandler
	logger  *zap.Logger
}

// NewLoginEventQueue starts the consumer goroutine.
func NewLoginEventQueue(handler LoginEventHandler, logger *zap.Logger) *LoginEventQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := &LoginEventQueue{
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		handler: handler,
		logger:  logger,
	}
	go queue.consume()
	return queue
}

// Post enqueues event.
func (queue *LoginEventQueue) Post(event LoginEvent) error {
	queue.mutex.Lock()
	if queue.closed {
		queue.mutex.Unlock()
		return ErrLoginEventQueueClosed
	}
	defer queue.mutex.Unlock()
	queue.pending = append(queue.pending, event)
	select {
	case queue.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting events and waits until the queued ones are handled or ctx ends.
func (queue *LoginEventQueue) Close(ctx context.Context) error {
	queue.mutex.Lock()
	if !queue.closed {
		queue.closed = true
		close(queue.notify)
	}
	queue.mutex.Unlock()
	select {
	case <-queue.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (queue *LoginEventQueue) consume() {
	defer close(queue.done)
	for range queue.notify {
		queue.drain()
	}
	queue.drain()
}

func (queue *LoginEventQueue) drain() {
	for {
		queue.mutex.Lock()
		if len(queue.pending) == 0 {
			queue.mutex.Unlock()
			return
		}
		batch := queue.pending
		queue.pending = nil
		queue.mutex.Unlock()

		for _, event := range batch {
			if queue.handler == nil {
				continue
			}
			if err := queue.handler(context.Background(), event); err != nil {
				queue.logger.Warn("login event handler failed",
					zap.String("code", "login_events.handler_failed"),
					zap.String("user_id", event.UserID),
					zap.Error(err))
			}
		}
	}
}
