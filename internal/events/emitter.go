package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type EmitterConfig struct {
	BufferSize     int
	PublishTimeout time.Duration
}

// Emitter delivers events to a Sink from a single goroutine, so events are
// published in the order they were emitted. Emit never blocks: when the
// buffer is full the event is dropped and logged.
type Emitter struct {
	sink    Sink
	logger  logrus.FieldLogger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

func NewEmitter(sink Sink, logger logrus.FieldLogger, cfg EmitterConfig) *Emitter {
	size := cfg.BufferSize
	if size <= 0 {
		size = 1024
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Emitter{
		sink:    sink,
		logger:  logger,
		timeout: timeout,
		queue:   make(chan Event, size),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Emitter) Emit(events ...Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	for _, event := range events {
		select {
		case e.queue <- event:
		default:
			e.logger.WithFields(logrus.Fields{
				"channel": event.Channel,
				"event":   event.Type,
			}).Warn("event buffer full, dropping event")
		}
	}
}

// Close stops accepting events and waits until the buffered ones are published.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	for event := range e.queue {
		e.publish(event)
	}
}

func (e *Emitter) publish(event Event) {
	if e.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	if err := e.sink.Publish(ctx, event); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"channel": event.Channel,
			"event":   event.Type,
		}).Error("publish event failed")
	}
}
