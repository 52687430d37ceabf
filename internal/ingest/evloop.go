// Package ingest forwards events received by providers to the job
// processing.
package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/runledger/internal/event"
	"github.com/simplesurance/runledger/internal/logfields"
	"github.com/simplesurance/runledger/internal/provider"
)

const DefEventChannelBufferSize = 512

const loggerName = "event-loop"

// Enqueuer schedules the processing of an event.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev *event.Dict) error
}

// EvLoop receives events from providers and enqueues them for processing.
type EvLoop struct {
	ch       chan *provider.Event
	logger   *zap.Logger
	enqueuer Enqueuer
	done     chan struct{}
}

func WithBufferSize(size int) func(*EvLoop) {
	return func(e *EvLoop) {
		e.ch = make(chan *provider.Event, size)
	}
}

func NewEventLoop(enqueuer Enqueuer, opts ...func(*EvLoop)) *EvLoop {
	evl := EvLoop{
		enqueuer: enqueuer,
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(&evl)
	}

	if evl.ch == nil {
		evl.ch = make(chan *provider.Event, DefEventChannelBufferSize)
	}

	if evl.logger == nil {
		evl.logger = zap.L().Named(loggerName)
	}

	return &evl
}

// C returns the event channel.
// Events sent to this channel will be processed.
// The channel is closed when Stop() is called.
func (e *EvLoop) C() chan<- *provider.Event {
	return e.ch
}

// Start processes events until Stop() is called.
func (e *EvLoop) Start() {
	defer close(e.done)

	ctx := context.Background()
	e.logger.Info("ready to process events", logfields.Event("eventloop_started"))

	for ev := range e.ch {
		logger := e.logger.With(ev.LogFields()...)

		logger.Debug("event received", logfields.Event("event_received"))

		if err := e.enqueuer.Enqueue(ctx, ev.Dict); err != nil {
			logger.Error(
				"enqueuing event failed, event is lost",
				logfields.Event("event_enqueue_failed"),
				zap.Error(err),
			)
			continue
		}

		logger.Debug("event enqueued", logfields.Event("event_enqueued"))
	}

	e.logger.Info(
		"event loop terminated, event channel was closed",
		logfields.Event("eventloop_terminated"),
	)
}

// Stop closes the event channel and waits until the events that were sent
// to it were enqueued.
func (e *EvLoop) Stop() {
	e.logger.Debug("event loop terminating", logfields.Event("eventloop_terminating"))
	close(e.ch)
	<-e.done
}
