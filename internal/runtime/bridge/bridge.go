// Package bridge decouples risk publication from the goroutines that
// produce risk events. Producers enqueue onto a bounded channel; a single
// goroutine owns the risk-bus sink and drains the channel in order.
package bridge

import (
	"context"
	"sync"
	"time"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/slaflow/internal/runtime/logging"
)

// Sink is the connection the bridge goroutine publishes through.
type Sink interface {
	Publish(subject string, payload []byte) error
	Close(ctx context.Context) error
}

// Failure describes a message the bridge could not hand to the sink.
type Failure struct {
	Subject string
	Payload []byte
	Err     error
}

// Options tunes a Bridge.
type Options struct {
	// QueueSize bounds the number of pending messages. Defaults to 256.
	QueueSize int
	// EnqueueTimeout is how long Publish waits for room in a full queue
	// before giving up with ErrBridgeFull. Zero fails immediately.
	EnqueueTimeout time.Duration
	Logger         loggingpkg.ServiceLogger
	// OnFailure is called from the bridge goroutine for every message the
	// sink rejected.
	OnFailure func(Failure)
}

type item struct {
	subject string
	payload []byte
}

// Bridge is safe for concurrent use. Messages from one producer goroutine
// reach the sink in the order they were enqueued.
type Bridge struct {
	sink      Sink
	queue     chan item
	timeout   time.Duration
	logger    loggingpkg.ServiceLogger
	onFailure func(Failure)

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	once   sync.Once
}

// New starts the bridge goroutine.
func New(sink Sink, opts Options) *Bridge {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = loggingpkg.NewDiscard()
	}
	b := &Bridge{
		sink:      sink,
		queue:     make(chan item, opts.QueueSize),
		timeout:   opts.EnqueueTimeout,
		logger:    opts.Logger.With(loggingpkg.LogFields{"component": "bridge"}),
		onFailure: opts.OnFailure,
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues payload for subject and returns without waiting for
// delivery. The bridge takes ownership of payload.
func (b *Bridge) Publish(subject string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errspkg.ErrBridgeClosed
	}

	it := item{subject: subject, payload: payload}
	select {
	case b.queue <- it:
		return nil
	default:
	}
	if b.timeout <= 0 {
		return errspkg.ErrBridgeFull
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case b.queue <- it:
		return nil
	case <-timer.C:
		return errspkg.ErrBridgeFull
	}
}

// Len reports the number of messages waiting for the sink.
func (b *Bridge) Len() int { return len(b.queue) }

// Cap reports the queue bound.
func (b *Bridge) Cap() int { return cap(b.queue) }

// Close stops intake, waits for the queue to drain and closes the sink.
// If ctx ends first the sink is still closed and ctx's error returned.
func (b *Bridge) Close(ctx context.Context) error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()
	})

	var drainErr error
	select {
	case <-b.done:
	case <-ctx.Done():
		drainErr = ctx.Err()
		b.logger.Error("Bridge drain interrupted", drainErr, loggingpkg.LogFields{"pending": len(b.queue)})
	}

	if err := b.sink.Close(ctx); err != nil {
		return err
	}
	return drainErr
}

func (b *Bridge) run() {
	defer close(b.done)
	for it := range b.queue {
		if err := b.sink.Publish(it.subject, it.payload); err != nil {
			b.logger.Error("Risk bus publish failed", err, loggingpkg.LogFields{"subject": it.subject})
			if b.onFailure != nil {
				b.onFailure(Failure{Subject: it.subject, Payload: it.payload, Err: err})
			}
		}
	}
}
