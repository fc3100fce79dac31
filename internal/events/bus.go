// Package events fans the StepEvents of research sessions out to sinks: an
// append-only JSONL log, NATS subjects and the structured logger.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
)

// ErrBusShutdown is returned by Post after Shutdown.
var ErrBusShutdown = errors.New("event bus is shut down")

// Bus is a typed publish/subscribe channel for StepEvents. Post blocks while a
// subscriber buffer is full, and Shutdown waits until every delivered event
// has been acknowledged.
type Bus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers map[schemas.StepEventType][]chan schemas.StepEvent
	bufferSize  int

	// processingWg counts delivered but unacknowledged events.
	processingWg sync.WaitGroup
	// activePostsWg counts Post calls in flight.
	activePostsWg sync.WaitGroup
	// sinksWg counts running sink pumps.
	sinksWg sync.WaitGroup

	sinksMu sync.Mutex
	sinks   []Sink

	isShutdown bool
	shutdownMu sync.Mutex
}

// NewBus creates a Bus whose subscriber channels hold bufferSize events.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		logger:      logger.Named("event_bus"),
		subscribers: make(map[schemas.StepEventType][]chan schemas.StepEvent),
		bufferSize:  bufferSize,
	}
}

// Post delivers ev to every subscriber of its type. Missing ids and
// timestamps are filled in.
func (b *Bus) Post(ctx context.Context, ev schemas.StepEvent) (err error) {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return ErrBusShutdown
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	// A send on a channel closed by Shutdown panics; the delivery it was
	// counted for never happened.
	defer func() {
		if r := recover(); r != nil {
			b.processingWg.Done()
			b.logger.Debug("Recovered from send on closed subscriber.", zap.Any("panic", r))
			err = ErrBusShutdown
		}
	}()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := append([]chan schemas.StepEvent(nil), b.subscribers[ev.Type]...)
	b.mu.RUnlock()

	for _, ch := range subs {
		b.processingWg.Add(1)
		select {
		case ch <- ev:
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe returns a channel receiving the given event types (all types when
// none are given) and a function that unsubscribes and closes it. Every
// received event must be passed to Acknowledge.
func (b *Bus) Subscribe(types ...schemas.StepEventType) (<-chan schemas.StepEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(types) == 0 {
		types = schemas.AllStepEventTypes
	}
	ch := make(chan schemas.StepEvent, b.bufferSize)
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.isShutdownLocked() {
				return
			}
			for _, t := range types {
				subs := b.subscribers[t]
				for i, c := range subs {
					if c == ch {
						b.subscribers[t] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

func (b *Bus) isShutdownLocked() bool {
	b.shutdownMu.Lock()
	defer b.shutdownMu.Unlock()
	return b.isShutdown
}

// Acknowledge marks a received event as processed.
func (b *Bus) Acknowledge(schemas.StepEvent) {
	b.processingWg.Done()
}

// Attach subscribes sink to the given types and pumps events into it until
// the bus shuts down. Sink errors are logged and do not stop the pump.
func (b *Bus) Attach(sink Sink, types ...schemas.StepEventType) {
	ch, _ := b.Subscribe(types...)

	b.sinksMu.Lock()
	b.sinks = append(b.sinks, sink)
	b.sinksMu.Unlock()

	b.sinksWg.Add(1)
	go func() {
		defer b.sinksWg.Done()
		for ev := range ch {
			if err := sink.Write(ev); err != nil {
				b.logger.Warn("Event sink write failed.",
					zap.String("sink", sink.Name()),
					zap.String("event_type", string(ev.Type)),
					zap.Error(err))
			}
			b.Acknowledge(ev)
		}
	}()
}

// Forward posts every event of stream until it closes, and returns the
// terminal event if one was seen.
func (b *Bus) Forward(ctx context.Context, stream <-chan schemas.StepEvent) (schemas.StepEvent, bool) {
	var (
		last schemas.StepEvent
		done bool
	)
	for ev := range stream {
		if err := b.Post(ctx, ev); err != nil {
			b.logger.Debug("Event not forwarded.", zap.String("event_type", string(ev.Type)), zap.Error(err))
		}
		if ev.IsTerminal() {
			last, done = ev, true
		}
	}
	return last, done
}

// Shutdown stops accepting events, waits for every delivered event to be
// acknowledged and then closes the attached sinks.
func (b *Bus) Shutdown() error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return nil
	}
	b.isShutdown = true
	b.shutdownMu.Unlock()

	b.mu.Lock()
	unique := make(map[chan schemas.StepEvent]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			unique[ch] = struct{}{}
		}
	}
	for ch := range unique {
		close(ch)
	}
	b.subscribers = make(map[schemas.StepEventType][]chan schemas.StepEvent)
	b.mu.Unlock()

	b.activePostsWg.Wait()
	b.processingWg.Wait()
	b.sinksWg.Wait()

	b.sinksMu.Lock()
	defer b.sinksMu.Unlock()
	var errs []error
	for _, s := range b.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", s.Name(), err))
		}
	}
	b.sinks = nil
	return errors.Join(errs...)
}
