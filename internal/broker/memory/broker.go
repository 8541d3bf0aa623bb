// Package memory provides an at-least-once broker for local development and
// tests. Deliveries that are not acked within the visibility timeout are
// redelivered, nacked deliveries come back after a short delay, and publishes
// may be delayed for retry backoff.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pagelens/pagelens/internal/pipeline"
)

// Config controls broker behavior.
type Config struct {
	// Capacity bounds each per-stage queue.
	Capacity int
	// VisibilityTimeout is how long a delivery stays invisible before the
	// broker assumes the worker died and redelivers.
	VisibilityTimeout time.Duration
	// NackDelay is how long a nacked delivery waits before it reappears,
	// keeping a consistently failing consumer from spinning a hot loop.
	NackDelay time.Duration
}

// Broker is a bounded in-memory per-stage queue with redelivery.
type Broker struct {
	cfg Config

	mu     sync.Mutex
	queues map[pipeline.Stage]chan *envelope
	timers map[*envelope]*time.Timer
	closed bool
}

type envelope struct {
	msg pipeline.TaskMessage

	mu      sync.Mutex
	settled bool
}

// New constructs a Broker.
func New(cfg Config) *Broker {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 64
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.NackDelay <= 0 {
		cfg.NackDelay = 200 * time.Millisecond
	}
	return &Broker{
		cfg:    cfg,
		queues: make(map[pipeline.Stage]chan *envelope),
		timers: make(map[*envelope]*time.Timer),
	}
}

// Publish enqueues a task message, optionally after a delay.
func (b *Broker) Publish(ctx context.Context, stage pipeline.Stage, msg pipeline.TaskMessage, delay time.Duration) error {
	if !stage.Valid() {
		return fmt.Errorf("publish to unknown stage %q", stage)
	}
	env := &envelope{msg: msg}
	if delay > 0 {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return errors.New("broker closed")
		}
		b.mu.Unlock()
		time.AfterFunc(delay, func() {
			b.push(stage, env)
		})
		return nil
	}
	q := b.queue(stage)
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish canceled: %w", ctx.Err())
	case q <- env:
		return nil
	}
}

// Receive blocks for the next delivery on the stage queue. The returned
// delivery must be acked; otherwise it reappears after the visibility timeout.
func (b *Broker) Receive(ctx context.Context, stage pipeline.Stage) (pipeline.Delivery, error) {
	q := b.queue(stage)
	select {
	case <-ctx.Done():
		return pipeline.Delivery{}, fmt.Errorf("receive canceled: %w", ctx.Err())
	case env, ok := <-q:
		if !ok {
			return pipeline.Delivery{}, errors.New("broker closed")
		}
		env.mu.Lock()
		env.settled = false
		env.mu.Unlock()
		b.armRedelivery(stage, env)
		return pipeline.Delivery{
			Message: env.msg,
			Ack:     func() { b.settle(env) },
			Nack: func() {
				if b.settle(env) {
					time.AfterFunc(b.cfg.NackDelay, func() { b.push(stage, env) })
				}
			},
		}, nil
	}
}

// Close shuts the broker down; outstanding timers are stopped.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for env, t := range b.timers {
		t.Stop()
		delete(b.timers, env)
	}
	for _, q := range b.queues {
		close(q)
	}
	return nil
}

func (b *Broker) queue(stage pipeline.Stage) chan *envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[stage]
	if !ok {
		q = make(chan *envelope, b.cfg.Capacity)
		b.queues[stage] = q
	}
	return q
}

func (b *Broker) armRedelivery(stage pipeline.Stage, env *envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.timers[env] = time.AfterFunc(b.cfg.VisibilityTimeout, func() {
		if b.settle(env) {
			b.push(stage, env)
		}
	})
}

// settle marks the delivery consumed exactly once and reports whether this
// caller won the race against the redelivery timer.
func (b *Broker) settle(env *envelope) bool {
	env.mu.Lock()
	if env.settled {
		env.mu.Unlock()
		return false
	}
	env.settled = true
	env.mu.Unlock()

	b.mu.Lock()
	if t, ok := b.timers[env]; ok {
		t.Stop()
		delete(b.timers, env)
	}
	b.mu.Unlock()
	return true
}

func (b *Broker) push(stage pipeline.Stage, env *envelope) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	q, ok := b.queues[stage]
	if !ok {
		q = make(chan *envelope, b.cfg.Capacity)
		b.queues[stage] = q
	}
	b.mu.Unlock()
	select {
	case q <- env:
	default:
		// Queue full; retry shortly rather than dropping the message.
		time.AfterFunc(100*time.Millisecond, func() { b.push(stage, env) })
	}
}
