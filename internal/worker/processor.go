package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"payroll-settlement/internal/config"
	"payroll-settlement/internal/queue"
	"payroll-settlement/internal/telemetry"
)

// Source is the queue the processor drains.
type Source interface {
	Receive(ctx context.Context, topic string) (queue.Message, bool, error)
	Ack(ctx context.Context, msg queue.Message) error
	Retry(ctx context.Context, msg queue.Message, runAt time.Time) error
	DeadLetter(ctx context.Context, msg queue.Message, reason string) error
	Maintain(ctx context.Context, topic string, now time.Time) (int, error)
	Depth(ctx context.Context, topic string) (int64, error)
}

// LeaseExtender is implemented by sources whose leases expire while a handler runs.
type LeaseExtender interface {
	ExtendLease(ctx context.Context, msg queue.Message, extension time.Duration) error
}

// Handler executes one message.
type Handler func(ctx context.Context, msg queue.Message) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The message is acked and dropped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Processor drives the worker execution loop for one topic.
type Processor struct {
	cfg     config.Config
	source  Source
	topic   string
	handler Handler
	log     *slog.Logger
	now     func() time.Time
}

func NewProcessor(cfg config.Config, src Source, topic string, handler Handler, logger *slog.Logger) *Processor {
	return &Processor{
		cfg:     cfg,
		source:  src,
		topic:   topic,
		handler: handler,
		log:     logger.With("topic", topic),
		now:     time.Now,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := p.Step(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("queue receive failed", "err", err)
		}
		if !processed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// Step runs one maintenance pass and at most one message. It reports whether a
// message was taken off the queue.
func (p *Processor) Step(ctx context.Context) (bool, error) {
	if reclaimed, err := p.source.Maintain(ctx, p.topic, p.now()); err != nil {
		p.log.Warn("queue maintenance failed", "err", err)
	} else if reclaimed > 0 {
		p.log.Info("reclaimed expired leases", "count", reclaimed)
	}
	if depth, err := p.source.Depth(ctx, p.topic); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	msg, ok, err := p.source.Receive(ctx, p.topic)
	if err != nil || !ok {
		return false, err
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	log := p.log.With("message_id", msg.ID, "attempts", msg.Attempts)

	stopHeartbeat := p.heartbeat(ctx, msg)
	err = p.handler(ctx, msg)
	stopHeartbeat()
	switch {
	case err == nil:
		if ackErr := p.source.Ack(ctx, msg); ackErr != nil {
			log.Error("ack failed", "err", ackErr)
		}
		telemetry.WorkerSuccess.Inc()
		return true, nil

	case IsPermanent(err):
		if ackErr := p.source.Ack(ctx, msg); ackErr != nil {
			log.Error("ack failed", "err", ackErr)
		}
		telemetry.WorkerDropped.Inc()
		log.Error("dropping message", "err", err)
		return true, nil
	}

	attempts := msg.Attempts + 1
	if attempts >= p.cfg.MaxAttempts {
		if dlqErr := p.source.DeadLetter(ctx, msg, err.Error()); dlqErr != nil {
			log.Error("dead-letter failed", "err", dlqErr)
		}
		telemetry.WorkerDeadLetter.Inc()
		log.Error("message moved to dead-letter queue", "err", err)
		return true, nil
	}

	nextRun := p.now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	if retryErr := p.source.Retry(ctx, msg, nextRun); retryErr != nil {
		log.Error("schedule retry failed", "err", retryErr)
	}
	telemetry.WorkerFailures.Inc()
	log.Warn("message failed, retry scheduled", "err", err, "next_run", nextRun.UTC().Format(time.RFC3339))
	return true, nil
}

// heartbeat keeps extending the message lease at half the visibility timeout
// until the returned stop function is called.
func (p *Processor) heartbeat(ctx context.Context, msg queue.Message) func() {
	ext, ok := p.source.(LeaseExtender)
	if !ok || p.cfg.VisibilityTimeout <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(p.cfg.VisibilityTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ext.ExtendLease(ctx, msg, p.cfg.VisibilityTimeout); err != nil {
					p.log.Warn("extend lease failed", "message_id", msg.ID, "err", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
