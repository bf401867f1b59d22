package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// Relay republishes outbox rows that stayed undispatched past a grace period,
// covering crashes between the PAID commit and the publish.
type Relay struct {
	dispatcher *Dispatcher
	outbox     Outbox
	interval   time.Duration
	grace      time.Duration
	batch      int
	log        *slog.Logger
	now        func() time.Time
}

func NewRelay(d *Dispatcher, outbox Outbox, interval, grace time.Duration, logger *slog.Logger) *Relay {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Relay{
		dispatcher: d,
		outbox:     outbox,
		interval:   interval,
		grace:      grace,
		batch:      50,
		log:        logger,
		now:        time.Now,
	}
}

// Run sweeps on every tick until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("outbox sweep", "err", err)
			}
		}
	}
}

// Sweep publishes one batch of stale rows and returns how many were published.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	entries, err := r.outbox.ListPendingDispatches(ctx, r.now().Add(-r.grace), r.batch)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, e := range entries {
		if err := r.dispatcher.Dispatch(ctx, e.TransactionID); err != nil {
			// Broker is likely down; leave the rest for the next tick.
			return published, err
		}
		published++
	}
	if published > 0 {
		r.log.Info("outbox relay republished jobs", "count", published)
	}
	return published, nil
}
