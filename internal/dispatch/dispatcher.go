// Package dispatch publishes disbursement jobs and keeps the outbox in step
// with what actually reached the queue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"payroll-settlement/internal/models"
	"payroll-settlement/internal/telemetry"
)

// ErrDispatchFailed reports that a job for a PAID transaction never reached the queue.
var ErrDispatchFailed = errors.New("dispatch: disbursement job not published")

// Publisher puts a message body on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// Outbox tracks which PAID transactions still need a job published.
type Outbox interface {
	MarkDispatched(ctx context.Context, transactionID int64) error
	RecordDispatchFailure(ctx context.Context, transactionID int64) error
	ListPendingDispatches(ctx context.Context, olderThan time.Time, limit int) ([]models.OutboxEntry, error)
}

// Dispatcher publishes {transactionId} jobs.
type Dispatcher struct {
	pub    Publisher
	outbox Outbox
	topic  string
	log    *slog.Logger
}

func New(pub Publisher, outbox Outbox, topic string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{pub: pub, outbox: outbox, topic: topic, log: logger}
}

// Dispatch publishes one job for the transaction. A publish failure is
// recorded on the outbox row and returned wrapped in ErrDispatchFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, transactionID int64) error {
	body, err := json.Marshal(models.DisbursementJob{TransactionID: transactionID})
	if err != nil {
		return fmt.Errorf("%w: encode job: %v", ErrDispatchFailed, err)
	}
	if err := d.pub.Publish(ctx, d.topic, body); err != nil {
		telemetry.DispatchFailures.Inc()
		if rerr := d.outbox.RecordDispatchFailure(ctx, transactionID); rerr != nil {
			d.log.Error("record dispatch failure", "transaction_id", transactionID, "err", rerr)
		}
		d.log.Error("disbursement job not published", "transaction_id", transactionID, "topic", d.topic, "err", err)
		return fmt.Errorf("%w: transaction %d: %v", ErrDispatchFailed, transactionID, err)
	}
	telemetry.JobsPublished.Inc()
	if err := d.outbox.MarkDispatched(ctx, transactionID); err != nil {
		// The job is out; a stale outbox row only means the relay may publish it again.
		d.log.Warn("mark outbox dispatched", "transaction_id", transactionID, "err", err)
	}
	d.log.Info("disbursement job published", "transaction_id", transactionID, "topic", d.topic)
	return nil
}
