package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"payroll-settlement/internal/config"
)

const (
	headerMessageID = "message-id"
	headerAttempts  = "attempts"
	headerNotBefore = "not-before"
	headerReason    = "dead-letter-reason"
)

// KafkaQueue carries messages over Kafka topics. Retries are republished to the
// same topic with a not-before header; the consumer waits until that time.
type KafkaQueue struct {
	brokers []string
	groupID string
	poll    time.Duration
	writer  *kafka.Writer

	mu      sync.Mutex
	readers map[string]*kafka.Reader
	pending map[string]kafka.Message
}

// NewKafkaQueue builds a Kafka-backed queue from config.
func NewKafkaQueue(cfg config.Config) *KafkaQueue {
	poll := cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &KafkaQueue{
		brokers: cfg.KafkaBrokers,
		groupID: cfg.KafkaGroupID,
		poll:    poll,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.KafkaBrokers...),
			Balancer:               &kafka.LeastBytes{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		readers: make(map[string]*kafka.Reader),
		pending: make(map[string]kafka.Message),
	}
}

// Publish writes a new message with zero attempts.
func (q *KafkaQueue) Publish(ctx context.Context, topic string, body []byte) error {
	err := q.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Value: body,
		Headers: []kafka.Header{
			{Key: headerMessageID, Value: []byte(uuid.NewString())},
			{Key: headerAttempts, Value: []byte("0")},
		},
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (q *KafkaQueue) reader(topic string) *kafka.Reader {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.readers[topic]
	if !ok {
		r = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  q.brokers,
			GroupID:  q.groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
		q.readers[topic] = r
	}
	return r
}

// Receive fetches the next message without committing it. It returns false
// when nothing arrived within the poll interval.
func (q *KafkaQueue) Receive(ctx context.Context, topic string) (Message, bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, q.poll)
	defer cancel()
	m, err := q.reader(topic).FetchMessage(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Message{}, false, nil
		}
		return Message{}, false, err
	}

	if at, ok := notBefore(m.Headers); ok {
		if wait := time.Until(at); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Message{}, false, ctx.Err()
			case <-timer.C:
			}
		}
	}

	id := fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
	q.mu.Lock()
	q.pending[id] = m
	q.mu.Unlock()
	return Message{ID: id, Topic: topic, Body: m.Value, Attempts: attempts(m.Headers)}, true, nil
}

func (q *KafkaQueue) take(msg Message) (kafka.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.pending[msg.ID]
	if !ok {
		return kafka.Message{}, fmt.Errorf("message %s is not in flight", msg.ID)
	}
	delete(q.pending, msg.ID)
	return m, nil
}

// Ack commits the message offset.
func (q *KafkaQueue) Ack(ctx context.Context, msg Message) error {
	m, err := q.take(msg)
	if err != nil {
		return err
	}
	return q.reader(msg.Topic).CommitMessages(ctx, m)
}

// Retry republishes the message with a bumped attempt count, then commits the original.
func (q *KafkaQueue) Retry(ctx context.Context, msg Message, runAt time.Time) error {
	m, err := q.take(msg)
	if err != nil {
		return err
	}
	next := kafka.Message{
		Topic: msg.Topic,
		Key:   m.Key,
		Value: m.Value,
		Headers: withHeaders(m.Headers,
			kafka.Header{Key: headerAttempts, Value: []byte(strconv.Itoa(msg.Attempts + 1))},
			kafka.Header{Key: headerNotBefore, Value: []byte(runAt.UTC().Format(time.RFC3339Nano))},
		),
	}
	if err := q.writer.WriteMessages(ctx, next); err != nil {
		return fmt.Errorf("republish %s: %w", msg.ID, err)
	}
	return q.reader(msg.Topic).CommitMessages(ctx, m)
}

// DeadLetter writes the message to "<topic>.dlq" and commits the original.
func (q *KafkaQueue) DeadLetter(ctx context.Context, msg Message, reason string) error {
	m, err := q.take(msg)
	if err != nil {
		return err
	}
	dead := kafka.Message{
		Topic: DeadLetterTopic(msg.Topic),
		Key:   m.Key,
		Value: m.Value,
		Headers: withHeaders(m.Headers,
			kafka.Header{Key: headerAttempts, Value: []byte(strconv.Itoa(msg.Attempts))},
			kafka.Header{Key: headerReason, Value: []byte(reason)},
		),
	}
	if err := q.writer.WriteMessages(ctx, dead); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}
	return q.reader(msg.Topic).CommitMessages(ctx, m)
}

// Maintain is a no-op: the broker owns redelivery of uncommitted offsets.
func (q *KafkaQueue) Maintain(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

// Depth reports the consumer lag of the topic's reader.
func (q *KafkaQueue) Depth(_ context.Context, topic string) (int64, error) {
	return q.reader(topic).Stats().Lag, nil
}

// Close shuts down the writer and every reader.
func (q *KafkaQueue) Close() error {
	var errs []error
	if err := q.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for topic, r := range q.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

// DeadLetterTopic names the Kafka topic dead letters of topic are written to.
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

func headerValue(headers []kafka.Header, key string) (string, bool) {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

func attempts(headers []kafka.Header) int {
	v, ok := headerValue(headers, headerAttempts)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func notBefore(headers []kafka.Header) (time.Time, bool) {
	v, ok := headerValue(headers, headerNotBefore)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// withHeaders returns a copy of headers with the given keys replaced or appended.
func withHeaders(headers []kafka.Header, set ...kafka.Header) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+len(set))
	for _, h := range headers {
		replaced := false
		for _, s := range set {
			if s.Key == h.Key {
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, h)
		}
	}
	return append(out, set...)
}
