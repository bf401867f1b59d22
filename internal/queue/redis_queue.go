package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"payroll-settlement/internal/config"
)

// Message is one leased unit of work read from a topic.
type Message struct {
	ID       string
	Topic    string
	Body     []byte
	Attempts int
}

// NewRedisClient builds the Redis client shared by the queue, cache and rate limiter.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisQueue coordinates ready, in-flight, and scheduled messages per topic in Redis.
type RedisQueue struct {
	client        *redis.Client
	msgPrefix     string
	visibilityTTL time.Duration
	dlqKey        string
	batchSize     int64
}

// NewRedisQueue builds a queue on top of an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	batch := int64(cfg.ScheduledBatchSize)
	if batch <= 0 {
		batch = 100
	}
	return &RedisQueue{
		client:        client,
		msgPrefix:     "queue:msg:",
		visibilityTTL: visibility,
		dlqKey:        cfg.DLQName,
		batchSize:     batch,
	}
}

func (q *RedisQueue) readyKey(topic string) string {
	return fmt.Sprintf("queue:%s:ready", topic)
}

func (q *RedisQueue) inflightKey(topic string) string {
	return fmt.Sprintf("queue:%s:inflight", topic)
}

func (q *RedisQueue) scheduledKey(topic string) string {
	return fmt.Sprintf("queue:%s:scheduled", topic)
}

func (q *RedisQueue) metaKey(id string) string {
	return q.msgPrefix + id
}

// Publish stores the body and appends a new message to the topic's ready list.
func (q *RedisQueue) Publish(ctx context.Context, topic string, body []byte) error {
	id := uuid.NewString()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(id), "topic", topic, "body", body, "attempts", 0)
	pipe.RPush(ctx, q.readyKey(topic), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Receive pops the next ready message and leases it for the visibility timeout.
// It returns false when the topic has nothing ready.
func (q *RedisQueue) Receive(ctx context.Context, topic string) (Message, bool, error) {
	keys := []string{q.readyKey(topic), q.inflightKey(topic)}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	id, ok := res.(string)
	if !ok {
		return Message{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	fields, err := q.client.HGetAll(ctx, q.metaKey(id)).Result()
	if err != nil {
		return Message{}, false, err
	}
	if len(fields) == 0 {
		// Body vanished; nothing to run.
		_ = q.client.ZRem(ctx, q.inflightKey(topic), id).Err()
		return Message{}, false, nil
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	return Message{ID: id, Topic: topic, Body: []byte(fields["body"]), Attempts: attempts}, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
// A lease that was already reclaimed or settled is left alone.
func (q *RedisQueue) ExtendLease(ctx context.Context, msg Message, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey(msg.Topic), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: msg.ID,
	}).Err()
}

// Ack removes a message from in-flight tracking and deletes its body.
func (q *RedisQueue) Ack(ctx context.Context, msg Message) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(msg.Topic), msg.ID)
	pipe.Del(ctx, q.metaKey(msg.ID))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases the lease, bumps the attempt counter and schedules redelivery at runAt.
func (q *RedisQueue) Retry(ctx context.Context, msg Message, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(msg.Topic), msg.ID)
	pipe.HIncrBy(ctx, q.metaKey(msg.ID), "attempts", 1)
	pipe.ZAdd(ctx, q.scheduledKey(msg.Topic), redis.Z{Score: float64(runAt.UnixMilli()), Member: msg.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter parks a message on the DLQ. Its body is kept for inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, msg Message, reason string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(msg.Topic), msg.ID)
	pipe.HSet(ctx, q.metaKey(msg.ID), "attempts", msg.Attempts, "reason", reason)
	pipe.RPush(ctx, q.dlqKey, msg.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Maintain promotes due retries and reclaims expired leases. It returns how many leases were reclaimed.
func (q *RedisQueue) Maintain(ctx context.Context, topic string, now time.Time) (int, error) {
	if _, err := q.PromoteScheduled(ctx, topic, now, q.batchSize); err != nil {
		return 0, err
	}
	reclaimed, err := q.RequeueExpired(ctx, topic, now, q.batchSize)
	return len(reclaimed), err
}

// PromoteScheduled moves due scheduled messages into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, topic string, now time.Time, limit int64) (int, error) {
	ids, err := q.moveDue(ctx, q.scheduledKey(topic), q.readyKey(topic), now, limit)
	return len(ids), err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, topic string, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.inflightKey(topic), q.readyKey(topic), now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, from, to string, now time.Time, limit int64) ([]string, error) {
	res, err := moveDueScript.Run(ctx, q.client, []string{from, to}, now.UnixMilli(), limit).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// DLQPeek reads the oldest dead-lettered message IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Depth returns the length of the topic's ready list.
func (q *RedisQueue) Depth(ctx context.Context, topic string) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(topic)).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

// Moves members scored at or before ARGV[1] from the zset KEYS[1] onto the list KEYS[2].
// ZREM guards against two workers moving the same member.
var moveDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = {}
for _, id in ipairs(due) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('RPUSH', KEYS[2], id)
    table.insert(moved, id)
  end
end
return moved
`)
