package queue

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestRetryHeadersReplaceExistingValues(t *testing.T) {
	runAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	headers := withHeaders(
		[]kafka.Header{{Key: headerMessageID, Value: []byte("m1")}, {Key: headerAttempts, Value: []byte("2")}},
		kafka.Header{Key: headerAttempts, Value: []byte("3")},
		kafka.Header{Key: headerNotBefore, Value: []byte(runAt.Format(time.RFC3339Nano))},
	)

	if len(headers) != 3 {
		t.Fatalf("expected 3 headers, got %d", len(headers))
	}
	if got := attempts(headers); got != 3 {
		t.Fatalf("attempts = %d", got)
	}
	if id, _ := headerValue(headers, headerMessageID); id != "m1" {
		t.Fatalf("message id lost: %q", id)
	}
	at, ok := notBefore(headers)
	if !ok || !at.Equal(runAt) {
		t.Fatalf("not-before = %v ok=%v", at, ok)
	}
}

func TestMissingOrBadHeaders(t *testing.T) {
	if got := attempts(nil); got != 0 {
		t.Fatalf("attempts without header = %d", got)
	}
	if got := attempts([]kafka.Header{{Key: headerAttempts, Value: []byte("x")}}); got != 0 {
		t.Fatalf("attempts with garbage = %d", got)
	}
	if _, ok := notBefore([]kafka.Header{{Key: headerNotBefore, Value: []byte("soon")}}); ok {
		t.Fatalf("garbage not-before should be ignored")
	}
	if DeadLetterTopic("disbursement_queue") != "disbursement_queue.dlq" {
		t.Fatalf("unexpected dlq topic")
	}
}
