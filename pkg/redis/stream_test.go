package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func TestNewConsumerFillsDefaults(t *testing.T) {
	client := NewStreamClient(goredis.NewClient(&goredis.Options{Addr: "localhost:6379"}), 0)
	opts := &ConsumerOptions{BatchSize: 5}

	consumer := NewConsumer(client, "group", "consumer", []string{"stream"}, func(ctx context.Context, msg *Message) error {
		return nil
	}, opts)

	if consumer.opts.PendingCheckInterval != DefaultConsumerOptions.PendingCheckInterval {
		t.Fatalf("PendingCheckInterval = %v, want %v", consumer.opts.PendingCheckInterval, DefaultConsumerOptions.PendingCheckInterval)
	}
	if consumer.opts.BlockTime != DefaultConsumerOptions.BlockTime {
		t.Fatalf("BlockTime = %v, want %v", consumer.opts.BlockTime, DefaultConsumerOptions.BlockTime)
	}
	if consumer.opts.BatchSize != 5 {
		t.Fatalf("BatchSize = %d, want 5", consumer.opts.BatchSize)
	}
}

func TestPublishWritesDataField(t *testing.T) {
	_, client := newMiniredisClient(t)
	ctx := context.Background()
	sc := NewStreamClient(client, 0)

	id, err := sc.Publish(ctx, "file_upload_saga.started", map[string]string{"sagaId": "s-1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries, err := client.XRange(ctx, "file_upload_saga.started", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("unexpected entries: %#v", entries)
	}
	if entries[0].Values["data"] != `{"sagaId":"s-1"}` {
		t.Fatalf("data = %v", entries[0].Values["data"])
	}
}

type countingHooks struct {
	errors int
	dlq    int
}

func (h *countingHooks) SetStreamPending(string, string, int64) {}
func (h *countingHooks) IncStreamError(string, string)          { h.errors++ }
func (h *countingHooks) IncStreamDLQ(string, string)            { h.dlq++ }

func TestConsumerAcksHandledMessages(t *testing.T) {
	_, client := newMiniredisClient(t)
	sc := NewStreamClient(client, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	received := make(chan *Message, 1)
	consumer := NewConsumer(sc, "saga-handlers", "c-1", []string{"file_upload_saga.failed"}, func(ctx context.Context, msg *Message) error {
		received <- msg
		return nil
	}, &ConsumerOptions{BlockTime: 20 * time.Millisecond})

	if err := consumer.EnsureGroups(ctx); err != nil {
		t.Fatalf("ensure groups: %v", err)
	}
	if _, err := sc.Publish(ctx, "file_upload_saga.failed", map[string]string{"sagaId": "s-2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- consumer.Start(ctx) }()

	select {
	case msg := <-received:
		var body map[string]string
		if err := msg.Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["sagaId"] != "s-2" || msg.Stream != "file_upload_saga.failed" {
			t.Fatalf("unexpected message: %#v %#v", msg, body)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() = %v, want context.Canceled", err)
	}
	if handled, failures := consumer.Stats(); handled != 1 || failures != 0 {
		t.Fatalf("stats = %d/%d, want 1/0", handled, failures)
	}

	summary, err := client.XPending(context.Background(), "file_upload_saga.failed", "saga-handlers").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if summary.Count != 0 {
		t.Fatalf("pending = %d, want 0", summary.Count)
	}
}

func TestConsumerKeepsFailedMessagesPending(t *testing.T) {
	_, client := newMiniredisClient(t)
	sc := NewStreamClient(client, 0)
	ctx := context.Background()

	hooks := &countingHooks{}
	consumer := NewConsumer(sc, "g", "c", []string{"s"}, func(ctx context.Context, msg *Message) error {
		return errors.New("not yet")
	}, nil).WithHooks(hooks)

	if err := consumer.EnsureGroups(ctx); err != nil {
		t.Fatalf("ensure groups: %v", err)
	}
	if _, err := sc.Publish(ctx, "s", map[string]int{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	res, err := client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group: "g", Consumer: "c", Streams: []string{"s", ">"}, Count: 1,
	}).Result()
	if err != nil {
		t.Fatalf("xreadgroup: %v", err)
	}
	consumer.processMessage(ctx, "s", res[0].Messages[0])

	if hooks.errors != 1 {
		t.Fatalf("errors = %d, want 1", hooks.errors)
	}
	if _, failures := consumer.Stats(); failures != 1 {
		t.Fatalf("consecutive failures = %d, want 1", failures)
	}
	summary, err := client.XPending(ctx, "s", "g").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if summary.Count != 1 {
		t.Fatalf("pending = %d, want 1", summary.Count)
	}
}

func TestDeadLetterMovesMessage(t *testing.T) {
	_, client := newMiniredisClient(t)
	sc := NewStreamClient(client, 0)
	ctx := context.Background()

	hooks := &countingHooks{}
	consumer := NewConsumer(sc, "g", "c", []string{"s"}, nil, nil).WithHooks(hooks)
	if err := consumer.EnsureGroups(ctx); err != nil {
		t.Fatalf("ensure groups: %v", err)
	}
	if _, err := sc.Publish(ctx, "s", map[string]int{"n": 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	res, err := client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group: "g", Consumer: "c", Streams: []string{"s", ">"}, Count: 1,
	}).Result()
	if err != nil {
		t.Fatalf("xreadgroup: %v", err)
	}

	consumer.deadLetter(ctx, "s", res[0].Messages[0], "max retries exceeded: 6")

	dlq, err := client.XRange(ctx, "s:dlq", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange dlq: %v", err)
	}
	if len(dlq) != 1 || dlq[0].Values["reason"] != "max retries exceeded: 6" {
		t.Fatalf("unexpected dlq entries: %#v", dlq)
	}
	if hooks.dlq != 1 {
		t.Fatalf("dlq hook = %d, want 1", hooks.dlq)
	}
}
