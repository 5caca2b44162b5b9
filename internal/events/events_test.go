package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	redisstream "github.com/filesaga/platform/pkg/redis"
)

func TestBusPublishWritesTopicStream(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := NewBus(redisstream.NewStreamClient(client, 1000))
	ts := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	err = bus.Publish(context.Background(), TopicFailed, Failed{
		SagaID: "s-1", FileID: "f-1", StepName: "SAVE_METADATA", Error: "disk full", Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	entries, err := client.XRange(context.Background(), TopicFailed, "-", "+").Result()
	if err != nil || len(entries) != 1 {
		t.Fatalf("xrange = %v, %v", entries, err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal([]byte(entries[0].Values["data"].(string)), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["sagaId"] != "s-1" || body["stepName"] != "SAVE_METADATA" {
		t.Fatalf("body = %#v", body)
	}
	if body["timestamp"] != "2024-05-01T08:30:00Z" {
		t.Fatalf("timestamp = %v, want ISO-8601", body["timestamp"])
	}
	if _, ok := body["userId"]; ok {
		t.Fatal("empty userId should be omitted")
	}
}

func TestRouterDispatch(t *testing.T) {
	var got []string
	r := NewRouter(nil).
		On(TopicS3Deleted, func(ctx context.Context, msg *redisstream.Message) error {
			got = append(got, msg.Stream)
			return nil
		}).
		On(TopicFailed, func(ctx context.Context, msg *redisstream.Message) error {
			return errors.New("retry me")
		})

	topics := r.Topics()
	if len(topics) != 2 || topics[0] != TopicFailed || topics[1] != TopicS3Deleted {
		t.Fatalf("topics = %v", topics)
	}

	ctx := context.Background()
	if err := r.Handle(ctx, &redisstream.Message{Stream: TopicS3Deleted}); err != nil {
		t.Fatalf("s3_deleted: %v", err)
	}
	if err := r.Handle(ctx, &redisstream.Message{Stream: TopicFailed}); err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if err := r.Handle(ctx, &redisstream.Message{Stream: "unknown"}); err != nil {
		t.Fatalf("unknown topic should be dropped: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got = %v", got)
	}
}
