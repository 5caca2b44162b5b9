package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redismock "github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
)

func TestPublisherPublishesToUserChannel(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	publisher := NewPublisher(client, "")

	testCases := []struct {
		name  string
		event string
		send  func(ctx context.Context) error
	}{
		{
			name:  "ready",
			event: KindUploadReady,
			send: func(ctx context.Context) error {
				return publisher.PublishUploadReady(ctx, "u-42", map[string]interface{}{"fileId": "f-1"})
			},
		},
		{
			name:  "failed",
			event: KindUploadFailed,
			send: func(ctx context.Context) error {
				return publisher.PublishUploadFailed(ctx, "u-42", map[string]interface{}{"fileName": "a.pdf"})
			},
		},
		{
			name:  "deleted",
			event: KindFileDeleted,
			send: func(ctx context.Context) error {
				return publisher.PublishFileDeleted(ctx, "u-42", map[string]interface{}{"fileId": "f-1"})
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			sub := client.Subscribe(ctx, "notify:user:u-42")
			defer sub.Close()
			if _, err := sub.Receive(ctx); err != nil {
				t.Fatalf("subscribe: %v", err)
			}

			if err := tc.send(ctx); err != nil {
				t.Fatalf("publish: %v", err)
			}

			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Fatalf("receive: %v", err)
			}

			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if payload["channel"] != "file" {
				t.Fatalf("channel = %v, want file", payload["channel"])
			}
			if payload["event"] != tc.event {
				t.Fatalf("event = %v, want %s", payload["event"], tc.event)
			}
		})
	}
}

func TestPublisherChannelFormat(t *testing.T) {
	p := NewPublisher(nil, "user:{userId}:files")
	if got := p.Channel("abc"); got != "user:abc:files" {
		t.Fatalf("channel = %s", got)
	}

	static := NewPublisher(nil, "broadcast")
	if static.hasUserID || static.Channel("abc") != "broadcast" {
		t.Fatalf("static channel = %s", static.Channel("abc"))
	}
}

func TestPublisherRejectsEmptyUser(t *testing.T) {
	p := NewPublisher(nil, "")
	if err := p.PublishUploadFailed(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestPublisherReturnsRedisError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	publisher := NewPublisher(client, "")
	fixed := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	publisher.now = func() time.Time { return fixed }

	data := map[string]string{"fileId": "f-1"}
	raw, err := json.Marshal(Notice{Channel: "file", Event: KindFileDeleted, Data: data, Timestamp: fixed})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	mock.ExpectPublish("notify:user:u-1", raw).SetErr(errors.New("READONLY You can't write against a read only replica"))
	if err := publisher.PublishFileDeleted(context.Background(), "u-1", data); err == nil {
		t.Fatal("expected redis error to surface")
	}

	mock.ExpectPublish("notify:user:u-1", raw).SetVal(0)
	if err := publisher.PublishFileDeleted(context.Background(), "u-1", data); err != nil {
		t.Fatalf("publish with no subscribers should succeed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
