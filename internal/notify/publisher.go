// Package notify pushes user-facing upload notices to Redis pub/sub, where the realtime
// gateway fans them out to connected clients.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const userChannelTemplate = "notify:user:{userId}"

// Notice kinds.
const (
	KindUploadReady  = "upload_ready"
	KindUploadFailed = "upload_failed"
	KindFileDeleted  = "file_deleted"
)

// Notice is the message body on the user channel.
type Notice struct {
	Channel   string      `json:"channel"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher publishes user notices.
type Publisher struct {
	client        redis.Cmdable
	channelFormat string
	hasUserID     bool
	now           func() time.Time
}

// NewPublisher creates a publisher. channel may contain {userId}.
func NewPublisher(client redis.Cmdable, channel string) *Publisher {
	if channel == "" {
		channel = userChannelTemplate
	}
	format, hasUserID := normalizeUserChannelFormat(channel)
	return &Publisher{
		client:        client,
		channelFormat: format,
		hasUserID:     hasUserID,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// PublishUploadReady tells the owner the file finished processing.
func (p *Publisher) PublishUploadReady(ctx context.Context, userID string, file interface{}) error {
	return p.publish(ctx, userID, KindUploadReady, file)
}

// PublishUploadFailed tells the owner the upload was rolled back.
func (p *Publisher) PublishUploadFailed(ctx context.Context, userID string, detail interface{}) error {
	return p.publish(ctx, userID, KindUploadFailed, detail)
}

// PublishFileDeleted confirms an owner-initiated delete.
func (p *Publisher) PublishFileDeleted(ctx context.Context, userID string, detail interface{}) error {
	return p.publish(ctx, userID, KindFileDeleted, detail)
}

func (p *Publisher) publish(ctx context.Context, userID, event string, data interface{}) error {
	if userID == "" {
		return fmt.Errorf("notify %s: empty user id", event)
	}
	raw, err := json.Marshal(Notice{Channel: "file", Event: event, Data: data, Timestamp: p.now()})
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.Channel(userID), raw).Err()
}

// Channel returns the pub/sub channel for userID.
func (p *Publisher) Channel(userID string) string {
	if p.hasUserID {
		return fmt.Sprintf(p.channelFormat, userID)
	}
	return p.channelFormat
}

func normalizeUserChannelFormat(template string) (string, bool) {
	if strings.Contains(template, "{userId}") {
		return strings.ReplaceAll(template, "{userId}", "%s"), true
	}
	return template, false
}
