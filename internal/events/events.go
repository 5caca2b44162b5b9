// Package events defines the file upload saga topics, their JSON payloads and the Redis
// Streams bus that carries them.
package events

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/filesaga/platform/pkg/logger"
	redisstream "github.com/filesaga/platform/pkg/redis"
)

const (
	TopicStarted       = "file_upload_saga.started"
	TopicS3Uploaded    = "file_upload_saga.s3_uploaded"
	TopicMetadataSaved = "file_upload_saga.metadata_saved"
	TopicCompleted     = "file_upload_saga.completed"
	TopicFailed        = "file_upload_saga.failed"
	TopicS3Deleted     = "file_upload_saga.s3_deleted"
	TopicCompensated   = "file_upload_saga.compensated"
)

type Started struct {
	SagaID    string    `json:"sagaId"`
	FileID    string    `json:"fileId"`
	FileName  string    `json:"fileName"`
	FileSize  int64     `json:"fileSize"`
	UserID    string    `json:"userId"`
	OrderID   string    `json:"orderId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type S3Uploaded struct {
	SagaID    string    `json:"sagaId"`
	FileID    string    `json:"fileId"`
	S3Key     string    `json:"s3Key"`
	S3Bucket  string    `json:"s3Bucket"`
	Timestamp time.Time `json:"timestamp"`
}

// FileSummary is the metadata carried by metadata_saved.
type FileSummary struct {
	FileName     string `json:"fileName"`
	OriginalName string `json:"originalName"`
	FileSize     int64  `json:"fileSize"`
	MimeType     string `json:"mimeType"`
	UserID       string `json:"userId"`
	OrderID      string `json:"orderId,omitempty"`
	S3Key        string `json:"s3Key"`
}

type MetadataSaved struct {
	SagaID    string      `json:"sagaId"`
	FileID    string      `json:"fileId"`
	Metadata  FileSummary `json:"metadata"`
	Timestamp time.Time   `json:"timestamp"`
}

type Completed struct {
	SagaID    string    `json:"sagaId"`
	FileID    string    `json:"fileId"`
	FileURL   string    `json:"fileUrl"`
	Timestamp time.Time `json:"timestamp"`
}

// Failed may be raised by any service that detects a failure in the saga.
type Failed struct {
	SagaID    string    `json:"sagaId"`
	FileID    string    `json:"fileId"`
	StepName  string    `json:"stepName"`
	Error     string    `json:"error"`
	UserID    string    `json:"userId,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type S3Deleted struct {
	SagaID    string    `json:"sagaId"`
	FileID    string    `json:"fileId,omitempty"`
	S3Key     string    `json:"s3Key"`
	Timestamp time.Time `json:"timestamp"`
}

type Compensated struct {
	SagaID    string    `json:"sagaId"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is what saga code needs from the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
}

// Bus publishes to one Redis Stream per topic.
type Bus struct {
	streams *redisstream.StreamClient
}

func NewBus(streams *redisstream.StreamClient) *Bus {
	return &Bus{streams: streams}
}

func (b *Bus) Publish(ctx context.Context, topic string, payload interface{}) error {
	if _, err := b.streams.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// HandlerFunc handles one decoded message body.
type HandlerFunc func(ctx context.Context, msg *redisstream.Message) error

// Router dispatches stream messages by topic.
type Router struct {
	handlers map[string]HandlerFunc
	log      *logger.Logger
}

func NewRouter(log *logger.Logger) *Router {
	if log == nil {
		log = logger.Nop()
	}
	return &Router{handlers: make(map[string]HandlerFunc), log: log}
}

func (r *Router) On(topic string, h HandlerFunc) *Router {
	r.handlers[topic] = h
	return r
}

// Topics returns the subscribed topics in a stable order.
func (r *Router) Topics() []string {
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Handle is a redis.MessageHandler. Unknown topics are acked and dropped.
func (r *Router) Handle(ctx context.Context, msg *redisstream.Message) error {
	h, ok := r.handlers[msg.Stream]
	if !ok {
		r.log.Warnf("no handler for topic", map[string]interface{}{"topic": msg.Stream, "id": msg.ID})
		return nil
	}
	return h(ctx, msg)
}
