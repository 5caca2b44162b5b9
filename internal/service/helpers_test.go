package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filesaga/platform/internal/blob"
	"github.com/filesaga/platform/internal/repository"
	"github.com/filesaga/platform/internal/saga"
	redisstream "github.com/filesaga/platform/pkg/redis"
	"github.com/filesaga/platform/pkg/retry"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type published struct {
	topic   string
	payload interface{}
}

type recordingBus struct {
	mu     sync.Mutex
	events []published
}

func (b *recordingBus) Publish(_ context.Context, topic string, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, published{topic: topic, payload: payload})
	return nil
}

func (b *recordingBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.topic)
	}
	return out
}

func (b *recordingBus) count(topic string) int {
	n := 0
	for _, t := range b.topics() {
		if t == topic {
			n++
		}
	}
	return n
}

type notice struct {
	kind   string
	userID string
	data   interface{}
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *recordingNotifier) record(kind, userID string, data interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice{kind: kind, userID: userID, data: data})
	return nil
}

func (n *recordingNotifier) PublishUploadReady(_ context.Context, userID string, file interface{}) error {
	return n.record("ready", userID, file)
}

func (n *recordingNotifier) PublishUploadFailed(_ context.Context, userID string, detail interface{}) error {
	return n.record("failed", userID, detail)
}

func (n *recordingNotifier) PublishFileDeleted(_ context.Context, userID string, detail interface{}) error {
	return n.record("deleted", userID, detail)
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, x := range n.notices {
		out = append(out, x.kind+":"+x.userID)
	}
	return out
}

// flakyFiles fails Insert while insertErr is set.
type flakyFiles struct {
	*repository.MemoryFileStore
	mu        sync.Mutex
	insertErr error
	inserts   int
}

func (f *flakyFiles) Insert(ctx context.Context, file *repository.File) error {
	f.mu.Lock()
	f.inserts++
	err := f.insertErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryFileStore.Insert(ctx, file)
}

type harness struct {
	clock    *testClock
	store    *repository.MemorySagaStore
	files    *flakyFiles
	blobs    *blob.MemoryStore
	bus      *recordingBus
	notifier *recordingNotifier
	sagas    *SagaService
	executor *CompensationExecutor
	uploads  *UploadService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    &testClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)},
		store:    repository.NewMemorySagaStore(),
		files:    &flakyFiles{MemoryFileStore: repository.NewMemoryFileStore()},
		blobs:    blob.NewMemoryStore("test-bucket"),
		bus:      &recordingBus{},
		notifier: &recordingNotifier{},
	}
	machine := saga.NewMachine(saga.WithClock(h.clock.Now))
	h.sagas = NewSagaService(h.store, machine, nil, nil)
	h.executor = NewCompensationExecutor(h.sagas, h.blobs, h.files, h.notifier, h.bus, retry.NoRetry(), nil, nil)
	h.executor.now = h.clock.Now
	h.uploads = NewUploadService(h.sagas, h.blobs, h.files, h.executor, h.bus, nil, nil, UploadConfig{
		StepPolicy: retry.NoRetry(),
	})
	h.uploads.now = h.clock.Now
	return h
}

func uploadRequest() *UploadRequest {
	return &UploadRequest{
		Body:     []byte("%PDF-1.4 test"),
		FileName: "invoice.pdf",
		MimeType: "application/pdf",
		UserID:   "user-1",
		OrderID:  "order-7",
		Tags:     []string{"billing"},
	}
}

// uploadedSaga starts a saga and completes UPLOAD_TO_S3 with a real object in the blob store.
func (h *harness) uploadedSaga(t *testing.T) *saga.Saga {
	t.Helper()
	ctx := context.Background()
	sg, err := h.sagas.Start(ctx, saga.TypeFileUpload, saga.Payload{
		saga.KeyFileID:   "file-1",
		saga.KeyFileName: "invoice.pdf",
		saga.KeyUserID:   "user-1",
	})
	require.NoError(t, err)
	obj, err := h.blobs.Put(ctx, blob.PutInput{Key: "uploads/user-1/file-1.pdf", Body: []byte("x"), FileName: "invoice.pdf", OwnerID: "user-1"})
	require.NoError(t, err)
	sg, _, err = h.sagas.CompleteStep(ctx, sg.SagaID, saga.StepUploadToS3, saga.Payload{
		saga.KeyS3Key:    obj.Key,
		saga.KeyS3Bucket: obj.Bucket,
	})
	require.NoError(t, err)
	return sg
}

func message(t *testing.T, topic string, payload interface{}) *redisstream.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &redisstream.Message{ID: "1-0", Stream: topic, Data: data}
}
