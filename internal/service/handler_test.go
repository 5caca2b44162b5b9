package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filesaga/platform/internal/events"
	"github.com/filesaga/platform/internal/saga"
	redisstream "github.com/filesaga/platform/pkg/redis"
)

func newCompensationHandler(h *harness) *CompensationHandler {
	handler := NewCompensationHandler(h.sagas, h.executor, h.bus, nil)
	handler.now = h.clock.Now
	return handler
}

func TestHandleFailedFromAnotherService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sg := h.uploadedSaga(t)
	handler := newCompensationHandler(h)

	err := handler.HandleFailed(ctx, message(t, events.TopicFailed, events.Failed{
		SagaID:    sg.SagaID,
		FileID:    "file-1",
		StepName:  string(saga.StepSaveMetadata),
		Error:     "virus scan rejected file",
		Timestamp: time.Now(),
	}))
	require.NoError(t, err)

	stored, err := h.sagas.Get(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, stored.Status)
	meta, _ := stored.Step(saga.StepSaveMetadata)
	assert.Equal(t, "virus scan rejected file", meta.Error)
	assert.Equal(t, 0, h.blobs.Len())
	assert.Equal(t, 1, h.bus.count(events.TopicS3Deleted))
	assert.Equal(t, 1, h.bus.count(events.TopicCompensated))

	// redelivery changes nothing
	require.NoError(t, handler.HandleFailed(ctx, message(t, events.TopicFailed, events.Failed{
		SagaID: sg.SagaID, StepName: string(saga.StepSaveMetadata), Error: "again",
	})))
	assert.Equal(t, 1, h.bus.count(events.TopicCompensated))
}

func TestHandleFailedAfterOrchestratorFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sg := h.uploadedSaga(t)
	_, _, err := h.sagas.FailStep(ctx, sg.SagaID, saga.StepSaveMetadata, "disk full")
	require.NoError(t, err)

	require.NoError(t, newCompensationHandler(h).HandleFailed(ctx, message(t, events.TopicFailed, events.Failed{
		SagaID: sg.SagaID, StepName: string(saga.StepSaveMetadata), Error: "disk full",
	})))

	stored, err := h.sagas.Get(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, stored.Status)
	meta, _ := stored.Step(saga.StepSaveMetadata)
	assert.Equal(t, "disk full", meta.Error, "the recorded failure is kept")
}

func TestHandleFailedDropsUnknownRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handler := newCompensationHandler(h)

	require.NoError(t, handler.HandleFailed(ctx, message(t, events.TopicFailed, events.Failed{
		SagaID: "missing", StepName: string(saga.StepUploadToS3),
	})))

	sg := h.uploadedSaga(t)
	require.NoError(t, handler.HandleFailed(ctx, message(t, events.TopicFailed, events.Failed{
		SagaID: sg.SagaID, StepName: "RESIZE_IMAGE", Error: "x",
	})))
	stored, err := h.sagas.Get(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusInProgress, stored.Status)

	err = handler.HandleFailed(ctx, &redisstream.Message{Stream: events.TopicFailed, Data: []byte("{")})
	assert.Error(t, err, "undecodable bodies stay pending for the dead letter stream")
}

func TestHandleS3DeletedCompletesUploadCompensation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sg := h.uploadedSaga(t)
	_, _, err := h.sagas.FailStep(ctx, sg.SagaID, saga.StepSaveMetadata, "disk full")
	require.NoError(t, err)
	_, _, err = h.sagas.StartCompensation(ctx, sg.SagaID)
	require.NoError(t, err)
	handler := newCompensationHandler(h)

	msg := message(t, events.TopicS3Deleted, events.S3Deleted{SagaID: sg.SagaID, S3Key: "uploads/user-1/file-1.pdf"})
	require.NoError(t, handler.HandleS3Deleted(ctx, msg))

	stored, err := h.sagas.Get(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, stored.Status)
	executedAt := stored.CompensationActions[0].ExecutedAt
	require.NotNil(t, executedAt)
	assert.Equal(t, 1, h.bus.count(events.TopicCompensated))

	h.clock.Advance(time.Minute)
	require.NoError(t, handler.HandleS3Deleted(ctx, msg))
	again, err := h.sagas.Get(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, *executedAt, *again.CompensationActions[0].ExecutedAt, "duplicate confirmation keeps the first stamp")
	assert.Equal(t, stored.Version, again.Version)
	assert.Equal(t, 1, h.bus.count(events.TopicCompensated))
}

func TestHandleS3DeletedBeforeCompensationStarts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sg := h.uploadedSaga(t)
	_, _, err := h.sagas.FailStep(ctx, sg.SagaID, saga.StepSaveMetadata, "disk full")
	require.NoError(t, err)
	handler := newCompensationHandler(h)

	require.NoError(t, handler.HandleS3Deleted(ctx, message(t, events.TopicS3Deleted, events.S3Deleted{SagaID: sg.SagaID})))
	stored, err := h.sagas.Get(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailed, stored.Status)
	assert.Empty(t, stored.PendingCompensations())

	require.NoError(t, handler.HandleFailed(ctx, message(t, events.TopicFailed, events.Failed{
		SagaID: sg.SagaID, StepName: string(saga.StepSaveMetadata), Error: "disk full",
	})))
	stored, err = h.sagas.Get(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, stored.Status)
	assert.Equal(t, 1, h.bus.count(events.TopicCompensated))
	assert.Equal(t, 0, h.bus.count(events.TopicS3Deleted), "nothing left for the executor to delete")
}

func TestHandleS3DeletedDropsUnknownRecords(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handler := newCompensationHandler(h)

	require.NoError(t, handler.HandleS3Deleted(ctx, message(t, events.TopicS3Deleted, events.S3Deleted{SagaID: "missing"})))

	sg := h.uploadedSaga(t)
	require.NoError(t, handler.HandleS3Deleted(ctx, message(t, events.TopicS3Deleted, events.S3Deleted{SagaID: sg.SagaID})),
		"no compensation planned yet")
	stored, err := h.sagas.Get(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, sg.Version, stored.Version)
}

func TestCompensationHandlerRegister(t *testing.T) {
	h := newHarness(t)
	r := newCompensationHandler(h).Register(events.NewRouter(nil))
	assert.Equal(t, []string{events.TopicFailed, events.TopicS3Deleted}, r.Topics())
}

func TestNotificationHandler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	handler := NewNotificationHandler(h.sagas, h.notifier, nil)
	r := handler.Register(events.NewRouter(nil))
	assert.Equal(t, []string{events.TopicFailed, events.TopicMetadataSaved}, r.Topics())

	require.NoError(t, r.Handle(ctx, message(t, events.TopicMetadataSaved, events.MetadataSaved{
		SagaID:   "s-1",
		FileID:   "f-1",
		Metadata: events.FileSummary{OriginalName: "a.pdf", UserID: "user-9"},
	})))

	sg := h.uploadedSaga(t)
	require.NoError(t, r.Handle(ctx, message(t, events.TopicFailed, events.Failed{
		SagaID: sg.SagaID, StepName: string(saga.StepSaveMetadata), Error: "disk full",
	})))
	require.NoError(t, r.Handle(ctx, message(t, events.TopicFailed, events.Failed{
		SagaID: "missing", StepName: string(saga.StepUploadToS3),
	})))

	assert.Equal(t, []string{"ready:user-9", "failed:user-1"}, h.notifier.kinds())
}
