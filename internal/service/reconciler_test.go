package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filesaga/platform/internal/blob"
	"github.com/filesaga/platform/internal/events"
	"github.com/filesaga/platform/internal/repository"
	"github.com/filesaga/platform/internal/saga"
	redisstream "github.com/filesaga/platform/pkg/redis"
)

func newReconciler(h *harness, lock Locker, dryRun bool) *Reconciler {
	r := NewReconciler(h.sagas, h.blobs, h.files, h.executor, h.bus, lock, nil, nil, ReconcilerConfig{
		StaleAfter: 5 * time.Minute,
		DryRun:     dryRun,
	})
	r.now = func() time.Time { return h.clock.Now().Add(10 * time.Minute) }
	return r
}

func startSaga(t *testing.T, h *harness, fileID string) *saga.Saga {
	t.Helper()
	sg, err := h.sagas.Start(context.Background(), saga.TypeFileUpload, saga.Payload{
		saga.KeyFileID:   fileID,
		saga.KeyFileName: "photo.png",
		saga.KeyUserID:   "user-1",
	})
	require.NoError(t, err)
	return sg
}

// crashedAfterPut leaves a saga whose upload happened but was never recorded.
func crashedAfterPut(t *testing.T, h *harness, fileID string) (*saga.Saga, string) {
	t.Helper()
	ctx := context.Background()
	sg := startSaga(t, h, fileID)
	key := "uploads/user-1/2024/06/" + fileID + ".png"
	_, _, err := h.sagas.BeginStep(ctx, sg.SagaID, saga.StepUploadToS3, saga.Payload{
		saga.KeyS3Key: key, saga.KeyS3Bucket: h.blobs.Bucket(),
	})
	require.NoError(t, err)
	_, err = h.blobs.Put(ctx, blob.PutInput{Key: key, Body: []byte("png"), FileName: "photo.png", OwnerID: "user-1"})
	require.NoError(t, err)
	return sg, key
}

func TestReconcilerRecordsVerifiedUploadThenCompensates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sg, key := crashedAfterPut(t, h, "file-1")

	report, err := newReconciler(h, nil, false).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Stale)
	assert.Equal(t, 1, report.Abandoned)

	stored, err := h.sagas.Get(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, stored.Status)
	upload, _ := stored.Step(saga.StepUploadToS3)
	assert.Equal(t, saga.StepCompensated, upload.Status)
	assert.Equal(t, key, upload.Payload.String(saga.KeyS3Key))
	meta, _ := stored.Step(saga.StepSaveMetadata)
	assert.Equal(t, AbandonedError, meta.Error)

	ok, err := h.blobs.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "the recorded upload is undone")
	assert.Equal(t, 1, h.bus.count(events.TopicFailed))
	assert.Equal(t, 1, h.bus.count(events.TopicCompensated))
}

func TestReconcilerUnverifiedUploadIsAbandoned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sg := startSaga(t, h, "file-2")
	_, _, err := h.sagas.BeginStep(ctx, sg.SagaID, saga.StepUploadToS3, saga.Payload{saga.KeyS3Key: "never-written"})
	require.NoError(t, err)

	report, err := newReconciler(h, nil, false).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Abandoned)

	stored, err := h.sagas.Get(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, stored.Status)
	assert.Empty(t, stored.CompensationActions)
	assert.Equal(t, 0, h.bus.count(events.TopicS3Deleted))
}

func TestReconcilerRecordsVerifiedMetadata(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sg := h.uploadedSaga(t)
	_, _, err := h.sagas.BeginStep(ctx, sg.SagaID, saga.StepSaveMetadata, saga.Payload{saga.KeyFileID: "file-1"})
	require.NoError(t, err)
	require.NoError(t, h.files.MemoryFileStore.Insert(ctx, &repository.File{
		FileID: "file-1", UserID: "user-1", Status: repository.FileUploaded, UploadedAt: h.clock.Now(),
	}))

	_, err = newReconciler(h, nil, false).Run(ctx)
	require.NoError(t, err)

	stored, err := h.sagas.Get(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, stored.Status)
	require.Len(t, stored.CompensationActions, 2)
	assert.Equal(t, saga.ActionDeleteMetadata, stored.CompensationActions[0].Action)
	assert.Equal(t, saga.ActionDeleteFromS3, stored.CompensationActions[1].Action)

	_, err = h.files.Get(ctx, "file-1")
	assert.Error(t, err, "metadata removed by compensation")
	assert.Equal(t, 0, h.blobs.Len())
}

func TestReconcilerResumesCompensation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sg := h.uploadedSaga(t)
	_, _, err := h.sagas.FailStep(ctx, sg.SagaID, saga.StepSaveMetadata, "disk full")
	require.NoError(t, err)
	_, _, err = h.sagas.StartCompensation(ctx, sg.SagaID)
	require.NoError(t, err)

	report, err := newReconciler(h, nil, false).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Compensated)

	stored, err := h.sagas.Get(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, stored.Status)
	assert.Equal(t, 0, h.blobs.Len())
}

func TestReconcilerLeavesFreshAndDryRunSagasAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sg, _ := crashedAfterPut(t, h, "file-3")

	report, err := newReconciler(h, nil, true).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stale)
	require.Len(t, report.Sagas, 1)
	assert.Equal(t, OutcomeSkipped, report.Sagas[0].Outcome)

	fresh := newReconciler(h, nil, false)
	fresh.now = h.clock.Now
	report, err = fresh.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Stale)

	stored, err := h.sagas.Get(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusInProgress, stored.Status)
	assert.Equal(t, sg.Version+1, stored.Version, "only the begin step write")
	assert.Empty(t, h.bus.topics())
}

func TestReconcilerProbeErrorKeepsSaga(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sg, _ := crashedAfterPut(t, h, "file-4")
	h.blobs.FailExists(errors.New("timeout"))

	report, err := newReconciler(h, nil, false).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	stored, err := h.sagas.Get(ctx, sg.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusInProgress, stored.Status, "an uncertain side effect is never abandoned")
}

func TestReconcilerSkipsWhenLockHeld(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := newHarness(t)
	ctx := context.Background()
	crashedAfterPut(t, h, "file-5")

	other := redisstream.NewLock(client, "filesaga:recovery", time.Minute)
	ok, err := other.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	r := newReconciler(h, redisstream.NewLock(client, "filesaga:recovery", time.Minute), false)
	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Zero(t, report.Scanned)

	require.NoError(t, other.Release(ctx))
	report, err = r.Run(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Abandoned)
}

func TestReconcilerScheduleRejectsBadSpec(t *testing.T) {
	h := newHarness(t)
	_, err := newReconciler(h, nil, false).Schedule(context.Background(), "every tuesday")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := newReconciler(h, nil, false).Schedule(ctx, "@every 1h")
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)
}
