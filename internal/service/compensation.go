package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/filesaga/platform/internal/blob"
	"github.com/filesaga/platform/internal/events"
	"github.com/filesaga/platform/internal/metrics"
	"github.com/filesaga/platform/internal/saga"
	commonerrors "github.com/filesaga/platform/pkg/errors"
	"github.com/filesaga/platform/pkg/logger"
	"github.com/filesaga/platform/pkg/retry"
	"github.com/filesaga/platform/pkg/tracing"
)

// CompensationExecutor runs the compensation actions this service owns.
type CompensationExecutor struct {
	sagas    *SagaService
	blobs    blob.Store
	files    FileStore
	notifier UserNotifier
	bus      events.Publisher
	policy   *retry.Policy
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time
}

// NewCompensationExecutor 创建补偿执行器，notifier 可为 nil
func NewCompensationExecutor(sagas *SagaService, blobs blob.Store, files FileStore, notifier UserNotifier, bus events.Publisher, policy *retry.Policy, metricsClient *metrics.Metrics, log *logger.Logger) *CompensationExecutor {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CompensationExecutor{
		sagas:    sagas,
		blobs:    blobs,
		files:    files,
		notifier: notifier,
		bus:      bus,
		policy:   policy,
		metrics:  metricsClient,
		log:      log,
		now:      utcNow,
	}
}

// Execute moves a failed saga into compensation and runs its pending actions in order.
// It stops at the first action that fails and returns that error; the saga then stays
// COMPENSATING until a later run succeeds.
func (e *CompensationExecutor) Execute(ctx context.Context, sagaID string) (*saga.Saga, error) {
	sg, changed, err := e.sagas.StartCompensation(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if changed && sg.Status == saga.StatusCompensated {
		e.publishCompensated(ctx, sg)
		return sg, nil
	}

	for _, action := range sg.PendingCompensations() {
		next, err := e.run(ctx, sg, action)
		if err != nil {
			return sg, err
		}
		sg = next
	}
	return sg, nil
}

func (e *CompensationExecutor) run(ctx context.Context, sg *saga.Saga, action saga.CompensationAction) (*saga.Saga, error) {
	ctx, span := tracing.StartSagaSpan(ctx, "saga.compensate", sg.SagaID, string(action.Action))
	defer span.End()

	log := e.log.WithContext(ctx)
	fields := map[string]interface{}{
		"sagaId": sg.SagaID,
		"action": action.Action,
		"stepId": action.StepID,
	}

	err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		return e.apply(ctx, sg, action)
	})
	if err != nil {
		e.metrics.IncCompensation(string(action.Action), resultOf(err))
		tracing.SetError(ctx, err)
		fields["error"] = err.Error()
		log.Errorf("compensation failed", fields)
		return nil, fmt.Errorf("%s for saga %s: %w", action.Action, sg.SagaID, err)
	}
	e.metrics.IncCompensation(string(action.Action), metrics.ResultOK)

	if action.Action == saga.ActionDeleteFromS3 {
		e.publish(ctx, events.TopicS3Deleted, events.S3Deleted{
			SagaID:    sg.SagaID,
			FileID:    sg.Payload.String(saga.KeyFileID),
			S3Key:     action.Payload.String(saga.KeyS3Key),
			Timestamp: e.now(),
		})
	}

	next, changed, err := e.sagas.CompleteCompensationAction(ctx, sg.SagaID, action.StepID)
	if err != nil {
		return nil, err
	}
	log.Infof("compensation executed", fields)
	if changed && next.Status == saga.StatusCompensated {
		e.publishCompensated(ctx, next)
	}
	return next, nil
}

func (e *CompensationExecutor) apply(ctx context.Context, sg *saga.Saga, action saga.CompensationAction) error {
	switch action.Action {
	case saga.ActionDeleteFromS3:
		key := action.Payload.String(saga.KeyS3Key)
		if key == "" {
			return retry.Permanent(commonerrors.Newf(commonerrors.CodeValidationFailed, "saga %s: no blob key to delete", sg.SagaID))
		}
		return e.blobs.Delete(ctx, key)
	case saga.ActionDeleteMetadata:
		return e.files.Delete(ctx, action.Payload.String(saga.KeyFileID))
	case saga.ActionSendFailureNotification:
		return e.notifier.PublishUploadFailed(ctx, action.Payload.String(saga.KeyUserID), map[string]interface{}{
			"sagaId":   sg.SagaID,
			"fileId":   sg.Payload.String(saga.KeyFileID),
			"fileName": action.Payload.String(saga.KeyFileName),
		})
	default:
		return retry.Permanent(commonerrors.Newf(commonerrors.CodeInternal, "no executor for compensation %s", action.Action))
	}
}

func (e *CompensationExecutor) publishCompensated(ctx context.Context, sg *saga.Saga) {
	e.publish(ctx, events.TopicCompensated, events.Compensated{SagaID: sg.SagaID, Timestamp: e.now()})
}

func (e *CompensationExecutor) publish(ctx context.Context, topic string, payload interface{}) {
	publishBestEffort(ctx, e.bus, e.log, topic, payload)
}

// publishBestEffort 事件发布失败只记录日志，saga 文档是恢复的依据
func publishBestEffort(ctx context.Context, bus events.Publisher, log *logger.Logger, topic string, payload interface{}) {
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, topic, payload); err != nil {
		log.WithContext(ctx).WithError(err).Warnf("publish event failed", map[string]interface{}{"topic": topic})
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, retry.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return metrics.ResultTimeout
	default:
		return metrics.ResultError
	}
}
