package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/filesaga/platform/internal/events"
	"github.com/filesaga/platform/internal/saga"
	"github.com/filesaga/platform/pkg/logger"
	redisstream "github.com/filesaga/platform/pkg/redis"
	"github.com/filesaga/platform/pkg/tracing"
)

// CompensationHandler reacts to failure and compensation confirmations raised by any
// service. Missing sagas, steps and actions are logged and dropped so redelivery is harmless.
type CompensationHandler struct {
	sagas    *SagaService
	executor *CompensationExecutor
	bus      events.Publisher
	log      *logger.Logger
	now      func() time.Time
}

// NewCompensationHandler 创建补偿事件处理器
func NewCompensationHandler(sagas *SagaService, executor *CompensationExecutor, bus events.Publisher, log *logger.Logger) *CompensationHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &CompensationHandler{
		sagas:    sagas,
		executor: executor,
		bus:      bus,
		log:      log,
		now:      utcNow,
	}
}

// Register 订阅 failed 与 s3_deleted
func (h *CompensationHandler) Register(r *events.Router) *events.Router {
	return r.On(events.TopicFailed, h.HandleFailed).On(events.TopicS3Deleted, h.HandleS3Deleted)
}

// HandleFailed records a failure reported by another service, then starts and runs the
// compensation. A saga already compensating is only re-driven.
func (h *CompensationHandler) HandleFailed(ctx context.Context, msg *redisstream.Message) error {
	var evt events.Failed
	if err := msg.Decode(&evt); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Stream, err)
	}
	ctx, span := tracing.StartSagaSpan(ctx, "saga.handle_failed", evt.SagaID, evt.StepName)
	defer span.End()
	log := h.log.WithContext(ctx)
	fields := map[string]interface{}{"sagaId": evt.SagaID, "step": evt.StepName, "messageId": msg.ID}

	sg, err := h.sagas.Get(ctx, evt.SagaID)
	if errors.Is(err, saga.ErrSagaNotFound) {
		log.Warnf("failed event for unknown saga dropped", fields)
		return nil
	}
	if err != nil {
		return err
	}

	if sg.Status == saga.StatusStarted || sg.Status == saga.StatusInProgress {
		_, _, err := h.sagas.FailStep(ctx, sg.SagaID, saga.StepName(evt.StepName), evt.Error)
		switch {
		case errors.Is(err, saga.ErrStepNotFound), errors.Is(err, saga.ErrInvalidTransition):
			fields["error"] = err.Error()
			log.Warnf("failed event does not apply, dropped", fields)
			return nil
		case err != nil:
			return err
		}
	}

	_, err = h.executor.Execute(ctx, sg.SagaID)
	if errors.Is(err, saga.ErrInvalidTransition) {
		fields["error"] = err.Error()
		log.Warnf("saga cannot be compensated, dropped", fields)
		return nil
	}
	return err
}

// HandleS3Deleted confirms the DELETE_FROM_S3 action of the saga's upload step.
func (h *CompensationHandler) HandleS3Deleted(ctx context.Context, msg *redisstream.Message) error {
	var evt events.S3Deleted
	if err := msg.Decode(&evt); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Stream, err)
	}
	ctx, span := tracing.StartSagaSpan(ctx, "saga.handle_s3_deleted", evt.SagaID, string(saga.StepUploadToS3))
	defer span.End()
	log := h.log.WithContext(ctx)
	fields := map[string]interface{}{"sagaId": evt.SagaID, "s3Key": evt.S3Key, "messageId": msg.ID}

	sg, err := h.sagas.Get(ctx, evt.SagaID)
	if errors.Is(err, saga.ErrSagaNotFound) {
		log.Warnf("s3_deleted for unknown saga dropped", fields)
		return nil
	}
	if err != nil {
		return err
	}
	step, _ := sg.Step(saga.StepUploadToS3)
	if step == nil {
		log.Warnf("s3_deleted for saga without upload step dropped", fields)
		return nil
	}

	next, changed, err := h.sagas.CompleteCompensationAction(ctx, sg.SagaID, step.StepID)
	if errors.Is(err, saga.ErrCompensationNotFound) {
		log.Warnf("s3_deleted without compensation action dropped", fields)
		return nil
	}
	if err != nil {
		return err
	}
	if changed && next.Status == saga.StatusCompensated {
		publishBestEffort(ctx, h.bus, h.log, events.TopicCompensated, events.Compensated{
			SagaID:    next.SagaID,
			Timestamp: h.now(),
		})
	}
	return nil
}

// NotificationHandler is the downstream owner of SEND_NOTIFICATION: it turns saga events
// into user notices.
type NotificationHandler struct {
	sagas    *SagaService
	notifier UserNotifier
	log      *logger.Logger
}

// NewNotificationHandler 创建通知消费者
func NewNotificationHandler(sagas *SagaService, notifier UserNotifier, log *logger.Logger) *NotificationHandler {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &NotificationHandler{sagas: sagas, notifier: notifier, log: log}
}

// Register 订阅 metadata_saved 与 failed
func (h *NotificationHandler) Register(r *events.Router) *events.Router {
	return r.On(events.TopicMetadataSaved, h.HandleMetadataSaved).On(events.TopicFailed, h.HandleFailed)
}

func (h *NotificationHandler) HandleMetadataSaved(ctx context.Context, msg *redisstream.Message) error {
	var evt events.MetadataSaved
	if err := msg.Decode(&evt); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Stream, err)
	}
	if evt.Metadata.UserID == "" {
		h.log.WithContext(ctx).Warnf("metadata_saved without user dropped", map[string]interface{}{"sagaId": evt.SagaID})
		return nil
	}
	return h.notifier.PublishUploadReady(ctx, evt.Metadata.UserID, map[string]interface{}{
		"sagaId":       evt.SagaID,
		"fileId":       evt.FileID,
		"originalName": evt.Metadata.OriginalName,
		"fileSize":     evt.Metadata.FileSize,
		"mimeType":     evt.Metadata.MimeType,
	})
}

func (h *NotificationHandler) HandleFailed(ctx context.Context, msg *redisstream.Message) error {
	var evt events.Failed
	if err := msg.Decode(&evt); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Stream, err)
	}
	userID, fileName := evt.UserID, evt.FileName
	if userID == "" {
		sg, err := h.sagas.Get(ctx, evt.SagaID)
		if errors.Is(err, saga.ErrSagaNotFound) {
			h.log.WithContext(ctx).Warnf("failed event for unknown saga dropped", map[string]interface{}{"sagaId": evt.SagaID})
			return nil
		}
		if err != nil {
			return err
		}
		userID, fileName = sg.Payload.String(saga.KeyUserID), sg.Payload.String(saga.KeyFileName)
	}
	if userID == "" {
		return nil
	}
	return h.notifier.PublishUploadFailed(ctx, userID, map[string]interface{}{
		"sagaId":   evt.SagaID,
		"fileId":   evt.FileID,
		"fileName": fileName,
		"stepName": evt.StepName,
		"error":    evt.Error,
	})
}
