package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/filesaga/platform/internal/blob"
	"github.com/filesaga/platform/internal/events"
	"github.com/filesaga/platform/internal/metrics"
	"github.com/filesaga/platform/internal/repository"
	"github.com/filesaga/platform/internal/saga"
	commonerrors "github.com/filesaga/platform/pkg/errors"
	"github.com/filesaga/platform/pkg/logger"
	"github.com/filesaga/platform/pkg/retry"
	"github.com/filesaga/platform/pkg/tracing"
	"github.com/filesaga/platform/pkg/validate"
)

// DefaultMaxUploadBytes 默认上传上限 10 MiB
const DefaultMaxUploadBytes int64 = 10 << 20

// UploadConfig 编排配置
type UploadConfig struct {
	MaxUploadBytes   int64
	AllowedMimeTypes []string
	// StepPolicy bounds every adapter call made by a step.
	StepPolicy *retry.Policy
}

// UploadService drives the FILE_UPLOAD saga for one request.
type UploadService struct {
	sagas    *SagaService
	blobs    blob.Store
	files    FileStore
	executor *CompensationExecutor
	bus      events.Publisher
	metrics  *metrics.Metrics
	log      *logger.Logger
	cfg      UploadConfig

	now   func() time.Time
	newID func() string
}

// NewUploadService 创建上传编排服务
func NewUploadService(sagas *SagaService, blobs blob.Store, files FileStore, executor *CompensationExecutor, bus events.Publisher, metricsClient *metrics.Metrics, log *logger.Logger, cfg UploadConfig) *UploadService {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if len(cfg.AllowedMimeTypes) == 0 {
		cfg.AllowedMimeTypes = validate.DefaultAllowedMimeTypes
	}
	if cfg.StepPolicy == nil {
		cfg.StepPolicy = retry.Default()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &UploadService{
		sagas:    sagas,
		blobs:    blobs,
		files:    files,
		executor: executor,
		bus:      bus,
		metrics:  metricsClient,
		log:      log,
		cfg:      cfg,
		now:      utcNow,
		newID:    uuid.NewString,
	}
}

// UploadRequest 上传请求
type UploadRequest struct {
	Body     []byte
	FileName string
	MimeType string
	UserID   string
	OrderID  string
	Category string
	Tags     []string
}

// UploadResult 上传结果；后续步骤失败时 Status 反映补偿结果
type UploadResult struct {
	FileID  string      `json:"fileId"`
	SagaID  string      `json:"sagaId"`
	Status  saga.Status `json:"status"`
	Message string      `json:"message"`
}

// Upload runs the saga steps in order. A failure of the first step is returned as an
// error; a later failure is compensated and reported through the result status.
func (s *UploadService) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	if req == nil {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "empty upload request")
	}
	size := int64(len(req.Body))
	err := validate.New().
		UserID("userId", req.UserID).
		OrderID("orderId", req.OrderID).
		FileName("fileName", req.FileName).
		FileSize("file", size, s.cfg.MaxUploadBytes).
		MimeType("mimeType", req.MimeType, s.cfg.AllowedMimeTypes).
		Err()
	if err != nil {
		return nil, err
	}

	fileID := s.newID()
	payload := saga.Payload{
		saga.KeyFileID:   fileID,
		saga.KeyFileName: req.FileName,
		saga.KeyFileSize: size,
		saga.KeyMimeType: req.MimeType,
		saga.KeyUserID:   req.UserID,
	}
	if req.OrderID != "" {
		payload[saga.KeyOrderID] = req.OrderID
	}
	sg, err := s.sagas.Start(ctx, saga.TypeFileUpload, payload)
	if err != nil {
		return nil, err
	}
	ctx = logger.ContextWithSagaID(ctx, sg.SagaID)
	s.metrics.ObserveUploadBytes(size)
	s.publish(ctx, events.TopicStarted, events.Started{
		SagaID:    sg.SagaID,
		FileID:    fileID,
		FileName:  req.FileName,
		FileSize:  size,
		UserID:    req.UserID,
		OrderID:   req.OrderID,
		Timestamp: s.now(),
	})

	obj, err := s.uploadToS3(ctx, sg.SagaID, fileID, req)
	if err != nil {
		s.failStep(ctx, sg.SagaID, fileID, saga.StepUploadToS3, err, req)
		return nil, commonerrors.Newf(commonerrors.CodeAdapterFailure, "upload failed: %v", err)
	}

	file, err := s.saveMetadata(ctx, sg.SagaID, fileID, obj, req)
	if err != nil {
		status := s.rollback(ctx, sg.SagaID, saga.StepSaveMetadata, err, req)
		return &UploadResult{
			FileID:  fileID,
			SagaID:  sg.SagaID,
			Status:  status,
			Message: "upload failed and was rolled back",
		}, nil
	}

	final, err := s.completeNotification(ctx, sg.SagaID, file, obj)
	if err != nil {
		return nil, err
	}
	return &UploadResult{
		FileID:  fileID,
		SagaID:  sg.SagaID,
		Status:  final.Status,
		Message: "file uploaded",
	}, nil
}

func (s *UploadService) uploadToS3(ctx context.Context, sagaID, fileID string, req *UploadRequest) (blob.Object, error) {
	ctx, span := tracing.StartSagaSpan(ctx, "saga.step", sagaID, string(saga.StepUploadToS3))
	defer span.End()

	key := blob.BuildKey(req.UserID, req.OrderID, req.FileName, fileID, s.now())
	intent := saga.Payload{saga.KeyS3Key: key, saga.KeyS3Bucket: s.blobs.Bucket()}
	if _, _, err := s.sagas.BeginStep(ctx, sagaID, saga.StepUploadToS3, intent); err != nil {
		return blob.Object{}, err
	}

	var obj blob.Object
	err := s.step(ctx, saga.StepUploadToS3, func(ctx context.Context) error {
		var err error
		obj, err = s.blobs.Put(ctx, blob.PutInput{
			Key:      key,
			Body:     req.Body,
			FileName: req.FileName,
			MimeType: req.MimeType,
			OwnerID:  req.UserID,
			GroupID:  req.OrderID,
		})
		return err
	})
	if err != nil {
		return blob.Object{}, err
	}

	_, _, err = s.sagas.CompleteStep(ctx, sagaID, saga.StepUploadToS3, saga.Payload{
		saga.KeyS3Key:    obj.Key,
		saga.KeyS3Bucket: obj.Bucket,
		saga.KeyURL:      obj.URL,
	})
	if err != nil {
		// 对象已写入但完成状态未落库，补偿计划里不会有它
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), obj.Key); delErr != nil {
			s.log.WithContext(ctx).WithError(delErr).Errorf("orphan blob cleanup failed", map[string]interface{}{"s3Key": obj.Key})
		}
		return blob.Object{}, err
	}
	s.publish(ctx, events.TopicS3Uploaded, events.S3Uploaded{
		SagaID:    sagaID,
		FileID:    fileID,
		S3Key:     obj.Key,
		S3Bucket:  obj.Bucket,
		Timestamp: s.now(),
	})
	return obj, nil
}

func (s *UploadService) saveMetadata(ctx context.Context, sagaID, fileID string, obj blob.Object, req *UploadRequest) (*repository.File, error) {
	ctx, span := tracing.StartSagaSpan(ctx, "saga.step", sagaID, string(saga.StepSaveMetadata))
	defer span.End()

	if _, _, err := s.sagas.BeginStep(ctx, sagaID, saga.StepSaveMetadata, saga.Payload{saga.KeyFileID: fileID}); err != nil {
		return nil, err
	}

	now := s.now()
	size := int64(len(req.Body))
	file := &repository.File{
		FileID:       fileID,
		FileName:     fileID + validate.Extension(req.FileName),
		OriginalName: req.FileName,
		FileSize:     size,
		MimeType:     req.MimeType,
		S3Key:        obj.Key,
		S3Bucket:     obj.Bucket,
		UserID:       req.UserID,
		OrderID:      req.OrderID,
		Category:     req.Category,
		Tags:         req.Tags,
		Status:       repository.FileUploaded,
		Versions: []repository.FileVersion{{
			Type:      repository.VersionOriginal,
			S3Key:     obj.Key,
			FileSize:  size,
			CreatedAt: now,
		}},
		UploadedAt: now,
		UpdatedAt:  now,
	}
	err := s.step(ctx, saga.StepSaveMetadata, func(ctx context.Context) error {
		err := s.files.Insert(ctx, file)
		if errors.Is(err, commonerrors.ErrConflict) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	_, _, err = s.sagas.CompleteStep(ctx, sagaID, saga.StepSaveMetadata, saga.Payload{saga.KeyFileID: fileID})
	if err != nil {
		if delErr := s.files.Delete(context.WithoutCancel(ctx), fileID); delErr != nil {
			s.log.WithContext(ctx).WithError(delErr).Errorf("orphan metadata cleanup failed", map[string]interface{}{"fileId": fileID})
		}
		return nil, err
	}
	s.publish(ctx, events.TopicMetadataSaved, events.MetadataSaved{
		SagaID: sagaID,
		FileID: fileID,
		Metadata: events.FileSummary{
			FileName:     file.FileName,
			OriginalName: file.OriginalName,
			FileSize:     file.FileSize,
			MimeType:     file.MimeType,
			UserID:       file.UserID,
			OrderID:      file.OrderID,
			S3Key:        file.S3Key,
		},
		Timestamp: now,
	})
	return file, nil
}

// completeNotification 通知由 metadata_saved 的下游消费者发送，这里直接标记完成
func (s *UploadService) completeNotification(ctx context.Context, sagaID string, file *repository.File, obj blob.Object) (*saga.Saga, error) {
	sg, _, err := s.sagas.CompleteStep(ctx, sagaID, saga.StepSendNotification, nil)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveStep(string(saga.StepSendNotification), metrics.ResultOK, 0)
	s.publish(ctx, events.TopicCompleted, events.Completed{
		SagaID:    sagaID,
		FileID:    file.FileID,
		FileURL:   obj.URL,
		Timestamp: s.now(),
	})
	s.log.WithContext(ctx).Infof("upload saga completed", map[string]interface{}{
		"sagaId": sagaID,
		"fileId": file.FileID,
	})
	return sg, nil
}

// step runs one side effect under the step policy and records its latency.
func (s *UploadService) step(ctx context.Context, name saga.StepName, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := retry.Do(ctx, s.cfg.StepPolicy, fn)
	s.metrics.ObserveStep(string(name), resultOf(err), time.Since(start))
	if err != nil {
		tracing.SetError(ctx, err)
	}
	return err
}

func (s *UploadService) failStep(ctx context.Context, sagaID, fileID string, name saga.StepName, cause error, req *UploadRequest) {
	log := s.log.WithContext(ctx)
	log.WithError(cause).Errorf("saga step failed", map[string]interface{}{
		"sagaId": sagaID,
		"step":   name,
	})
	if _, _, err := s.sagas.FailStep(ctx, sagaID, name, cause.Error()); err != nil {
		log.WithError(err).Errorf("record step failure", map[string]interface{}{"sagaId": sagaID, "step": name})
	}
	s.publish(ctx, events.TopicFailed, events.Failed{
		SagaID:    sagaID,
		FileID:    fileID,
		StepName:  string(name),
		Error:     cause.Error(),
		UserID:    req.UserID,
		FileName:  req.FileName,
		Timestamp: s.now(),
	})
}

// rollback fails the step and runs the compensations synchronously.
func (s *UploadService) rollback(ctx context.Context, sagaID string, name saga.StepName, cause error, req *UploadRequest) saga.Status {
	log := s.log.WithContext(ctx)
	log.WithError(cause).Errorf("saga step failed", map[string]interface{}{
		"sagaId": sagaID,
		"step":   name,
	})
	sg, _, err := s.sagas.FailStep(ctx, sagaID, name, cause.Error())
	if err != nil {
		log.WithError(err).Errorf("record step failure", map[string]interface{}{"sagaId": sagaID, "step": name})
		return saga.StatusFailed
	}

	status := saga.StatusCompensating
	if compensated, err := s.executor.Execute(ctx, sagaID); err != nil {
		log.WithError(err).Errorf("compensation incomplete", map[string]interface{}{"sagaId": sagaID})
	} else {
		status = compensated.Status
	}

	s.publish(ctx, events.TopicFailed, events.Failed{
		SagaID:    sagaID,
		FileID:    sg.Payload.String(saga.KeyFileID),
		StepName:  string(name),
		Error:     cause.Error(),
		UserID:    req.UserID,
		FileName:  req.FileName,
		Timestamp: s.now(),
	})
	return status
}

func (s *UploadService) publish(ctx context.Context, topic string, payload interface{}) {
	publishBestEffort(ctx, s.bus, s.log, topic, payload)
}
