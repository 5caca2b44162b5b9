package service

import (
	"context"
	"time"

	"github.com/filesaga/platform/internal/blob"
	"github.com/filesaga/platform/internal/repository"
	commonerrors "github.com/filesaga/platform/pkg/errors"
	"github.com/filesaga/platform/pkg/logger"
	"github.com/filesaga/platform/pkg/validate"
)

// FileService 文件查询、下载与删除
type FileService struct {
	files      FileStore
	blobs      blob.Store
	notifier   UserNotifier
	log        *logger.Logger
	presignTTL time.Duration
	now        func() time.Time
}

// NewFileService 创建文件服务
func NewFileService(files FileStore, blobs blob.Store, notifier UserNotifier, presignTTL time.Duration, log *logger.Logger) *FileService {
	if presignTTL <= 0 {
		presignTTL = blob.DefaultPresignTTL
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &FileService{
		files:      files,
		blobs:      blobs,
		notifier:   notifier,
		log:        log,
		presignTTL: presignTTL,
		now:        utcNow,
	}
}

// Download 预签名下载地址
type Download struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expiresIn"`
}

// FilePage 分页结果
type FilePage struct {
	Files  []*repository.File `json:"files"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// Get 读取文件，仅所有者可见
func (s *FileService) Get(ctx context.Context, fileID, userID string) (*repository.File, error) {
	f, err := s.files.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.UserID != userID {
		return nil, commonerrors.ErrPermissionDenied
	}
	return f, nil
}

// List 按用户分页，新的在前
func (s *FileService) List(ctx context.Context, userID string, limit, offset int) (*FilePage, error) {
	if err := validate.UserID(userID); err != nil {
		return nil, err
	}
	if err := validate.Page(limit, offset); err != nil {
		return nil, err
	}
	files, total, err := s.files.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []*repository.File{}
	}
	return &FilePage{Files: files, Total: total, Limit: limit, Offset: offset}, nil
}

// ListByOrder 订单关联的文件
func (s *FileService) ListByOrder(ctx context.Context, userID, orderID string) ([]*repository.File, error) {
	if err := validate.UserID(userID); err != nil {
		return nil, err
	}
	files, err := s.files.ListByOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if files == nil {
		files = []*repository.File{}
	}
	return files, nil
}

// DownloadURL 返回预签名地址，已删除的文件返回 FILE_DELETED
func (s *FileService) DownloadURL(ctx context.Context, fileID, userID string) (*Download, error) {
	f, err := s.Get(ctx, fileID, userID)
	if err != nil {
		return nil, err
	}
	if f.Status == repository.FileDeleted {
		return nil, commonerrors.ErrFileDeleted
	}
	u, err := s.blobs.Presign(ctx, f.S3Key, s.presignTTL)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeAdapterFailure, "presign %s: %v", fileID, err)
	}
	return &Download{URL: u, ExpiresIn: int(s.presignTTL / time.Second)}, nil
}

// Delete marks the file DELETED, then removes the blob. A blob delete failure is logged;
// the record is already hidden from listings.
func (s *FileService) Delete(ctx context.Context, fileID, userID string) error {
	f, err := s.Get(ctx, fileID, userID)
	if err != nil {
		return err
	}
	if f.Status == repository.FileDeleted {
		return nil
	}
	if err := s.files.UpdateStatus(ctx, fileID, repository.FileDeleted, s.now()); err != nil {
		return err
	}

	log := s.log.WithContext(ctx)
	if err := s.blobs.Delete(ctx, f.S3Key); err != nil {
		log.WithError(err).Errorf("delete blob failed", map[string]interface{}{"fileId": fileID, "s3Key": f.S3Key})
	}
	if err := s.notifier.PublishFileDeleted(ctx, userID, map[string]interface{}{"fileId": fileID}); err != nil {
		log.WithError(err).Warnf("file deleted notice failed", map[string]interface{}{"fileId": fileID})
	}
	log.Infof("file deleted", map[string]interface{}{"fileId": fileID, "userId": userID})
	return nil
}
