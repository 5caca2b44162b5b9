package service

import (
	"context"
	"time"

	"github.com/filesaga/platform/internal/repository"
)

// FileStore 文件元数据接口
type FileStore interface {
	Insert(ctx context.Context, f *repository.File) error
	Get(ctx context.Context, fileID string) (*repository.File, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*repository.File, int, error)
	ListByOrder(ctx context.Context, userID, orderID string) ([]*repository.File, error)
	UpdateStatus(ctx context.Context, fileID string, status repository.FileStatus, updatedAt time.Time) error
	Delete(ctx context.Context, fileID string) error
}

// UserNotifier 用户通知接口
type UserNotifier interface {
	PublishUploadReady(ctx context.Context, userID string, file interface{}) error
	PublishUploadFailed(ctx context.Context, userID string, detail interface{}) error
	PublishFileDeleted(ctx context.Context, userID string, detail interface{}) error
}

type nopNotifier struct{}

func (nopNotifier) PublishUploadReady(context.Context, string, interface{}) error  { return nil }
func (nopNotifier) PublishUploadFailed(context.Context, string, interface{}) error { return nil }
func (nopNotifier) PublishFileDeleted(context.Context, string, interface{}) error  { return nil }

func utcNow() time.Time {
	return time.Now().UTC()
}
