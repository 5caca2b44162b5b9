package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	commonerrors "github.com/filesaga/platform/pkg/errors"
)

// FileStatus 文件状态
type FileStatus string

const (
	FileUploading  FileStatus = "UPLOADING"
	FileUploaded   FileStatus = "UPLOADED"
	FileProcessing FileStatus = "PROCESSING"
	FileProcessed  FileStatus = "PROCESSED"
	FileFailed     FileStatus = "FAILED"
	FileDeleted    FileStatus = "DELETED"
)

// VersionType 文件衍生版本
type VersionType string

const (
	VersionOriginal   VersionType = "original"
	VersionThumbnail  VersionType = "thumbnail"
	VersionCompressed VersionType = "compressed"
)

type FileVersion struct {
	Type      VersionType `json:"type"`
	S3Key     string      `json:"s3Key"`
	FileSize  int64       `json:"fileSize"`
	CreatedAt time.Time   `json:"createdAt"`
}

// File 文件元数据
type File struct {
	FileID       string        `json:"fileId"`
	FileName     string        `json:"fileName"`
	OriginalName string        `json:"originalName"`
	FileSize     int64         `json:"fileSize"`
	MimeType     string        `json:"mimeType"`
	S3Key        string        `json:"s3Key"`
	S3Bucket     string        `json:"s3Bucket"`
	UserID       string        `json:"userId"`
	OrderID      string        `json:"orderId,omitempty"`
	Category     string        `json:"category,omitempty"`
	Tags         []string      `json:"tags"`
	Status       FileStatus    `json:"status"`
	Versions     []FileVersion `json:"versions"`
	UploadedAt   time.Time     `json:"uploadedAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

func (f *File) clone() *File {
	cp := *f
	cp.Tags = append([]string(nil), f.Tags...)
	cp.Versions = append([]FileVersion(nil), f.Versions...)
	return &cp
}

// FileRepository 文件元数据仓储
type FileRepository struct {
	db *sql.DB
}

func NewFileRepository(db *sql.DB) *FileRepository {
	return &FileRepository{db: db}
}

const fileColumns = `file_id, file_name, original_name, file_size, mime_type, s3_key, s3_bucket,
		       user_id, order_id, category, tags, status, versions, uploaded_at, updated_at`

// Insert 写入元数据，fileId 重复时返回 CONFLICT
func (r *FileRepository) Insert(ctx context.Context, f *File) error {
	versions, err := json.Marshal(f.Versions)
	if err != nil {
		return fmt.Errorf("encode versions: %w", err)
	}
	query := `
		INSERT INTO file_upload.files
		(file_id, file_name, original_name, file_size, mime_type, s3_key, s3_bucket,
		 user_id, order_id, category, tags, status, versions, uploaded_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = r.db.ExecContext(ctx, query,
		f.FileID, f.FileName, f.OriginalName, f.FileSize, f.MimeType, f.S3Key, f.S3Bucket,
		f.UserID, nullString(f.OrderID), nullString(f.Category), pq.Array(f.Tags), string(f.Status),
		versions, f.UploadedAt, f.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return commonerrors.Newf(commonerrors.CodeConflict, "file %s already exists", f.FileID)
		}
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// Get 按 fileId 读取，包含已删除记录
func (r *FileRepository) Get(ctx context.Context, fileID string) (*File, error) {
	query := `
		SELECT ` + fileColumns + `
		FROM file_upload.files
		WHERE file_id = $1
	`
	f, err := scanFile(r.db.QueryRowContext(ctx, query, fileID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.Newf(commonerrors.CodeFileNotFound, "file %s not found", fileID)
	}
	return f, err
}

// ListByUser 分页列出用户未删除的文件，新的在前，同时返回总数
func (r *FileRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*File, int, error) {
	var total int
	countQuery := `
		SELECT COUNT(*)
		FROM file_upload.files
		WHERE user_id = $1 AND status <> 'DELETED'
	`
	if err := r.db.QueryRowContext(ctx, countQuery, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
	}

	query := `
		SELECT ` + fileColumns + `
		FROM file_upload.files
		WHERE user_id = $1 AND status <> 'DELETED'
		ORDER BY uploaded_at DESC
		LIMIT $2 OFFSET $3
	`
	files, err := r.queryFiles(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

// ListByOrder 列出订单关联的未删除文件
func (r *FileRepository) ListByOrder(ctx context.Context, userID, orderID string) ([]*File, error) {
	query := `
		SELECT ` + fileColumns + `
		FROM file_upload.files
		WHERE user_id = $1 AND order_id = $2 AND status <> 'DELETED'
		ORDER BY uploaded_at DESC
	`
	return r.queryFiles(ctx, query, userID, orderID)
}

// UpdateStatus 更新状态
func (r *FileRepository) UpdateStatus(ctx context.Context, fileID string, status FileStatus, updatedAt time.Time) error {
	query := `
		UPDATE file_upload.files
		SET status = $2, updated_at = $3
		WHERE file_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, fileID, string(status), updatedAt)
	if err != nil {
		return fmt.Errorf("update file status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update file status rows affected: %w", err)
	}
	if affected == 0 {
		return commonerrors.Newf(commonerrors.CodeFileNotFound, "file %s not found", fileID)
	}
	return nil
}

// Delete 物理删除（DELETE_METADATA 补偿），记录不存在时视为成功
func (r *FileRepository) Delete(ctx context.Context, fileID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM file_upload.files WHERE file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(row rowScanner) (*File, error) {
	var f File
	var orderID, category sql.NullString
	var status string
	var versions []byte
	if err := row.Scan(
		&f.FileID, &f.FileName, &f.OriginalName, &f.FileSize, &f.MimeType, &f.S3Key, &f.S3Bucket,
		&f.UserID, &orderID, &category, pq.Array(&f.Tags), &status, &versions, &f.UploadedAt, &f.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan file: %w", err)
	}
	f.OrderID = orderID.String
	f.Category = category.String
	f.Status = FileStatus(status)
	if len(versions) > 0 {
		if err := json.Unmarshal(versions, &f.Versions); err != nil {
			return nil, fmt.Errorf("decode versions: %w", err)
		}
	}
	return &f, nil
}

func (r *FileRepository) queryFiles(ctx context.Context, query string, args ...interface{}) ([]*File, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return files, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
