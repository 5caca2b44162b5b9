// Package repository saga 与文件元数据的数据访问层
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/filesaga/platform/internal/saga"
	commonerrors "github.com/filesaga/platform/pkg/errors"
)

// DefaultActiveLimit bounds findActive scans.
const DefaultActiveLimit = 500

// SagaRepository stores each saga as a whole JSONB document guarded by a version column.
type SagaRepository struct {
	db *sql.DB
}

// NewSagaRepository 创建仓储
func NewSagaRepository(db *sql.DB) *SagaRepository {
	return &SagaRepository{db: db}
}

// Insert 写入新 saga，version 从 1 开始
func (r *SagaRepository) Insert(ctx context.Context, s *saga.Saga) error {
	doc, err := encodeSaga(s, 1)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO file_upload.sagas
		(saga_id, saga_type, status, document, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		s.SagaID, string(s.SagaType), string(s.Status), doc, int64(1), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return commonerrors.Newf(commonerrors.CodeConflict, "saga %s already exists", s.SagaID)
		}
		return fmt.Errorf("insert saga: %w", err)
	}
	s.Version = 1
	return nil
}

// FindByID 按 ID 读取，不存在返回 saga.ErrSagaNotFound
func (r *SagaRepository) FindByID(ctx context.Context, sagaID string) (*saga.Saga, error) {
	query := `
		SELECT document, version
		FROM file_upload.sagas
		WHERE saga_id = $1
	`
	var doc []byte
	var version int64
	err := r.db.QueryRowContext(ctx, query, sagaID).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commonerrors.Newf(commonerrors.CodeSagaNotFound, "saga %s not found", sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("select saga: %w", err)
	}
	return decodeSaga(doc, version)
}

// Save 整文档写回，要求 s.Version 与库中一致；成功后 s.Version 自增
func (r *SagaRepository) Save(ctx context.Context, s *saga.Saga) error {
	next := s.Version + 1
	doc, err := encodeSaga(s, next)
	if err != nil {
		return err
	}
	query := `
		UPDATE file_upload.sagas
		SET status = $2, document = $3, version = $4, updated_at = $5
		WHERE saga_id = $1 AND version = $6
	`
	res, err := r.db.ExecContext(ctx, query,
		s.SagaID, string(s.Status), doc, next, s.UpdatedAt, s.Version,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update saga rows affected: %w", err)
	}
	if affected == 0 {
		return r.missOrConflict(ctx, s)
	}
	s.Version = next
	return nil
}

func (r *SagaRepository) missOrConflict(ctx context.Context, s *saga.Saga) error {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM file_upload.sagas WHERE saga_id = $1`, s.SagaID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return commonerrors.Newf(commonerrors.CodeSagaNotFound, "saga %s not found", s.SagaID)
	}
	if err != nil {
		return fmt.Errorf("select saga: %w", err)
	}
	return commonerrors.Newf(commonerrors.CodeVersionConflict, "saga %s changed since version %d", s.SagaID, s.Version)
}

// FindActive 返回 STARTED / IN_PROGRESS / COMPENSATING 的 saga，新的在前
func (r *SagaRepository) FindActive(ctx context.Context, limit int) ([]*saga.Saga, error) {
	if limit <= 0 || limit > DefaultActiveLimit {
		limit = DefaultActiveLimit
	}
	statuses := make([]string, len(saga.ActiveStatuses))
	for i, st := range saga.ActiveStatuses {
		statuses[i] = string(st)
	}
	query := `
		SELECT document, version
		FROM file_upload.sagas
		WHERE status = ANY($1)
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(statuses), limit)
	if err != nil {
		return nil, fmt.Errorf("query active sagas: %w", err)
	}
	defer rows.Close()

	var out []*saga.Saga
	for rows.Next() {
		var doc []byte
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		s, err := decodeSaga(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sagas: %w", err)
	}
	return out, nil
}

func encodeSaga(s *saga.Saga, version int64) ([]byte, error) {
	cp := *s
	cp.Version = version
	doc, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("encode saga %s: %w", s.SagaID, err)
	}
	return doc, nil
}

// the version column wins over the copy inside the document
func decodeSaga(doc []byte, version int64) (*saga.Saga, error) {
	var s saga.Saga
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode saga: %w", err)
	}
	s.Version = version
	return &s, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
