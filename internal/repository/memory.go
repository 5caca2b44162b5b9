package repository

import (
	"context"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/filesaga/platform/internal/saga"
	commonerrors "github.com/filesaga/platform/pkg/errors"
)

// MemorySagaStore is the in-process saga store used by STORE_DRIVER=memory and tests.
// Documents are cloned on the way in and out so callers never share state.
type MemorySagaStore struct {
	sagas *xsync.MapOf[string, *saga.Saga]
}

func NewMemorySagaStore() *MemorySagaStore {
	return &MemorySagaStore{sagas: xsync.NewMapOf[string, *saga.Saga]()}
}

func (m *MemorySagaStore) Insert(_ context.Context, s *saga.Saga) error {
	cp := s.Clone()
	cp.Version = 1
	if _, loaded := m.sagas.LoadOrStore(s.SagaID, cp); loaded {
		return commonerrors.Newf(commonerrors.CodeConflict, "saga %s already exists", s.SagaID)
	}
	s.Version = 1
	return nil
}

func (m *MemorySagaStore) FindByID(_ context.Context, sagaID string) (*saga.Saga, error) {
	s, ok := m.sagas.Load(sagaID)
	if !ok {
		return nil, commonerrors.Newf(commonerrors.CodeSagaNotFound, "saga %s not found", sagaID)
	}
	return s.Clone(), nil
}

// Save compares and swaps on Version atomically per key.
func (m *MemorySagaStore) Save(_ context.Context, s *saga.Saga) error {
	var err error
	next := s.Version + 1
	m.sagas.Compute(s.SagaID, func(old *saga.Saga, loaded bool) (*saga.Saga, bool) {
		if !loaded {
			err = commonerrors.Newf(commonerrors.CodeSagaNotFound, "saga %s not found", s.SagaID)
			return nil, true
		}
		if old.Version != s.Version {
			err = commonerrors.Newf(commonerrors.CodeVersionConflict, "saga %s changed since version %d", s.SagaID, s.Version)
			return old, false
		}
		cp := s.Clone()
		cp.Version = next
		return cp, false
	})
	if err != nil {
		return err
	}
	s.Version = next
	return nil
}

func (m *MemorySagaStore) FindActive(_ context.Context, limit int) ([]*saga.Saga, error) {
	if limit <= 0 || limit > DefaultActiveLimit {
		limit = DefaultActiveLimit
	}
	var out []*saga.Saga
	m.sagas.Range(func(_ string, s *saga.Saga) bool {
		if s.Status.Active() {
			out = append(out, s.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryFileStore is the in-process metadata store.
type MemoryFileStore struct {
	files *xsync.MapOf[string, *File]
}

func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{files: xsync.NewMapOf[string, *File]()}
}

func (m *MemoryFileStore) Insert(_ context.Context, f *File) error {
	if _, loaded := m.files.LoadOrStore(f.FileID, f.clone()); loaded {
		return commonerrors.Newf(commonerrors.CodeConflict, "file %s already exists", f.FileID)
	}
	return nil
}

func (m *MemoryFileStore) Get(_ context.Context, fileID string) (*File, error) {
	f, ok := m.files.Load(fileID)
	if !ok {
		return nil, commonerrors.Newf(commonerrors.CodeFileNotFound, "file %s not found", fileID)
	}
	return f.clone(), nil
}

func (m *MemoryFileStore) ListByUser(_ context.Context, userID string, limit, offset int) ([]*File, int, error) {
	all := m.collect(func(f *File) bool { return f.UserID == userID })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryFileStore) ListByOrder(_ context.Context, userID, orderID string) ([]*File, error) {
	return m.collect(func(f *File) bool { return f.UserID == userID && f.OrderID == orderID }), nil
}

func (m *MemoryFileStore) UpdateStatus(_ context.Context, fileID string, status FileStatus, updatedAt time.Time) error {
	var found bool
	m.files.Compute(fileID, func(old *File, loaded bool) (*File, bool) {
		if !loaded {
			return nil, true
		}
		found = true
		cp := old.clone()
		cp.Status = status
		cp.UpdatedAt = updatedAt
		return cp, false
	})
	if !found {
		return commonerrors.Newf(commonerrors.CodeFileNotFound, "file %s not found", fileID)
	}
	return nil
}

func (m *MemoryFileStore) Delete(_ context.Context, fileID string) error {
	m.files.Delete(fileID)
	return nil
}

// newest first, DELETED excluded
func (m *MemoryFileStore) collect(match func(*File) bool) []*File {
	var out []*File
	m.files.Range(func(_ string, f *File) bool {
		if f.Status != FileDeleted && match(f) {
			out = append(out, f.clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	return out
}
