// Package service 上传 saga 的编排、补偿与恢复
package service

import (
	"context"
	"errors"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/filesaga/platform/internal/metrics"
	"github.com/filesaga/platform/internal/saga"
	"github.com/filesaga/platform/pkg/logger"
)

const defaultConflictRetries = 5

// SagaStore saga 持久化接口，Save 按 Version 做 compare-and-swap
type SagaStore interface {
	Insert(ctx context.Context, s *saga.Saga) error
	FindByID(ctx context.Context, sagaID string) (*saga.Saga, error)
	Save(ctx context.Context, s *saga.Saga) error
	FindActive(ctx context.Context, limit int) ([]*saga.Saga, error)
}

// SagaService serializes every transition of one saga: a per-saga lock inside the process
// and a version check in the store across processes.
type SagaService struct {
	store   SagaStore
	machine *saga.Machine
	locks   *keyedLocker
	metrics *metrics.Metrics
	log     *logger.Logger

	conflictRetries int
}

// NewSagaService 创建 saga 服务
func NewSagaService(store SagaStore, machine *saga.Machine, metricsClient *metrics.Metrics, log *logger.Logger) *SagaService {
	if machine == nil {
		machine = saga.NewMachine(saga.WithLogger(log))
	}
	if log == nil {
		log = logger.Nop()
	}
	return &SagaService{
		store:           store,
		machine:         machine,
		locks:           newKeyedLocker(),
		metrics:         metricsClient,
		log:             log,
		conflictRetries: defaultConflictRetries,
	}
}

// Start 创建并持久化新 saga
func (s *SagaService) Start(ctx context.Context, sagaType saga.SagaType, payload saga.Payload) (*saga.Saga, error) {
	sg, err := s.machine.Start(sagaType, payload)
	if err != nil {
		return nil, err
	}
	if err := s.store.Insert(ctx, sg); err != nil {
		return nil, err
	}
	s.metrics.IncSagaStarted(string(sagaType))
	s.log.WithContext(ctx).Infof("saga started", map[string]interface{}{
		"sagaId": sg.SagaID,
		"type":   sg.SagaType,
	})
	return sg, nil
}

func (s *SagaService) BeginStep(ctx context.Context, sagaID string, name saga.StepName, intent saga.Payload) (*saga.Saga, bool, error) {
	return s.mutate(ctx, sagaID, func(sg *saga.Saga) (*saga.Saga, bool, error) {
		return s.machine.BeginStep(sg, name, intent)
	})
}

func (s *SagaService) CompleteStep(ctx context.Context, sagaID string, name saga.StepName, extra saga.Payload) (*saga.Saga, bool, error) {
	return s.mutate(ctx, sagaID, func(sg *saga.Saga) (*saga.Saga, bool, error) {
		return s.machine.CompleteStep(sg, name, extra)
	})
}

func (s *SagaService) FailStep(ctx context.Context, sagaID string, name saga.StepName, errMsg string) (*saga.Saga, bool, error) {
	return s.mutate(ctx, sagaID, func(sg *saga.Saga) (*saga.Saga, bool, error) {
		return s.machine.FailStep(sg, name, errMsg)
	})
}

func (s *SagaService) StartCompensation(ctx context.Context, sagaID string) (*saga.Saga, bool, error) {
	return s.mutate(ctx, sagaID, s.machine.StartCompensation)
}

func (s *SagaService) CompleteCompensationAction(ctx context.Context, sagaID, stepID string) (*saga.Saga, bool, error) {
	return s.mutate(ctx, sagaID, func(sg *saga.Saga) (*saga.Saga, bool, error) {
		return s.machine.CompleteCompensationAction(sg, stepID)
	})
}

// Get 读取 saga，不存在时返回 SAGA_NOT_FOUND
func (s *SagaService) Get(ctx context.Context, sagaID string) (*saga.Saga, error) {
	return s.store.FindByID(ctx, sagaID)
}

// Active 返回未结束的 saga，新的在前
func (s *SagaService) Active(ctx context.Context, limit int) ([]*saga.Saga, error) {
	return s.store.FindActive(ctx, limit)
}

// mutate loads the current document, applies fn and saves it. A version conflict means
// another process wrote in between; the transition is re-applied on a fresh copy.
func (s *SagaService) mutate(ctx context.Context, sagaID string, fn func(*saga.Saga) (*saga.Saga, bool, error)) (*saga.Saga, bool, error) {
	unlock := s.locks.lock(sagaID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		current, err := s.store.FindByID(ctx, sagaID)
		if err != nil {
			return nil, false, err
		}
		next, changed, err := fn(current)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return current, false, nil
		}

		err = s.store.Save(ctx, next)
		if err == nil {
			s.observe(current, next)
			return next, true, nil
		}
		if !errors.Is(err, saga.ErrVersionConflict) || attempt >= s.conflictRetries {
			return nil, false, err
		}
		s.log.WithContext(ctx).Warnf("saga version conflict, retrying", map[string]interface{}{
			"sagaId":  sagaID,
			"attempt": attempt,
		})
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
	}
}

func (s *SagaService) observe(before, after *saga.Saga) {
	if before.Status == after.Status {
		return
	}
	switch after.Status {
	case saga.StatusCompleted, saga.StatusFailed, saga.StatusCompensated:
		s.metrics.IncSagaFinished(string(after.SagaType), string(after.Status))
	}
}

// keyedLocker 按 key 互斥，引用计数归零后移除条目
type keyedLocker struct {
	entries *xsync.MapOf[string, *lockEntry]
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{entries: xsync.NewMapOf[string, *lockEntry]()}
}

func (k *keyedLocker) lock(key string) func() {
	e, _ := k.entries.Compute(key, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
		if !loaded {
			old = &lockEntry{}
		}
		old.refs++
		return old, false
	})
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.entries.Compute(key, func(old *lockEntry, loaded bool) (*lockEntry, bool) {
			if !loaded {
				return nil, true
			}
			old.refs--
			return old, old.refs <= 0
		})
	}
}

func (k *keyedLocker) size() int {
	return k.entries.Size()
}
