package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/filesaga/platform/internal/blob"
	"github.com/filesaga/platform/internal/events"
	"github.com/filesaga/platform/internal/metrics"
	"github.com/filesaga/platform/internal/repository"
	"github.com/filesaga/platform/internal/saga"
	commonerrors "github.com/filesaga/platform/pkg/errors"
	"github.com/filesaga/platform/pkg/logger"
	redisstream "github.com/filesaga/platform/pkg/redis"
)

// AbandonedError 恢复流程写入失败步骤的错误信息
const AbandonedError = "abandoned"

// 恢复结果
const (
	OutcomeRecorded    = "recorded"
	OutcomeAbandoned   = "abandoned"
	OutcomeCompensated = "compensated"
	OutcomeFailed      = "failed"
	OutcomeSkipped     = "skipped"
)

// Locker 互斥执行，*redis.Lock 满足该接口
type Locker interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReconcilerConfig 恢复配置
type ReconcilerConfig struct {
	StaleAfter time.Duration
	Limit      int
	DryRun     bool
}

// ReconcileReport 单次扫描结果
type ReconcileReport struct {
	RunAt       time.Time     `json:"runAt"`
	Scanned     int           `json:"scanned"`
	Stale       int           `json:"stale"`
	Recorded    int           `json:"recorded"`
	Abandoned   int           `json:"abandoned"`
	Compensated int           `json:"compensated"`
	Failed      int           `json:"failed"`
	Skipped     bool          `json:"skipped"`
	Sagas       []SagaOutcome `json:"sagas"`
}

// SagaOutcome 单个 saga 的处理结果
type SagaOutcome struct {
	SagaID  string      `json:"sagaId"`
	Status  saga.Status `json:"status"`
	Outcome string      `json:"outcome"`
	Error   string      `json:"error,omitempty"`
}

// Reconciler finds sagas that stopped moving and finishes them: side effects whose
// completion was never persisted are recorded, the rest is failed and compensated.
type Reconciler struct {
	sagas    *SagaService
	blobs    blob.Store
	files    FileStore
	executor *CompensationExecutor
	bus      events.Publisher
	lock     Locker
	metrics  *metrics.Metrics
	log      *logger.Logger
	cfg      ReconcilerConfig
	now      func() time.Time
}

// NewReconciler 创建恢复器，lock 为 nil 时不做跨实例互斥
func NewReconciler(sagas *SagaService, blobs blob.Store, files FileStore, executor *CompensationExecutor, bus events.Publisher, lock Locker, metricsClient *metrics.Metrics, log *logger.Logger, cfg ReconcilerConfig) *Reconciler {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = repository.DefaultActiveLimit
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Reconciler{
		sagas:    sagas,
		blobs:    blobs,
		files:    files,
		executor: executor,
		bus:      bus,
		lock:     lock,
		metrics:  metricsClient,
		log:      log,
		cfg:      cfg,
		now:      utcNow,
	}
}

// Run performs one sweep. When another instance holds the lock the report is marked
// skipped and no error is returned.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{RunAt: r.now(), Sagas: []SagaOutcome{}}
	if r.lock == nil {
		return report, r.sweep(ctx, report)
	}
	err := r.lock.Do(ctx, func(ctx context.Context) error {
		return r.sweep(ctx, report)
	})
	if errors.Is(err, redisstream.ErrLockHeld) {
		r.log.WithContext(ctx).Info("recovery sweep skipped, lock held elsewhere")
		report.Skipped = true
		return report, nil
	}
	return report, err
}

func (r *Reconciler) sweep(ctx context.Context, report *ReconcileReport) error {
	active, err := r.sagas.Active(ctx, r.cfg.Limit)
	if err != nil {
		return fmt.Errorf("load active sagas: %w", err)
	}
	r.metrics.SetActiveSagas(len(active))
	report.Scanned = len(active)

	cutoff := r.now().Add(-r.cfg.StaleAfter)
	for _, sg := range active {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sg.UpdatedAt.After(cutoff) {
			continue
		}
		report.Stale++

		outcome := r.reconcile(ctx, sg)
		switch outcome.Outcome {
		case OutcomeRecorded:
			report.Recorded++
		case OutcomeAbandoned:
			report.Abandoned++
		case OutcomeCompensated:
			report.Compensated++
		case OutcomeFailed:
			report.Failed++
		}
		if outcome.Outcome != OutcomeSkipped {
			r.metrics.IncRecovery(outcome.Outcome)
		}
		report.Sagas = append(report.Sagas, outcome)
	}

	r.log.WithContext(ctx).Infof("recovery sweep finished", map[string]interface{}{
		"scanned":     report.Scanned,
		"stale":       report.Stale,
		"recorded":    report.Recorded,
		"abandoned":   report.Abandoned,
		"compensated": report.Compensated,
		"failed":      report.Failed,
		"dryRun":      r.cfg.DryRun,
	})
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, sg *saga.Saga) SagaOutcome {
	out := SagaOutcome{SagaID: sg.SagaID, Status: sg.Status}
	log := r.log.WithContext(ctx)

	fail := func(err error) SagaOutcome {
		out.Outcome = OutcomeFailed
		out.Error = err.Error()
		log.WithError(err).Errorf("recover saga failed", map[string]interface{}{"sagaId": sg.SagaID, "status": sg.Status})
		return out
	}

	if sg.Status == saga.StatusCompensating {
		if r.cfg.DryRun {
			out.Outcome = OutcomeSkipped
			return out
		}
		final, err := r.executor.Execute(ctx, sg.SagaID)
		if err != nil {
			return fail(err)
		}
		out.Status = final.Status
		out.Outcome = OutcomeCompensated
		return out
	}

	recorded, err := r.recordVerified(ctx, sg)
	if err != nil {
		return fail(err)
	}
	if r.cfg.DryRun {
		out.Outcome = OutcomeSkipped
		return out
	}
	if recorded {
		if sg, err = r.sagas.Get(ctx, sg.SagaID); err != nil {
			return fail(err)
		}
		out.Status = sg.Status
		if sg.Status == saga.StatusCompleted {
			out.Outcome = OutcomeRecorded
			return out
		}
	}

	step := firstUnfinished(sg)
	if step == nil {
		out.Outcome = OutcomeSkipped
		return out
	}
	failed, _, err := r.sagas.FailStep(ctx, sg.SagaID, step.StepName, AbandonedError)
	if err != nil {
		return fail(err)
	}
	publishBestEffort(ctx, r.bus, r.log, events.TopicFailed, events.Failed{
		SagaID:    sg.SagaID,
		FileID:    failed.Payload.String(saga.KeyFileID),
		StepName:  string(step.StepName),
		Error:     AbandonedError,
		UserID:    failed.Payload.String(saga.KeyUserID),
		FileName:  failed.Payload.String(saga.KeyFileName),
		Timestamp: r.now(),
	})
	log.Warnf("saga abandoned", map[string]interface{}{"sagaId": sg.SagaID, "step": step.StepName})

	final, err := r.executor.Execute(ctx, sg.SagaID)
	if err != nil {
		return fail(err)
	}
	out.Status = final.Status
	out.Outcome = OutcomeAbandoned
	return out
}

// recordVerified probes the target of an IN_PROGRESS step's intent and records the step as
// completed when the side effect is there.
func (r *Reconciler) recordVerified(ctx context.Context, sg *saga.Saga) (bool, error) {
	for i := range sg.Steps {
		st := &sg.Steps[i]
		if st.Status != saga.StepInProgress || len(st.Intent) == 0 {
			continue
		}

		var extra saga.Payload
		switch st.StepName {
		case saga.StepUploadToS3:
			key := st.Intent.String(saga.KeyS3Key)
			ok, err := r.blobs.Exists(ctx, key)
			if err != nil {
				return false, fmt.Errorf("probe blob %s: %w", key, err)
			}
			if ok {
				extra = saga.Payload{saga.KeyS3Key: key, saga.KeyS3Bucket: st.Intent.String(saga.KeyS3Bucket)}
			}
		case saga.StepSaveMetadata:
			fileID := st.Intent.String(saga.KeyFileID)
			_, err := r.files.Get(ctx, fileID)
			switch {
			case err == nil:
				extra = saga.Payload{saga.KeyFileID: fileID}
			case !errors.Is(err, commonerrors.ErrFileNotFound):
				return false, fmt.Errorf("probe metadata %s: %w", fileID, err)
			}
		}
		if extra == nil {
			return false, nil
		}

		r.log.WithContext(ctx).Infof("recovered unrecorded step", map[string]interface{}{
			"sagaId": sg.SagaID,
			"step":   st.StepName,
			"dryRun": r.cfg.DryRun,
		})
		if r.cfg.DryRun {
			return true, nil
		}
		if _, _, err := r.sagas.CompleteStep(ctx, sg.SagaID, st.StepName, extra); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func firstUnfinished(sg *saga.Saga) *saga.Step {
	for i := range sg.Steps {
		if sg.Steps[i].Status != saga.StepCompleted {
			return &sg.Steps[i]
		}
	}
	return nil
}

// Schedule runs the reconciler on a five-field cron expression (descriptors allowed) until ctx ends.
func (r *Reconciler) Schedule(ctx context.Context, expr string) (*cron.Cron, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Run(ctx); err != nil {
			r.log.WithContext(ctx).WithError(err).Error("scheduled recovery sweep failed")
		}
	}))
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}
