package saga

import (
	"time"

	"github.com/google/uuid"

	commonerrors "github.com/filesaga/platform/pkg/errors"
	"github.com/filesaga/platform/pkg/logger"
)

// Machine applies transitions to saga documents. Every operation works on a copy: on error
// the input is untouched, and changed=false means the call was an idempotent replay and the
// returned saga is the input itself.
type Machine struct {
	now   func() time.Time
	newID func() string
	log   *logger.Logger
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(m *Machine) {
		if newID != nil {
			m.newID = newID
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
		log:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start builds a new saga with every step PENDING.
func (m *Machine) Start(sagaType SagaType, payload Payload) (*Saga, error) {
	kinds, ok := stepTables[sagaType]
	if !ok || len(kinds) == 0 {
		return nil, commonerrors.Newf(commonerrors.CodeValidationFailed, "unknown saga type %q", sagaType)
	}
	for _, key := range requiredPayload[sagaType] {
		if payload.String(key) == "" {
			return nil, commonerrors.Newf(commonerrors.CodeValidationFailed, "saga %s: payload field %s is required", sagaType, key)
		}
	}

	now := m.now()
	s := &Saga{
		SagaID:              m.newID(),
		SagaType:            sagaType,
		Status:              StatusStarted,
		Steps:               make([]Step, len(kinds)),
		Payload:             payload.clone(),
		CompensationActions: []CompensationAction{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	for i, k := range kinds {
		s.Steps[i] = Step{
			StepID:   m.newID(),
			StepName: k.Name(),
			Status:   StepPending,
		}
	}
	return s, nil
}

// BeginStep records the intent to run a step before its side effect happens.
func (m *Machine) BeginStep(s *Saga, name StepName, intent Payload) (*Saga, bool, error) {
	step, idx := s.Step(name)
	if step == nil {
		return nil, false, stepNotFound(s, name)
	}
	if s.Status != StatusStarted && s.Status != StatusInProgress {
		return nil, false, invalidTransition(s, "begin %s while saga is %s", name, s.Status)
	}
	switch step.Status {
	case StepInProgress:
		return s, false, nil
	case StepPending:
	default:
		return nil, false, invalidTransition(s, "begin %s: step is %s", name, step.Status)
	}
	if err := requirePredecessors(s, idx); err != nil {
		return nil, false, err
	}

	now := m.now()
	out := s.Clone()
	st := &out.Steps[idx]
	st.Status = StepInProgress
	st.StartedAt = &now
	st.Intent = intent.clone()
	out.Status = StatusInProgress
	out.UpdatedAt = now
	return out, true, nil
}

// CompleteStep marks a step COMPLETED and merges extra into its payload. Completing an
// already completed step is a no-op.
func (m *Machine) CompleteStep(s *Saga, name StepName, extra Payload) (*Saga, bool, error) {
	step, idx := s.Step(name)
	if step == nil {
		return nil, false, stepNotFound(s, name)
	}
	switch step.Status {
	case StepCompleted:
		return s, false, nil
	case StepPending, StepInProgress:
	default:
		return nil, false, invalidTransition(s, "complete %s: step is %s", name, step.Status)
	}
	if s.Status != StatusStarted && s.Status != StatusInProgress {
		return nil, false, invalidTransition(s, "complete %s while saga is %s", name, s.Status)
	}
	if err := requirePredecessors(s, idx); err != nil {
		return nil, false, err
	}

	now := m.now()
	out := s.Clone()
	st := &out.Steps[idx]
	st.Status = StepCompleted
	st.Payload = st.Payload.merge(extra.clone())
	st.CompletedAt = &now
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	out.Status = StatusInProgress
	if out.allStepsCompleted() {
		out.Status = StatusCompleted
		out.CompletedAt = &now
	}
	out.UpdatedAt = now
	return out, true, nil
}

// FailStep marks a step FAILED, fails the saga and plans compensations for every completed
// step in reverse order. A saga that has already failed is returned unchanged.
func (m *Machine) FailStep(s *Saga, name StepName, errMsg string) (*Saga, bool, error) {
	step, idx := s.Step(name)
	if step == nil {
		return nil, false, stepNotFound(s, name)
	}
	if s.Status.failed() {
		return s, false, nil
	}
	if s.Status == StatusCompleted {
		return nil, false, invalidTransition(s, "fail %s on a completed saga", name)
	}
	if step.Status != StepPending && step.Status != StepInProgress {
		return nil, false, invalidTransition(s, "fail %s: step is %s", name, step.Status)
	}

	now := m.now()
	out := s.Clone()
	st := &out.Steps[idx]
	st.Status = StepFailed
	st.Error = errMsg
	st.FailedAt = &now
	out.Status = StatusFailed
	out.FailedAt = &now
	out.UpdatedAt = now
	out.CompensationActions = m.planCompensations(out)
	return out, true, nil
}

func (m *Machine) planCompensations(s *Saga) []CompensationAction {
	actions := []CompensationAction{}
	for i := len(s.Steps) - 1; i >= 0; i-- {
		st := &s.Steps[i]
		if st.Status != StepCompleted {
			continue
		}
		kind, ok := KindOf(st.StepName)
		if !ok {
			m.log.Warnf("compensation gap", map[string]interface{}{
				"sagaId": s.SagaID,
				"step":   st.StepName,
				"stepId": st.StepID,
			})
			continue
		}
		actions = append(actions, kind.Compensation(st, s))
	}
	return actions
}

// StartCompensation moves a FAILED saga to COMPENSATING, or straight to COMPENSATED when
// nothing is left to undo. Repeated calls after that are no-ops.
func (m *Machine) StartCompensation(s *Saga) (*Saga, bool, error) {
	switch s.Status {
	case StatusCompensating, StatusCompensated:
		return s, false, nil
	case StatusFailed:
	default:
		return nil, false, invalidTransition(s, "start compensation while saga is %s", s.Status)
	}

	now := m.now()
	out := s.Clone()
	out.Status = StatusCompensating
	if out.allCompensationsCompleted() {
		out.Status = StatusCompensated
	}
	out.UpdatedAt = now
	return out, true, nil
}

// CompleteCompensationAction marks the action for stepID COMPLETED and the step COMPENSATED.
// The saga becomes COMPENSATED once every action is done and compensation has started.
func (m *Machine) CompleteCompensationAction(s *Saga, stepID string) (*Saga, bool, error) {
	action := s.Compensation(stepID)
	if action == nil {
		return nil, false, commonerrors.Newf(commonerrors.CodeCompensationNotFound,
			"saga %s has no compensation action for step %s", s.SagaID, stepID)
	}
	if action.Status == CompensationCompleted {
		return s, false, nil
	}

	now := m.now()
	out := s.Clone()
	a := out.Compensation(stepID)
	a.Status = CompensationCompleted
	a.ExecutedAt = &now
	if st := out.StepByID(stepID); st != nil && st.Status == StepCompleted {
		st.Status = StepCompensated
	}
	if out.Status == StatusCompensating && out.allCompensationsCompleted() {
		out.Status = StatusCompensated
	}
	out.UpdatedAt = now
	return out, true, nil
}

// steps run strictly in order
func requirePredecessors(s *Saga, idx int) error {
	for i := 0; i < idx; i++ {
		if s.Steps[i].Status != StepCompleted {
			return invalidTransition(s, "step %s before %s completed", s.Steps[idx].StepName, s.Steps[i].StepName)
		}
	}
	return nil
}

func stepNotFound(s *Saga, name StepName) error {
	return commonerrors.Newf(commonerrors.CodeStepNotFound, "saga %s has no step %s", s.SagaID, name)
}

func invalidTransition(s *Saga, format string, args ...interface{}) error {
	e := commonerrors.Newf(commonerrors.CodeInvalidTransition, format, args...)
	e.Message = "saga " + s.SagaID + ": " + e.Message
	return e
}
