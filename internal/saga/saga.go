// Package saga holds the saga document model and the pure transition functions that
// drive it. Nothing in this package performs I/O.
package saga

import (
	"time"

	commonerrors "github.com/filesaga/platform/pkg/errors"
)

// SagaType selects the fixed step list.
type SagaType string

const (
	TypeFileUpload      SagaType = "FILE_UPLOAD"
	TypeOrderProcessing SagaType = "ORDER_PROCESSING"
)

// Status is the saga lifecycle state.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
)

// Active reports whether the saga still needs work (forward or compensation).
func (s Status) Active() bool {
	switch s {
	case StatusStarted, StatusInProgress, StatusCompensating:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated
}

func (s Status) failed() bool {
	return s == StatusFailed || s == StatusCompensating || s == StatusCompensated
}

// ActiveStatuses is the findActive filter.
var ActiveStatuses = []Status{StatusStarted, StatusInProgress, StatusCompensating}

type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepInProgress  StepStatus = "IN_PROGRESS"
	StepCompleted   StepStatus = "COMPLETED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

type CompensationStatus string

const (
	CompensationPending   CompensationStatus = "PENDING"
	CompensationCompleted CompensationStatus = "COMPLETED"
)

// Payload is free-form JSON context.
type Payload map[string]interface{}

// Payload keys shared by steps, compensations and events.
const (
	KeyFileID   = "fileId"
	KeyFileName = "fileName"
	KeyFileSize = "fileSize"
	KeyMimeType = "mimeType"
	KeyUserID   = "userId"
	KeyOrderID  = "orderId"
	KeyS3Key    = "s3Key"
	KeyS3Bucket = "s3Bucket"
	KeyURL      = "url"
)

// String returns the string value at key, or "" when absent or not a string.
func (p Payload) String(key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

func (p Payload) clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Payload) merge(extra Payload) Payload {
	if len(extra) == 0 {
		return p
	}
	if p == nil {
		p = make(Payload, len(extra))
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

// Saga is one business operation instance. Version is the optimistic concurrency token
// maintained by the store.
type Saga struct {
	SagaID              string               `json:"sagaId"`
	SagaType            SagaType             `json:"sagaType"`
	Status              Status               `json:"status"`
	Steps               []Step               `json:"steps"`
	Payload             Payload              `json:"payload"`
	CompensationActions []CompensationAction `json:"compensationActions"`
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt"`
	CompletedAt         *time.Time           `json:"completedAt,omitempty"`
	FailedAt            *time.Time           `json:"failedAt,omitempty"`
	Version             int64                `json:"version"`
}

// Step is one unit of forward work. Intent is written before the side effect runs.
type Step struct {
	StepID      string     `json:"stepId"`
	StepName    StepName   `json:"stepName"`
	Status      StepStatus `json:"status"`
	Payload     Payload    `json:"payload,omitempty"`
	Intent      Payload    `json:"intent,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
}

// CompensationAction undoes one completed step.
type CompensationAction struct {
	StepID     string             `json:"stepId"`
	Action     ActionName         `json:"action"`
	Payload    Payload            `json:"payload,omitempty"`
	Status     CompensationStatus `json:"status"`
	ExecutedAt *time.Time         `json:"executedAt,omitempty"`
}

// Clone returns a deep copy of the document structure. Payload values are copied one
// level deep.
func (s *Saga) Clone() *Saga {
	if s == nil {
		return nil
	}
	out := *s
	out.Payload = s.Payload.clone()
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.FailedAt = cloneTime(s.FailedAt)
	if s.Steps != nil {
		out.Steps = make([]Step, len(s.Steps))
		for i, st := range s.Steps {
			st.Payload = st.Payload.clone()
			st.Intent = st.Intent.clone()
			st.StartedAt = cloneTime(st.StartedAt)
			st.CompletedAt = cloneTime(st.CompletedAt)
			st.FailedAt = cloneTime(st.FailedAt)
			out.Steps[i] = st
		}
	}
	if s.CompensationActions != nil {
		out.CompensationActions = make([]CompensationAction, len(s.CompensationActions))
		for i, a := range s.CompensationActions {
			a.Payload = a.Payload.clone()
			a.ExecutedAt = cloneTime(a.ExecutedAt)
			out.CompensationActions[i] = a
		}
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Step returns the step with the given name and its index, or -1.
func (s *Saga) Step(name StepName) (*Step, int) {
	for i := range s.Steps {
		if s.Steps[i].StepName == name {
			return &s.Steps[i], i
		}
	}
	return nil, -1
}

// StepByID returns the step with the given id, or nil.
func (s *Saga) StepByID(stepID string) *Step {
	for i := range s.Steps {
		if s.Steps[i].StepID == stepID {
			return &s.Steps[i]
		}
	}
	return nil
}

// Compensation returns the action recorded for stepID, or nil.
func (s *Saga) Compensation(stepID string) *CompensationAction {
	for i := range s.CompensationActions {
		if s.CompensationActions[i].StepID == stepID {
			return &s.CompensationActions[i]
		}
	}
	return nil
}

// PendingCompensations returns copies of the actions still to run, in execution order.
func (s *Saga) PendingCompensations() []CompensationAction {
	var out []CompensationAction
	for _, a := range s.CompensationActions {
		if a.Status == CompensationPending {
			out = append(out, a)
		}
	}
	return out
}

// FailedStep returns the step that failed the saga, or nil.
func (s *Saga) FailedStep() *Step {
	for i := range s.Steps {
		if s.Steps[i].Status == StepFailed {
			return &s.Steps[i]
		}
	}
	return nil
}

func (s *Saga) allStepsCompleted() bool {
	for _, st := range s.Steps {
		if st.Status != StepCompleted {
			return false
		}
	}
	return len(s.Steps) > 0
}

func (s *Saga) allCompensationsCompleted() bool {
	for _, a := range s.CompensationActions {
		if a.Status != CompensationCompleted {
			return false
		}
	}
	return true
}

// Sentinel errors. Each is a coded error so errors.Is matches any message with the same code.
var (
	ErrValidation           = commonerrors.New(commonerrors.CodeValidationFailed, "saga validation failed")
	ErrStepNotFound         = commonerrors.New(commonerrors.CodeStepNotFound, "step not found")
	ErrCompensationNotFound = commonerrors.New(commonerrors.CodeCompensationNotFound, "compensation action not found")
	ErrInvalidTransition    = commonerrors.New(commonerrors.CodeInvalidTransition, "invalid saga transition")
	ErrSagaNotFound         = commonerrors.New(commonerrors.CodeSagaNotFound, "saga not found")
	ErrVersionConflict      = commonerrors.New(commonerrors.CodeVersionConflict, "saga version conflict")
)
