package saga

// StepName is the persisted name of a step kind.
type StepName string

const (
	StepUploadToS3       StepName = "UPLOAD_TO_S3"
	StepSaveMetadata     StepName = "SAVE_METADATA"
	StepSendNotification StepName = "SEND_NOTIFICATION"
)

// ActionName is the persisted name of a compensation.
type ActionName string

const (
	ActionDeleteFromS3            ActionName = "DELETE_FROM_S3"
	ActionDeleteMetadata          ActionName = "DELETE_METADATA"
	ActionSendFailureNotification ActionName = "SEND_FAILURE_NOTIFICATION"
)

// StepKind is the closed set of step variants. Every kind must describe its own undo,
// so adding a kind without a compensation does not compile.
type StepKind interface {
	Name() StepName
	// Compensation builds the undo for a completed step of this kind.
	Compensation(step *Step, s *Saga) CompensationAction
	sealed()
}

type uploadToS3 struct{}

func (uploadToS3) Name() StepName { return StepUploadToS3 }
func (uploadToS3) sealed()        {}

func (uploadToS3) Compensation(step *Step, _ *Saga) CompensationAction {
	return CompensationAction{
		StepID: step.StepID,
		Action: ActionDeleteFromS3,
		Payload: Payload{
			KeyS3Key:    step.Payload.String(KeyS3Key),
			KeyS3Bucket: step.Payload.String(KeyS3Bucket),
		},
		Status: CompensationPending,
	}
}

type saveMetadata struct{}

func (saveMetadata) Name() StepName { return StepSaveMetadata }
func (saveMetadata) sealed()        {}

func (saveMetadata) Compensation(step *Step, s *Saga) CompensationAction {
	return CompensationAction{
		StepID:  step.StepID,
		Action:  ActionDeleteMetadata,
		Payload: Payload{KeyFileID: s.Payload.String(KeyFileID)},
		Status:  CompensationPending,
	}
}

type sendNotification struct{}

func (sendNotification) Name() StepName { return StepSendNotification }
func (sendNotification) sealed()        {}

func (sendNotification) Compensation(step *Step, s *Saga) CompensationAction {
	return CompensationAction{
		StepID: step.StepID,
		Action: ActionSendFailureNotification,
		Payload: Payload{
			KeyUserID:   s.Payload.String(KeyUserID),
			KeyFileName: s.Payload.String(KeyFileName),
		},
		Status: CompensationPending,
	}
}

var (
	UploadToS3       StepKind = uploadToS3{}
	SaveMetadata     StepKind = saveMetadata{}
	SendNotification StepKind = sendNotification{}
)

// stepTables is the fixed, ordered step list per saga type. A type without an entry
// cannot be started.
var stepTables = map[SagaType][]StepKind{
	TypeFileUpload: {UploadToS3, SaveMetadata, SendNotification},
}

// requiredPayload lists the payload keys start rejects when missing.
var requiredPayload = map[SagaType][]string{
	TypeFileUpload: {KeyFileID, KeyFileName, KeyUserID},
}

var kindsByName = func() map[StepName]StepKind {
	m := make(map[StepName]StepKind)
	for _, kinds := range stepTables {
		for _, k := range kinds {
			m[k.Name()] = k
		}
	}
	return m
}()

// KindOf resolves a persisted step name. Unknown names come from documents written by
// another version of the service.
func KindOf(name StepName) (StepKind, bool) {
	k, ok := kindsByName[name]
	return k, ok
}

// StepsFor returns the step names for t in execution order.
func StepsFor(t SagaType) []StepName {
	kinds := stepTables[t]
	out := make([]StepName, len(kinds))
	for i, k := range kinds {
		out[i] = k.Name()
	}
	return out
}
