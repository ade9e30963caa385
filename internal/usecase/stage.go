package usecase

// Stage is the position of a query in the orchestration pipeline.
type Stage string

const (
	StageReceived         Stage = "received"
	StageSanitized        Stage = "sanitized"
	StageHistoryLoaded    Stage = "history_loaded"
	StageQuestionResolved Stage = "question_resolved"
	StageRetrieved        Stage = "retrieved"
	StageGenerated        Stage = "generated"
	StagePersisted        Stage = "persisted"
	StageReturned         Stage = "returned"
	StageError            Stage = "error"
)
