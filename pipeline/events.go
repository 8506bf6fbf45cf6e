package pipeline

// EventType labels the messages a job's worker emits while it runs.
type EventType string

const (
	// EventStepStarted is emitted when a step leaves Pending.
	EventStepStarted EventType = "job.step.started"

	// EventProgress is emitted on whole-percent increments of a byte-copy
	// step. Steps without numeric progress never emit it.
	EventProgress EventType = "job.step.progress"

	// EventStepFinished is emitted when a step reaches Succeeded, Failed or
	// Skipped.
	EventStepFinished EventType = "job.step.finished"

	// EventJobFinished is the last event of a job and carries its terminal
	// status. The event channel closes right after it.
	EventJobFinished EventType = "job.finished"
)

// AllEvents lists every event type a job can emit.
var AllEvents = []EventType{
	EventStepStarted,
	EventProgress,
	EventStepFinished,
	EventJobFinished,
}

// Event is the one-directional worker to presentation message. The reverse
// direction is only the cancellation flag on the job handle; no other state
// crosses between the two sides while a job runs.
type Event struct {
	Type     EventType  `json:"type"`
	JobID    string     `json:"job_id"`
	Step     string     `json:"step,omitempty"`
	Ordinal  int        `json:"ordinal,omitempty"`
	Progress int        `json:"progress"` // -1 when indeterminate
	Status   StepStatus `json:"status,omitempty"`
	JobState JobStatus  `json:"job_state,omitempty"`
	Err      string     `json:"error,omitempty"`
}
