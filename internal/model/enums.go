package model

// Quality tier requested by the user
type Quality string

const (
	QualityFree    Quality = "free"
	QualityPremium Quality = "premium"
)

var ValidQualities = []Quality{QualityFree, QualityPremium}

func (q Quality) Valid() bool {
	return q == QualityFree || q == QualityPremium
}

// Tier holds the generation parameters implied by a quality.
type Tier struct {
	Model           string
	DurationSeconds int
	GenerateAudio   bool
	Watermark       bool
}

// Job status
type JobStatus string

const (
	JobStatusPending          JobStatus = "pending"
	JobStatusProcessing       JobStatus = "processing"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusFailed           JobStatus = "failed"
	JobStatusContentViolation JobStatus = "content_violation"
)

// TerminalStatuses never transition again.
var TerminalStatuses = []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusContentViolation}

// ActiveStatuses are owned by a worker until they become terminal.
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusProcessing}

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusContentViolation:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusProcessing || to.IsTerminal()
	}
	return false
}
