package job

import "time"

// Status is the lifecycle state of a JobRecord. A record only moves forward:
// pending -> leased -> running -> (completed | failed -> pending | dead).
// Terminal states are completed and dead; records are never deleted.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDead
}

// IsActive reports whether a record in this state counts toward the
// one-in-flight-per-(subject, type) dedupe invariant.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusLeased, StatusRunning, StatusFailed:
		return true
	}
	return false
}

// Type identifies the handler a worker invokes for a job.
type Type string

const (
	TypeDownloadPDF     Type = "download_pdf"
	TypeGenerateSummary Type = "generate_summary"
	TypeGenerateComic   Type = "generate_comic"
	TypeFetchArxiv      Type = "fetch_arxiv"
)

// Queue names, drained by workers in this priority order.
const (
	QueueSummary = "summary"
	QueueComic   = "comic"
	QueueDefault = "default"
)

// QueueOrder lists all queues from highest to lowest dispatch priority.
var QueueOrder = []string{QueueSummary, QueueComic, QueueDefault}

// QueueFor maps a job type to the queue it is published on.
func QueueFor(t Type) string {
	switch t {
	case TypeGenerateSummary:
		return QueueSummary
	case TypeGenerateComic:
		return QueueComic
	default:
		return QueueDefault
	}
}

// Record is one durable row per attempted unit of work.
type Record struct {
	ID             string     `db:"job_id"`
	PipelineRunID  string     `db:"pipeline_run_id"`
	Type           Type       `db:"job_type"`
	SubjectID      string     `db:"subject_id"`
	QueueName      string     `db:"queue_name"`
	Status         Status     `db:"status"`
	Attempts       int        `db:"attempts"`
	MaxAttempts    int        `db:"max_attempts"`
	WorkerID       *string    `db:"worker_id"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at"`
	LastError      *string    `db:"last_error"`
	CreatedAt      time.Time  `db:"created_at"`
	StartedAt      *time.Time `db:"started_at"`
	FinishedAt     *time.Time `db:"finished_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// PipelineRunStatus is the lifecycle state of a PipelineRun.
type PipelineRunStatus string

const (
	RunStatusRunning   PipelineRunStatus = "running"
	RunStatusCompleted PipelineRunStatus = "completed"
	RunStatusAborted   PipelineRunStatus = "aborted"
)

// PipelineRun groups the JobRecords produced from a single trigger.
type PipelineRun struct {
	ID           string            `db:"run_id"`
	PipelineType string            `db:"pipeline_type"`
	SubjectID    string            `db:"subject_id"`
	StepGraph    string            `db:"step_graph"` // JSON-encoded graph
	Status       PipelineRunStatus `db:"status"`
	CreatedAt    time.Time         `db:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at"`
}

// ProjectionStatus is the denormalized per-subject view the API layer reads.
type ProjectionStatus string

const (
	ProjectionNone      ProjectionStatus = "none"
	ProjectionPending   ProjectionStatus = "pending"
	ProjectionRunning   ProjectionStatus = "running"
	ProjectionCompleted ProjectionStatus = "completed"
	ProjectionFailed    ProjectionStatus = "failed"
)

// ProjectionFromStatus maps a JobRecord status to the projection value the
// orchestrator writes onto the subject row.
func ProjectionFromStatus(s Status) ProjectionStatus {
	switch s {
	case StatusPending, StatusLeased, StatusFailed:
		// failed here is the transient retry-decision state, still in flight
		return ProjectionPending
	case StatusRunning:
		return ProjectionRunning
	case StatusCompleted:
		return ProjectionCompleted
	case StatusDead:
		return ProjectionFailed
	}
	return ProjectionNone
}

// PaperProjection holds the per-paper job status fields owned by the
// orchestrator and read by the API layer.
type PaperProjection struct {
	PaperID          string           `db:"paper_id"`
	SummaryJobStatus ProjectionStatus `db:"summary_job_status"`
	ComicJobStatus   ProjectionStatus `db:"comic_job_status"`
	UpdatedAt        time.Time        `db:"updated_at"`
}
