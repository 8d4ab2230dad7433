package dto

type ListJobsRequest struct {
	SubjectID string `form:"subject_id"`
	JobType   string `form:"job_type"`
	Status    string `form:"status"`
	PageSize  int    `form:"page_size"`
	Cursor    string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID         string  `json:"job_id"`
	PipelineRunID string  `json:"pipeline_run_id,omitempty"`
	JobType       string  `json:"job_type"`
	SubjectID     string  `json:"subject_id"`
	Queue         string  `json:"queue"`
	Status        string  `json:"status"`
	Attempts      int     `json:"attempts"`
	MaxAttempts   int     `json:"max_attempts"`
	WorkerID      *string `json:"worker_id,omitempty"`
	LastError     *string `json:"last_error,omitempty"`
	CreatedAt     string  `json:"created_at"`
	StartedAt     *string `json:"started_at,omitempty"`
	FinishedAt    *string `json:"finished_at,omitempty"`
	UpdatedAt     string  `json:"updated_at"`
}

type JobStatsResponse struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}
