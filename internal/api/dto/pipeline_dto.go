package dto

type StartPipelineRequest struct {
	PipelineType string `json:"pipeline_type" binding:"required"`
	SubjectID    string `json:"subject_id" binding:"required"`
}

type StartPipelineResponse struct {
	RunID        string `json:"run_id"`
	PipelineType string `json:"pipeline_type"`
	SubjectID    string `json:"subject_id"`
	Status       string `json:"status"`
}

type PipelineRunResponse struct {
	RunID        string   `json:"run_id"`
	PipelineType string   `json:"pipeline_type"`
	SubjectID    string   `json:"subject_id"`
	Status       string   `json:"status"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
	Jobs         []JobDTO `json:"jobs"`
}

type PaperStatusResponse struct {
	PaperID          string `json:"paper_id"`
	SummaryJobStatus string `json:"summary_job_status"`
	ComicJobStatus   string `json:"comic_job_status"`
}
