package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lavendersentinel/paperline/internal/api/dto"
	"github.com/lavendersentinel/paperline/internal/job"
	"github.com/lavendersentinel/paperline/internal/store"
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     Store
	pipelines Pipelines
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		pipelines: deps.Pipelines,
	}
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := store.JobFilter{
		SubjectID: req.SubjectID,
		JobType:   req.JobType,
		Status:    req.Status,
		PageSize:  req.PageSize,
		Cursor:    cursor,
	}

	records, err := h.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(records) > req.PageSize
	if hasMore {
		records = records[:req.PageSize]
	}

	jobs := make([]dto.JobDTO, len(records))
	for i, rec := range records {
		jobs[i] = jobToDTO(&rec)
	}

	var nextCursor string
	if hasMore {
		last := records[len(records)-1]
		nextCursor = EncodeJobCursor(&store.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobs,
		NextCursor: nextCursor,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	rec, err := h.store.JobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, jobToDTO(rec))
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Re-enqueues a dead job with a fresh attempt budget
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID := c.Param("job_id")

	rec, err := h.pipelines.RetryJob(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
		case errors.Is(err, job.ErrNotRetryable):
			c.JSON(http.StatusConflict, gin.H{
				"error": "only dead jobs can be retried",
			})
		default:
			h.logger.Error("Failed to retry job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to retry job",
			})
		}
		return
	}

	c.JSON(http.StatusOK, jobToDTO(rec))
}

// GetJobStats handles GET /api/v1/jobs/stats
// Returns job counts per status for the dashboard
func (h *JobHandler) GetJobStats(c *gin.Context) {
	counts, err := h.store.CountJobsByStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to count jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to count jobs",
		})
		return
	}

	resp := dto.JobStatsResponse{Counts: make(map[string]int, len(counts))}
	for status, count := range counts {
		resp.Counts[string(status)] = count
		resp.Total += count
	}

	c.JSON(http.StatusOK, resp)
}

func jobToDTO(rec *job.Record) dto.JobDTO {
	return dto.JobDTO{
		JobID:         rec.ID,
		PipelineRunID: rec.PipelineRunID,
		JobType:       string(rec.Type),
		SubjectID:     rec.SubjectID,
		Queue:         rec.QueueName,
		Status:        string(rec.Status),
		Attempts:      rec.Attempts,
		MaxAttempts:   rec.MaxAttempts,
		WorkerID:      rec.WorkerID,
		LastError:     rec.LastError,
		CreatedAt:     formatTime(rec.CreatedAt),
		StartedAt:     formatTimePtr(rec.StartedAt),
		FinishedAt:    formatTimePtr(rec.FinishedAt),
		UpdatedAt:     formatTime(rec.UpdatedAt),
	}
}
