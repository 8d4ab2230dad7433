package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lavendersentinel/paperline/internal/api/dto"
	"github.com/lavendersentinel/paperline/internal/job"
	"github.com/lavendersentinel/paperline/internal/pipeline"
)

// PipelineHandler handles pipeline-run HTTP requests
type PipelineHandler struct {
	logger    *slog.Logger
	store     Store
	pipelines Pipelines
}

// NewPipelineHandler creates a new PipelineHandler instance
func NewPipelineHandler(deps *Dependencies) *PipelineHandler {
	return &PipelineHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		pipelines: deps.Pipelines,
	}
}

// StartPipeline handles POST /api/v1/pipelines
func (h *PipelineHandler) StartPipeline(c *gin.Context) {
	var req dto.StartPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	runID, err := h.pipelines.StartPipeline(c.Request.Context(), req.PipelineType, req.SubjectID)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrDuplicateActive):
			c.JSON(http.StatusConflict, gin.H{
				"error": "pipeline already in flight for this subject",
			})
		case errors.Is(err, pipeline.ErrUnknownPipeline):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "unknown pipeline type",
			})
		default:
			h.logger.Error("Failed to start pipeline", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to start pipeline",
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, dto.StartPipelineResponse{
		RunID:        runID,
		PipelineType: req.PipelineType,
		SubjectID:    req.SubjectID,
		Status:       string(job.RunStatusRunning),
	})
}

// GetPipelineRun handles GET /api/v1/pipelines/:run_id
func (h *PipelineHandler) GetPipelineRun(c *gin.Context) {
	runID := c.Param("run_id")

	run, err := h.store.PipelineRunByID(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, job.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "pipeline run not found",
			})
			return
		}
		h.logger.Error("Failed to get pipeline run", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get pipeline run",
		})
		return
	}

	records, err := h.store.JobsByRun(c.Request.Context(), runID)
	if err != nil {
		h.logger.Error("Failed to list run jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get pipeline run",
		})
		return
	}

	jobs := make([]dto.JobDTO, len(records))
	for i, rec := range records {
		jobs[i] = jobToDTO(&rec)
	}

	c.JSON(http.StatusOK, dto.PipelineRunResponse{
		RunID:        run.ID,
		PipelineType: run.PipelineType,
		SubjectID:    run.SubjectID,
		Status:       string(run.Status),
		CreatedAt:    formatTime(run.CreatedAt),
		UpdatedAt:    formatTime(run.UpdatedAt),
		Jobs:         jobs,
	})
}

// CancelPipeline handles POST /api/v1/pipelines/:run_id/cancel
func (h *PipelineHandler) CancelPipeline(c *gin.Context) {
	runID := c.Param("run_id")

	err := h.pipelines.CancelPipeline(c.Request.Context(), runID)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrRunNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "pipeline run not found",
			})
		case errors.Is(err, job.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{
				"error": "pipeline run is not running",
			})
		default:
			h.logger.Error("Failed to cancel pipeline", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel pipeline",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id": runID,
		"status": string(job.RunStatusAborted),
	})
}
