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

// PaperHandler handles the per-paper endpoints
type PaperHandler struct {
	logger    *slog.Logger
	store     Store
	pipelines Pipelines
}

// NewPaperHandler creates a new PaperHandler instance
func NewPaperHandler(deps *Dependencies) *PaperHandler {
	return &PaperHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		pipelines: deps.Pipelines,
	}
}

// FavoritePaper handles POST /api/v1/papers/:paper_id/favorite
// Favoriting a paper kicks off its processing pipeline. Favoriting twice
// while the first run is still working is a no-op.
func (h *PaperHandler) FavoritePaper(c *gin.Context) {
	paperID := c.Param("paper_id")

	runID, err := h.pipelines.StartPipeline(c.Request.Context(), pipeline.TypeFavorite, paperID)
	if err != nil {
		if errors.Is(err, job.ErrDuplicateActive) {
			c.JSON(http.StatusOK, gin.H{
				"paper_id": paperID,
				"status":   "already_processing",
			})
			return
		}
		h.logger.Error("Failed to start favorite pipeline",
			slog.String("paper_id", paperID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to start processing",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"paper_id": paperID,
		"run_id":   runID,
		"status":   "processing",
	})
}

// GetPaperStatus handles GET /api/v1/papers/:paper_id/status
// Reads the denormalized per-paper job status projection.
func (h *PaperHandler) GetPaperStatus(c *gin.Context) {
	paperID := c.Param("paper_id")

	proj, err := h.store.PaperProjection(c.Request.Context(), paperID)
	if err != nil {
		h.logger.Error("Failed to read paper status",
			slog.String("paper_id", paperID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read paper status",
		})
		return
	}

	c.JSON(http.StatusOK, dto.PaperStatusResponse{
		PaperID:          paperID,
		SummaryJobStatus: string(proj.SummaryJobStatus),
		ComicJobStatus:   string(proj.ComicJobStatus),
	})
}
