package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lavendersentinel/paperline/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "paperline-api",
		})
	})

	pipelineHandler := handler.NewPipelineHandler(deps)
	jobHandler := handler.NewJobHandler(deps)
	paperHandler := handler.NewPaperHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		pipelines := v1.Group("/pipelines")
		{
			// POST /api/v1/pipelines - Start a pipeline run
			pipelines.POST("", pipelineHandler.StartPipeline)

			// GET /api/v1/pipelines/:run_id - Get a run with its jobs
			pipelines.GET("/:run_id", pipelineHandler.GetPipelineRun)

			// POST /api/v1/pipelines/:run_id/cancel - Abort a running run
			pipelines.POST("/:run_id/cancel", pipelineHandler.CancelPipeline)
		}

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/stats - Job counts per status
			jobs.GET("/stats", jobHandler.GetJobStats)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/retry - Re-enqueue a dead job
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)
		}

		papers := v1.Group("/papers")
		{
			// POST /api/v1/papers/:paper_id/favorite - Trigger processing
			papers.POST("/:paper_id/favorite", paperHandler.FavoritePaper)

			// GET /api/v1/papers/:paper_id/status - Read status projection
			papers.GET("/:paper_id/status", paperHandler.GetPaperStatus)
		}
	}

	return r
}
