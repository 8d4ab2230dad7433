package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavendersentinel/paperline/internal/api/dto"
	"github.com/lavendersentinel/paperline/internal/api/handler"
	"github.com/lavendersentinel/paperline/internal/api/router"
	"github.com/lavendersentinel/paperline/internal/job"
	"github.com/lavendersentinel/paperline/internal/store"
	"github.com/lavendersentinel/paperline/shared/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	jobs        map[string]*job.Record
	runs        map[string]*job.PipelineRun
	projections map[string]*job.PaperProjection
	listResult  []job.Record
	lastFilter  store.JobFilter
	counts      map[job.Status]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:        make(map[string]*job.Record),
		runs:        make(map[string]*job.PipelineRun),
		projections: make(map[string]*job.PaperProjection),
	}
}

func (f *fakeStore) JobByID(_ context.Context, jobID string) (*job.Record, error) {
	rec, ok := f.jobs[jobID]
	if !ok {
		return nil, job.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) JobsByRun(_ context.Context, runID string) ([]job.Record, error) {
	var out []job.Record
	for _, rec := range f.jobs {
		if rec.PipelineRunID == runID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeStore) ListJobs(_ context.Context, filter store.JobFilter) ([]job.Record, error) {
	f.lastFilter = filter
	return f.listResult, nil
}

func (f *fakeStore) CountJobsByStatus(_ context.Context) (map[job.Status]int, error) {
	return f.counts, nil
}

func (f *fakeStore) PipelineRunByID(_ context.Context, runID string) (*job.PipelineRun, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, job.ErrRunNotFound
	}
	return run, nil
}

func (f *fakeStore) PaperProjection(_ context.Context, paperID string) (*job.PaperProjection, error) {
	proj, ok := f.projections[paperID]
	if !ok {
		return &job.PaperProjection{
			PaperID:          paperID,
			SummaryJobStatus: job.ProjectionNone,
			ComicJobStatus:   job.ProjectionNone,
		}, nil
	}
	return proj, nil
}

type fakePipelines struct {
	startErr  error
	cancelErr error
	retryErr  error
	retryRec  *job.Record
	started   []string
}

func (f *fakePipelines) StartPipeline(_ context.Context, pipelineType, subjectID string) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, pipelineType+"/"+subjectID)
	return "run-123", nil
}

func (f *fakePipelines) CancelPipeline(_ context.Context, _ string) error {
	return f.cancelErr
}

func (f *fakePipelines) RetryJob(_ context.Context, _ string) (*job.Record, error) {
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	return f.retryRec, nil
}

func newTestRouter(st *fakeStore, pl *fakePipelines) *gin.Engine {
	return router.SetupRouter(&handler.Dependencies{
		Logger:    logger.NewDefault().Logger,
		Store:     st,
		Pipelines: pl,
	})
}

func doRequest(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sampleRecord(id string) *job.Record {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return &job.Record{
		ID:            id,
		PipelineRunID: "run-123",
		Type:          job.TypeDownloadPDF,
		SubjectID:     "2401.12345",
		QueueName:     job.QueueDefault,
		Status:        job.StatusPending,
		MaxAttempts:   3,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestStartPipeline(t *testing.T) {
	pl := &fakePipelines{}
	r := newTestRouter(newFakeStore(), pl)

	w := doRequest(r, http.MethodPost, "/api/v1/pipelines",
		`{"pipeline_type":"favorite","subject_id":"2401.12345"}`)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp dto.StartPipelineResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "run-123", resp.RunID)
	assert.Equal(t, []string{"favorite/2401.12345"}, pl.started)
}

func TestStartPipelineValidation(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		startErr error
		want     int
	}{
		{"missing subject", `{"pipeline_type":"favorite"}`, nil, http.StatusBadRequest},
		{"malformed json", `{`, nil, http.StatusBadRequest},
		{"duplicate active", `{"pipeline_type":"favorite","subject_id":"x"}`, job.ErrDuplicateActive, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(newFakeStore(), &fakePipelines{startErr: tt.startErr})
			w := doRequest(r, http.MethodPost, "/api/v1/pipelines", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetPipelineRun(t *testing.T) {
	st := newFakeStore()
	st.runs["run-123"] = &job.PipelineRun{
		ID:           "run-123",
		PipelineType: "favorite",
		SubjectID:    "2401.12345",
		Status:       job.RunStatusRunning,
	}
	st.jobs["job-1"] = sampleRecord("job-1")
	r := newTestRouter(st, &fakePipelines{})

	w := doRequest(r, http.MethodGet, "/api/v1/pipelines/run-123", "")

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.PipelineRunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "favorite", resp.PipelineType)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, "job-1", resp.Jobs[0].JobID)
}

func TestGetPipelineRunNotFound(t *testing.T) {
	r := newTestRouter(newFakeStore(), &fakePipelines{})
	w := doRequest(r, http.MethodGet, "/api/v1/pipelines/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelPipelineConflict(t *testing.T) {
	r := newTestRouter(newFakeStore(), &fakePipelines{cancelErr: job.ErrConflict})
	w := doRequest(r, http.MethodPost, "/api/v1/pipelines/run-123/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListJobsPagination(t *testing.T) {
	st := newFakeStore()
	// Three records with page_size=2 means one page plus a next cursor.
	st.listResult = []job.Record{*sampleRecord("job-1"), *sampleRecord("job-2"), *sampleRecord("job-3")}
	r := newTestRouter(st, &fakePipelines{})

	w := doRequest(r, http.MethodGet, "/api/v1/jobs?page_size=2&status=pending", "")

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
	assert.NotEmpty(t, resp.NextCursor)
	assert.Equal(t, "pending", st.lastFilter.Status)

	// The cursor round-trips into the filter of the next request.
	cursor, err := handler.DecodeJobCursor(resp.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "job-2", cursor.JobID)
}

func TestListJobsRejectsBadCursor(t *testing.T) {
	r := newTestRouter(newFakeStore(), &fakePipelines{})
	w := doRequest(r, http.MethodGet, "/api/v1/jobs?cursor=%21%21not-base64", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJob(t *testing.T) {
	st := newFakeStore()
	st.jobs["job-1"] = sampleRecord("job-1")
	r := newTestRouter(st, &fakePipelines{})

	w := doRequest(r, http.MethodGet, "/api/v1/jobs/job-1", "")

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "download_pdf", resp.JobType)
	assert.Equal(t, "2401.12345", resp.SubjectID)
}

func TestRetryJob(t *testing.T) {
	rec := sampleRecord("job-1")
	rec.Status = job.StatusPending
	tests := []struct {
		name     string
		retryErr error
		want     int
	}{
		{"ok", nil, http.StatusOK},
		{"not found", job.ErrNotFound, http.StatusNotFound},
		{"not dead", job.ErrNotRetryable, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(newFakeStore(), &fakePipelines{retryErr: tt.retryErr, retryRec: rec})
			w := doRequest(r, http.MethodPost, "/api/v1/jobs/job-1/retry", "")
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetJobStats(t *testing.T) {
	st := newFakeStore()
	st.counts = map[job.Status]int{
		job.StatusPending:   2,
		job.StatusCompleted: 5,
		job.StatusDead:      1,
	}
	r := newTestRouter(st, &fakePipelines{})

	w := doRequest(r, http.MethodGet, "/api/v1/jobs/stats", "")

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.JobStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 8, resp.Total)
	assert.Equal(t, 5, resp.Counts["completed"])
}

func TestFavoritePaper(t *testing.T) {
	pl := &fakePipelines{}
	r := newTestRouter(newFakeStore(), pl)

	w := doRequest(r, http.MethodPost, "/api/v1/papers/2401.12345/favorite", "")

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"favorite/2401.12345"}, pl.started)
}

func TestFavoritePaperAlreadyProcessing(t *testing.T) {
	r := newTestRouter(newFakeStore(), &fakePipelines{startErr: job.ErrDuplicateActive})

	w := doRequest(r, http.MethodPost, "/api/v1/papers/2401.12345/favorite", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "already_processing")
}

func TestGetPaperStatus(t *testing.T) {
	st := newFakeStore()
	st.projections["2401.12345"] = &job.PaperProjection{
		PaperID:          "2401.12345",
		SummaryJobStatus: job.ProjectionCompleted,
		ComicJobStatus:   job.ProjectionRunning,
	}
	r := newTestRouter(st, &fakePipelines{})

	w := doRequest(r, http.MethodGet, "/api/v1/papers/2401.12345/status", "")

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.PaperStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.SummaryJobStatus)
	assert.Equal(t, "running", resp.ComicJobStatus)
}

func TestGetPaperStatusUnknownPaper(t *testing.T) {
	r := newTestRouter(newFakeStore(), &fakePipelines{})

	w := doRequest(r, http.MethodGet, "/api/v1/papers/0000.00000/status", "")

	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.PaperStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "none", resp.SummaryJobStatus)
	assert.Equal(t, "none", resp.ComicJobStatus)
}
