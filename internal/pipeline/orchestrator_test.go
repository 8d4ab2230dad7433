package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavendersentinel/paperline/internal/job"
	"github.com/lavendersentinel/paperline/internal/store"
	"github.com/lavendersentinel/paperline/shared/logger"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeStore, *fakeBroker) {
	t.Helper()
	st := newFakeStore()
	broker := newFakeBroker()
	orch := New(st, broker, Options{MaxAttempts: 3}, logger.NewDefault().Logger)
	return orch, st, broker
}

// completeJob drives a record to a terminal state the way a worker would and
// fires the completion event.
func completeJob(t *testing.T, orch *Orchestrator, st *fakeStore, rec *job.Record, to job.Status) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.TransitionJob(ctx, rec.ID, rec.Status, to, store.TransitionUpdate{}))
	updated, err := st.JobByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NoError(t, orch.OnJobTerminal(ctx, updated))
}

func TestStartFavoritePipeline(t *testing.T) {
	orch, st, broker := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := orch.StartPipeline(ctx, TypeFavorite, "p1")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := st.PipelineRunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, job.RunStatusRunning, run.Status)

	// Only the pdf download is enqueued, on the default queue.
	download := st.jobBySubjectType("p1", job.TypeDownloadPDF)
	require.NotNil(t, download)
	assert.Equal(t, job.StatusPending, download.Status)
	assert.Equal(t, job.QueueDefault, download.QueueName)
	assert.Equal(t, 1, broker.count(job.QueueDefault))

	assert.Nil(t, st.jobBySubjectType("p1", job.TypeGenerateSummary))
	assert.Nil(t, st.jobBySubjectType("p1", job.TypeGenerateComic))
}

func TestChainCompletionFansOutGroup(t *testing.T) {
	orch, st, broker := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := orch.StartPipeline(ctx, TypeFavorite, "p1")
	require.NoError(t, err)

	download := st.jobBySubjectType("p1", job.TypeDownloadPDF)
	completeJob(t, orch, st, download, job.StatusCompleted)

	summary := st.jobBySubjectType("p1", job.TypeGenerateSummary)
	comic := st.jobBySubjectType("p1", job.TypeGenerateComic)
	require.NotNil(t, summary)
	require.NotNil(t, comic)

	// Both group members are pending at once, each on its own queue.
	assert.Equal(t, job.StatusPending, summary.Status)
	assert.Equal(t, job.StatusPending, comic.Status)
	assert.Equal(t, job.QueueSummary, summary.QueueName)
	assert.Equal(t, job.QueueComic, comic.QueueName)
	assert.Equal(t, 1, broker.count(job.QueueSummary))
	assert.Equal(t, 1, broker.count(job.QueueComic))

	run, err := st.PipelineRunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, job.RunStatusRunning, run.Status)
}

func TestRunCompletesWhenAllStepsComplete(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := orch.StartPipeline(ctx, TypeFavorite, "p1")
	require.NoError(t, err)

	completeJob(t, orch, st, st.jobBySubjectType("p1", job.TypeDownloadPDF), job.StatusCompleted)
	completeJob(t, orch, st, st.jobBySubjectType("p1", job.TypeGenerateSummary), job.StatusCompleted)
	completeJob(t, orch, st, st.jobBySubjectType("p1", job.TypeGenerateComic), job.StatusCompleted)

	run, err := st.PipelineRunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, job.RunStatusCompleted, run.Status)

	assert.Equal(t, job.ProjectionCompleted, st.projection("p1", job.TypeGenerateSummary))
	assert.Equal(t, job.ProjectionCompleted, st.projection("p1", job.TypeGenerateComic))
}

func TestDuplicateTriggerIsNoOp(t *testing.T) {
	orch, _, broker := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := orch.StartPipeline(ctx, TypeFavorite, "p1")
	require.NoError(t, err)

	_, err = orch.StartPipeline(ctx, TypeFavorite, "p1")
	assert.ErrorIs(t, err, job.ErrDuplicateActive)

	// No duplicate message was published.
	assert.Equal(t, 1, broker.count(job.QueueDefault))
}

func TestTriggerMidFanOutIsRejected(t *testing.T) {
	orch, st, broker := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := orch.StartPipeline(ctx, TypeFavorite, "p1")
	require.NoError(t, err)

	// First step done, the fan-out group is in flight.
	completeJob(t, orch, st, st.jobBySubjectType("p1", job.TypeDownloadPDF), job.StatusCompleted)

	// A second trigger now must not open a second run: its fan-out would
	// collide with the in-flight group and the new run could never settle.
	_, err = orch.StartPipeline(ctx, TypeFavorite, "p1")
	assert.ErrorIs(t, err, job.ErrDuplicateActive)
	assert.Equal(t, 1, broker.count(job.QueueDefault))

	completeJob(t, orch, st, st.jobBySubjectType("p1", job.TypeGenerateSummary), job.StatusCompleted)
	completeJob(t, orch, st, st.jobBySubjectType("p1", job.TypeGenerateComic), job.StatusCompleted)

	run, err := st.PipelineRunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, job.RunStatusCompleted, run.Status)

	// With the run settled a fresh trigger is accepted again.
	runID2, err := orch.StartPipeline(ctx, TypeFavorite, "p1")
	require.NoError(t, err)
	assert.NotEqual(t, runID, runID2)
}

func TestDeadChainPredecessorAbortsRun(t *testing.T) {
	orch, st, broker := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := orch.StartPipeline(ctx, TypeFavorite, "p1")
	require.NoError(t, err)

	completeJob(t, orch, st, st.jobBySubjectType("p1", job.TypeDownloadPDF), job.StatusDead)

	run, err := st.PipelineRunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, job.RunStatusAborted, run.Status)

	// Dependent steps were never enqueued.
	assert.Nil(t, st.jobBySubjectType("p1", job.TypeGenerateSummary))
	assert.Nil(t, st.jobBySubjectType("p1", job.TypeGenerateComic))
	assert.Equal(t, 0, broker.count(job.QueueSummary))
	assert.Equal(t, 0, broker.count(job.QueueComic))
}

func TestDeadGroupMemberLetsSiblingFinish(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := orch.StartPipeline(ctx, TypeFavorite, "p1")
	require.NoError(t, err)
	completeJob(t, orch, st, st.jobBySubjectType("p1", job.TypeDownloadPDF), job.StatusCompleted)

	// Summary dies while the comic is still in flight.
	completeJob(t, orch, st, st.jobBySubjectType("p1", job.TypeGenerateSummary), job.StatusDead)

	run, err := st.PipelineRunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, job.RunStatusRunning, run.Status, "run must wait for the in-flight sibling")
	assert.Equal(t, job.ProjectionFailed, st.projection("p1", job.TypeGenerateSummary))

	// The comic finishes; only now does the run abort.
	completeJob(t, orch, st, st.jobBySubjectType("p1", job.TypeGenerateComic), job.StatusCompleted)

	run, err = st.PipelineRunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, job.RunStatusAborted, run.Status)
	assert.Equal(t, job.ProjectionCompleted, st.projection("p1", job.TypeGenerateComic))
}

func TestRetryJobResetsDeadJob(t *testing.T) {
	orch, st, broker := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := orch.StartPipeline(ctx, TypeFavorite, "p1")
	require.NoError(t, err)

	download := st.jobBySubjectType("p1", job.TypeDownloadPDF)

	// A non-dead job cannot be retried.
	_, err = orch.RetryJob(ctx, download.ID)
	assert.ErrorIs(t, err, job.ErrNotRetryable)

	three := 3
	require.NoError(t, st.TransitionJob(ctx, download.ID, job.StatusPending, job.StatusDead, store.TransitionUpdate{Attempts: &three}))

	retried, err := orch.RetryJob(ctx, download.ID)
	require.NoError(t, err)

	assert.Equal(t, job.StatusPending, retried.Status)
	assert.Equal(t, 0, retried.Attempts)
	assert.Equal(t, 2, broker.count(job.QueueDefault), "retried job is republished on its queue")
}

func TestCancelPipelineStopsSuccessors(t *testing.T) {
	orch, st, broker := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := orch.StartPipeline(ctx, TypeFavorite, "p1")
	require.NoError(t, err)

	require.NoError(t, orch.CancelPipeline(ctx, runID))

	run, err := st.PipelineRunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, job.RunStatusAborted, run.Status)

	// Cancelling twice reports the conflict.
	assert.ErrorIs(t, orch.CancelPipeline(ctx, runID), job.ErrConflict)

	// The in-flight download drains; its completion enqueues nothing.
	completeJob(t, orch, st, st.jobBySubjectType("p1", job.TypeDownloadPDF), job.StatusCompleted)
	assert.Nil(t, st.jobBySubjectType("p1", job.TypeGenerateSummary))
	assert.Equal(t, 0, broker.count(job.QueueSummary))
}

func TestEnqueuePublishFailureLeavesJobPending(t *testing.T) {
	orch, st, broker := newTestOrchestrator(t)
	ctx := context.Background()

	broker.failWith = assert.AnError

	_, err := orch.StartPipeline(ctx, TypeFavorite, "p1")
	require.NoError(t, err, "publish failure must not fail the trigger")

	download := st.jobBySubjectType("p1", job.TypeDownloadPDF)
	require.NotNil(t, download)
	assert.Equal(t, job.StatusPending, download.Status)
}

func TestReaperReenqueuesExpiredLease(t *testing.T) {
	orch, st, broker := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := orch.StartPipeline(ctx, TypeFavorite, "p1")
	require.NoError(t, err)

	download := st.jobBySubjectType("p1", job.TypeDownloadPDF)
	workerID := "worker-1"
	expired := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, st.TransitionJob(ctx, download.ID, job.StatusPending, job.StatusLeased, store.TransitionUpdate{
		WorkerID:       &workerID,
		LeaseExpiresAt: &expired,
	}))

	reaper := NewReaper(orch, ReaperConfig{Interval: time.Minute}, logger.NewDefault().Logger)
	reaper.Sweep(ctx)

	after, err := st.JobByID(ctx, download.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, after.Status)
	assert.Equal(t, 1, after.Attempts)
	assert.Nil(t, after.LeaseExpiresAt)
	assert.Equal(t, 2, broker.count(job.QueueDefault))
}

func TestReaperKillsExhaustedExpiredLease(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	runID, err := orch.StartPipeline(ctx, TypeFavorite, "p1")
	require.NoError(t, err)

	download := st.jobBySubjectType("p1", job.TypeDownloadPDF)
	workerID := "worker-1"
	expired := time.Now().UTC().Add(-time.Minute)
	attempts := 2 // the expiry itself becomes the third and final attempt
	require.NoError(t, st.TransitionJob(ctx, download.ID, job.StatusPending, job.StatusRunning, store.TransitionUpdate{
		WorkerID:       &workerID,
		LeaseExpiresAt: &expired,
		Attempts:       &attempts,
	}))

	reaper := NewReaper(orch, ReaperConfig{Interval: time.Minute}, logger.NewDefault().Logger)
	reaper.Sweep(ctx)

	after, err := st.JobByID(ctx, download.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDead, after.Status)
	assert.Equal(t, 3, after.Attempts)

	run, err := st.PipelineRunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, job.RunStatusAborted, run.Status, "terminal event from the reaper settles the run")
}
