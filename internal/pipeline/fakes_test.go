package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/lavendersentinel/paperline/internal/job"
	"github.com/lavendersentinel/paperline/internal/store"
)

// fakeStore is an in-memory Store for orchestrator and reaper tests.
type fakeStore struct {
	mu          sync.Mutex
	jobs        map[string]*job.Record
	runs        map[string]*job.PipelineRun
	projections map[string]map[job.Type]job.ProjectionStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:        make(map[string]*job.Record),
		runs:        make(map[string]*job.PipelineRun),
		projections: make(map[string]map[job.Type]job.ProjectionStatus),
	}
}

func (f *fakeStore) CreateJob(_ context.Context, rec *job.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *rec
	f.jobs[rec.ID] = &clone
	return nil
}

func (f *fakeStore) TransitionJob(_ context.Context, jobID string, from, to job.Status, upd store.TransitionUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.jobs[jobID]
	if !ok || rec.Status != from {
		return job.ErrConflict
	}
	rec.Status = to
	rec.UpdatedAt = time.Now().UTC()
	if upd.Attempts != nil {
		rec.Attempts = *upd.Attempts
	}
	if upd.WorkerID != nil {
		rec.WorkerID = upd.WorkerID
	}
	if upd.LeaseExpiresAt != nil {
		rec.LeaseExpiresAt = upd.LeaseExpiresAt
	}
	if upd.ClearLease {
		rec.WorkerID = nil
		rec.LeaseExpiresAt = nil
	}
	if upd.LastError != nil {
		rec.LastError = upd.LastError
	}
	if upd.SetStartedAt {
		now := time.Now().UTC()
		rec.StartedAt = &now
	}
	if upd.SetFinishedAt {
		now := time.Now().UTC()
		rec.FinishedAt = &now
	}
	return nil
}

func (f *fakeStore) JobByID(_ context.Context, jobID string) (*job.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.jobs[jobID]
	if !ok {
		return nil, job.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (f *fakeStore) JobsByRun(_ context.Context, runID string) ([]job.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []job.Record
	for _, rec := range f.jobs {
		if rec.PipelineRunID == runID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeStore) HasActiveJob(_ context.Context, subjectID string, jobType job.Type) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.jobs {
		if rec.SubjectID == subjectID && rec.Type == jobType && rec.Status.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) HasActiveRun(_ context.Context, subjectID, pipelineType string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, run := range f.runs {
		if run.SubjectID == subjectID && run.PipelineType == pipelineType && run.Status == job.RunStatusRunning {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CreatePipelineRun(_ context.Context, run *job.PipelineRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *run
	f.runs[run.ID] = &clone
	return nil
}

func (f *fakeStore) PipelineRunByID(_ context.Context, runID string) (*job.PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, job.ErrRunNotFound
	}
	clone := *run
	return &clone, nil
}

func (f *fakeStore) UpdatePipelineRunStatus(_ context.Context, runID string, from, to job.PipelineRunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok || run.Status != from {
		return job.ErrConflict
	}
	run.Status = to
	return nil
}

func (f *fakeStore) UpsertPaperProjection(_ context.Context, paperID string, jobType job.Type, status job.ProjectionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobType != job.TypeGenerateSummary && jobType != job.TypeGenerateComic {
		return nil
	}
	if f.projections[paperID] == nil {
		f.projections[paperID] = make(map[job.Type]job.ProjectionStatus)
	}
	f.projections[paperID][jobType] = status
	return nil
}

func (f *fakeStore) FindExpiredLeases(_ context.Context, before time.Time) ([]job.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []job.Record
	for _, rec := range f.jobs {
		leased := rec.Status == job.StatusLeased || rec.Status == job.StatusRunning
		if leased && rec.LeaseExpiresAt != nil && rec.LeaseExpiresAt.Before(before) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeStore) FindStalePendingJobs(_ context.Context, before time.Time) ([]job.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []job.Record
	for _, rec := range f.jobs {
		if rec.Status == job.StatusPending && rec.UpdatedAt.Before(before) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// helpers

func (f *fakeStore) jobBySubjectType(subjectID string, jobType job.Type) *job.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.jobs {
		if rec.SubjectID == subjectID && rec.Type == jobType {
			clone := *rec
			return &clone
		}
	}
	return nil
}

func (f *fakeStore) projection(paperID string, jobType job.Type) job.ProjectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.projections[paperID]; ok {
		if s, ok := m[jobType]; ok {
			return s
		}
	}
	return job.ProjectionNone
}

// fakeBroker records published messages per queue.
type fakeBroker struct {
	mu        sync.Mutex
	published map[string][][]byte
	failWith  error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{published: make(map[string][][]byte)}
}

func (f *fakeBroker) Publish(_ context.Context, queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.published[queue] = append(f.published[queue], body)
	return nil
}

func (f *fakeBroker) count(queue string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[queue])
}
