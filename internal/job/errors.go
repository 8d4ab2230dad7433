package job

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job cannot be found in the store.
	ErrNotFound = errors.New("job not found")

	// ErrConflict is returned by a compare-and-swap transition when the
	// stored status no longer matches the expected one.
	ErrConflict = errors.New("job status conflict")

	// ErrDuplicateActive is returned when a trigger would create a second
	// in-flight job for the same (subject_id, job_type) pair.
	ErrDuplicateActive = errors.New("an active job already exists for this subject and type")

	// ErrRunNotFound is returned when a pipeline run cannot be found.
	ErrRunNotFound = errors.New("pipeline run not found")

	// ErrNotRetryable is returned by RetryJob for jobs that are not dead.
	ErrNotRetryable = errors.New("only dead jobs can be retried")
)

// FailureKind classifies a handler failure for the retry policy.
type FailureKind string

const (
	// FailureTransient marks errors worth retrying: timeouts, rate limits,
	// transient I/O.
	FailureTransient FailureKind = "transient"

	// FailurePermanent marks errors that will not succeed on retry:
	// malformed input, missing subject.
	FailurePermanent FailureKind = "permanent"
)

// Failure is the error type handlers return; the worker never inspects the
// underlying cause, only the kind.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure: %s", f.Kind, f.Err.Error())
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient wraps err as a retryable handler failure.
func Transient(err error) error {
	return &Failure{Kind: FailureTransient, Err: err}
}

// Permanent wraps err as a non-retryable handler failure.
func Permanent(err error) error {
	return &Failure{Kind: FailurePermanent, Err: err}
}

// ClassifyFailure extracts the failure kind from err. Unclassified errors are
// treated as transient so that infrastructure hiccups inside a handler do not
// kill a job outright.
func ClassifyFailure(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return FailureTransient
}
