package worker

import (
	"context"
	"fmt"

	"github.com/lavendersentinel/paperline/internal/job"
)

// Handler executes the work for a single job. It receives the subject the
// job operates on and returns nil on success. Wrap failures with
// job.Transient or job.Permanent to steer the retry policy; unwrapped
// errors are treated as transient.
type Handler func(ctx context.Context, subjectID string) error

// Registry maps job types to their handlers.
type Registry struct {
	handlers map[job.Type]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[job.Type]Handler)}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(jobType job.Type, h Handler) {
	r.handlers[jobType] = h
}

// Handler returns the handler for a job type.
func (r *Registry) Handler(jobType job.Type) (Handler, error) {
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %s", jobType)
	}
	return h, nil
}
