package scheduler

import "context"

// Job is a unit of work run by the worker pool.
type Job interface {
	// Execute runs the job. ctx carries the pool's per-job timeout.
	Execute(ctx context.Context) error

	// Subject names what the job works on, for logs and spans.
	Subject() string

	Description() string
}
