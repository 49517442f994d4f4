// Package dispatch defines the port to an external job queue. With a
// Dispatcher configured, operator commands enqueue jobs instead of running
// work in the calling host, and queue consumers execute them.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnknownJob is returned for a handle the queue does not know.
var ErrUnknownJob = errors.New("unknown job")

type JobState int

const (
	JobPending JobState = iota
	JobActive
	JobTerminal
)

var jobStates = [...]string{"pending", "active", "terminal"}

func (s JobState) String() string {
	if s < 0 || int(s) >= len(jobStates) {
		return fmt.Sprintf("JobState(%d)", int(s))
	}
	return jobStates[s]
}

// Job is a unit of queued work.
type Job struct {
	Handle     string
	ProcessID  string
	ResumeOnly bool
}

// NewJob returns a job with a fresh handle. The handle is known before the
// job is enqueued, so it can be recorded on the process before any consumer
// sees the job.
func NewJob(processID string, resumeOnly bool) Job {
	return Job{Handle: uuid.NewString(), ProcessID: processID, ResumeOnly: resumeOnly}
}

// Handler executes a job. Its context is cancelled with
// model.ErrCancelRequested when the job is cancelled while active.
type Handler func(ctx context.Context, job Job) error

type Dispatcher interface {
	// Enqueue submits job; its handle must be unique.
	Enqueue(ctx context.Context, job Job) error
	// Cancel reports false for a job which is unknown or already terminal.
	// A pending job is dropped from the queue, an active one is signalled.
	Cancel(ctx context.Context, handle string) (bool, error)
	Status(ctx context.Context, handle string) (JobState, error)
}
