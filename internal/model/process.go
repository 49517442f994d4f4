package model

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ProcessType selects the step runner used for the subprocesses of a process.
type ProcessType string

const (
	ProcessTypeA ProcessType = "A"
	ProcessTypeB ProcessType = "B"
)

// Process is the top level unit of work. Subprocesses is the manifest
// (subprocess id -> name) and never changes after creation.
type Process struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Type           ProcessType       `json:"type"`
	ItemsToProcess int               `json:"items_to_process"`
	Subprocesses   map[string]string `json:"subprocesses"`
	Status         Status            `json:"status"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	JobHandle      string            `json:"job_handle,omitempty"`
}

// NewProcess builds a NotStarted process with count freshly assigned
// subprocess identities.
func NewProcess(name string, typ ProcessType, count int, now time.Time) (Process, error) {
	if count < 1 {
		return Process{}, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}
	manifest := make(map[string]string, count)
	for i := range count {
		manifest[uuid.NewString()] = "Subprocess " + strconv.Itoa(i+1)
	}
	return Process{
		ID:             uuid.NewString(),
		Name:           name,
		CreatedAt:      now,
		UpdatedAt:      now,
		Type:           typ,
		ItemsToProcess: count,
		Subprocesses:   manifest,
		Status:         StatusNotStarted,
	}, nil
}

// SubprocessIDs returns the manifest ids in a stable order.
func (p Process) SubprocessIDs() []string {
	ids := make([]string, 0, len(p.Subprocesses))
	for id := range p.Subprocesses {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Subprocess is an independently executed part of a process. ParentID is a
// plain back reference, the engine always re-fetches the parent by id.
type Subprocess struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parent_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Steps     Steps     `json:"steps"`
}

// Reset returns the subprocess and every step to NotStarted, dropping
// the history of previous attempts.
func (s *Subprocess) Reset(now time.Time) {
	s.Status = StatusNotStarted
	s.UpdatedAt = now
	for i := range s.Steps {
		s.Steps[i].Reset()
	}
}

// Step is the smallest unit of work. Timeout bounds the step's work.
type Step struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	Timeout      time.Duration `json:"timeout"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

func (s *Step) Reset() {
	s.Status = StatusNotStarted
	s.StartedAt = nil
	s.CompletedAt = nil
	s.ErrorMessage = ""
}

// Steps keeps steps in creation order; names are unique.
type Steps []Step

// NewSteps returns count steps named "Step 1".."Step count".
func NewSteps(count int, timeout time.Duration) Steps {
	steps := make(Steps, count)
	for i := range steps {
		steps[i] = Step{
			Name:    "Step " + strconv.Itoa(i+1),
			Status:  StatusNotStarted,
			Timeout: timeout,
		}
	}
	return steps
}

// Lookup returns the step called name.
func (s Steps) Lookup(name string) (Step, bool) {
	i := slices.IndexFunc(s, func(st Step) bool { return st.Name == name })
	if i < 0 {
		return Step{}, false
	}
	return s[i], true
}

// Count returns how many steps are in one of the statuses.
func (s Steps) Count(statuses ...Status) int {
	var n int
	for _, st := range s {
		if st.Status.In(statuses...) {
			n++
		}
	}
	return n
}
