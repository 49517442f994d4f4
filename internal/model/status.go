package model

import (
	"fmt"
	"slices"
)

// Status is shared by processes, subprocesses and steps.
type Status int

const (
	StatusNotStarted Status = iota
	StatusRunning
	StatusCompleted
	StatusCancelled
	StatusReverted
	StatusFailed
	StatusInterrupted
)

var statusNames = [...]string{
	StatusNotStarted:  "NotStarted",
	StatusRunning:     "Running",
	StatusCompleted:   "Completed",
	StatusCancelled:   "Cancelled",
	StatusReverted:    "Reverted",
	StatusFailed:      "Failed",
	StatusInterrupted: "Interrupted",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// In reports whether s is one of set.
func (s Status) In(set ...Status) bool {
	return slices.Contains(set, s)
}

func (s Status) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return StatusNotStarted, fmt.Errorf("unknown status %q", name)
}
