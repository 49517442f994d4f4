// Package store defines the persistence port of the orchestration engine.
//
// Processes and subprocesses are stored as JSON documents next to indexed
// status and timestamp columns. The columns are authoritative: claims update
// them without rewriting the document, and drivers overwrite the decoded
// document's Status and UpdatedAt from the columns on every read.
//
// Claims are single statement read-modify-write operations, so two
// concurrent claimers (goroutines, processes or hosts) can never both win the
// same document.
package store

import (
	"context"

	"github.com/CZERTAINLY/Foreman/internal/model"
)

// Store is implemented by the sqlite and postgres drivers. Missing documents
// are reported with model.ErrNotFound, driver failures with *PersistenceError.
type Store interface {
	InsertProcess(ctx context.Context, p model.Process) error
	GetProcess(ctx context.Context, id string) (model.Process, error)
	ListProcesses(ctx context.Context) ([]model.Process, error)
	FindProcessesByStatus(ctx context.Context, statuses ...model.Status) ([]model.Process, error)
	// ClaimOneProcess atomically moves the oldest process in one of from to
	// the status to. It returns false when nothing is eligible.
	ClaimOneProcess(ctx context.Context, from []model.Status, to model.Status) (model.Process, bool, error)
	// ClaimProcess is ClaimOneProcess restricted to one id. It returns
	// model.ErrNotEligible when the process exists in another status.
	ClaimProcess(ctx context.Context, id string, from []model.Status, to model.Status) (model.Process, error)
	ReplaceProcess(ctx context.Context, p model.Process) error
	// ReplaceProcessIf replaces p only while its stored status is expect,
	// returning model.ErrNotEligible otherwise. Operator commands use it to
	// move a process and rewrite its document in one statement.
	ReplaceProcessIf(ctx context.Context, p model.Process, expect model.Status) error

	InsertSubprocess(ctx context.Context, sp model.Subprocess) error
	GetSubprocess(ctx context.Context, id string) (model.Subprocess, error)
	ListSubprocesses(ctx context.Context) ([]model.Subprocess, error)
	// FindSubprocessesByParent returns the subprocesses of parentID, all of
	// them when no status is given.
	FindSubprocessesByParent(ctx context.Context, parentID string, statuses ...model.Status) ([]model.Subprocess, error)
	ReplaceSubprocess(ctx context.Context, sp model.Subprocess) error

	Ping(ctx context.Context) error
	Close() error
}

// PersistenceError wraps a failure of the underlying database.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Fail wraps err into a *PersistenceError, nil stays nil.
func Fail(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// Codes converts statuses into the integers stored in the status columns.
func Codes(statuses []model.Status) []int32 {
	ret := make([]int32, len(statuses))
	for i, s := range statuses {
		ret[i] = int32(s)
	}
	return ret
}
