// Package storetest holds the behaviour every store.Store driver must show.
package storetest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Foreman/internal/model"
	"github.com/CZERTAINLY/Foreman/internal/store"
)

// Opener returns an empty store; the test owns closing it.
type Opener func(t *testing.T) store.Store

// Run runs the whole suite against stores returned by open.
func Run(t *testing.T, open Opener) {
	t.Run("process round trip", func(t *testing.T) { testProcessRoundTrip(t, open(t)) })
	t.Run("missing documents", func(t *testing.T) { testMissing(t, open(t)) })
	t.Run("find by status", func(t *testing.T) { testFindByStatus(t, open(t)) })
	t.Run("claim one", func(t *testing.T) { testClaimOne(t, open(t)) })
	t.Run("claim by id", func(t *testing.T) { testClaimByID(t, open(t)) })
	t.Run("conditional replace", func(t *testing.T) { testReplaceIf(t, open(t)) })
	t.Run("concurrent claims", func(t *testing.T) { testConcurrentClaims(t, open(t)) })
	t.Run("subprocesses", func(t *testing.T) { testSubprocesses(t, open(t)) })
}

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// NewProcess returns a NotStarted process created at epoch + offset.
func NewProcess(t *testing.T, name string, count int, offset time.Duration) model.Process {
	t.Helper()
	p, err := model.NewProcess(name, model.ProcessTypeA, count, epoch.Add(offset))
	require.NoError(t, err)
	return p
}

func testProcessRoundTrip(t *testing.T, s store.Store) {
	ctx := t.Context()
	p := NewProcess(t, "P1", 3, 0)
	p.ErrorMessage = "earlier failure"
	require.NoError(t, s.InsertProcess(ctx, p))
	require.Error(t, s.InsertProcess(ctx, p), "duplicate id must be rejected")

	got, err := s.GetProcess(ctx, p.ID)
	require.NoError(t, err)
	requireSameProcess(t, p, got)

	p.Status = model.StatusInterrupted
	p.UpdatedAt = epoch.Add(time.Minute)
	p.JobHandle = "job-1"
	require.NoError(t, s.ReplaceProcess(ctx, p))

	got, err = s.GetProcess(ctx, p.ID)
	require.NoError(t, err)
	requireSameProcess(t, p, got)

	list, err := s.ListProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	requireSameProcess(t, p, list[0])
}

func testMissing(t *testing.T, s store.Store) {
	ctx := t.Context()
	_, err := s.GetProcess(ctx, "nope")
	require.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetSubprocess(ctx, "nope")
	require.ErrorIs(t, err, model.ErrNotFound)

	p := NewProcess(t, "ghost", 1, 0)
	require.ErrorIs(t, s.ReplaceProcess(ctx, p), model.ErrNotFound)
	require.ErrorIs(t, s.ReplaceSubprocess(ctx, model.Subprocess{ID: "nope"}), model.ErrNotFound)

	subs, err := s.FindSubprocessesByParent(ctx, p.ID)
	require.NoError(t, err)
	require.Empty(t, subs)
}

func testFindByStatus(t *testing.T, s store.Store) {
	ctx := t.Context()
	statuses := []model.Status{
		model.StatusNotStarted,
		model.StatusRunning,
		model.StatusRunning,
		model.StatusCompleted,
		model.StatusInterrupted,
	}
	for i, st := range statuses {
		p := NewProcess(t, "P", 1, time.Duration(i)*time.Second)
		p.Status = st
		require.NoError(t, s.InsertProcess(ctx, p))
	}

	running, err := s.FindProcessesByStatus(ctx, model.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 2)
	for _, p := range running {
		require.Equal(t, model.StatusRunning, p.Status)
	}
	require.True(t, running[0].CreatedAt.Before(running[1].CreatedAt))

	eligible, err := s.FindProcessesByStatus(ctx, model.StatusNotStarted, model.StatusInterrupted)
	require.NoError(t, err)
	require.Len(t, eligible, 2)

	none, err := s.FindProcessesByStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, none)
}

func testClaimOne(t *testing.T, s store.Store) {
	ctx := t.Context()
	eligible := []model.Status{model.StatusNotStarted, model.StatusInterrupted}

	_, ok, err := s.ClaimOneProcess(ctx, eligible, model.StatusRunning)
	require.NoError(t, err)
	require.False(t, ok)

	older := NewProcess(t, "older", 1, 0)
	older.Status = model.StatusInterrupted
	newer := NewProcess(t, "newer", 1, time.Second)
	done := NewProcess(t, "done", 1, -time.Second)
	done.Status = model.StatusCompleted
	for _, p := range []model.Process{newer, done, older} {
		require.NoError(t, s.InsertProcess(ctx, p))
	}

	got, ok, err := s.ClaimOneProcess(ctx, eligible, model.StatusRunning)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, older.ID, got.ID)
	require.Equal(t, model.StatusRunning, got.Status)
	require.Equal(t, older.Subprocesses, got.Subprocesses)

	stored, err := s.GetProcess(ctx, older.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, stored.Status)

	got, ok, err = s.ClaimOneProcess(ctx, eligible, model.StatusRunning)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, newer.ID, got.ID)

	_, ok, err = s.ClaimOneProcess(ctx, eligible, model.StatusRunning)
	require.NoError(t, err)
	require.False(t, ok)
}

func testClaimByID(t *testing.T, s store.Store) {
	ctx := t.Context()
	p := NewProcess(t, "P", 1, 0)
	p.Status = model.StatusCancelled
	require.NoError(t, s.InsertProcess(ctx, p))

	_, err := s.ClaimProcess(ctx, "nope", []model.Status{model.StatusCancelled}, model.StatusReverted)
	require.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.ClaimProcess(ctx, p.ID, []model.Status{model.StatusCompleted}, model.StatusReverted)
	require.ErrorIs(t, err, model.ErrNotEligible)

	got, err := s.ClaimProcess(ctx, p.ID, []model.Status{model.StatusCancelled, model.StatusInterrupted}, model.StatusReverted)
	require.NoError(t, err)
	require.Equal(t, model.StatusReverted, got.Status)

	_, err = s.ClaimProcess(ctx, p.ID, []model.Status{model.StatusCancelled, model.StatusInterrupted}, model.StatusReverted)
	require.ErrorIs(t, err, model.ErrNotEligible)
}

func testReplaceIf(t *testing.T, s store.Store) {
	ctx := t.Context()
	p := NewProcess(t, "P", 1, 0)
	p.Status = model.StatusInterrupted
	p.ErrorMessage = "boom"
	require.NoError(t, s.InsertProcess(ctx, p))

	missing := NewProcess(t, "missing", 1, 0)
	require.ErrorIs(t, s.ReplaceProcessIf(ctx, missing, model.StatusNotStarted), model.ErrNotFound)

	next := p
	next.Status = model.StatusNotStarted
	next.ErrorMessage = ""
	require.ErrorIs(t, s.ReplaceProcessIf(ctx, next, model.StatusCancelled), model.ErrNotEligible)
	got, err := s.GetProcess(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusInterrupted, got.Status)
	require.Equal(t, "boom", got.ErrorMessage)

	require.NoError(t, s.ReplaceProcessIf(ctx, next, model.StatusInterrupted))
	got, err = s.GetProcess(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusNotStarted, got.Status)
	require.Empty(t, got.ErrorMessage)

	// the status moved on, a second writer expecting the old one loses
	require.ErrorIs(t, s.ReplaceProcessIf(ctx, next, model.StatusInterrupted), model.ErrNotEligible)
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	ctx := t.Context()
	const processes = 20
	const claimers = 8

	want := make([]string, 0, processes)
	for i := range processes {
		p := NewProcess(t, "P", 1, time.Duration(i)*time.Millisecond)
		require.NoError(t, s.InsertProcess(ctx, p))
		want = append(want, p.ID)
	}

	var mu sync.Mutex
	var claimed []string
	var errs []error
	var wg sync.WaitGroup
	for range claimers {
		wg.Go(func() {
			for {
				p, ok, err := s.ClaimOneProcess(ctx, []model.Status{model.StatusNotStarted}, model.StatusRunning)
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				}
				if ok {
					claimed = append(claimed, p.ID)
				}
				mu.Unlock()
				if err != nil || !ok {
					return
				}
			}
		})
	}
	wg.Wait()

	require.Empty(t, errs)
	require.ElementsMatch(t, want, claimed, "every process must be claimed exactly once")
}

func testSubprocesses(t *testing.T, s store.Store) {
	ctx := t.Context()
	p := NewProcess(t, "P", 2, 0)
	other := NewProcess(t, "other", 1, 0)
	ids := p.SubprocessIDs()

	now := epoch
	for i, id := range ids {
		sp := model.Subprocess{
			ID:        id,
			Name:      p.Subprocesses[id],
			ParentID:  p.ID,
			Status:    model.StatusNotStarted,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			UpdatedAt: now,
			Steps:     model.NewSteps(3, time.Second),
		}
		require.NoError(t, s.InsertSubprocess(ctx, sp))
	}
	require.NoError(t, s.InsertSubprocess(ctx, model.Subprocess{
		ID:        other.SubprocessIDs()[0],
		ParentID:  other.ID,
		Status:    model.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}))

	sp, err := s.GetSubprocess(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, p.ID, sp.ParentID)
	require.Len(t, sp.Steps, 3)

	started := now.Add(time.Minute)
	sp.Status = model.StatusRunning
	sp.UpdatedAt = started
	sp.Steps[0].Status = model.StatusCompleted
	sp.Steps[0].StartedAt = &started
	sp.Steps[0].CompletedAt = &started
	sp.Steps[1].Status = model.StatusRunning
	sp.Steps[1].StartedAt = &started
	require.NoError(t, s.ReplaceSubprocess(ctx, sp))

	got, err := s.GetSubprocess(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, got.Status)
	require.True(t, started.Equal(got.UpdatedAt))
	require.Equal(t, []string{"Step 1", "Step 2", "Step 3"}, names(got.Steps))
	require.Equal(t, model.StatusCompleted, got.Steps[0].Status)
	require.NotNil(t, got.Steps[0].CompletedAt)
	require.True(t, started.Equal(*got.Steps[0].CompletedAt))
	require.Nil(t, got.Steps[1].CompletedAt)

	all, err := s.FindSubprocessesByParent(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)

	running, err := s.FindSubprocessesByParent(ctx, p.ID, model.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, ids[0], running[0].ID)

	everything, err := s.ListSubprocesses(ctx)
	require.NoError(t, err)
	require.Len(t, everything, 3)
}

func requireSameProcess(t *testing.T, want, got model.Process) {
	t.Helper()
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Name, got.Name)
	require.Equal(t, want.Type, got.Type)
	require.Equal(t, want.Status, got.Status)
	require.Equal(t, want.ItemsToProcess, got.ItemsToProcess)
	require.Equal(t, want.Subprocesses, got.Subprocesses)
	require.Equal(t, want.ErrorMessage, got.ErrorMessage)
	require.Equal(t, want.JobHandle, got.JobHandle)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt))
	require.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
}

func names(steps model.Steps) []string {
	ret := make([]string, len(steps))
	for i, s := range steps {
		ret[i] = s.Name
	}
	return ret
}
