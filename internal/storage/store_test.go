package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskbot/internal/clock"
	"taskbot/internal/task"
	logx "taskbot/pkg/logx"
)

var drivers = []string{"sqlite", "file"}

func openTest(t *testing.T, driver, dir string, c Clock) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, "tasks.db")}, logx.Nop(), WithClock(c))
	require.NoError(t, err)
	return st
}

func forEachDriver(t *testing.T, fn func(t *testing.T, driver string)) {
	for _, d := range drivers {
		t.Run(d, func(t *testing.T) { fn(t, d) })
	}
}

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newTask(owner, title string, due time.Time) task.Task {
	return task.Task{Owner: owner, Title: title, DueAt: due}
}

func TestCreateAssignsBookkeeping(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		fc := clock.NewFake(t0.Add(-time.Hour))
		st := openTest(t, driver, t.TempDir(), fc)
		defer st.Close()

		got, err := st.Create(ctx, task.Task{
			Owner:      " 42 ",
			Title:      "water plants",
			DueAt:      t0.Add(123456 * time.Nanosecond),
			Recurrence: task.Recurrence{Kind: task.RecurDaily},
		})
		require.NoError(t, err)
		require.NotEmpty(t, got.ID)
		require.Equal(t, "42", got.Owner)
		require.Equal(t, task.StatusPending, got.Status)
		require.Equal(t, int64(1), got.Version)
		require.Equal(t, t0, got.DueAt)
		require.Equal(t, task.Normalize(fc.Now()), got.CreatedAt)
		require.Nil(t, got.LastNotifiedAt)

		back, err := st.Get(ctx, got.ID)
		require.NoError(t, err)
		require.Equal(t, got, back)
	})
}

func TestCreateValidation(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		st := openTest(t, driver, t.TempDir(), clock.NewFake(t0))
		defer st.Close()

		cases := []task.Task{
			{Title: "x", DueAt: t0},
			{Owner: "o", DueAt: t0},
			{Owner: "o", Title: "x"},
			{Owner: "o", Title: "x", DueAt: t0, Recurrence: task.Recurrence{Kind: task.RecurEveryDays}},
			{Owner: "o", Title: "x", DueAt: t0, Recurrence: task.Recurrence{Kind: task.RecurCron, Cron: "nope"}},
		}
		for i, tc := range cases {
			_, err := st.Create(ctx, tc)
			require.ErrorIs(t, err, task.ErrValidation, "case %d", i)
		}
		all, err := st.List(ctx, task.Filter{})
		require.NoError(t, err)
		require.Empty(t, all)
	})
}

func TestGetAndDeleteNotFound(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		st := openTest(t, driver, t.TempDir(), clock.NewFake(t0))
		defer st.Close()

		_, err := st.Get(ctx, "missing")
		require.ErrorIs(t, err, task.ErrNotFound)
		require.ErrorIs(t, st.Delete(ctx, "missing"), task.ErrNotFound)
		_, err = st.Update(ctx, "missing", task.Mutation{})
		require.ErrorIs(t, err, task.ErrNotFound)

		created, err := st.Create(ctx, newTask("o", "x", t0))
		require.NoError(t, err)
		require.NoError(t, st.Delete(ctx, created.ID))
		_, err = st.Get(ctx, created.ID)
		require.ErrorIs(t, err, task.ErrNotFound)
	})
}

func TestUpdateVersioning(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		st := openTest(t, driver, t.TempDir(), clock.NewFake(t0))
		defer st.Close()

		created, err := st.Create(ctx, newTask("o", "x", t0))
		require.NoError(t, err)

		title := "renamed"
		upd, err := st.Update(ctx, created.ID, task.Mutation{IfVersion: 1, Title: &title})
		require.NoError(t, err)
		require.Equal(t, int64(2), upd.Version)
		require.Equal(t, "renamed", upd.Title)

		_, err = st.Update(ctx, created.ID, task.Mutation{IfVersion: 1, Title: &title})
		require.ErrorIs(t, err, task.ErrConflict)

		done := task.StatusDone
		_, err = st.Update(ctx, created.ID, task.Mutation{Status: &done})
		require.NoError(t, err)

		_, err = st.Update(ctx, created.ID, task.Mutation{Title: &title})
		require.ErrorIs(t, err, task.ErrInvalidState)

		got, err := st.Get(ctx, created.ID)
		require.NoError(t, err)
		require.Equal(t, int64(3), got.Version)
	})
}

func TestConcurrentConditionalUpdatesOneWinner(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		st := openTest(t, driver, t.TempDir(), clock.NewFake(t0))
		defer st.Close()

		created, err := st.Create(ctx, newTask("o", "x", t0))
		require.NoError(t, err)

		const n = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				until := t0.Add(time.Duration(i+1) * time.Minute)
				_, err := st.Update(ctx, created.ID, task.Mutation{IfVersion: created.Version, ClaimedUntil: &until})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, task.ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		require.Equal(t, 1, wins)
		require.Equal(t, n-1, conflicts)
	})
}

func TestListOrderingAndFilter(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		fc := clock.NewFake(t0)
		st := openTest(t, driver, t.TempDir(), fc)
		defer st.Close()

		late, _ := st.Create(ctx, newTask("a", "late", t0.Add(2*time.Hour)))
		fc.Advance(time.Second)
		early, _ := st.Create(ctx, newTask("a", "early", t0))
		fc.Advance(time.Second)
		tie, _ := st.Create(ctx, newTask("a", "tie", t0))
		other, _ := st.Create(ctx, newTask("b", "other", t0.Add(time.Hour)))

		cancelled := task.StatusCancelled
		_, err := st.Update(ctx, late.ID, task.Mutation{Status: &cancelled})
		require.NoError(t, err)

		all, err := st.List(ctx, task.Filter{})
		require.NoError(t, err)
		require.Equal(t, []string{early.ID, tie.ID, other.ID, late.ID}, ids(all))

		mine, err := st.List(ctx, task.Filter{Owner: "a", Statuses: []task.Status{task.StatusPending}})
		require.NoError(t, err)
		require.Equal(t, []string{early.ID, tie.ID}, ids(mine))

		gone, err := st.List(ctx, task.Filter{Statuses: []task.Status{task.StatusCancelled}})
		require.NoError(t, err)
		require.Equal(t, []string{late.ID}, ids(gone))
	})
}

func TestDueBefore(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		st := openTest(t, driver, t.TempDir(), clock.NewFake(t0))
		defer st.Close()

		a, _ := st.Create(ctx, newTask("o", "a", t0.Add(-time.Minute)))
		b, _ := st.Create(ctx, newTask("o", "b", t0))
		_, _ = st.Create(ctx, newTask("o", "future", t0.Add(time.Millisecond)))
		c, _ := st.Create(ctx, newTask("o", "done", t0.Add(-time.Hour)))
		done := task.StatusDone
		_, err := st.Update(ctx, c.ID, task.Mutation{Status: &done})
		require.NoError(t, err)

		due, err := st.DueBefore(ctx, t0)
		require.NoError(t, err)
		require.Equal(t, []string{a.ID, b.ID}, ids(due))
	})
}

func TestPersistsAcrossRestart(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		dir := t.TempDir()
		fc := clock.NewFake(t0)

		st := openTest(t, driver, dir, fc)
		kept, err := st.Create(ctx, task.Task{
			Owner:      "o",
			Title:      "standup",
			DueAt:      t0,
			Recurrence: task.Recurrence{Kind: task.RecurCron, Cron: "30 9 * * 1-5", TZ: "Europe/Berlin"},
		})
		require.NoError(t, err)
		removed, err := st.Create(ctx, newTask("o", "gone", t0))
		require.NoError(t, err)
		notified := t0
		kept, err = st.Update(ctx, kept.ID, task.Mutation{LastNotifiedAt: &notified, ClearClaim: true})
		require.NoError(t, err)
		require.NoError(t, st.Delete(ctx, removed.ID))
		require.NoError(t, st.AppendAudit(ctx, AuditEntry{Action: "create", TaskID: kept.ID, OK: true}))
		require.NoError(t, st.Close())

		st = openTest(t, driver, dir, fc)
		defer st.Close()
		got, err := st.Get(ctx, kept.ID)
		require.NoError(t, err)
		require.Equal(t, kept, got)
		require.True(t, got.Notified())

		_, err = st.Get(ctx, removed.ID)
		require.ErrorIs(t, err, task.ErrNotFound)
	})
}

func TestFileStoreCompactsJournal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")
	fc := clock.NewFake(t0)

	st, err := Open(Config{Driver: "file", Path: path, CompactEvery: 3}, logx.Nop(), WithClock(fc))
	require.NoError(t, err)
	var want []string
	for i := 0; i < 7; i++ {
		created, err := st.Create(ctx, newTask("o", fmt.Sprintf("t%d", i), t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		want = append(want, created.ID)
	}

	// Reopen without Close to exercise snapshot plus journal tail.
	fs := st.(*fileStore)
	fs.mu.Lock()
	_ = fs.journalFile.Sync()
	fs.mu.Unlock()

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop(), WithClock(fc))
	require.NoError(t, err)
	all, err := st2.List(ctx, task.Filter{})
	require.NoError(t, err)
	require.Equal(t, want, ids(all))
	require.NoError(t, st2.Close())
	require.NoError(t, st.Close())
}

func TestFileStoreRecoversFromTornJournalTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")
	journal := filepath.Join(dir, "tasks.tasks.journal.jsonl")
	fc := clock.NewFake(t0)

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop(), WithClock(fc))
	require.NoError(t, err)
	defer st.Close()
	before, err := st.Create(ctx, newTask("o", "before crash", t0))
	require.NoError(t, err)
	fs := st.(*fileStore)
	fs.mu.Lock()
	_ = fs.journalFile.Sync()
	fs.mu.Unlock()

	// Simulate a crash mid-append.
	jf, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = jf.WriteString(`{"op":"put","id":"x","ta`)
	require.NoError(t, err)
	require.NoError(t, jf.Close())

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop(), WithClock(fc))
	require.NoError(t, err)
	defer st2.Close()
	after, err := st2.Create(ctx, newTask("o", "after crash", t0.Add(time.Minute)))
	require.NoError(t, err)
	fs2 := st2.(*fileStore)
	fs2.mu.Lock()
	_ = fs2.journalFile.Sync()
	fs2.mu.Unlock()

	// Reopen again without Close so only the journal carries the new task.
	st3, err := Open(Config{Driver: "file", Path: path}, logx.Nop(), WithClock(fc))
	require.NoError(t, err)
	defer st3.Close()
	got, err := st3.Get(ctx, after.ID)
	require.NoError(t, err)
	require.Equal(t, after, got)
	got, err = st3.Get(ctx, before.ID)
	require.NoError(t, err)
	require.Equal(t, before, got)
	_, err = st3.Get(ctx, "x")
	require.ErrorIs(t, err, task.ErrNotFound)

	raw, err := os.ReadFile(journal)
	require.NoError(t, err)
	require.NotContains(t, string(raw), `"ta{`)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Logger{})
	require.Error(t, err)
}

func ids(ts []task.Task) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}
