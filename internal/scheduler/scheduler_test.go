package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskbot/internal/clock"
	"taskbot/internal/storage"
	"taskbot/internal/task"
	logx "taskbot/pkg/logx"
)

type recordingSink struct {
	mu    sync.Mutex
	sent  []task.Task
	fail  func(t task.Task) error
	calls atomic.Int32
}

func (r *recordingSink) Notify(ctx context.Context, t task.Task) error {
	r.calls.Add(1)
	if r.fail != nil {
		if err := r.fail(t); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.sent = append(r.sent, t)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, t := range r.sent {
		out = append(out, t.Title)
	}
	return out
}

func newStore(t *testing.T, c clock.Clock) storage.Store {
	t.Helper()
	return openStore(t, "sqlite", t.TempDir(), c)
}

func openStore(t *testing.T, driver, dir string, c clock.Clock) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: driver, Path: filepath.Join(dir, "tasks.db")}, logx.Nop(), storage.WithClock(c))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func forEachDriver(t *testing.T, fn func(t *testing.T, driver string)) {
	for _, d := range []string{"sqlite", "file"} {
		t.Run(d, func(t *testing.T) { fn(t, d) })
	}
}

func testConfig() Config {
	return Config{Enabled: true, Interval: time.Hour, NotifyTimeout: time.Second, ScanTimeout: time.Second}
}

func create(t *testing.T, st storage.Store, tk task.Task) task.Task {
	t.Helper()
	if tk.Owner == "" {
		tk.Owner = "42"
	}
	got, err := st.Create(context.Background(), tk)
	require.NoError(t, err)
	return got
}

func get(t *testing.T, st storage.Store, id string) task.Task {
	t.Helper()
	got, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

func TestDailyTaskFiresOnceAndAdvances(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
		fc := clock.NewFake(due.Add(-time.Hour))
		st := openStore(t, driver, t.TempDir(), fc)
		sink := &recordingSink{}
		svc := New(testConfig(), st, sink, fc, logx.Nop())

		tk := create(t, st, task.Task{Title: "standup", DueAt: due, Recurrence: task.Recurrence{Kind: task.RecurDaily}})

		rep, err := svc.ScanOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, rep.Due)

		fc.Set(due.Add(5 * time.Minute))
		rep, err = svc.ScanOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, rep.Sent)
		require.Equal(t, []string{"standup"}, sink.titles())

		got := get(t, st, tk.ID)
		require.Equal(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), got.DueAt)
		require.NotNil(t, got.LastNotifiedAt)
		require.Equal(t, due, *got.LastNotifiedAt)
		require.Nil(t, got.ClaimedUntil)
		require.Equal(t, task.StatusPending, got.Status)

		fc.Set(due.Add(6 * time.Minute))
		rep, err = svc.ScanOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, rep.Sent)
		require.Len(t, sink.titles(), 1)
	})
}

func TestOneShotFiresOnceAndStaysPending(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		due := time.Date(2024, 3, 10, 14, 30, 0, 0, time.UTC)
		fc := clock.NewFake(due.Add(-time.Minute))
		st := openStore(t, driver, t.TempDir(), fc)
		sink := &recordingSink{}
		svc := New(testConfig(), st, sink, fc, logx.Nop())

		tk := create(t, st, task.Task{Title: "call bank", DueAt: due})

		rep, err := svc.ScanOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, rep.Due)
		require.Empty(t, sink.titles())

		fc.Set(due.Add(time.Minute))
		for i := 0; i < 3; i++ {
			_, err := svc.ScanOnce(ctx)
			require.NoError(t, err)
			fc.Advance(time.Hour)
		}
		require.Equal(t, []string{"call bank"}, sink.titles())

		got := get(t, st, tk.ID)
		require.Equal(t, task.StatusPending, got.Status)
		require.Equal(t, due, got.DueAt)
		require.True(t, got.Notified())
	})
}

func TestNotifiedStateSurvivesRestart(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		dir := t.TempDir()
		due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
		fc := clock.NewFake(due.Add(time.Minute))
		sink := &recordingSink{}

		st, err := storage.Open(storage.Config{Driver: driver, Path: filepath.Join(dir, "tasks.db")}, logx.Nop(), storage.WithClock(fc))
		require.NoError(t, err)
		daily := create(t, st, task.Task{Title: "daily", DueAt: due, Recurrence: task.Recurrence{Kind: task.RecurDaily}})
		create(t, st, task.Task{Title: "once", DueAt: due})
		rep, err := New(testConfig(), st, sink, fc, logx.Nop()).ScanOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, rep.Sent)
		require.NoError(t, st.Close())

		fc.Advance(time.Hour)
		st = openStore(t, driver, dir, fc)
		rep, err = New(testConfig(), st, sink, fc, logx.Nop()).ScanOnce(ctx)
		require.NoError(t, err)
		require.Zero(t, rep.Sent)
		require.Len(t, sink.titles(), 2)
		require.Equal(t, due.AddDate(0, 0, 1), get(t, st, daily.ID).DueAt)
	})
}

func TestMissedOccurrencesCatchUpOnce(t *testing.T) {
	ctx := context.Background()
	due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFake(time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC))
	st := newStore(t, fc)
	sink := &recordingSink{}
	svc := New(testConfig(), st, sink, fc, logx.Nop())

	tk := create(t, st, task.Task{Title: "pills", DueAt: due, Recurrence: task.Recurrence{Kind: task.RecurDaily}})

	_, err := svc.ScanOnce(ctx)
	require.NoError(t, err)
	_, err = svc.ScanOnce(ctx)
	require.NoError(t, err)

	require.Len(t, sink.titles(), 1)
	got := get(t, st, tk.ID)
	require.Equal(t, time.Date(2024, 1, 6, 9, 0, 0, 0, time.UTC), got.DueAt)
	require.True(t, got.DueAt.After(fc.Now()))
}

func TestDeliveryFailureIsRetriedNextScan(t *testing.T) {
	ctx := context.Background()
	due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFake(due)
	st := newStore(t, fc)
	var failing atomic.Bool
	failing.Store(true)
	sink := &recordingSink{fail: func(task.Task) error {
		if failing.Load() {
			return errors.New("telegram down")
		}
		return nil
	}}
	svc := New(testConfig(), st, sink, fc, logx.Nop())

	tk := create(t, st, task.Task{Title: "retry me", DueAt: due})

	rep, err := svc.ScanOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failed)
	got := get(t, st, tk.ID)
	require.Nil(t, got.LastNotifiedAt)
	require.Nil(t, got.ClaimedUntil)

	failing.Store(false)
	fc.Advance(30 * time.Second)
	rep, err = svc.ScanOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)
	require.True(t, get(t, st, tk.ID).Notified())
	require.EqualValues(t, 2, sink.calls.Load())
}

func TestOneFailingTaskDoesNotStopScan(t *testing.T) {
	ctx := context.Background()
	due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFake(due.Add(time.Minute))
	st := newStore(t, fc)
	sink := &recordingSink{fail: func(tk task.Task) error {
		if tk.Title == "bad" {
			return errors.New("rejected")
		}
		return nil
	}}
	svc := New(testConfig(), st, sink, fc, logx.Nop())

	create(t, st, task.Task{Title: "bad", DueAt: due})
	create(t, st, task.Task{Title: "good", DueAt: due.Add(time.Second)})

	rep, err := svc.ScanOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Failed)
	require.Equal(t, 1, rep.Sent)
	require.Equal(t, []string{"good"}, sink.titles())
}

func TestUnadvanceableRecurrenceStaysUnmarked(t *testing.T) {
	ctx := context.Background()
	due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFake(due.Add(time.Minute))
	st := newStore(t, fc)
	sink := &recordingSink{}
	svc := New(testConfig(), st, sink, fc, logx.Nop())

	// February 30th parses but never occurs.
	tk := create(t, st, task.Task{Title: "never again", DueAt: due, Recurrence: task.Recurrence{Kind: task.RecurCron, Cron: "0 9 30 2 *"}})

	for i := 0; i < 2; i++ {
		rep, err := svc.ScanOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, rep.Failed)
		require.Zero(t, rep.Sent)
	}
	require.Empty(t, sink.titles())

	got := get(t, st, tk.ID)
	require.Nil(t, got.LastNotifiedAt)
	require.Nil(t, got.ClaimedUntil)
	require.Equal(t, due, got.DueAt)
}

func TestScanProcessesInDueOrder(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFake(base.Add(time.Hour))
	st := newStore(t, fc)
	sink := &recordingSink{}
	svc := New(testConfig(), st, sink, fc, logx.Nop())

	create(t, st, task.Task{Title: "third", DueAt: base.Add(30 * time.Minute)})
	create(t, st, task.Task{Title: "first", DueAt: base})
	create(t, st, task.Task{Title: "second", DueAt: base.Add(time.Minute)})

	_, err := svc.ScanOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second", "third"}, sink.titles())
}

func TestActiveClaimIsSkippedUntilItExpires(t *testing.T) {
	ctx := context.Background()
	due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFake(due)
	st := newStore(t, fc)
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.ClaimTTL = time.Minute
	svc := New(cfg, st, sink, fc, logx.Nop())

	tk := create(t, st, task.Task{Title: "leased", DueAt: due})
	// A crashed scan left its lease behind.
	until := due.Add(time.Minute)
	_, err := st.Update(ctx, tk.ID, task.Mutation{ClaimedUntil: &until})
	require.NoError(t, err)

	rep, err := svc.ScanOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Skipped)
	require.Empty(t, sink.titles())

	fc.Advance(2 * time.Minute)
	rep, err = svc.ScanOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)
}

// gatedStore makes every scan read the due list before any of them claims.
type gatedStore struct {
	storage.Store
	arrived *sync.WaitGroup
}

func (g gatedStore) DueBefore(ctx context.Context, at time.Time) ([]task.Task, error) {
	ts, err := g.Store.DueBefore(ctx, at)
	g.arrived.Done()
	g.arrived.Wait()
	return ts, err
}

func TestConcurrentScansSendExactlyOnce(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
		fc := clock.NewFake(due.Add(time.Minute))
		base := openStore(t, driver, t.TempDir(), fc)
		tk := create(t, base, task.Task{Title: "once", DueAt: due, Recurrence: task.Recurrence{Kind: task.RecurDaily}})

		var arrived sync.WaitGroup
		arrived.Add(2)
		st := gatedStore{Store: base, arrived: &arrived}
		sink := &recordingSink{}
		a := New(testConfig(), st, sink, fc, logx.Nop())
		b := New(testConfig(), st, sink, fc, logx.Nop())

		var (
			wg   sync.WaitGroup
			reps [2]Report
		)
		for i, svc := range []*Service{a, b} {
			wg.Add(1)
			go func(i int, svc *Service) {
				defer wg.Done()
				rep, err := svc.ScanOnce(ctx)
				if err != nil {
					t.Errorf("scan %d: %v", i, err)
				}
				reps[i] = rep
			}(i, svc)
		}
		wg.Wait()

		require.Equal(t, []string{"once"}, sink.titles())
		require.Equal(t, 1, reps[0].Sent+reps[1].Sent)
		require.Equal(t, 1, reps[0].Conflicts+reps[1].Conflicts)
		require.Equal(t, due.AddDate(0, 0, 1), get(t, base, tk.ID).DueAt)
	})
}

func TestEditDuringDeliveryIsReapplied(t *testing.T) {
	ctx := context.Background()
	due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFake(due)
	st := newStore(t, fc)

	var id string
	sink := &recordingSink{fail: func(task.Task) error {
		title := "renamed mid-flight"
		_, err := st.Update(ctx, id, task.Mutation{Title: &title})
		return err
	}}
	svc := New(testConfig(), st, sink, fc, logx.Nop())
	id = create(t, st, task.Task{Title: "orig", DueAt: due, Recurrence: task.Recurrence{Kind: task.RecurDaily}}).ID

	rep, err := svc.ScanOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)

	got := get(t, st, id)
	require.Equal(t, "renamed mid-flight", got.Title)
	require.Equal(t, due.AddDate(0, 0, 1), got.DueAt)
	require.Equal(t, due, *got.LastNotifiedAt)
}

func TestSnoozeDuringDeliveryWins(t *testing.T) {
	ctx := context.Background()
	due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFake(due)
	st := newStore(t, fc)

	later := due.Add(2 * time.Hour)
	var id string
	sink := &recordingSink{fail: func(task.Task) error {
		_, err := st.Update(ctx, id, task.Mutation{DueAt: &later, ClearLastNotifiedAt: true, ClearClaim: true})
		return err
	}}
	svc := New(testConfig(), st, sink, fc, logx.Nop())
	id = create(t, st, task.Task{Title: "snoozed", DueAt: due}).ID

	_, err := svc.ScanOnce(ctx)
	require.NoError(t, err)

	got := get(t, st, id)
	require.Equal(t, later, got.DueAt)
	require.Nil(t, got.LastNotifiedAt)
	require.Nil(t, got.ClaimedUntil)
}

func TestTerminalTasksAreNeverNotified(t *testing.T) {
	ctx := context.Background()
	due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFake(due.Add(time.Hour))
	st := newStore(t, fc)
	sink := &recordingSink{}
	svc := New(testConfig(), st, sink, fc, logx.Nop())

	tk := create(t, st, task.Task{Title: "finished", DueAt: due})
	done := task.StatusDone
	_, err := st.Update(ctx, tk.ID, task.Mutation{Status: &done})
	require.NoError(t, err)

	rep, err := svc.ScanOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Due)
	require.Empty(t, sink.titles())
}

func TestStopWaitsForScanInProgress(t *testing.T) {
	due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFake(due)
	st := newStore(t, fc)

	entered := make(chan struct{})
	release := make(chan struct{})
	sink := SinkFunc(func(ctx context.Context, tk task.Task) error {
		close(entered)
		<-release
		return nil
	})
	cfg := testConfig()
	cfg.NotifyTimeout = 10 * time.Second
	svc := New(cfg, st, sink, fc, logx.Nop())
	tk := create(t, st, task.Task{Title: "slow", DueAt: due})

	require.NoError(t, svc.Start(context.Background()))
	<-entered

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- svc.Stop(ctx)
	}()

	select {
	case <-stopped:
		t.Fatalf("Stop returned while a scan was in progress")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-stopped)
	require.True(t, get(t, st, tk.ID).Notified())
}

func TestDisabledServiceDoesNotScan(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	st := newStore(t, fc)
	sink := &recordingSink{}
	cfg := testConfig()
	cfg.Enabled = false
	svc := New(cfg, st, sink, fc, logx.Nop())
	create(t, st, task.Task{Title: "x", DueAt: fc.Now()})

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
	require.Zero(t, sink.calls.Load())
}

func TestConfigDefaults(t *testing.T) {
	c := Config{NotifyTimeout: 20 * time.Second, ClaimTTL: time.Second}.withDefaults()
	require.Equal(t, DefaultInterval, c.Interval)
	require.Equal(t, DefaultScanTimeout, c.ScanTimeout)
	require.Equal(t, 40*time.Second, c.ClaimTTL)
}

func TestSnapshotCountsLoopScans(t *testing.T) {
	due := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFake(due)
	st := newStore(t, fc)
	sink := &recordingSink{}
	svc := New(testConfig(), st, sink, fc, logx.Nop())
	create(t, st, task.Task{Title: "a", DueAt: due})

	require.False(t, svc.Snapshot().Running)
	require.NoError(t, svc.Start(context.Background()))
	require.Eventually(t, func() bool { return svc.Snapshot().Scans >= 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))

	snap := svc.Snapshot()
	require.False(t, snap.Running)
	require.True(t, snap.Enabled)
	require.Equal(t, uint64(1), snap.Sent)
	require.Equal(t, 1, snap.Last.Sent)
	require.Empty(t, snap.LastErr)
}
