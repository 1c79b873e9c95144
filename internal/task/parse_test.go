package task

import (
	"errors"
	"testing"
	"time"
)

func TestParseDue(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, loc)

	tests := []struct {
		raw  string
		want time.Time
	}{
		{raw: "2024-01-01T09:00:00Z", want: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)},
		{raw: "2024-02-03 07:15", want: time.Date(2024, 2, 3, 7, 15, 0, 0, loc)},
		{raw: "2024-02-03", want: time.Date(2024, 2, 3, 9, 0, 0, 0, loc)},
		{raw: "18:30", want: time.Date(2024, 1, 1, 18, 30, 0, 0, loc)},
		{raw: "08:00", want: time.Date(2024, 1, 2, 8, 0, 0, 0, loc)},
		{raw: "tomorrow", want: time.Date(2024, 1, 2, 9, 0, 0, 0, loc)},
		{raw: "Tomorrow 21:05", want: time.Date(2024, 1, 2, 21, 5, 0, 0, loc)},
		{raw: "+30m", want: now.Add(30 * time.Minute)},
		{raw: "in 2h", want: now.Add(2 * time.Hour)},
		{raw: "in 3d", want: time.Date(2024, 1, 4, 10, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		got, err := ParseDue(tt.raw, now, loc)
		if err != nil {
			t.Fatalf("ParseDue(%q) error: %v", tt.raw, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("ParseDue(%q) = %s, want %s", tt.raw, got, tt.want)
		}
		if got.Location() != time.UTC {
			t.Fatalf("ParseDue(%q) should normalize to UTC, got %s", tt.raw, got.Location())
		}
	}
}

func TestParseDueDateOnlyKeepsWallClockAcrossDST(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, loc)
	for _, raw := range []string{"2024-03-31", "2024-10-27"} {
		got, err := ParseDue(raw, now, loc)
		if err != nil {
			t.Fatalf("ParseDue(%q) error: %v", raw, err)
		}
		if h, m := got.In(loc).Hour(), got.In(loc).Minute(); h != DefaultDueHour || m != 0 {
			t.Fatalf("ParseDue(%q) = %02d:%02d local, want %02d:00", raw, h, m, DefaultDueHour)
		}
	}
}

func TestParseDueInvalid(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	for _, raw := range []string{"", "soonish", "25:00", "+0m", "in -2h", "2024-13-40"} {
		if _, err := ParseDue(raw, now, time.UTC); !errors.Is(err, ErrValidation) {
			t.Fatalf("ParseDue(%q) = %v, want ErrValidation", raw, err)
		}
	}
}

func TestMutationApplyRejectsTerminal(t *testing.T) {
	t.Parallel()
	title := "new"
	tk := Task{ID: "a", Status: StatusDone, Version: 3}
	err := Mutation{Title: &title}.Apply(&tk, time.Now())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Apply on done task = %v, want ErrInvalidState", err)
	}
	if tk.Version != 3 {
		t.Fatalf("version changed on rejected mutation: %d", tk.Version)
	}
}

func TestMutationApplyClearsNotification(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	fired := now
	claim := now.Add(time.Minute)
	tk := Task{ID: "a", Status: StatusPending, DueAt: now, LastNotifiedAt: &fired, ClaimedUntil: &claim, Version: 1}
	next := now.Add(time.Hour)
	if err := (Mutation{DueAt: &next, ClearLastNotifiedAt: true, ClearClaim: true}).Apply(&tk, now); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if tk.LastNotifiedAt != nil || tk.ClaimedUntil != nil {
		t.Fatalf("expected notification markers cleared, got %+v", tk)
	}
	if tk.Version != 2 || !tk.DueAt.Equal(next) {
		t.Fatalf("unexpected task after apply: %+v", tk)
	}
	if tk.Notified() {
		t.Fatal("task should not count as notified after snooze")
	}
}
