package telegram

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"taskbot/internal/router"
	"taskbot/internal/task"
)

const (
	shortIDLen = 8
	dueLayout  = "Mon 02 Jan 2006 15:04"
)

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}

func esc(s string) string { return html.EscapeString(s) }

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

func formatDue(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dueLayout)
}

func statusMark(t task.Task, now time.Time) string {
	switch t.Status {
	case task.StatusDone:
		return "✅"
	case task.StatusCancelled:
		return "✖️"
	}
	if t.Overdue(now) {
		return "🔴"
	}
	return "🟢"
}

// formatTaskLine renders one list entry.
func formatTaskLine(t task.Task, loc *time.Location, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <code>%s</code> <b>%s</b>\n    ⏰ %s",
		statusMark(t, now), shortID(t.ID), esc(truncate(t.Title, 60)), formatDue(t.DueAt, loc))
	if !t.Recurrence.IsNone() {
		fmt.Fprintf(&b, " · 🔁 %s", esc(t.Recurrence.String()))
	}
	return b.String()
}

func formatTaskCard(head string, t task.Task, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n<b>%s</b>\n", head, esc(t.Title))
	if t.Description != "" {
		fmt.Fprintf(&b, "📝 %s\n", esc(truncate(t.Description, 400)))
	}
	fmt.Fprintf(&b, "⏰ %s\n", formatDue(t.DueAt, loc))
	if !t.Recurrence.IsNone() {
		fmt.Fprintf(&b, "🔁 %s\n", esc(t.Recurrence.String()))
	}
	fmt.Fprintf(&b, "🆔 <code>%s</code>", shortID(t.ID))
	return b.String()
}

// FormatReminder is the due notification text.
func FormatReminder(t task.Task, loc *time.Location) string {
	id := shortID(t.ID)
	return formatTaskCard("⏰ <b>Reminder</b>", t, loc) +
		fmt.Sprintf("\n\n/done %s · /snooze %s 1h", id, id)
}

// FormatSummary renders the dashboard.
func FormatSummary(s router.Summary, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("📋 <b>Task dashboard</b>\n")
	fmt.Fprintf(&b, "Pending: %d\nOverdue: %d\nDone: %d\nCancelled: %d\n", s.Pending, s.Overdue, s.Done, s.Cancelled)
	if len(s.Upcoming) > 0 {
		b.WriteString("\n<b>Next up</b>\n")
		for _, t := range s.Upcoming {
			b.WriteString(formatTaskLine(t, loc, s.At))
			b.WriteByte('\n')
		}
	}
	if s.OldestPending != nil {
		fmt.Fprintf(&b, "\nOldest open: <b>%s</b> (since %s)\n",
			esc(truncate(s.OldestPending.Title, 60)), s.OldestPending.CreatedAt.In(loc).Format("02 Jan 2006"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatList(ts []task.Task, loc *time.Location, now time.Time, heading string) string {
	if len(ts) == 0 {
		return "No tasks."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> (%d)\n", esc(heading), len(ts))
	for i, t := range ts {
		if i == maxListed {
			fmt.Fprintf(&b, "… and %d more", len(ts)-maxListed)
			break
		}
		b.WriteString(formatTaskLine(t, loc, now))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatError turns an engine error into a reply.
func formatError(err error) string {
	msg := esc(err.Error())
	switch {
	case errors.Is(err, task.ErrValidation):
		return "⚠️ " + msg
	case errors.Is(err, task.ErrNotFound):
		return "🔍 " + msg
	case errors.Is(err, task.ErrInvalidState):
		return "🚫 " + msg
	case errors.Is(err, task.ErrConflict):
		return "⏳ The task changed while updating it, please retry."
	default:
		return "❌ Internal error, see logs."
	}
}
