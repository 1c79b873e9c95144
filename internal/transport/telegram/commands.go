package telegram

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"taskbot/internal/router"
	"taskbot/internal/task"
)

func (h *Handler) register() {
	cmds := []*command{
		{name: "add", usage: "/add title | due [| repeat [| note]]", desc: "Add a task", run: h.cmdAdd},
		{name: "done", usage: "/done <id>", desc: "Complete a task", run: h.cmdDone},
		{name: "cancel", usage: "/cancel <id>", desc: "Cancel a task", run: h.cmdCancel},
		{name: "snooze", usage: "/snooze <id> <when>", desc: "Move a task's due time", run: h.cmdSnooze},
		{name: "edit", usage: "/edit <id> title=... desc=...", desc: "Edit title or note", run: h.cmdEdit},
		{name: "delete", usage: "/delete <id>", desc: "Delete a task", run: h.cmdDelete},
		{name: "list", usage: "/list [pending|done|cancelled|all]", desc: "List tasks", run: h.cmdList},
		{name: "summary", usage: "/summary", desc: "Task dashboard", run: h.cmdSummary},
		{name: "status", usage: "/status", desc: "Bot health", run: h.cmdStatus},
		{name: "help", usage: "/help", desc: "Show commands", run: h.cmdHelp},
	}
	h.table = make(map[string]*command, len(cmds)+2)
	for _, c := range cmds {
		h.table[c.name] = c
	}
	h.table["start"] = h.table["help"]
	h.table["rm"] = h.table["delete"]
	h.table["health"] = h.table["status"]
}

func (h *Handler) cmdAdd(ctx context.Context, req *Request) (string, error) {
	a, bad := parseAdd(req.Args)
	if len(bad) > 0 {
		return "", task.Validation("unknown field(s): %s", strings.Join(bad, ", "))
	}
	if a.Title == "" {
		return "", task.Validation("usage: %s", h.table["add"].usage)
	}
	loc := h.location()
	due, err := task.ParseDue(a.Due, h.clock.Now(), loc)
	if err != nil {
		return "", err
	}
	rec, err := task.ParseRecurrence(a.Every, loc.String())
	if err != nil {
		return "", err
	}
	t, err := h.cmds.CreateTask(ctx, router.CreateRequest{
		Owner:       req.Owner,
		Title:       a.Title,
		Description: a.Desc,
		DueAt:       due,
		Recurrence:  rec,
	})
	if err != nil {
		return "", err
	}
	return formatTaskCard("✅ <b>Task added</b>", t, loc), nil
}

// resolveArg resolves the leading id argument and returns the remainder.
func (h *Handler) resolveArg(ctx context.Context, req *Request) (task.Task, string, error) {
	ref, rest := headArg(req.Args)
	if ref == "" {
		return task.Task{}, "", task.Validation("usage: %s", h.table[req.Command].usage)
	}
	t, err := h.cmds.Resolve(ctx, req.Owner, ref)
	return t, rest, err
}

func (h *Handler) cmdDone(ctx context.Context, req *Request) (string, error) {
	t, _, err := h.resolveArg(ctx, req)
	if err != nil {
		return "", err
	}
	if t, err = h.cmds.CompleteTask(ctx, t.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Done: <b>%s</b>", esc(t.Title)), nil
}

func (h *Handler) cmdCancel(ctx context.Context, req *Request) (string, error) {
	t, _, err := h.resolveArg(ctx, req)
	if err != nil {
		return "", err
	}
	if t, err = h.cmds.CancelTask(ctx, t.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("✖️ Cancelled: <b>%s</b>", esc(t.Title)), nil
}

func (h *Handler) cmdDelete(ctx context.Context, req *Request) (string, error) {
	t, _, err := h.resolveArg(ctx, req)
	if err != nil {
		return "", err
	}
	if err := h.cmds.DeleteTask(ctx, t.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("🗑 Deleted: <b>%s</b>", esc(t.Title)), nil
}

func (h *Handler) cmdSnooze(ctx context.Context, req *Request) (string, error) {
	t, when, err := h.resolveArg(ctx, req)
	if err != nil {
		return "", err
	}
	if when == "" {
		return "", task.Validation("usage: %s", h.table["snooze"].usage)
	}
	if isBareOffset(when) {
		when = "+" + when
	}
	loc := h.location()
	due, err := task.ParseDue(when, h.clock.Now(), loc)
	if err != nil {
		return "", err
	}
	if t, err = h.cmds.SnoozeTask(ctx, t.ID, due); err != nil {
		return "", err
	}
	return fmt.Sprintf("💤 <b>%s</b> snoozed until %s", esc(t.Title), formatDue(t.DueAt, loc)), nil
}

// isBareOffset reports "1h", "30m" or "2d" style offsets without a sign.
func isBareOffset(s string) bool {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return false
	}
	return !strings.ContainsAny(s, ":-/ ")
}

func (h *Handler) cmdEdit(ctx context.Context, req *Request) (string, error) {
	t, rest, err := h.resolveArg(ctx, req)
	if err != nil {
		return "", err
	}
	var upd router.UpdateRequest
	if fields, bad, ok := parseFields(rest); ok {
		if len(bad) > 0 {
			return "", task.Validation("unknown field(s): %s", strings.Join(bad, ", "))
		}
		for k, v := range fields {
			switch k {
			case "title":
				upd.Title = &v
			case "desc":
				upd.Description = &v
			default:
				return "", task.Validation("%s cannot be edited; delete and re-add the task", k)
			}
		}
	} else if rest != "" {
		upd.Title = &rest
	}
	if t, err = h.cmds.UpdateTask(ctx, t.ID, upd); err != nil {
		return "", err
	}
	return formatTaskCard("✏️ <b>Task updated</b>", t, h.location()), nil
}

func (h *Handler) cmdList(ctx context.Context, req *Request) (string, error) {
	arg := strings.ToLower(strings.TrimSpace(req.Args))
	var (
		statuses []task.Status
		heading  = "Pending tasks"
	)
	switch arg {
	case "", "pending", "open", "todo":
		statuses = []task.Status{task.StatusPending}
	case "all":
		heading = "All tasks"
	default:
		st, err := task.ParseStatus(arg)
		if err != nil {
			return "", err
		}
		statuses = []task.Status{st}
		heading = strings.ToUpper(string(st[:1])) + string(st[1:]) + " tasks"
	}
	ts, err := h.cmds.ListTasks(ctx, req.Owner, statuses...)
	if err != nil {
		return "", err
	}
	return formatList(ts, h.location(), h.clock.Now(), heading), nil
}

func (h *Handler) cmdSummary(ctx context.Context, req *Request) (string, error) {
	s, err := h.cmds.Summary(ctx, req.Owner)
	if err != nil {
		return "", err
	}
	return FormatSummary(s, h.location()), nil
}

func (h *Handler) cmdStatus(context.Context, *Request) (string, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var b strings.Builder
	b.WriteString("🩺 <b>Status</b>\n")
	fmt.Fprintf(&b, "Uptime: %s\n", time.Since(h.startedAt).Truncate(time.Second))
	fmt.Fprintf(&b, "Goroutines: %d · Heap: %.1f MiB\n", runtime.NumGoroutine(), float64(m.HeapAlloc)/(1<<20))
	fmt.Fprintf(&b, "Timezone: %s\n", esc(h.location().String()))
	if h.sched == nil {
		b.WriteString("Scheduler: unavailable")
		return b.String(), nil
	}
	snap := h.sched.Snapshot()
	state := "stopped"
	switch {
	case snap.Running:
		state = "running"
	case !snap.Enabled:
		state = "disabled"
	}
	fmt.Fprintf(&b, "Scheduler: %s, every %s\n", state, snap.Interval)
	fmt.Fprintf(&b, "Scans: %d · Sent: %d · Failed: %d", snap.Scans, snap.Sent, snap.Failed)
	if !snap.Last.At.IsZero() {
		fmt.Fprintf(&b, "\nLast scan: %s (due %d, sent %d)", formatDue(snap.Last.At, h.location()), snap.Last.Due, snap.Last.Sent)
	}
	if snap.LastErr != "" {
		fmt.Fprintf(&b, "\n⚠️ %s", esc(snap.LastErr))
	}
	return b.String(), nil
}

func (h *Handler) cmdHelp(context.Context, *Request) (string, error) {
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, c := range h.sortedCommands() {
		fmt.Fprintf(&b, "<code>%s</code> %s\n", esc(c.usage), esc(c.desc))
	}
	b.WriteString("\nDue: <code>2024-01-31 09:00</code>, <code>18:30</code>, <code>tomorrow</code>, <code>+2h</code>\n")
	b.WriteString("Repeat: <code>daily</code>, <code>weekly</code>, <code>every 3d</code>, <code>every 2h</code>, <code>cron:0 9 * * 1-5</code>\n")
	fmt.Fprintf(&b, "Timezone: %s", esc(h.location().String()))
	return b.String(), nil
}
