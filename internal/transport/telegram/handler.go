package telegram

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"taskbot/internal/clock"
	"taskbot/internal/router"
	"taskbot/internal/runtime/supervisor"
	"taskbot/internal/scheduler"
	"taskbot/internal/task"
	"taskbot/internal/transport"
	logx "taskbot/pkg/logx"
)

const (
	defaultCommandTimeout = 15 * time.Second
	defaultWorkers        = 2
	maxListed             = 30
)

// Commands is the engine surface the chat layer drives.
type Commands interface {
	CreateTask(ctx context.Context, req router.CreateRequest) (task.Task, error)
	CompleteTask(ctx context.Context, id string) (task.Task, error)
	CancelTask(ctx context.Context, id string) (task.Task, error)
	SnoozeTask(ctx context.Context, id string, newDue time.Time) (task.Task, error)
	UpdateTask(ctx context.Context, id string, req router.UpdateRequest) (task.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, owner string, statuses ...task.Status) ([]task.Task, error)
	Summary(ctx context.Context, owner string) (router.Summary, error)
	Resolve(ctx context.Context, owner, ref string) (task.Task, error)
}

// SchedulerStatus is implemented by *scheduler.Service.
type SchedulerStatus interface {
	Snapshot() scheduler.Snapshot
}

type HandlerConfig struct {
	Owners   []int64
	Location *time.Location
	Timeout  time.Duration // per command
	Workers  int
	// Scheduler feeds /status. Optional.
	Scheduler SchedulerStatus
}

type command struct {
	name  string
	usage string
	desc  string
	run   HandlerFunc
}

// Handler dispatches chat commands from allowed owners to the engine and
// replies in the same chat.
type Handler struct {
	cmds      Commands
	send      transport.Sender
	clock     clock.Clock
	log       logx.Logger
	sched     SchedulerStatus
	startedAt time.Time

	timeout time.Duration
	workers int
	table   map[string]*command
	chain   []Middleware

	mu     sync.RWMutex
	owners map[int64]struct{}
	loc    *time.Location
}

func NewHandler(cmds Commands, send transport.Sender, clk clock.Clock, cfg HandlerConfig, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.System()
	}
	h := &Handler{
		cmds:      cmds,
		send:      send,
		clock:     clk,
		log:       log,
		sched:     cfg.Scheduler,
		startedAt: time.Now(),
		timeout:   cfg.Timeout,
		workers:   cfg.Workers,
	}
	if h.timeout <= 0 {
		h.timeout = defaultCommandTimeout
	}
	if h.workers <= 0 {
		h.workers = defaultWorkers
	}
	h.Apply(cfg.Owners, cfg.Location)
	h.chain = []Middleware{MWPanicRecover(), MWRequestLog(), MWTimeout(h.timeout)}
	h.register()
	return h
}

// Apply swaps the owner allowlist and display timezone.
func (h *Handler) Apply(owners []int64, loc *time.Location) {
	if loc == nil {
		loc = time.UTC
	}
	set := make(map[int64]struct{}, len(owners))
	for _, id := range owners {
		set[id] = struct{}{}
	}
	h.mu.Lock()
	h.owners = set
	h.loc = loc
	h.mu.Unlock()
}

func (h *Handler) location() *time.Location {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.loc
}

func (h *Handler) isOwner(id int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.owners[id]
	return ok
}

// MenuCommands lists the commands for the platform menu.
func (h *Handler) MenuCommands() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(h.table))
	for _, c := range h.sortedCommands() {
		out = append(out, transport.BotCommand{Command: c.name, Description: c.desc})
	}
	return out
}

func (h *Handler) sortedCommands() []*command {
	seen := map[*command]bool{}
	var out []*command
	for _, c := range h.table {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Handle runs one message and returns the reply. ok is false when the
// message should be ignored.
func (h *Handler) Handle(ctx context.Context, msg transport.Message) (reply string, ok bool) {
	word, args, isCmd := splitCommand(msg.Text)
	if !isCmd {
		return "", false
	}
	log := h.log.With(logx.Int64("from_id", msg.FromID), logx.String("cmd", word))
	if !h.isOwner(msg.FromID) {
		log.Warn("command from unknown user ignored")
		return "⛔ This bot is private.", true
	}
	cmd, found := h.table[word]
	if !found {
		return "Unknown command. Try /help.", true
	}
	req := &Request{
		Msg:     msg,
		Owner:   strconv.FormatInt(msg.FromID, 10),
		Command: cmd.name,
		Args:    args,
		Logger:  log,
	}
	out, err := Chain(cmd.run, h.chain...)(ctx, req)
	if err != nil {
		return formatError(err), true
	}
	return out, true
}

// Run consumes updates with a small worker pool until ctx is done.
func (h *Handler) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(h.log))
	for i := 0; i < h.workers; i++ {
		sup.GoRestart("telegram.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case up, ok := <-updates:
					if !ok {
						return nil
					}
					if up.Kind != transport.UpdateMessage || up.Message == nil {
						continue
					}
					h.serve(c, *up.Message)
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	h.log.Info("command dispatcher started", logx.Int("workers", h.workers))
	<-ctx.Done()
	wctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	err := sup.Stop(wctx)
	h.log.Info("command dispatcher stopped")
	return err
}

func (h *Handler) serve(ctx context.Context, msg transport.Message) {
	reply, ok := h.Handle(ctx, msg)
	if !ok || reply == "" {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
	defer cancel()
	if _, err := h.send.SendText(sctx, transport.ChatTarget{ChatID: msg.ChatID}, reply, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
		h.log.Warn("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}
