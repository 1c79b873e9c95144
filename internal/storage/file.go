package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"taskbot/internal/task"
	logx "taskbot/pkg/logx"
)

const defaultCompactEvery = 1000

// fileStore keeps every task in memory and persists them as JSON.
//
// Files:
//   - <prefix>.audit.jsonl         (append-only JSON Lines)
//   - <prefix>.tasks.snapshot.json (periodic snapshot)
//   - <prefix>.tasks.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every CompactEvery writes and
// on Close.
type fileStore struct {
	log logx.Logger
	opt options

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	tasks        map[string]task.Task

	writes       int
	compactEvery int
}

type journalOp string

const (
	opPut    journalOp = "put"
	opDelete journalOp = "del"
)

type journalRecord struct {
	Op   journalOp  `json:"op"`
	ID   string     `json:"id"`
	Task *task.Task `json:"task,omitempty"`
}

func openFile(cfg Config, log logx.Logger, opt options) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".tasks.snapshot.json"
	journalPath := prefix + ".tasks.journal.jsonl"

	tasks := map[string]task.Task{}
	if err := loadSnapshot(snapPath, tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	replayed, err := replayJournal(journalPath, tasks, log)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = defaultCompactEvery
	}
	log.Debug("file store loaded", logx.Int("tasks", len(tasks)), logx.Int("journal_records", replayed))

	return &fileStore{
		log:          log,
		opt:          opt,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		tasks:        tasks,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) Create(_ context.Context, t task.Task) (task.Task, error) {
	t, err := prepareCreate(t, s.opt)
	if err != nil {
		return task.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return task.Task{}, ErrClosed
	}
	if _, exists := s.tasks[t.ID]; exists {
		return task.Task{}, fmt.Errorf("task id collision: %s", t.ID)
	}
	if err := s.writeLocked(journalRecord{Op: opPut, ID: t.ID, Task: &t}); err != nil {
		return task.Task{}, err
	}
	return clone(t), nil
}

func (s *fileStore) Get(_ context.Context, id string) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return task.Task{}, ErrClosed
	}
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.NotFound(id)
	}
	return clone(t), nil
}

func (s *fileStore) Update(_ context.Context, id string, m task.Mutation) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return task.Task{}, ErrClosed
	}
	cur, ok := s.tasks[id]
	if !ok {
		return task.Task{}, task.NotFound(id)
	}
	next, err := applyMutation(clone(cur), m, s.opt)
	if err != nil {
		return task.Task{}, err
	}
	if err := s.writeLocked(journalRecord{Op: opPut, ID: id, Task: &next}); err != nil {
		return task.Task{}, err
	}
	return clone(next), nil
}

func (s *fileStore) List(_ context.Context, f task.Filter) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return s.selectLocked(f.Match), nil
}

func (s *fileStore) DueBefore(_ context.Context, at time.Time) ([]task.Task, error) {
	at = task.Normalize(at)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return s.selectLocked(func(t task.Task) bool {
		return t.Status == task.StatusPending && !t.DueAt.After(at)
	}), nil
}

func (s *fileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if _, ok := s.tasks[id]; !ok {
		return task.NotFound(id)
	}
	return s.writeLocked(journalRecord{Op: opDelete, ID: id})
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.opt.clock.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) selectLocked(keep func(task.Task) bool) []task.Task {
	out := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return task.Less(out[i], out[j]) })
	return out
}

// writeLocked appends r to the journal and then applies it to the in-memory
// map, so a failed write leaves both untouched.
func (s *fileStore) writeLocked(r journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return fmt.Errorf("journal write: %w", err)
	}
	applyRecord(s.tasks, r)
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort: the journal still holds everything if this fails.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked replaces the snapshot with s.tasks and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	list := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	if err := json.NewEncoder(f).Encode(list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]task.Task) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []task.Task
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for _, t := range list {
		out[t.ID] = t
	}
	return nil
}

// replayJournal applies journal records on top of out. A torn trailing line
// from a crash is cut off so the next append starts on a fresh line.
func replayJournal(path string, out map[string]task.Task, log logx.Logger) (int, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	var good int64
	rd := bufio.NewReader(f)
	for {
		line, err := rd.ReadBytes('\n')
		if err == io.EOF {
			if len(line) == 0 {
				return n, nil
			}
			var r journalRecord
			if json.Unmarshal(line, &r) == nil && r.ID != "" {
				applyRecord(out, r)
				_, werr := f.WriteAt([]byte{'\n'}, good+int64(len(line)))
				return n + 1, werr
			}
			log.Warn("dropping torn journal tail", logx.Int("bytes", len(line)))
			if terr := f.Truncate(good); terr != nil {
				return n, fmt.Errorf("truncate torn tail: %w", terr)
			}
			return n, nil
		}
		if err != nil {
			return n, err
		}
		good += int64(len(line))
		var r journalRecord
		if err := json.Unmarshal(line, &r); err != nil || r.ID == "" {
			log.Warn("skipping unreadable journal record", logx.Int64("offset", good-int64(len(line))))
			continue
		}
		applyRecord(out, r)
		n++
	}
}

func applyRecord(m map[string]task.Task, r journalRecord) {
	switch r.Op {
	case opPut:
		if r.Task != nil {
			m[r.ID] = *r.Task
		}
	case opDelete:
		delete(m, r.ID)
	}
}

// clone detaches the pointer fields so callers cannot alias store state.
func clone(t task.Task) task.Task {
	if t.LastNotifiedAt != nil {
		v := *t.LastNotifiedAt
		t.LastNotifiedAt = &v
	}
	if t.ClaimedUntil != nil {
		v := *t.ClaimedUntil
		t.ClaimedUntil = &v
	}
	return t
}
