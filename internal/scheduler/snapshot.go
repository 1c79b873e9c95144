package scheduler

import "time"

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	Enabled  bool
	Running  bool
	Interval time.Duration
	Scans    uint64
	Sent     uint64
	Failed   uint64
	Last     Report
	LastErr  string
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.sup != nil,
		Interval: s.cfg.Interval,
		Scans:    s.stats.scans,
		Sent:     s.stats.sent,
		Failed:   s.stats.failed,
		Last:     s.stats.last,
		LastErr:  s.stats.lastErr,
	}
}

type scanStats struct {
	scans   uint64
	sent    uint64
	failed  uint64
	last    Report
	lastErr string
}

func (s *Service) record(rep Report, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.scans++
	s.stats.sent += uint64(rep.Sent)
	s.stats.failed += uint64(rep.Failed)
	s.stats.last = rep
	s.stats.lastErr = ""
	if err != nil {
		s.stats.lastErr = err.Error()
	}
}
