package scheduler

import (
	"time"

	"gainscan/models"
)

// Status is a point-in-time view of the scheduler for operators.
type Status struct {
	Running         bool      `json:"running"`
	RunInProgress   bool      `json:"run_in_progress"`
	LastRunID       string    `json:"last_run_id,omitempty"`
	LastRunAt       time.Time `json:"last_run_at,omitempty"`
	LastResultCount int       `json:"last_result_count"`
	LastError       string    `json:"last_error,omitempty"`
	NextRunAt       time.Time `json:"next_run_at,omitempty"`
	Progress        string    `json:"progress,omitempty"`
	ProgressPercent int       `json:"progress_percent"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress records run progress; it is meant to be installed as the
// analysis progress callback.
func (s *Scheduler) Progress(message string, percent int, eta time.Duration) {
	s.mu.Lock()
	s.status.Progress = message
	if percent >= 0 {
		s.status.ProgressPercent = percent
	}
	s.mu.Unlock()

	entry := s.log.WithComponent("analysis")
	if eta > 0 {
		entry = entry.WithField("eta", eta.Round(time.Second).String())
	}
	if percent >= 0 {
		entry = entry.WithField("percent", percent)
	}
	entry.Debug(message)
}

func (s *Scheduler) setInProgress(v bool) {
	s.mu.Lock()
	s.status.RunInProgress = v
	if v {
		s.status.Progress = ""
		s.status.ProgressPercent = 0
	}
	s.mu.Unlock()
}

func (s *Scheduler) recordStatus(b *models.ResultBundle) {
	s.mu.Lock()
	s.status.LastRunID = b.RunID
	s.status.LastRunAt = b.EndTime
	s.status.LastResultCount = len(b.Results)
	s.status.LastError = b.Error
	s.mu.Unlock()
}
