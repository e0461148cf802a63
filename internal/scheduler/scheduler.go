package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"futures-ai-trader/internal/apperr"
	"futures-ai-trader/internal/logging"
)

// Job is one schedulable unit of background work.
type Job interface {
	Run() error
	Name() string
}

// TaskStatus describes one registered task for the facade.
type TaskStatus struct {
	Name     string     `json:"name"`
	Schedule string     `json:"schedule"`
	Paused   bool       `json:"paused"`
	LastRun  *time.Time `json:"last_run"`
	LastErr  string     `json:"last_error,omitempty"`
}

type task struct {
	job      Job
	schedule string
	entryID  cron.EntryID
	paused   bool
	lastRun  time.Time
	lastErr  error
}

// Scheduler is the cron fabric. Tasks register with a cron expression and
// can be paused and resumed individually without unscheduling.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	tasks  map[string]*task
	logger *logging.Logger
}

// New creates the scheduler fabric.
func New() *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		tasks:  make(map[string]*task),
		logger: logging.WithComponent("scheduler"),
	}
}

// Register schedules a job. Paused tasks stay registered; their cron slot
// fires but the run is skipped.
func (s *Scheduler) Register(schedule string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[job.Name()]; exists {
		return fmt.Errorf("task %q already registered", job.Name())
	}

	t := &task{job: job, schedule: schedule}
	entryID, err := s.cron.AddFunc(schedule, func() { s.runTask(t) })
	if err != nil {
		return fmt.Errorf("failed to register task %q: %w", job.Name(), err)
	}
	t.entryID = entryID
	s.tasks[job.Name()] = t

	s.logger.Info("task registered", "task", job.Name(), "schedule", schedule)
	return nil
}

func (s *Scheduler) runTask(t *task) {
	s.mu.Lock()
	if t.paused {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	start := time.Now()
	err := t.job.Run()

	s.mu.Lock()
	t.lastRun = start
	t.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("task failed", "task", t.job.Name(), "duration", time.Since(start).String(), "error", err)
		return
	}
	s.logger.Debug("task completed", "task", t.job.Name(), "duration", time.Since(start).String())
}

// Start launches the fabric.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

// Stop stops the fabric and waits for running tasks to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

// Pause suspends a task by name.
func (s *Scheduler) Pause(name string) error {
	return s.setPaused(name, true)
}

// Resume re-enables a paused task.
func (s *Scheduler) Resume(name string) error {
	return s.setPaused(name, false)
}

func (s *Scheduler) setPaused(name string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return apperr.Newf(apperr.NotFound, "unknown task %q", name)
	}
	t.paused = paused
	s.logger.Info("task pause state changed", "task", name, "paused", paused)
	return nil
}

// RunNow executes a task immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return apperr.Newf(apperr.NotFound, "unknown task %q", name)
	}
	s.runTask(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	return t.lastErr
}

// Tasks returns a status snapshot of every registered task.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for name, t := range s.tasks {
		status := TaskStatus{Name: name, Schedule: t.schedule, Paused: t.paused}
		if !t.lastRun.IsZero() {
			lr := t.lastRun
			status.LastRun = &lr
		}
		if t.lastErr != nil {
			status.LastErr = t.lastErr.Error()
		}
		out = append(out, status)
	}
	return out
}
