package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
)

type countingJob struct {
	name string
	runs atomic.Int64
	err  error
}

func (j *countingJob) Name() string { return j.name }
func (j *countingJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	s := New()
	job := &countingJob{name: "dup"}

	if err := s.Register("* * * * *", job); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := s.Register("* * * * *", job); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestRegisterRejectsBadSchedule(t *testing.T) {
	s := New()
	if err := s.Register("not a cron expr", &countingJob{name: "bad"}); err == nil {
		t.Error("expected invalid schedule to fail")
	}
}

func TestRunNow(t *testing.T) {
	s := New()
	job := &countingJob{name: "manual"}
	if err := s.Register("* * * * *", job); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := s.RunNow("manual"); err != nil {
		t.Errorf("RunNow returned %v", err)
	}
	if job.runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", job.runs.Load())
	}

	if err := s.RunNow("missing"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestRunNowPropagatesJobError(t *testing.T) {
	s := New()
	job := &countingJob{name: "failing", err: errors.New("boom")}
	if err := s.Register("* * * * *", job); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := s.RunNow("failing"); err == nil {
		t.Error("expected job error to propagate")
	}
}

func TestPauseSkipsRuns(t *testing.T) {
	s := New()
	job := &countingJob{name: "pausable"}
	if err := s.Register("* * * * *", job); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := s.Pause("pausable"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	s.RunNow("pausable")
	if job.runs.Load() != 0 {
		t.Errorf("paused job ran %d times", job.runs.Load())
	}

	if err := s.Resume("pausable"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	s.RunNow("pausable")
	if job.runs.Load() != 1 {
		t.Errorf("runs after resume = %d, want 1", job.runs.Load())
	}

	if err := s.Pause("nope"); err == nil {
		t.Error("expected error pausing unknown task")
	}
}

func TestTasksSnapshot(t *testing.T) {
	s := New()
	s.Register("*/5 * * * *", &countingJob{name: "a"})
	s.Register("0 * * * *", &countingJob{name: "b"})
	s.Pause("b")

	statuses := s.Tasks()
	if len(statuses) != 2 {
		t.Fatalf("got %d tasks, want 2", len(statuses))
	}
	byName := map[string]TaskStatus{}
	for _, st := range statuses {
		byName[st.Name] = st
	}
	if byName["a"].Paused {
		t.Error("task a should not be paused")
	}
	if !byName["b"].Paused {
		t.Error("task b should be paused")
	}
	if byName["a"].Schedule != "*/5 * * * *" {
		t.Errorf("schedule = %q", byName["a"].Schedule)
	}
}
