// Package scheduler fires configured jobs on a minute-resolution calendar.
// A job either runs maintenance or injects its action into a dedicated
// session through the agent dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/seabone/internal/storage"
	"github.com/kalambet/seabone/internal/transcript"
)

// MaintenanceAction runs the maintenance callback instead of the agent.
const MaintenanceAction = "__maintenance__"

// SessionPrefix starts the session key of every scheduled job.
const SessionPrefix = "cron_"

const minuteLayout = "2006-01-02 15:04"

// Job is one scheduled entry.
type Job struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`
	Action   string `json:"action"`
	Enabled  bool   `json:"enabled"`
}

// Deliverer hands an action to the agent under a session key, preceded by
// a system note.
type Deliverer interface {
	Inject(ctx context.Context, key, systemNote, input string) (string, error)
}

// RunRecorder persists the outcome of each firing.
type RunRecorder interface {
	SaveJobRun(r storage.JobRun) error
}

// Options configures a Scheduler.
type Options struct {
	Jobs      []Job
	Tick      time.Duration // default 1s
	Clock     func() time.Time
	Location  *time.Location // default UTC
	Maintain  func(ctx context.Context) error
	Deliverer Deliverer
	Recorder  RunRecorder
	Logger    *slog.Logger
}

// Scheduler fires each matching job at most once per calendar minute.
// Firing state lives in memory only.
type Scheduler struct {
	tick      time.Duration
	clock     func() time.Time
	loc       *time.Location
	maintain  func(ctx context.Context) error
	deliverer Deliverer
	recorder  RunRecorder
	logger    *slog.Logger

	mu        sync.Mutex
	jobs      []Job
	lastFired map[string]string
	running   map[string]bool

	wg sync.WaitGroup
}

// New creates a Scheduler. Call Run to start it.
func New(opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Scheduler{
		tick:      opts.Tick,
		clock:     opts.Clock,
		loc:       opts.Location,
		maintain:  opts.Maintain,
		deliverer: opts.Deliverer,
		recorder:  opts.Recorder,
		logger:    opts.Logger,
		lastFired: make(map[string]string),
		running:   make(map[string]bool),
	}
	s.SetJobs(opts.Jobs)
	return s
}

// SetJobs replaces the job list. Jobs that keep their id keep their
// last-fired minute, so a reload never refires a job within the same
// minute.
func (s *Scheduler) SetJobs(jobs []Job) {
	keep := make(map[string]bool, len(jobs))
	valid := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		if j.ID == "" || j.Schedule == "" || j.Action == "" {
			s.logger.Warn("ignoring incomplete job", "job", j.ID)
			continue
		}
		if err := Validate(j.Schedule); err != nil {
			s.logger.Warn("job schedule invalid, it will never fire", "job", j.ID, "schedule", j.Schedule, "error", err)
		}
		keep[j.ID] = true
		valid = append(valid, j)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = valid
	for id := range s.lastFired {
		if !keep[id] {
			delete(s.lastFired, id)
		}
	}
}

// Jobs returns the current job list.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

// Run ticks until ctx is cancelled, then waits for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "jobs", len(s.Jobs()), "tick", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx, s.clock())
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, s.clock())
		}
	}
}

// Wait blocks until every job started by Tick has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick fires every enabled job that matches now and has not fired in this
// minute. It returns the ids of the jobs it started.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	now = now.In(s.loc)
	key := now.Format(minuteLayout)

	s.mu.Lock()
	var fired []string
	var skipped []Job
	for _, j := range s.jobs {
		if !j.Enabled || s.lastFired[j.ID] == key || !Match(j.Schedule, now) {
			continue
		}
		s.lastFired[j.ID] = key
		if s.running[j.ID] {
			skipped = append(skipped, j)
			continue
		}
		s.running[j.ID] = true
		fired = append(fired, j.ID)
		s.wg.Add(1)
		go s.fire(ctx, j, key)
	}
	s.mu.Unlock()

	for _, j := range skipped {
		s.logger.Warn("job still running from an earlier minute, skipping", "job", j.ID, "minute", key)
		now := s.clock()
		s.record(storage.JobRun{
			JobID:      j.ID,
			Minute:     key,
			Action:     j.Action,
			Status:     storage.RunSkipped,
			Error:      "previous run still in progress",
			StartedAt:  now,
			FinishedAt: now,
		})
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, j Job, key string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, j.ID)
		s.mu.Unlock()
	}()

	run := storage.JobRun{
		ID:        uuid.New().String(),
		JobID:     j.ID,
		Minute:    key,
		Action:    j.Action,
		StartedAt: s.clock(),
	}
	s.logger.Info("job firing", "job", j.ID, "schedule", j.Schedule, "run_id", run.ID)

	err := s.execute(ctx, j)
	run.FinishedAt = s.clock()
	switch {
	case errors.Is(err, transcript.ErrBusy):
		run.Status = storage.RunSkipped
		run.Error = err.Error()
		s.logger.Warn("job session busy, skipping", "job", j.ID)
	case err != nil:
		run.Status = storage.RunError
		run.Error = err.Error()
		s.logger.Error("job failed", "job", j.ID, "error", err)
	default:
		run.Status = storage.RunOK
		s.logger.Info("job finished", "job", j.ID, "duration", run.FinishedAt.Sub(run.StartedAt))
	}
	s.record(run)
}

func (s *Scheduler) execute(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	if j.Action == MaintenanceAction {
		if s.maintain == nil {
			return errors.New("no maintenance callback configured")
		}
		return s.maintain(ctx)
	}
	if s.deliverer == nil {
		return errors.New("no deliverer configured")
	}
	note := fmt.Sprintf("[Scheduled job '%s' triggered]", j.ID)
	_, err = s.deliverer.Inject(ctx, SessionPrefix+j.ID, note, j.Action)
	return err
}

func (s *Scheduler) record(r storage.JobRun) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.SaveJobRun(r); err != nil {
		s.logger.Error("recording job run failed", "job", r.JobID, "error", err)
	}
}
