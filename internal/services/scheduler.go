package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boscod/attendwatch/internal/models"
)

const DefaultTick = time.Minute

// Job fires Handler at At on every day in Days. Jobs are immutable once added.
type Job struct {
	Name    string
	Days    models.Weekdays
	At      models.TimeOfDay
	Tag     string
	Device  models.DeviceTarget
	Handler func(ctx context.Context) error
}

type scheduledJob struct {
	Job
	lastFired time.Time
	running   atomic.Bool
}

// Scheduler fires jobs at calendar coordinates from a coarse tick. A job is
// due at most once per occurrence: while occurrence <= now < occurrence+window
// on one of its days, and not already fired for that occurrence.
type Scheduler struct {
	mu     sync.Mutex
	jobs   []*scheduledJob
	tick   time.Duration
	window time.Duration
	now    func() time.Time
}

// NewScheduler creates a scheduler that ticks every tick. Each occurrence
// stays due for two ticks so a drifting ticker cannot step over it.
func NewScheduler(tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		tick:   tick,
		window: 2 * tick,
		now:    time.Now,
	}
}

func (s *Scheduler) Add(job Job) error {
	if job.Handler == nil {
		return errors.New("scheduler: job has no handler")
	}
	if job.Days == 0 {
		return fmt.Errorf("scheduler: job %q has no weekdays", job.Name)
	}
	if job.Name == "" {
		job.Name = fmt.Sprintf("%s %s %s", job.Device.Name, job.Tag, job.At)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &scheduledJob{Job: job})
	return nil
}

func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]Job, len(s.jobs))
	for i, j := range s.jobs {
		jobs[i] = j.Job
	}
	return jobs
}

// occurrence returns the occurrence of j that now falls inside, if any.
// Yesterday is checked too so a window crossing midnight still fires.
func (s *Scheduler) occurrence(j *scheduledJob, now time.Time) (time.Time, bool) {
	for _, day := range []time.Time{now, now.AddDate(0, 0, -1)} {
		occ := j.At.On(day)
		if !j.Days.Has(occ.Weekday()) {
			continue
		}
		if !now.Before(occ) && now.Before(occ.Add(s.window)) {
			return occ, true
		}
	}
	return time.Time{}, false
}

// Tick fires every job due at now and returns how many ran. Jobs run
// synchronously, one after another, so Run never overlaps a job with
// itself. The running guard covers callers that invoke Tick or RunAll
// concurrently: a job whose previous run has not finished is skipped for
// this occurrence.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*scheduledJob
	for _, j := range s.jobs {
		occ, ok := s.occurrence(j, now)
		if !ok || j.lastFired.Equal(occ) {
			continue
		}
		j.lastFired = occ
		due = append(due, j)
	}
	s.mu.Unlock()

	ran := 0
	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		if s.runJob(ctx, j) {
			ran++
		}
	}
	return ran
}

func (s *Scheduler) runJob(ctx context.Context, j *scheduledJob) (ran bool) {
	if !j.running.CompareAndSwap(false, true) {
		log.Printf("[Scheduler] Skipping %s: previous run still in progress", j.Name)
		return false
	}
	defer j.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Scheduler] Job %s panicked: %v\n%s", j.Name, r, debug.Stack())
		}
	}()

	ran = true
	log.Printf("[Scheduler] Running %s", j.Name)
	if err := j.Handler(ctx); err != nil {
		log.Printf("[Scheduler] Job %s failed: %v", j.Name, err)
	}
	return ran
}

// RunAll runs every job once, ignoring the calendar. Jobs sharing a tag and
// device run once.
func (s *Scheduler) RunAll(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]*scheduledJob(nil), s.jobs...)
	s.mu.Unlock()

	seen := make(map[string]bool)
	for _, j := range jobs {
		key := j.Device.Name + "\x00" + j.Tag
		if seen[key] || ctx.Err() != nil {
			continue
		}
		seen[key] = true
		s.runJob(ctx, j)
	}
}

// NextRun returns the earliest occurrence strictly after now across all jobs.
func (s *Scheduler) NextRun(now time.Time) (Job, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  *scheduledJob
		bestT time.Time
	)
	for _, j := range s.jobs {
		for i := 0; i <= 7; i++ {
			occ := j.At.On(now.AddDate(0, 0, i))
			if !occ.After(now) || !j.Days.Has(occ.Weekday()) {
				continue
			}
			if best == nil || occ.Before(bestT) {
				best, bestT = j, occ
			}
			break
		}
	}
	if best == nil {
		return Job{}, time.Time{}, false
	}
	return best.Job, bestT, true
}

// Run ticks until ctx is cancelled. A job already running when ctx is
// cancelled finishes before Run returns. Ticks missed while a job runs are
// dropped; the due window keeps their occurrences reachable.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("[Scheduler] Started with %d job(s), tick %v", len(s.Jobs()), s.tick)
	s.logNextRun()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			log.Println("[Scheduler] Stopped")
			return nil
		case <-ticker.C:
			if s.Tick(ctx, s.now()) > 0 {
				s.logNextRun()
			}
		}
	}
}

func (s *Scheduler) logNextRun() {
	if job, at, ok := s.NextRun(s.now()); ok {
		log.Printf("[Scheduler] Next run: %s at %s", job.Name, at.Format(models.TimeLayout))
	}
}
