package worker

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultShutdownTimeout = 5 * time.Second
	DefaultRestartDelay    = 5 * time.Second
)

// ShutdownTimeoutError lists the units still running when the shutdown
// timeout expired.
type ShutdownTimeoutError struct {
	Timeout time.Duration
	Units   []string
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("%d unit(s) did not stop within %v: %s", len(e.Units), e.Timeout, strings.Join(e.Units, ", "))
}

type unit struct {
	name string
	run  func(ctx context.Context) error
}

// Supervisor runs pollers and the scheduler side by side. A unit that
// panics or returns on its own is restarted after RestartDelay; units are
// only stopped by cancelling the context given to Run.
type Supervisor struct {
	ShutdownTimeout time.Duration
	RestartDelay    time.Duration

	units []unit

	mu      sync.Mutex
	running map[string]bool
}

func NewSupervisor(shutdownTimeout time.Duration) *Supervisor {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Supervisor{
		ShutdownTimeout: shutdownTimeout,
		RestartDelay:    DefaultRestartDelay,
		running:         make(map[string]bool),
	}
}

// Add registers a unit. It must be called before Run.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) {
	s.units = append(s.units, unit{name: name, run: run})
}

// Run starts every unit and blocks until ctx is cancelled, then waits up to
// ShutdownTimeout for all units to return. On timeout it returns a
// *ShutdownTimeoutError and leaves the stragglers behind.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, u := range s.units {
		wg.Add(1)
		s.setRunning(u.name, true)
		go func(u unit) {
			defer wg.Done()
			defer s.setRunning(u.name, false)
			s.supervise(ctx, u)
		}(u)
	}
	log.Printf("[Supervisor] Started %d unit(s)", len(s.units))

	<-ctx.Done()
	log.Printf("[Supervisor] Stopping all units...")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[Supervisor] All units stopped")
		return nil
	case <-time.After(s.ShutdownTimeout):
		return &ShutdownTimeoutError{Timeout: s.ShutdownTimeout, Units: s.stillRunning()}
	}
}

func (s *Supervisor) supervise(ctx context.Context, u unit) {
	for {
		err := s.runSafely(ctx, u)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[Supervisor] %s exited: %v. Restarting in %v...", u.name, err, s.RestartDelay)
		} else {
			log.Printf("[Supervisor] %s exited. Restarting in %v...", u.name, s.RestartDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.RestartDelay):
		}
	}
}

func (s *Supervisor) runSafely(ctx context.Context, u unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Supervisor] PANIC in %s: %v\n%s", u.name, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return u.run(ctx)
}

func (s *Supervisor) setRunning(name string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running {
		s.running[name] = true
		return
	}
	delete(s.running, name)
}

func (s *Supervisor) stillRunning() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
