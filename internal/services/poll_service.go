package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/boscod/attendwatch/internal/device"
	"github.com/boscod/attendwatch/internal/models"
	"github.com/boscod/attendwatch/internal/status"
	"github.com/google/uuid"
)

// DedupStore is the set of event ids already reported.
type DedupStore interface {
	Contains(id models.EventID) bool
	RecordAll(ids []models.EventID) error
}

// RecordSink persists newly observed events for a calendar day.
type RecordSink interface {
	Append(date time.Time, rows []models.ReportedEvent) (int, error)
}

// Observer is told about events once they are durably reported. Observer
// failures are logged and never affect dedup state.
type Observer interface {
	Name() string
	Observe(ctx context.Context, events []models.ReportedEvent) error
}

const DefaultCycleTimeout = 60 * time.Second

type PollOptions struct {
	// Timeout bounds one cycle's device I/O. Zero means DefaultCycleTimeout.
	Timeout time.Duration
	// MaxConcurrent caps cycles running at once across all devices. Zero
	// means unbounded.
	MaxConcurrent int
	Tracker       *status.Tracker
	Observers     []Observer
	Now           func() time.Time
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	CycleID  string
	Device   string
	Tag      string
	Fetched  int
	New      int
	Written  int
	Recorded int
	Events   []models.ReportedEvent
}

// PollService runs poll cycles: connect, fetch, diff against the dedup
// store, append to the ledger, record ids, disconnect. Cycles against the
// same device never overlap.
type PollService struct {
	dialer    device.Dialer
	store     DedupStore
	sink      RecordSink
	tracker   *status.Tracker
	observers []Observer
	timeout   time.Duration
	slots     chan struct{}
	now       func() time.Time

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

func NewPollService(dialer device.Dialer, store DedupStore, sink RecordSink, opts PollOptions) *PollService {
	s := &PollService{
		dialer:    dialer,
		store:     store,
		sink:      sink,
		tracker:   opts.Tracker,
		observers: opts.Observers,
		timeout:   opts.Timeout,
		now:       opts.Now,
		locks:     make(map[string]chan struct{}),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultCycleTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.MaxConcurrent > 0 {
		s.slots = make(chan struct{}, opts.MaxConcurrent)
	}
	return s
}

// deviceLock returns name's lock: a one-slot channel, held while it is full.
func (s *PollService) deviceLock(name string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[name]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[name] = lock
	}
	return lock
}

// Poll runs one cycle against target under tag. The device lock is taken
// before a concurrency slot, so a cycle queued behind its own device never
// holds a slot. Stopping ctx only cancels those two waits: once a session
// is open the cycle runs to completion, bounded by the cycle timeout, so
// the device is always disconnected.
func (s *PollService) Poll(ctx context.Context, target models.DeviceTarget, tag string) (CycleResult, error) {
	result := CycleResult{
		CycleID: uuid.NewString(),
		Device:  target.Name,
		Tag:     tag,
	}

	lock := s.deviceLock(target.Name)
	select {
	case lock <- struct{}{}:
		defer func() { <-lock }()
	case <-ctx.Done():
		return result, ctx.Err()
	}

	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		case <-ctx.Done():
			return result, ctx.Err()
		}
	}

	started := s.now()
	ioCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	err := s.cycle(ioCtx, target, &result)
	if err != nil {
		log.Printf("[%s] %s poll %s failed: %v", target.Name, tag, result.CycleID, err)
	}

	if s.tracker != nil {
		s.tracker.Report(status.CycleReport{
			Device:   target.Name,
			Tag:      tag,
			CycleID:  result.CycleID,
			Started:  started,
			Finished: s.now(),
			Fetched:  result.Fetched,
			New:      result.New,
			Written:  result.Written,
			Err:      err,
		})
	}
	return result, err
}

func (s *PollService) cycle(ctx context.Context, target models.DeviceTarget, result *CycleResult) error {
	fail := func(kind, err error) error {
		return &CycleError{Device: target.Name, Tag: result.Tag, CycleID: result.CycleID, Kind: kind, Err: err}
	}

	log.Printf("[%s] Connecting to %s...", target.Name, target)
	session, err := s.dialer.Dial(ctx, target)
	if err != nil {
		return fail(ErrConnection, err)
	}
	defer func() {
		if err := session.Disconnect(); err != nil {
			log.Printf("[%s] Disconnect failed: %v", target.Name, err)
			return
		}
		log.Printf("[%s] Disconnected", target.Name)
	}()

	events, err := session.FetchAttendance(ctx)
	if err != nil {
		return fail(ErrProtocol, err)
	}
	result.Fetched = len(events)

	fresh, ids := s.diff(target, events)
	result.New = len(fresh)
	if len(fresh) == 0 {
		return nil
	}

	pollTime := s.now()
	rows := make([]models.ReportedEvent, len(fresh))
	for i, event := range fresh {
		rows[i] = models.ReportedEvent{
			AttendanceEvent: event,
			Device:          target.Name,
			Tag:             result.Tag,
			PollTime:        pollTime,
			CycleID:         result.CycleID,
		}
	}

	written, err := s.sink.Append(pollTime, rows)
	if err != nil {
		// Nothing is recorded, so every one of these is retried next poll.
		return fail(ErrPersistence, err)
	}
	result.Written = written

	if err := s.store.RecordAll(ids); err != nil {
		log.Printf("[%s] %d record(s) written to ledger but not marked as reported; they may be written again", target.Name, written)
		return fail(ErrPersistence, err)
	}
	result.Recorded = len(ids)
	result.Events = rows

	s.notify(ctx, target, rows)
	return nil
}

// diff keeps events not yet reported, in device order. An id repeated
// within one fetch is kept once. Events whose id cannot be recorded are
// dropped, since writing them would repeat the row on every poll.
func (s *PollService) diff(target models.DeviceTarget, events []models.AttendanceEvent) ([]models.AttendanceEvent, []models.EventID) {
	var fresh []models.AttendanceEvent
	var ids []models.EventID
	seen := make(map[models.EventID]struct{})
	for _, event := range events {
		id := event.ID()
		if !id.Valid() {
			log.Printf("[%s] Skipping record with unusable id %q", target.Name, id)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if s.store.Contains(id) {
			continue
		}
		fresh = append(fresh, event)
		ids = append(ids, id)
	}
	return fresh, ids
}

func (s *PollService) notify(ctx context.Context, target models.DeviceTarget, rows []models.ReportedEvent) {
	for _, o := range s.observers {
		if err := o.Observe(ctx, rows); err != nil {
			log.Printf("[%s] %s observer failed for %d record(s): %v", target.Name, o.Name(), len(rows), err)
		}
	}
}
