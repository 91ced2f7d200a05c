package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/boscod/attendwatch/internal/dedup"
	"github.com/boscod/attendwatch/internal/device/devicetest"
	"github.com/boscod/attendwatch/internal/ledger"
	"github.com/boscod/attendwatch/internal/models"
	"github.com/boscod/attendwatch/internal/status"
)

var pollDay = time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)

func punch(user string, minute, status int) models.AttendanceEvent {
	return models.AttendanceEvent{
		UserID:    user,
		UID:       minute,
		Timestamp: pollDay.Add(-time.Hour).Add(time.Duration(minute) * time.Minute),
		Status:    status,
		Punch:     0,
	}
}

type fixture struct {
	dir     string
	dialer  *devicetest.Dialer
	store   *dedup.Store
	sink    *ledger.Sink
	tracker *status.Tracker
	svc     *PollService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{dir: dir, dialer: devicetest.NewDialer(), tracker: status.NewTracker()}
	f.openStore(t)

	sink, err := ledger.NewSink(dir)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}
	f.sink = sink
	f.svc = f.service(f.store, f.sink)
	return f
}

func (f *fixture) openStore(t *testing.T) {
	t.Helper()
	store, err := dedup.Open(filepath.Join(f.dir, dedup.FileName))
	if err != nil {
		t.Fatalf("dedup.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	f.store = store
}

func (f *fixture) service(store DedupStore, sink RecordSink) *PollService {
	return NewPollService(f.dialer, store, sink, PollOptions{
		Tracker: f.tracker,
		Now:     func() time.Time { return pollDay },
	})
}

// rows returns the ledger's data rows for pollDay, checking the header.
func (f *fixture) rows(t *testing.T) [][]string {
	t.Helper()
	records, err := f.sink.ReadDay(pollDay)
	if err != nil {
		t.Fatalf("ReadDay: %v", err)
	}
	if len(records) == 0 {
		return nil
	}
	for i, col := range ledger.Header {
		if records[0][i] != col {
			t.Fatalf("header = %v, want %v", records[0], ledger.Header)
		}
	}
	for _, r := range records[1:] {
		if r[0] == "user_id" {
			t.Fatalf("header written more than once")
		}
	}
	return records[1:]
}

func target(name string) models.DeviceTarget {
	return models.DeviceTarget{Name: name, Address: "10.0.0.1", Port: 4370, Transport: models.TransportTCP}
}

func TestPoll_NewEventsThenIncrement(t *testing.T) {
	f := newFixture(t)
	a := punch("1", 0, 0)
	b := punch("2", 5, 1)
	c := punch("3", 10, 0)
	dev := f.dialer.Attach("Device-1", devicetest.New(a, b))

	res, err := f.svc.Poll(context.Background(), target("Device-1"), "check-in")
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if res.Fetched != 2 || res.New != 2 || res.Written != 2 || res.Recorded != 2 {
		t.Errorf("first poll result = %+v", res)
	}
	if got := len(f.rows(t)); got != 2 {
		t.Fatalf("ledger rows after first poll = %d, want 2", got)
	}
	if f.store.Len() != 2 {
		t.Fatalf("store size = %d, want 2", f.store.Len())
	}

	dev.Add(c)
	res, err = f.svc.Poll(context.Background(), target("Device-1"), "check-out")
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if res.New != 1 || res.Written != 1 {
		t.Errorf("second poll result = %+v", res)
	}

	rows := f.rows(t)
	if len(rows) != 3 {
		t.Fatalf("ledger rows after second poll = %d, want 3", len(rows))
	}
	last := rows[2]
	want := []string{"3", "10", c.Timestamp.Format(models.TimeLayout), "0", "0", "check-out", pollDay.Format(models.TimeLayout)}
	for i := range want {
		if last[i] != want[i] {
			t.Errorf("row = %v, want %v", last, want)
			break
		}
	}
	if f.store.Len() != 3 {
		t.Errorf("store size = %d, want 3", f.store.Len())
	}
	if dev.Disconnects() != 2 {
		t.Errorf("disconnects = %d, want 2", dev.Disconnects())
	}
}

func TestPoll_PreloadedStore(t *testing.T) {
	tests := []struct {
		name  string
		known int
		fresh int
	}{
		{"all known", 4, 0},
		{"some new", 4, 3},
		{"all new", 0, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			var events []models.AttendanceEvent
			var known []models.EventID
			for i := 0; i < tt.known; i++ {
				e := punch(fmt.Sprint(i), i, 0)
				events = append(events, e)
				known = append(known, e.ID())
			}
			for i := 0; i < tt.fresh; i++ {
				events = append(events, punch(fmt.Sprint(100+i), i, 1))
			}
			if err := f.store.RecordAll(known); err != nil {
				t.Fatalf("preload: %v", err)
			}
			f.dialer.Attach("Device-1", devicetest.New(events...))

			res, err := f.svc.Poll(context.Background(), target("Device-1"), "check-in")
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if res.Written != tt.fresh {
				t.Errorf("written = %d, want %d", res.Written, tt.fresh)
			}
			if got := len(f.rows(t)); got != tt.fresh {
				t.Errorf("ledger rows = %d, want %d", got, tt.fresh)
			}
			if got := f.store.Len(); got != tt.known+tt.fresh {
				t.Errorf("store size = %d, want %d", got, tt.known+tt.fresh)
			}
		})
	}
}

func TestPoll_RestartProducesNoNewRows(t *testing.T) {
	f := newFixture(t)
	f.dialer.Attach("Device-1", devicetest.New(punch("1", 0, 0), punch("2", 1, 0), punch("3", 2, 1)))

	if _, err := f.svc.Poll(context.Background(), target("Device-1"), "check-in"); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	// Simulate a process restart: reload the store from its log.
	f.store.Close()
	f.openStore(t)
	if f.store.Len() != 3 {
		t.Fatalf("reloaded store size = %d, want 3", f.store.Len())
	}
	svc := f.service(f.store, f.sink)

	res, err := svc.Poll(context.Background(), target("Device-1"), "check-out")
	if err != nil {
		t.Fatalf("Poll after restart: %v", err)
	}
	if res.New != 0 {
		t.Errorf("new after restart = %d, want 0", res.New)
	}
	if got := len(f.rows(t)); got != 3 {
		t.Errorf("ledger rows = %d, want 3", got)
	}
}

type failingSink struct{ err error }

func (s failingSink) Append(time.Time, []models.ReportedEvent) (int, error) { return 0, s.err }

func TestPoll_LedgerFailureLeavesEventsUnrecorded(t *testing.T) {
	f := newFixture(t)
	events := []models.AttendanceEvent{punch("1", 0, 0), punch("2", 1, 1)}
	f.dialer.Attach("Device-1", devicetest.New(events...))

	diskFull := errors.New("no space left on device")
	svc := f.service(f.store, failingSink{err: diskFull})

	res, err := svc.Poll(context.Background(), target("Device-1"), "check-in")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if !errors.Is(err, diskFull) {
		t.Errorf("err = %v, want it to wrap the sink error", err)
	}
	if res.Written != 0 || res.Recorded != 0 {
		t.Errorf("result = %+v, want nothing written or recorded", res)
	}
	for _, e := range events {
		if f.store.Contains(e.ID()) {
			t.Errorf("%s recorded despite ledger failure", e.ID())
		}
	}

	// The next healthy poll picks them up.
	res, err = f.svc.Poll(context.Background(), target("Device-1"), "check-in")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Written != 2 {
		t.Errorf("retry wrote %d, want 2", res.Written)
	}
}

func TestPoll_RealLedgerFailure(t *testing.T) {
	f := newFixture(t)
	f.dialer.Attach("Device-1", devicetest.New(punch("1", 0, 0)))

	// A directory where the day's file should be makes the append fail.
	if err := os.MkdirAll(f.sink.PathFor(pollDay), 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Poll(context.Background(), target("Device-1"), "check-in")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if f.store.Len() != 0 {
		t.Errorf("store size = %d, want 0", f.store.Len())
	}
}

type failingStore struct {
	*dedup.Store
	err error
}

func (s failingStore) RecordAll([]models.EventID) error { return s.err }

func TestPoll_RecordFailureAllowsDuplicateNotOmission(t *testing.T) {
	f := newFixture(t)
	f.dialer.Attach("Device-1", devicetest.New(punch("1", 0, 0)))

	svc := f.service(failingStore{Store: f.store, err: errors.New("io error")}, f.sink)
	res, err := svc.Poll(context.Background(), target("Device-1"), "check-in")
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if res.Written != 1 || res.Recorded != 0 {
		t.Errorf("result = %+v", res)
	}

	if _, err := f.svc.Poll(context.Background(), target("Device-1"), "check-in"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := len(f.rows(t)); got != 2 {
		t.Errorf("ledger rows = %d, want 2 (one duplicate)", got)
	}
	if f.store.Len() != 1 {
		t.Errorf("store size = %d, want 1", f.store.Len())
	}
}

func TestPoll_ConnectionAndProtocolErrors(t *testing.T) {
	f := newFixture(t)
	dev := f.dialer.Attach("Device-1", devicetest.New(punch("1", 0, 0)))

	dev.FailDial(errors.New("connection refused"))
	_, err := f.svc.Poll(context.Background(), target("Device-1"), "check-in")
	if !errors.Is(err, ErrConnection) {
		t.Errorf("dial failure: err = %v, want ErrConnection", err)
	}
	if dev.Disconnects() != 0 {
		t.Errorf("disconnected a session that never opened")
	}

	dev.FailDial(nil)
	dev.FailFetch(errors.New("bad reply"))
	_, err = f.svc.Poll(context.Background(), target("Device-1"), "check-in")
	if !errors.Is(err, ErrProtocol) {
		t.Errorf("fetch failure: err = %v, want ErrProtocol", err)
	}
	if dev.Disconnects() != 1 {
		t.Errorf("disconnects = %d, want 1 after fetch failure", dev.Disconnects())
	}

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) || cycleErr.Device != "Device-1" || cycleErr.Tag != "check-in" {
		t.Errorf("err = %#v, want CycleError with device context", err)
	}

	s, _ := f.tracker.Get("Device-1")
	if s.Cycles != 2 || s.Failures != 2 || s.LastError == "" {
		t.Errorf("tracker = %+v", s)
	}
}

func TestPoll_DeviceCleared(t *testing.T) {
	f := newFixture(t)
	dev := f.dialer.Attach("Device-1", devicetest.New(punch("1", 0, 0), punch("2", 1, 0), punch("3", 2, 0)))
	if _, err := f.svc.Poll(context.Background(), target("Device-1"), "continuous"); err != nil {
		t.Fatal(err)
	}

	// Memory cleared, then one new punch.
	dev.SetEvents(punch("4", 3, 0))
	res, err := f.svc.Poll(context.Background(), target("Device-1"), "continuous")
	if err != nil {
		t.Fatal(err)
	}
	if res.New != 1 {
		t.Errorf("new = %d, want 1", res.New)
	}
	if f.store.Len() != 4 {
		t.Errorf("store size = %d, want 4", f.store.Len())
	}
}

func TestPoll_DuplicateWithinFetch(t *testing.T) {
	f := newFixture(t)
	e := punch("1", 0, 0)
	f.dialer.Attach("Device-1", devicetest.New(e, e))

	res, err := f.svc.Poll(context.Background(), target("Device-1"), "check-in")
	if err != nil {
		t.Fatal(err)
	}
	if res.Written != 1 {
		t.Errorf("written = %d, want 1", res.Written)
	}
}

func TestPoll_ChunkedPollsReportEachEventOnce(t *testing.T) {
	f := newFixture(t)
	dev := f.dialer.Attach("Device-1", devicetest.New())

	var all []models.AttendanceEvent
	for i := 0; i < 20; i++ {
		all = append(all, punch(fmt.Sprint(i%4), i, i%2))
	}

	// Grow the device set in uneven chunks, polling repeatedly.
	for _, end := range []int{0, 3, 3, 9, 10, 17, 20, 20} {
		dev.SetEvents(all[:end]...)
		if _, err := f.svc.Poll(context.Background(), target("Device-1"), "continuous"); err != nil {
			t.Fatalf("poll at %d: %v", end, err)
		}
	}

	rows := f.rows(t)
	if len(rows) != len(all) {
		t.Fatalf("ledger rows = %d, want %d", len(rows), len(all))
	}
	seen := make(map[string]bool)
	for _, r := range rows {
		key := r[0] + "|" + r[2] + "|" + r[3]
		if seen[key] {
			t.Errorf("event %s written twice", key)
		}
		seen[key] = true
	}
}

func TestPoll_TwoDevicesShareDayLedger(t *testing.T) {
	f := newFixture(t)
	var first, second []models.AttendanceEvent
	for i := 0; i < 15; i++ {
		first = append(first, punch(fmt.Sprintf("a%d", i), i, 0))
		second = append(second, punch(fmt.Sprintf("b%d", i), i, 0))
	}
	f.dialer.Attach("Device-1", devicetest.New(first...))
	f.dialer.Attach("Device-2", devicetest.New(second...))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, name := range []string{"Device-1", "Device-2"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := f.svc.Poll(context.Background(), target(name), "check-in")
			errs <- err
		}(name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
	}

	if got := len(f.rows(t)); got != 30 {
		t.Errorf("ledger rows = %d, want 30", got)
	}
	if f.store.Len() != 30 {
		t.Errorf("store size = %d, want 30", f.store.Len())
	}
}

func TestPoll_SameDeviceNeverConcurrent(t *testing.T) {
	f := newFixture(t)
	dev := f.dialer.Attach("Device-1", devicetest.New(punch("1", 0, 0)))
	dev.OnFetch(func() { time.Sleep(5 * time.Millisecond) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.Poll(context.Background(), target("Device-1"), "continuous")
		}()
	}
	wg.Wait()

	if got := dev.MaxConcurrentSessions(); got != 1 {
		t.Errorf("max concurrent sessions = %d, want 1", got)
	}
	if got := len(f.rows(t)); got != 1 {
		t.Errorf("ledger rows = %d, want 1", got)
	}
}

func TestPoll_MaxConcurrentBoundsCycles(t *testing.T) {
	f := newFixture(t)
	svc := NewPollService(f.dialer, f.store, f.sink, PollOptions{MaxConcurrent: 2, Now: func() time.Time { return pollDay }})

	var mu sync.Mutex
	active, peak := 0, 0
	hook := func() {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("Device-%d", i)
		f.dialer.Attach(name, devicetest.New(punch(name, i, 0))).OnFetch(hook)
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Poll(context.Background(), target(name), "continuous")
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrent cycles = %d, want <= 2", peak)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []models.ReportedEvent
	err    error
}

func (o *recordingObserver) Name() string { return "recorder" }

func (o *recordingObserver) Observe(_ context.Context, events []models.ReportedEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, events...)
	return o.err
}

func TestPoll_ObserversSeeReportedEvents(t *testing.T) {
	f := newFixture(t)
	f.dialer.Attach("Device-1", devicetest.New(punch("1", 0, 0), punch("2", 1, 0)))

	broken := &recordingObserver{err: errors.New("broker down")}
	ok := &recordingObserver{}
	svc := NewPollService(f.dialer, f.store, f.sink, PollOptions{
		Observers: []Observer{broken, ok},
		Now:       func() time.Time { return pollDay },
	})

	if _, err := svc.Poll(context.Background(), target("Device-1"), "check-in"); err != nil {
		t.Fatalf("observer failure leaked into cycle: %v", err)
	}
	if len(ok.events) != 2 {
		t.Fatalf("observer saw %d events, want 2", len(ok.events))
	}
	if ok.events[0].Device != "Device-1" || ok.events[0].Tag != "check-in" || ok.events[0].CycleID == "" {
		t.Errorf("event = %+v", ok.events[0])
	}
	if f.store.Len() != 2 {
		t.Errorf("store size = %d, want 2", f.store.Len())
	}
}

func TestPoll_StopDoesNotAbortCycle(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	dev := f.dialer.Attach("Device-1", devicetest.New(punch("1", 0, 0)))
	dev.OnFetch(cancel)

	if _, err := f.svc.Poll(ctx, target("Device-1"), "continuous"); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if f.store.Len() != 1 || dev.Disconnects() != 1 {
		t.Errorf("store = %d, disconnects = %d; want cycle to complete", f.store.Len(), dev.Disconnects())
	}
}

func TestPoll_UnrecordableEventIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.dialer.Attach("Device-1", devicetest.New(punch("1", 1, 0), punch("bad\nid", 2, 0)))

	for i := 0; i < 3; i++ {
		res, err := f.svc.Poll(context.Background(), target("Device-1"), "continuous")
		if err != nil {
			t.Fatalf("poll %d: %v", i+1, err)
		}
		want := 0
		if i == 0 {
			want = 1
		}
		if res.New != want {
			t.Errorf("poll %d new = %d, want %d", i+1, res.New, want)
		}
	}

	rows := f.rows(t)
	if len(rows) != 1 || rows[0][0] != "1" {
		t.Errorf("ledger rows = %v, want only user 1 once", rows)
	}
	if f.store.Len() != 1 {
		t.Errorf("store size = %d, want 1", f.store.Len())
	}
}

// blockingDevice attaches a device whose fetch signals started and then
// waits for release.
func blockingDevice(f *fixture, name string) (dev *devicetest.Device, started, release chan struct{}) {
	started = make(chan struct{}, 1)
	release = make(chan struct{})
	dev = f.dialer.Attach(name, devicetest.New(punch("1", 0, 0)))
	dev.OnFetch(func() {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})
	return dev, started, release
}

func TestPoll_QueuedOnBusyDeviceHoldsNoSlot(t *testing.T) {
	f := newFixture(t)
	svc := NewPollService(f.dialer, f.store, f.sink, PollOptions{MaxConcurrent: 2, Now: func() time.Time { return pollDay }})
	_, started, release := blockingDevice(f, "Device-1")
	f.dialer.Attach("Device-2", devicetest.New(punch("2", 0, 0)))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Poll(context.Background(), target("Device-1"), "continuous")
		}()
	}
	<-started
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := svc.Poll(ctx, target("Device-2"), "continuous"); err != nil {
		t.Errorf("Device-2 poll blocked behind Device-1's queue: %v", err)
	}

	close(release)
	wg.Wait()
}

func TestPoll_CancelWhileDeviceBusy(t *testing.T) {
	f := newFixture(t)
	dev, started, release := blockingDevice(f, "Device-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.Poll(context.Background(), target("Device-1"), "continuous")
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.svc.Poll(ctx, target("Device-1"), "continuous"); !errors.Is(err, context.Canceled) {
		t.Errorf("queued poll after stop = %v, want context.Canceled", err)
	}

	close(release)
	<-done
	if dev.Dials() != 1 {
		t.Errorf("dials = %d, want 1", dev.Dials())
	}
}
