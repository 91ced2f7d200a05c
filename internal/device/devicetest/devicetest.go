// Package devicetest provides an in-memory terminal for tests.
package devicetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/boscod/attendwatch/internal/device"
	"github.com/boscod/attendwatch/internal/models"
)

var ErrUnreachable = errors.New("device unreachable")

// Device is a fake terminal. Its attendance set and failure modes can be
// changed between polls.
type Device struct {
	mu        sync.Mutex
	events    []models.AttendanceEvent
	dialErr   error
	fetchErr  error
	open      atomic.Int32
	maxOpen   atomic.Int32
	dials     atomic.Int32
	closes    atomic.Int32
	fetchHook func()
}

func New(events ...models.AttendanceEvent) *Device {
	return &Device{events: events}
}

func (d *Device) SetEvents(events ...models.AttendanceEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append([]models.AttendanceEvent(nil), events...)
}

func (d *Device) Add(events ...models.AttendanceEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, events...)
}

func (d *Device) FailDial(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

func (d *Device) FailFetch(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetchErr = err
}

// OnFetch installs a hook run inside every fetch, while the session is open.
func (d *Device) OnFetch(hook func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetchHook = hook
}

func (d *Device) Dials() int { return int(d.dials.Load()) }
func (d *Device) Disconnects() int { return int(d.closes.Load()) }

// MaxConcurrentSessions is the highest number of sessions open at once.
func (d *Device) MaxConcurrentSessions() int { return int(d.maxOpen.Load()) }

// Dialer routes targets to fake devices by name.
type Dialer struct {
	mu      sync.Mutex
	devices map[string]*Device
}

func NewDialer() *Dialer {
	return &Dialer{devices: make(map[string]*Device)}
}

func (d *Dialer) Attach(name string, dev *Device) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[name] = dev
	return dev
}

func (d *Dialer) Dial(ctx context.Context, target models.DeviceTarget) (device.Session, error) {
	d.mu.Lock()
	dev, ok := d.devices[target.Name]
	d.mu.Unlock()
	if !ok {
		return nil, ErrUnreachable
	}

	dev.dials.Add(1)
	dev.mu.Lock()
	err := dev.dialErr
	dev.mu.Unlock()
	if err != nil {
		return nil, err
	}

	n := dev.open.Add(1)
	for {
		peak := dev.maxOpen.Load()
		if n <= peak || dev.maxOpen.CompareAndSwap(peak, n) {
			break
		}
	}
	return &session{dev: dev}, nil
}

type session struct {
	dev    *Device
	closed atomic.Bool
}

func (s *session) FetchAttendance(ctx context.Context) ([]models.AttendanceEvent, error) {
	s.dev.mu.Lock()
	hook := s.dev.fetchHook
	err := s.dev.fetchErr
	events := append([]models.AttendanceEvent(nil), s.dev.events...)
	s.dev.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *session) Disconnect() error {
	if s.closed.CompareAndSwap(false, true) {
		s.dev.open.Add(-1)
		s.dev.closes.Add(1)
	}
	return nil
}
