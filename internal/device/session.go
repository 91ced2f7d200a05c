package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/boscod/attendwatch/internal/models"
)

// Session is one open connection to a terminal. A terminal accepts a single
// session at a time, so callers must not share a Session across goroutines.
type Session interface {
	// FetchAttendance returns the full current attendance set held by the device.
	FetchAttendance(ctx context.Context) ([]models.AttendanceEvent, error)
	// Disconnect releases the session. It is safe to call more than once.
	Disconnect() error
}

// Dialer opens sessions to terminals.
type Dialer interface {
	Dial(ctx context.Context, target models.DeviceTarget) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, target models.DeviceTarget) (Session, error)

func (f DialerFunc) Dial(ctx context.Context, target models.DeviceTarget) (Session, error) {
	return f(ctx, target)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[models.Transport]Dialer)
)

// Register makes a protocol driver available for a transport. Protocol
// packages call it from init, the way database/sql drivers do.
func Register(transport models.Transport, d Dialer) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if d == nil {
		panic("device: Register dialer is nil")
	}
	if _, dup := drivers[transport]; dup {
		panic("device: Register called twice for transport " + string(transport))
	}
	drivers[transport] = d
}

// Transports lists the transports with a registered driver.
func Transports() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	list := make([]string, 0, len(drivers))
	for t := range drivers {
		list = append(list, string(t))
	}
	sort.Strings(list)
	return list
}

// CheckTargets returns an error for the first target whose transport has no
// registered driver.
func CheckTargets(targets []models.DeviceTarget) error {
	driversMu.RLock()
	defer driversMu.RUnlock()
	for _, t := range targets {
		if _, ok := drivers[t.Transport]; !ok {
			available := make([]string, 0, len(drivers))
			for name := range drivers {
				available = append(available, string(name))
			}
			sort.Strings(available)
			return fmt.Errorf("device %q uses transport %q, but no driver is registered for it (available: %s)",
				t.Name, t.Transport, strings.Join(available, ", "))
		}
	}
	return nil
}

// Drivers dispatches Dial to the driver registered for the target's transport.
type Drivers struct{}

func (Drivers) Dial(ctx context.Context, target models.DeviceTarget) (Session, error) {
	driversMu.RLock()
	d, ok := drivers[target.Transport]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no driver registered for transport %q", target.Transport)
	}
	return d.Dial(ctx, target)
}
