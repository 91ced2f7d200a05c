package status

import (
	"sort"
	"sync"
	"time"
)

// CycleReport is what a finished poll cycle tells the tracker.
type CycleReport struct {
	Device   string
	Tag      string
	CycleID  string
	Started  time.Time
	Finished time.Time
	Fetched  int
	New      int
	Written  int
	Err      error
}

// DeviceStatus is the accumulated progress of one device.
type DeviceStatus struct {
	Device        string     `json:"device"`
	Cycles        int        `json:"cycles"`
	Failures      int        `json:"failures"`
	Reported      int        `json:"reported"`
	LastFetched   int        `json:"last_fetched"`
	LastNew       int        `json:"last_new"`
	LastTag       string     `json:"last_tag,omitempty"`
	LastCycleID   string     `json:"last_cycle_id,omitempty"`
	LastPollAt    *time.Time `json:"last_poll_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorAt   *time.Time `json:"last_error_at,omitempty"`
}

// Tracker keeps per-device progress for logging and the status API.
type Tracker struct {
	mu      sync.RWMutex
	devices map[string]*DeviceStatus
}

func NewTracker() *Tracker {
	return &Tracker{devices: make(map[string]*DeviceStatus)}
}

// Register makes a device visible before its first cycle completes.
func (t *Tracker) Register(device string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[device]; !ok {
		t.devices[device] = &DeviceStatus{Device: device}
	}
}

func (t *Tracker) Report(r CycleReport) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.devices[r.Device]
	if !ok {
		s = &DeviceStatus{Device: r.Device}
		t.devices[r.Device] = s
	}

	finished := r.Finished
	s.Cycles++
	s.Reported += r.Written
	s.LastFetched = r.Fetched
	s.LastNew = r.New
	s.LastTag = r.Tag
	s.LastCycleID = r.CycleID
	s.LastPollAt = &finished
	if r.Err != nil {
		s.Failures++
		s.LastError = r.Err.Error()
		s.LastErrorAt = &finished
		return
	}
	s.LastSuccessAt = &finished
	s.LastError = ""
}

func (t *Tracker) Get(device string) (DeviceStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.devices[device]
	if !ok {
		return DeviceStatus{}, false
	}
	return *s, true
}

// Snapshot returns every device's status ordered by name.
func (t *Tracker) Snapshot() []DeviceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := make([]DeviceStatus, 0, len(t.devices))
	for _, s := range t.devices {
		list = append(list, *s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Device < list[j].Device })
	return list
}
