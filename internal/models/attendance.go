package models

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the fixed-width local date-time format used in ledgers and ids.
const TimeLayout = "2006-01-02 15:04:05"

// AttendanceEvent is one punch observation as reported by a terminal.
type AttendanceEvent struct {
	UserID    string    `json:"user_id"`
	UID       int       `json:"uid"`
	Timestamp time.Time `json:"timestamp"`
	Status    int       `json:"status"`
	Punch     int       `json:"punch"`
}

// EventID identifies a physical punch for deduplication.
type EventID string

// ID derives the event's identity from (user_id, local timestamp to the
// second, status). Two events with the same tuple are the same punch,
// whichever poll saw them.
func (e AttendanceEvent) ID() EventID {
	return EventID(fmt.Sprintf("%s_%s_%d", e.UserID, e.Timestamp.Local().Format("20060102150405"), e.Status))
}

// Valid reports whether id can be stored as one line of the dedup log.
func (id EventID) Valid() bool {
	return strings.TrimSpace(string(id)) != "" && !strings.ContainsAny(string(id), "\r\n")
}

// ReportedEvent is an event annotated by the poll that first observed it.
type ReportedEvent struct {
	AttendanceEvent
	Device   string    `json:"device"`
	Tag      string    `json:"type"`
	PollTime time.Time `json:"poll_time"`
	CycleID  string    `json:"cycle_id"`
}
