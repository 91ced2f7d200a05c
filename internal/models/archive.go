package models

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// ArchivedEvent mirrors a reported event in the attendance_events table.
type ArchivedEvent struct {
	bun.BaseModel `bun:"table:attendance_events,alias:ae"`

	EventID   string    `bun:"event_id,pk" json:"event_id"`
	Device    string    `bun:"device,notnull" json:"device"`
	UserID    string    `bun:"user_id,notnull" json:"user_id"`
	UID       int       `bun:"uid" json:"uid"`
	Timestamp time.Time `bun:"timestamp,notnull" json:"timestamp"`
	Status    int       `bun:"status" json:"status"`
	Punch     int       `bun:"punch" json:"punch"`
	Tag       string    `bun:"type,notnull" json:"type"`
	PollTime  time.Time `bun:"poll_time,notnull" json:"poll_time"`
	CycleID   string    `bun:"cycle_id" json:"cycle_id"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

var _ bun.BeforeInsertHook = (*ArchivedEvent)(nil)

func (a *ArchivedEvent) BeforeInsert(ctx context.Context, query *bun.InsertQuery) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	return nil
}

func NewArchivedEvent(e ReportedEvent) *ArchivedEvent {
	return &ArchivedEvent{
		EventID:   string(e.ID()),
		Device:    e.Device,
		UserID:    e.UserID,
		UID:       e.UID,
		Timestamp: e.Timestamp,
		Status:    e.Status,
		Punch:     e.Punch,
		Tag:       e.Tag,
		PollTime:  e.PollTime,
		CycleID:   e.CycleID,
	}
}
