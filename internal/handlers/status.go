package handlers

import (
	"time"

	"github.com/boscod/attendwatch/internal/status"
	"github.com/gofiber/fiber/v3"
)

// DedupCounter reports how many event ids have been reported.
type DedupCounter interface {
	Len() int
}

type StatusHandler struct {
	tracker *status.Tracker
	store   DedupCounter
	started time.Time
}

func NewStatusHandler(tracker *status.Tracker, store DedupCounter) *StatusHandler {
	return &StatusHandler{
		tracker: tracker,
		store:   store,
		started: time.Now(),
	}
}

// List returns the progress of every polled device
func (h *StatusHandler) List(c fiber.Ctx) error {
	devices := h.tracker.Snapshot()
	return c.JSON(fiber.Map{
		"devices":         devices,
		"reported_events": h.store.Len(),
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
	})
}

// Get returns the progress of a single device
func (h *StatusHandler) Get(c fiber.Ctx) error {
	name := c.Params("device")
	s, ok := h.tracker.Get(name)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "Unknown device " + name,
		})
	}
	return c.JSON(s)
}
