package worker

import (
	"context"
	"log"
	"time"

	"github.com/boscod/attendwatch/internal/models"
	"github.com/boscod/attendwatch/internal/services"
)

const (
	DefaultInterval = 5 * time.Second
	ContinuousTag   = "continuous"
)

// Cycler runs one poll cycle against a device.
type Cycler interface {
	Poll(ctx context.Context, target models.DeviceTarget, tag string) (services.CycleResult, error)
}

// Poller polls one device on a fixed interval until stopped. A failed cycle
// is logged and retried after one interval; the poller never stops itself.
type Poller struct {
	cycler   Cycler
	target   models.DeviceTarget
	tag      string
	interval time.Duration
}

func NewPoller(cycler Cycler, target models.DeviceTarget, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		cycler:   cycler,
		target:   target,
		tag:      ContinuousTag,
		interval: interval,
	}
}

func (p *Poller) Name() string { return "poller " + p.target.Name }

// StartWorker runs cycles until ctx is cancelled. The rest between cycles is
// cut short by cancellation; a cycle in flight is not.
func (p *Poller) StartWorker(ctx context.Context) error {
	log.Printf("[%s] Polling %s every %v", p.target.Name, p.target, p.interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[%s] Stopping polling...", p.target.Name)
			return nil
		case <-timer.C:
		}

		result, err := p.cycler.Poll(ctx, p.target, p.tag)
		switch {
		case ctx.Err() != nil && err != nil:
			// Stopped while waiting for a free slot.
		case err != nil:
			log.Printf("[%s] Error during polling, retrying in %v", p.target.Name, p.interval)
		case result.New > 0:
			log.Printf("[%s] Found %d new record(s) (total: %d)", p.target.Name, result.New, result.Fetched)
			for _, e := range result.Events {
				log.Printf("[%s] User: %s, Time: %s, Status: %d", p.target.Name, e.UserID, e.Timestamp.Format(models.TimeLayout), e.Status)
			}
		default:
			log.Printf("[%s] No new records (total: %d)", p.target.Name, result.Fetched)
		}

		timer.Reset(p.interval)
	}
}
