package database

import (
	"context"
	"fmt"

	"github.com/boscod/attendwatch/internal/models"
	"github.com/uptrace/bun"
)

// Archive mirrors reported events into Postgres. Re-archiving an event is a
// no-op, so a duplicate ledger row never becomes a duplicate archive row.
type Archive struct {
	db bun.IDB
}

func NewArchive(db bun.IDB) *Archive {
	return &Archive{db: db}
}

func (a *Archive) Name() string { return "postgres archive" }

func (a *Archive) Observe(ctx context.Context, events []models.ReportedEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([]*models.ArchivedEvent, len(events))
	for i, e := range events {
		rows[i] = models.NewArchivedEvent(e)
	}

	if _, err := a.insert(rows).Exec(ctx); err != nil {
		return fmt.Errorf("failed to archive %d event(s): %w", len(rows), err)
	}
	return nil
}

func (a *Archive) insert(rows []*models.ArchivedEvent) *bun.InsertQuery {
	return a.db.NewInsert().
		Model(&rows).
		On("CONFLICT (event_id) DO NOTHING")
}
