package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/boscod/attendwatch/internal/models"
	"github.com/xuri/excelize/v2"
)

const exportSheet = "Attendance"

// DayReader reads a day's ledger records, header first.
type DayReader interface {
	PathFor(date time.Time) string
	ReadDay(date time.Time) ([][]string, error)
}

// ExportService mirrors a day's CSV ledger into an .xlsx workbook next to
// it. The CSV ledger stays the source of truth.
type ExportService struct {
	ledger DayReader
	mu     sync.Mutex
}

func NewExportService(ledger DayReader) *ExportService {
	return &ExportService{ledger: ledger}
}

func (s *ExportService) Name() string { return "xlsx export" }

// Observe rebuilds the workbook of every poll date in events.
func (s *ExportService) Observe(ctx context.Context, events []models.ReportedEvent) error {
	done := make(map[string]bool)
	for _, e := range events {
		day := e.PollTime.Format("2006-01-02")
		if done[day] {
			continue
		}
		done[day] = true
		if _, err := s.ExportDay(e.PollTime); err != nil {
			return err
		}
	}
	return nil
}

// ExportDay writes date's ledger to a workbook and returns its path.
func (s *ExportService) ExportDay(date time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.ledger.ReadDay(date)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", fmt.Errorf("no ledger for %s", date.Format("2006-01-02"))
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return "", fmt.Errorf("failed to name sheet: %w", err)
	}

	for i, record := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return "", err
		}
		row := make([]interface{}, len(record))
		for j, v := range record {
			row[j] = v
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return "", fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return "", fmt.Errorf("failed to create header style: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(records[0]), 1)
	if err != nil {
		return "", err
	}
	if err := f.SetCellStyle(exportSheet, "A1", last, headerStyle); err != nil {
		return "", fmt.Errorf("failed to style header: %w", err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(records[0]))
	if err != nil {
		return "", err
	}
	if err := f.SetColWidth(exportSheet, "A", lastCol, 20); err != nil {
		return "", fmt.Errorf("failed to size columns: %w", err)
	}

	csvPath := s.ledger.PathFor(date)
	path := strings.TrimSuffix(csvPath, filepath.Ext(csvPath)) + ".xlsx"
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create workbook: %w", err)
	}
	if err := f.Write(out); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to save workbook: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to save workbook: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to replace workbook: %w", err)
	}
	return path, nil
}
