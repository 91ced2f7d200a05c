package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/boscod/attendwatch/internal/models"
)

// Header is the fixed column order of every ledger file.
var Header = []string{"user_id", "uid", "timestamp", "status", "punch", "type", "poll_time"}

// Sink appends newly reported events to one CSV file per calendar day.
// All devices share the same day file; appends are serialized.
type Sink struct {
	dir string
	mu  sync.Mutex
}

func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	return &Sink{dir: dir}, nil
}

func (s *Sink) Dir() string { return s.dir }

// PathFor names the ledger for date's calendar day.
func (s *Sink) PathFor(date time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("attendance_%s.csv", date.Format("2006-01-02")))
}

// Append writes rows to date's ledger, creating it with a header first if it
// does not exist. The batch is written with a single write and flushed; on
// any failure the file is rolled back to its previous length and an error
// is returned, so a batch is either fully present or absent.
func (s *Sink) Append(date time.Time, rows []models.ReportedEvent) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.PathFor(date)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat ledger: %w", err)
	}
	size := info.Size()

	var buf bytes.Buffer
	if size > 0 && !endsWithNewline(f, size) {
		log.Printf("[Ledger] %s does not end with a newline; starting a new line", path)
		buf.WriteByte('\n')
	}

	w := csv.NewWriter(&buf)
	if size == 0 {
		if err := w.Write(Header); err != nil {
			return 0, fmt.Errorf("encode ledger header: %w", err)
		}
	}
	for _, row := range rows {
		if err := w.Write(record(row)); err != nil {
			return 0, fmt.Errorf("encode ledger row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("encode ledger rows: %w", err)
	}

	n, err := f.WriteAt(buf.Bytes(), size)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := f.Truncate(size); terr != nil {
				log.Printf("[Ledger] Failed to roll back partial append to %s: %v", path, terr)
			}
		}
		return 0, fmt.Errorf("append ledger %s: %w", filepath.Base(path), err)
	}

	return len(rows), nil
}

// ReadDay returns every record of date's ledger, header included. A missing
// ledger yields no records.
func (s *Sink) ReadDay(date time.Time) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.PathFor(date))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return records, nil
}

func record(e models.ReportedEvent) []string {
	return []string{
		e.UserID,
		strconv.Itoa(e.UID),
		e.Timestamp.Local().Format(models.TimeLayout),
		strconv.Itoa(e.Status),
		strconv.Itoa(e.Punch),
		e.Tag,
		e.PollTime.Local().Format(models.TimeLayout),
	}
}

func endsWithNewline(f *os.File, size int64) bool {
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return true
	}
	return last[0] == '\n'
}
