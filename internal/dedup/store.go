package dedup

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/boscod/attendwatch/internal/models"
)

// FileName is the dedup log's name inside the data directory.
const FileName = "processed_records.txt"

// Store is the set of event ids already reported, backed by an append-only
// log with one id per line. Ids are only ever added.
type Store struct {
	path string

	mu  sync.RWMutex
	ids map[models.EventID]struct{}

	// writeMu serializes appends; size is the file length after the last
	// complete append.
	writeMu sync.Mutex
	file    *os.File
	size    int64
}

// Open loads the log at path and opens it for appending. A missing log is
// an empty store. A torn trailing line left by a crash is discarded.
func Open(path string) (*Store, error) {
	ids, size, err := load(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dedup log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat dedup log: %w", err)
	}
	if info.Size() > size {
		log.Printf("[Dedup] Dropping %d byte(s) of incomplete record at end of %s", info.Size()-size, path)
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("repair dedup log: %w", err)
		}
	}

	return &Store{
		path: path,
		ids:  ids,
		file: f,
		size: size,
	}, nil
}

// Load reads every complete id from the log at path.
func Load(path string) (map[models.EventID]struct{}, error) {
	ids, _, err := load(path)
	return ids, err
}

func load(path string) (map[models.EventID]struct{}, int64, error) {
	ids := make(map[models.EventID]struct{})

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return ids, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read dedup log: %w", err)
	}
	defer f.Close()

	var size int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			// Anything left without a newline never finished its append.
			return ids, size, nil
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read dedup log: %w", err)
		}
		size += int64(len(line))
		if id := strings.TrimSpace(line); id != "" {
			ids[models.EventID(id)] = struct{}{}
		}
	}
}

func (s *Store) Path() string { return s.path }

func (s *Store) Contains(id models.EventID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Record appends id to the log and flushes it before adding it to the set.
// If the append fails id is not recorded.
func (s *Store) Record(id models.EventID) error {
	return s.RecordAll([]models.EventID{id})
}

// RecordAll appends ids in order with a single write and flush. Either all
// of them are recorded or, on error, none are.
func (s *Store) RecordAll(ids []models.EventID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.file == nil {
		return errors.New("dedup store is closed")
	}

	var buf bytes.Buffer
	pending := make([]models.EventID, 0, len(ids))
	seen := make(map[models.EventID]struct{}, len(ids))
	for _, id := range ids {
		if !id.Valid() {
			return fmt.Errorf("invalid event id %q", id)
		}
		if _, dup := seen[id]; dup || s.Contains(id) {
			continue
		}
		seen[id] = struct{}{}
		pending = append(pending, id)
		buf.WriteString(string(id))
		buf.WriteByte('\n')
	}
	if len(pending) == 0 {
		return nil
	}

	if err := s.append(buf.Bytes()); err != nil {
		return err
	}

	s.mu.Lock()
	for _, id := range pending {
		s.ids[id] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) append(b []byte) error {
	n, err := s.file.WriteAt(b, s.size)
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		if n > 0 {
			// Roll back so a later append does not start mid-line.
			if terr := s.file.Truncate(s.size); terr != nil {
				log.Printf("[Dedup] Failed to roll back partial append to %s: %v", s.path, terr)
			}
		}
		return fmt.Errorf("append dedup log: %w", err)
	}
	s.size += int64(n)
	return nil
}

func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
