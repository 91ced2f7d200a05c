package device

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/boscod/attendwatch/internal/models"
)

func init() {
	Register(models.TransportAttlog, DialerFunc(dialAttlog))
}

// attlogSession reads a USB-exported attlog.dat. Each line carries
// tab-separated fields: user_id, "YYYY-MM-DD HH:MM:SS", status, punch and
// optional trailing work-code columns.
type attlogSession struct {
	path string
}

func dialAttlog(ctx context.Context, target models.DeviceTarget) (Session, error) {
	info, err := os.Stat(target.Address)
	if err != nil {
		return nil, fmt.Errorf("open attlog: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open attlog: %s is a directory", target.Address)
	}
	return &attlogSession{path: target.Address}, nil
}

func (s *attlogSession) FetchAttendance(ctx context.Context) ([]models.AttendanceEvent, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("read attlog: %w", err)
	}
	defer f.Close()

	var events []models.AttendanceEvent
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		event, err := ParseAttlogLine(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", s.path, line, err)
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read attlog: %w", err)
	}
	return events, nil
}

func (s *attlogSession) Disconnect() error { return nil }

// ParseAttlogLine parses one attlog.dat record. Timestamps are interpreted in
// the host's local time zone.
func ParseAttlogLine(line string) (models.AttendanceEvent, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 4 {
		return models.AttendanceEvent{}, fmt.Errorf("malformed attlog record %q", line)
	}

	userID := strings.TrimSpace(fields[0])
	ts, err := time.ParseInLocation(models.TimeLayout, strings.TrimSpace(fields[1]), time.Local)
	if err != nil {
		return models.AttendanceEvent{}, fmt.Errorf("malformed attlog timestamp: %w", err)
	}
	status, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return models.AttendanceEvent{}, fmt.Errorf("malformed attlog status %q", fields[2])
	}
	punch, err := strconv.Atoi(strings.TrimSpace(fields[3]))
	if err != nil {
		return models.AttendanceEvent{}, fmt.Errorf("malformed attlog punch %q", fields[3])
	}

	// USB exports carry no device-local uid; the enrolled user id is numeric
	// on most firmware, so reuse it when possible.
	uid, _ := strconv.Atoi(userID)

	return models.AttendanceEvent{
		UserID:    userID,
		UID:       uid,
		Timestamp: ts,
		Status:    status,
		Punch:     punch,
	}, nil
}
