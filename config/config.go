package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/boscod/attendwatch/internal/models"
	"github.com/joho/godotenv"
)

const (
	ModeContinuous = "continuous"
	ModeSchedule   = "schedule"
	ModeBoth       = "both"
)

type Config struct {
	Mode string

	// Devices
	Devices      []models.DeviceTarget
	PollInterval time.Duration
	CycleTimeout time.Duration
	MaxPolls     int

	// Business-hours schedule
	Schedule     []models.ScheduleEntry
	ScheduleTick time.Duration
	RunOnStart   bool

	// Storage
	DataDir    string
	ExportXLSX bool

	// Optional integrations; empty disables them
	DatabaseURL string
	RabbitMQURL string
	StatusAddr  string

	AllowedOrigins []string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Mode:           strings.ToLower(getEnv("MODE", ModeSchedule)),
		DataDir:        getEnv("DATA_DIR", "attendance_data"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RabbitMQURL:    getEnv("RABBITMQ_URL", ""),
		StatusAddr:     getEnv("STATUS_ADDR", ""),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
	}

	switch cfg.Mode {
	case ModeContinuous, ModeSchedule, ModeBoth:
	default:
		return nil, fmt.Errorf("invalid MODE %q: want continuous, schedule or both", cfg.Mode)
	}

	// The default is the stock terminal on the office LAN. Its tcp transport
	// needs a protocol driver registered with the device package; only
	// attlog ships built in.
	var err error
	if cfg.Devices, err = parseDevices(getEnv("DEVICES", "Device-1|192.168.1.201|4370|tcp")); err != nil {
		return nil, err
	}
	if cfg.Schedule, err = models.ParseSchedule(getEnv("SCHEDULE", "mon-fri 09:00 check-in;mon-fri 21:00 check-out")); err != nil {
		return nil, fmt.Errorf("invalid SCHEDULE: %w", err)
	}
	if cfg.RunsSchedule() && len(cfg.Schedule) == 0 {
		return nil, fmt.Errorf("SCHEDULE is empty but MODE is %s", cfg.Mode)
	}

	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"POLL_INTERVAL", "5s", &cfg.PollInterval},
		{"CYCLE_TIMEOUT", "60s", &cfg.CycleTimeout},
		{"SCHEDULE_TICK", "1m", &cfg.ScheduleTick},
		{"SHUTDOWN_TIMEOUT", "5s", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.def))
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid %s: %q", d.key, getEnv(d.key, d.def))
		}
		*d.dest = v
	}

	if cfg.MaxPolls, err = strconv.Atoi(getEnv("MAX_CONCURRENT_POLLS", "0")); err != nil || cfg.MaxPolls < 0 {
		return nil, fmt.Errorf("invalid MAX_CONCURRENT_POLLS: %q", getEnv("MAX_CONCURRENT_POLLS", "0"))
	}
	if cfg.ExportXLSX, err = strconv.ParseBool(getEnv("EXPORT_XLSX", "false")); err != nil {
		return nil, fmt.Errorf("invalid EXPORT_XLSX: %w", err)
	}
	if cfg.RunOnStart, err = strconv.ParseBool(getEnv("RUN_ON_START", "false")); err != nil {
		return nil, fmt.Errorf("invalid RUN_ON_START: %w", err)
	}

	return cfg, nil
}

func parseDevices(s string) ([]models.DeviceTarget, error) {
	var devices []models.DeviceTarget
	seen := make(map[string]bool)
	for _, raw := range strings.Split(s, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		d, err := models.ParseDeviceTarget(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid DEVICES: %w", err)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("invalid DEVICES: duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("DEVICES is empty")
	}
	return devices, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) RunsContinuous() bool {
	return c.Mode == ModeContinuous || c.Mode == ModeBoth
}

func (c *Config) RunsSchedule() bool {
	return c.Mode == ModeSchedule || c.Mode == ModeBoth
}

func (c *Config) DedupLogPath(fileName string) string {
	return filepath.Join(c.DataDir, fileName)
}
