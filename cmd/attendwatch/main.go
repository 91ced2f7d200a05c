package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/boscod/attendwatch/config"
	"github.com/boscod/attendwatch/internal/database"
	"github.com/boscod/attendwatch/internal/dedup"
	"github.com/boscod/attendwatch/internal/device"
	"github.com/boscod/attendwatch/internal/handlers"
	"github.com/boscod/attendwatch/internal/ledger"
	"github.com/boscod/attendwatch/internal/middleware"
	"github.com/boscod/attendwatch/internal/rabbitmq"
	"github.com/boscod/attendwatch/internal/routes"
	"github.com/boscod/attendwatch/internal/services"
	"github.com/boscod/attendwatch/internal/status"
	"github.com/boscod/attendwatch/internal/worker"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Network transports come from externally registered protocol drivers.
	if err := device.CheckTargets(cfg.Devices); err != nil {
		log.Fatalf("Unsupported device: %v", err)
	}

	sink, err := ledger.NewSink(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to prepare ledger: %v", err)
	}

	store, err := dedup.Open(cfg.DedupLogPath(dedup.FileName))
	if err != nil {
		log.Fatalf("Failed to load processed records: %v", err)
	}
	defer store.Close()

	log.Println("============================================================")
	log.Println("Attendance Polling")
	log.Println("============================================================")
	log.Printf("Mode: %s", cfg.Mode)
	for _, d := range cfg.Devices {
		log.Printf("Device: %s", d)
	}
	log.Printf("Data directory: %s", cfg.DataDir)
	log.Printf("Loaded %d previously processed records", store.Len())
	log.Printf("Device drivers: %v", device.Transports())

	var observers []services.Observer

	// Optional Postgres archive
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(context.Background(), cfg.DatabaseURL, database.DefaultRetry)
		if err != nil {
			log.Printf("Failed to connect to database, archive disabled: %v", err)
		} else {
			defer db.Close()
			if err := database.Migrate(context.Background(), db); err != nil {
				log.Printf("Failed to migrate database, archive disabled: %v", err)
			} else {
				log.Printf("Archiving reported events to Postgres")
				observers = append(observers, database.NewArchive(db))
			}
		}
	}

	// Optional RabbitMQ publisher
	if cfg.RabbitMQURL != "" {
		publisher, err := rabbitmq.Setup(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("Failed to connect to RabbitMQ, publishing disabled: %v", err)
		} else {
			defer publisher.Close()
			observers = append(observers, publisher)
		}
	}

	if cfg.ExportXLSX {
		observers = append(observers, services.NewExportService(sink))
	}

	tracker := status.NewTracker()
	pollService := services.NewPollService(device.Drivers{}, store, sink, services.PollOptions{
		Timeout:       cfg.CycleTimeout,
		MaxConcurrent: cfg.MaxPolls,
		Tracker:       tracker,
		Observers:     observers,
	})

	supervisor := worker.NewSupervisor(cfg.ShutdownTimeout)

	if cfg.RunsContinuous() {
		for _, target := range cfg.Devices {
			tracker.Register(target.Name)
			poller := worker.NewPoller(pollService, target, cfg.PollInterval)
			supervisor.Add(poller.Name(), poller.StartWorker)
		}
	}

	if cfg.RunsSchedule() {
		scheduler := services.NewScheduler(cfg.ScheduleTick)
		for _, target := range cfg.Devices {
			tracker.Register(target.Name)
			for _, entry := range cfg.Schedule {
				tag := entry.Tag
				err := scheduler.Add(services.Job{
					Days:   entry.Days,
					At:     entry.At,
					Tag:    tag,
					Device: target,
					Handler: func(ctx context.Context) error {
						result, err := pollService.Poll(ctx, target, tag)
						if err == nil {
							log.Printf("[%s] %s: saved %d new record(s) of %d", target.Name, tag, result.Written, result.Fetched)
						}
						return err
					},
				})
				if err != nil {
					log.Fatalf("Failed to schedule %s: %v", entry, err)
				}
			}
		}
		log.Printf("Schedule: %v", cfg.Schedule)

		supervisor.Add("scheduler", func(ctx context.Context) error {
			if cfg.RunOnStart {
				scheduler.RunAll(ctx)
			}
			return scheduler.Run(ctx)
		})
	}

	// Optional read-only status API
	if cfg.StatusAddr != "" {
		app := newStatusApp(cfg, tracker, store)
		supervisor.Add("status api", func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				if err := app.Shutdown(); err != nil {
					log.Printf("Error shutting down status API: %v", err)
				}
			}()
			log.Printf("Status API listening on %s", cfg.StatusAddr)
			return app.Listen(cfg.StatusAddr, fiber.ListenConfig{DisableStartupMessage: true})
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown; a second signal exits immediately
	go func() {
		sigChan := make(chan os.Signal, 2)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down...")
		cancel()
		<-sigChan
		log.Println("Forced exit")
		os.Exit(1)
	}()

	log.Println("Started. Press Ctrl+C to stop.")
	if err := supervisor.Run(ctx); err != nil {
		var timeout *worker.ShutdownTimeoutError
		if errors.As(err, &timeout) {
			log.Printf("Shutdown timed out, exiting anyway: %v", err)
			store.Close()
			os.Exit(1)
		}
		log.Printf("Supervisor stopped: %v", err)
	}
	log.Println("Stopped.")
}

func newStatusApp(cfg *config.Config, tracker *status.Tracker, store *dedup.Store) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:       "AttendWatch Status",
		CaseSensitive: true,
		ServerHeader:  "AttendWatch",
		ErrorHandler:  customErrorHandler,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e any) {
			log.Printf("PANIC RECOVERED: %v", e)
			log.Printf("Request: %s %s", c.Method(), c.Path())
			log.Printf("Stack Trace:\n%s", string(debug.Stack()))
		},
	}))
	app.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	routes.SetupRoutes(app, handlers.NewStatusHandler(tracker, store))
	return app
}

func customErrorHandler(c fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error":   "Error",
		"message": err.Error(),
	})
}
