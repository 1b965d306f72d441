package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"teamcache/internal/config"
	"teamcache/internal/events"
	"teamcache/internal/models"
	"teamcache/internal/progress"
	"teamcache/internal/store"
	"teamcache/internal/telemetry"
	workerproc "teamcache/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	prof, err := loadProfile(ctx, st, cfg)
	if err != nil {
		log.Fatalf("load profile: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	bus := events.NewBus(rdb)

	aggregator := progress.NewAggregator(st, bus, cfg.ProgressBatchSize, cfg.ProgressInterval)
	go aggregator.Run(ctx)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	var proc workerproc.ItemProcessor
	if prof.Name == "media-transcode" {
		proc = workerproc.NewMediaProcessor(cfg.CacheDir, 0, nil)
	} else {
		proc = workerproc.NewWarmFetcher(0)
	}

	processor := workerproc.NewProcessor(st, proc, aggregator, workerproc.Options{
		WorkerID:        workerID,
		Profile:         prof,
		MaxRetries:      cfg.MaxRetries,
		BackoffInitial:  cfg.BackoffInitial,
		BackoffMax:      cfg.BackoffMax,
		LeaseMultiplier: cfg.LeaseMultiplier,
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
	aggregator.FlushAll(context.Background())
}

// loadProfile resolves the worker's profile: WORKER_PROFILE by name, else
// the default profile, else a synthetic profile from env tuning.
func loadProfile(ctx context.Context, st *store.Store, cfg config.Config) (models.Profile, error) {
	if cfg.WorkerProfile != "" {
		return st.GetProfileByName(ctx, cfg.WorkerProfile)
	}
	profiles, err := st.ListProfiles(ctx)
	if err != nil {
		return models.Profile{}, err
	}
	for _, p := range profiles {
		if p.IsDefault {
			return p, nil
		}
	}
	return models.Profile{
		Name:               "env-default",
		MaxConcurrentFiles: cfg.MaxConcurrentFiles,
		PollIntervalMS:     int(cfg.PollInterval.Milliseconds()),
		IsDefault:          true,
	}, nil
}
