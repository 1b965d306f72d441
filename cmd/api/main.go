package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"teamcache/internal/api"
	"teamcache/internal/config"
	"teamcache/internal/events"
	"teamcache/internal/filespace"
	"teamcache/internal/models"
	"teamcache/internal/monitor"
	"teamcache/internal/profile"
	"teamcache/internal/progress"
	"teamcache/internal/ratelimit"
	"teamcache/internal/store"
	"teamcache/internal/submit"
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

	filespaces, err := registerFilespaces(ctx, st, cfg.Filespaces)
	if err != nil {
		log.Fatalf("register filespaces: %v", err)
	}
	if len(filespaces) == 0 {
		log.Fatalf("no filespaces configured; set TEAMCACHE_FILESPACES")
	}

	profiles, err := st.ListProfiles(ctx)
	if err != nil {
		log.Fatalf("load profiles: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	bus := events.NewBus(rdb)
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	submitter := submit.NewService(
		filespace.NewRouter(filespaces),
		profile.NewCatalog(profiles),
		submit.MountLister{},
		st,
		cfg.AllowedRoots,
	)

	window := progress.NewThroughputWindow(cfg.ThroughputWindow, cfg.ThroughputFreshness)
	sampler := monitor.NewLinkSampler(cfg.LinkStatsURL, cfg.LinkStatsInterval, window, rdb, bus)
	go sampler.Run(ctx)

	if s3h, err := monitor.NewS3Health(ctx, cfg, bus); err != nil {
		log.Printf("s3 health monitor disabled: %v", err)
	} else if s3h != nil {
		go s3h.Run(ctx)
	}

	throughput := func(ctx context.Context) (models.ThroughputSample, bool) {
		return monitor.LatestThroughput(ctx, rdb, cfg.ThroughputFreshness)
	}

	server := api.New(st, submitter, throughput, bus, bus, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func registerFilespaces(ctx context.Context, st *store.Store, specs []string) ([]models.Filespace, error) {
	for _, spec := range specs {
		fs, err := filespace.ParseSpec(spec)
		if err != nil {
			return nil, err
		}
		if _, err := st.UpsertFilespace(ctx, fs); err != nil {
			return nil, err
		}
	}
	return st.ListFilespaces(ctx)
}
