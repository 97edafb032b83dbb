package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/npezzotti/jobpulse/internal/api"
	"github.com/npezzotti/jobpulse/internal/auth"
	"github.com/npezzotti/jobpulse/internal/backend"
	"github.com/npezzotti/jobpulse/internal/cache"
	"github.com/npezzotti/jobpulse/internal/config"
	"github.com/npezzotti/jobpulse/internal/database"
	"github.com/npezzotti/jobpulse/internal/notify"
	"github.com/npezzotti/jobpulse/internal/realtime"
	"github.com/npezzotti/jobpulse/internal/stats"
	"github.com/npezzotti/jobpulse/internal/types"
	"golang.org/x/sync/errgroup"
)

const jobsPageSize = 20

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	apiURL         string
	wsURL          string
	dsn            string
	token          string
	sound          bool
	volume         float64
	refreshEvery   time.Duration
	allowedOrigins stringSliceFlag
)

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return f
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

func main() {
	logger := log.New(os.Stderr, "[jobpulse] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Fatal("load .env:", err)
	}

	flag.StringVar(&addr, "addr", envOr("JOBPULSE_ADDR", "localhost:8000"), "companion server address")
	flag.StringVar(&apiURL, "api-url", envOr("JOBPULSE_API_URL", "http://localhost:8080/api"), "job board API base url")
	flag.StringVar(&wsURL, "ws-url", envOr("JOBPULSE_WS_URL", "ws://localhost:8080"), "job board websocket base url")
	flag.StringVar(&dsn, "dsn", envOr("JOBPULSE_DSN", ""), "notification archive connection string, empty to disable")
	flag.StringVar(&token, "token", envOr("JOBPULSE_TOKEN", ""), "bearer token for the job board API")
	flag.BoolVar(&sound, "sound", envBool("JOBPULSE_SOUND", true), "ring the terminal bell on new notifications")
	flag.Float64Var(&volume, "volume", envFloat("JOBPULSE_VOLUME", 0.3), "notification sound volume between 0 and 1")
	flag.DurationVar(&refreshEvery, "refresh", envDuration("JOBPULSE_REFRESH", time.Minute), "interval for reloading stale caches")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	cfg, err := config.NewConfig(addr, apiURL, wsURL, dsn, token, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}
	cfg.WithSound(sound, volume)
	if refreshEvery > 0 {
		cfg.RefreshEvery = refreshEvery
	}

	cred := auth.NewCredential(cfg.Token)
	client := backend.NewClient(cfg.APIBaseURL, logger)

	var (
		archive  database.NotificationRepository
		archiver notify.Archiver
	)
	if cfg.DatabaseDSN != "" {
		repo, err := database.NewPgNotificationRepository(cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal("db open:", err)
		}
		defer func() {
			if err := repo.Close(); err != nil {
				logger.Println("db close:", err)
			}
		}()
		if err := repo.EnsureSchema(context.Background()); err != nil {
			logger.Fatal("db schema:", err)
		}
		archive, archiver = repo, repo
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	manager := realtime.NewManager(logger, nil, statsUpdater, realtime.DefaultOptions())
	manager.Subscribe(realtime.KindConnection, func(ev realtime.Event) error {
		ce, _ := ev.Payload.(realtime.ConnectionEvent)
		if ce.Status == realtime.StatusFailed {
			logger.Println("real-time updates disabled, falling back to periodic refresh")
		}
		return nil
	})

	reg, err := newRegistry(client, cred)
	if err != nil {
		logger.Fatal("cache registry:", err)
	}
	synchronizer := cache.NewSynchronizer(logger, reg, cred, client, statsUpdater)

	store := notify.NewStore(logger, client, cred, notify.DefaultPageSize)
	dispatcher := notify.NewDispatcher(logger, store, manager, statsUpdater, notify.DispatcherConfig{
		Chime:        notify.NewToneChime(),
		Desktop:      notify.NewSystemNotifier(),
		Archive:      archiver,
		SoundEnabled: cfg.SoundEnabled,
		Volume:       cfg.SoundVolume,
	})

	app := api.NewApp(mux, logger, api.Deps{
		Conn:          manager,
		Credential:    cred,
		Notifications: store,
		Caches:        reg,
		Toggler:       synchronizer,
		Archive:       archive,
	}, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	dispatcher.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cred.Valid(time.Now()) {
		prime(ctx, logger, reg, store)
		connect(logger, manager, cred, cfg.WSBaseURL)
	} else {
		logger.Println("no valid token, starting logged out")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		refreshLoop(gctx, logger, cfg.RefreshEvery, reg, store, manager)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		dispatcher.Stop()
		manager.Disconnect()
		return app.Shutdown(shutDownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatalln("server:", err)
	}

	logger.Println("shutdown complete")
}

// newRegistry registers the job caches in lookup priority order.
func newRegistry(client *backend.Client, cred *auth.Credential) (*cache.Registry, error) {
	return cache.NewRegistry(
		cache.NewPagedList(cache.JobList, func(ctx context.Context, page int) ([]types.Job, error) {
			return client.ListJobs(ctx, cred.Token(), page, jobsPageSize)
		}),
		cache.NewDetailCache(cache.JobDetail, func(ctx context.Context, jobId string) (types.Job, error) {
			return client.GetJob(ctx, cred.Token(), jobId)
		}),
		cache.NewPagedList(cache.Recommended, func(ctx context.Context, _ int) ([]types.Job, error) {
			return client.RecommendedJobs(ctx, cred.Token())
		}),
		cache.NewGroupedList(cache.Related, func(ctx context.Context, jobId string) ([]types.Job, error) {
			return client.RelatedJobs(ctx, cred.Token(), jobId)
		}),
		cache.NewPagedList(cache.SavedJobs, func(ctx context.Context, _ int) ([]types.Job, error) {
			return client.SavedJobs(ctx, cred.Token())
		}),
		cache.NewPagedList(cache.AppliedJobs, func(ctx context.Context, _ int) ([]types.Job, error) {
			return client.AppliedJobs(ctx, cred.Token())
		}),
	)
}

// prime loads the first page of every list and of the notifications.
func prime(ctx context.Context, logger *log.Logger, reg *cache.Registry, store *notify.Store) {
	for _, c := range reg.Collections() {
		if _, ok := c.(*cache.PagedList); !ok {
			continue
		}
		c.Invalidate()
	}
	if err := reg.RefreshStale(ctx); err != nil {
		logger.Println("prime caches:", err)
	}

	if _, err := store.LoadPage(ctx, 1); err != nil {
		logger.Println("load notifications:", err)
	}
}

func connect(logger *log.Logger, manager *realtime.Manager, cred *auth.Credential, endpoint string) {
	userId, err := cred.UserId()
	if err != nil {
		logger.Println("real-time updates disabled:", err)
		return
	}

	if err := manager.Connect(endpoint, cred.Token(), realtime.UserChannel(userId)); err != nil {
		logger.Println("connect:", err)
	}
}

// refreshLoop reloads stale caches. While the real-time connection is down
// it also polls the first notification page.
func refreshLoop(ctx context.Context, logger *log.Logger, every time.Duration, reg *cache.Registry, store *notify.Store, manager *realtime.Manager) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reg.RefreshStale(ctx); err != nil {
				logger.Println("refresh caches:", err)
			}
			if manager.State() != realtime.StateOpen {
				if _, err := store.LoadPage(ctx, 1); err != nil {
					logger.Println("poll notifications:", err)
				}
			}
		}
	}
}
