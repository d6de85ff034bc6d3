package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"message-job-runner/internal/api"
	"message-job-runner/internal/attachment"
	"message-job-runner/internal/config"
	"message-job-runner/internal/connectivity"
	"message-job-runner/internal/credential"
	"message-job-runner/internal/jobs"
	"message-job-runner/internal/models"
	"message-job-runner/internal/parts"
	"message-job-runner/internal/progress"
	"message-job-runner/internal/queue"
	"message-job-runner/internal/ratelimit"
	"message-job-runner/internal/scheduler"
	"message-job-runner/internal/store"
	"message-job-runner/internal/transfer"
	"message-job-runner/internal/worker"
)

func main() {
	app := cli.NewApp()
	app.Name = "jobrunner"
	app.Usage = "persistent background jobs for attachment downloads"
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run the job processor and the local control API",
			Action: runDaemon,
		},
		{
			Name:   "migrate",
			Usage:  "apply job store and part store migrations",
			Action: runMigrate,
		},
		{
			Name:      "enqueue",
			Usage:     "persist a download job; it is admitted the next time run starts",
			ArgsUsage: "MESSAGE_ID",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "manual", Usage: "bypass the auto-download policy"},
			},
			Action: runEnqueue,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Env == "prod" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// stores holds the job store and the local SQLite database the part table
// lives in. With JOB_STORE=sqlite both share one database.
type stores struct {
	jobs   store.JobStore
	local  *store.SQLite
	closer []func() error
}

func (s *stores) Close() {
	for i := len(s.closer) - 1; i >= 0; i-- {
		_ = s.closer[i]()
	}
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	local, err := store.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	s := &stores{local: local, closer: []func() error{local.Close}}
	if err := local.RunMigrations(ctx); err != nil {
		s.Close()
		return nil, err
	}

	switch cfg.JobStore {
	case "sqlite":
		s.jobs = local
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closer = append(s.closer, pg.Close)
		if err := pg.RunMigrations(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.jobs = pg
	case "memory":
		s.jobs = store.NewMemory()
	default:
		s.Close()
		return nil, fmt.Errorf("unknown job store %q", cfg.JobStore)
	}
	return s, nil
}

func runMigrate(_ *cli.Context) error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	ctx := context.Background()
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	partStore := parts.NewSQLiteStore(st.local.DB(), nil, cfg.ThumbnailSize, logger)
	if err := partStore.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("migrations applied", zap.String("job_store", cfg.JobStore), zap.String("sqlite", cfg.SQLitePath))
	return nil
}

func runEnqueue(c *cli.Context) error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	var messageID int64
	if _, err := fmt.Sscan(c.Args().First(), &messageID); err != nil || messageID <= 0 {
		return errors.New("enqueue: MESSAGE_ID must be a positive integer")
	}
	if cfg.JobStore == "memory" {
		return errors.New("enqueue: the memory job store does not outlive this command")
	}

	ctx := context.Background()
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	job := attachment.New(nil, messageID, c.Bool("manual"))
	payload, err := job.Payload()
	if err != nil {
		return fmt.Errorf("serialize job: %w", err)
	}
	now := time.Now().UTC()
	rec := models.JobRecord{
		ID:          uuid.NewString(),
		Kind:        job.Kind(),
		Payload:     payload,
		Status:      models.StatusQueued,
		MaxAttempts: cfg.MaxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.jobs.Insert(ctx, rec); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	fmt.Println(rec.ID)
	return nil
}

func runDaemon(_ *cli.Context) error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	fs := afero.NewOsFs()
	blobs, err := parts.NewBlobs(ctx, cfg, fs)
	if err != nil {
		return err
	}
	partStore := parts.NewSQLiteStore(st.local.DB(), blobs, cfg.ThumbnailSize, logger)
	if err := partStore.Migrate(ctx); err != nil {
		return err
	}

	monitor := connectivity.NewMonitor(connectivity.State{Connected: true})
	if cfg.ReachabilityURL != "" {
		go connectivity.NewPoller(monitor, cfg.ReachabilityURL, cfg.ReachabilityInterval, logger).Run(ctx)
	}

	secret := credential.NewMasterSecret()
	keys := credential.FallbackSource{
		Primary:  credential.NewKeyring(cfg.KeyringService),
		Fallback: credential.NewFileKeyStore(cfg.DataDir),
	}
	unlock := func() error {
		key, err := credential.LoadOrCreate(keys)
		if err != nil {
			return err
		}
		return secret.Unlock(key)
	}
	if err := unlock(); err != nil {
		// Jobs stay gated on credentials until an unlock through the API succeeds.
		logger.Warn("credential store locked at startup", zap.Error(err))
	}

	prog := progress.NewChannel()
	deps := &attachment.Deps{
		Parts:    partStore,
		Transfer: transfer.NewHTTPClient(cfg.TransferBaseURL, cfg.TransferTimeout, cfg.TransferMaxBytes),
		Progress: prog,
		Prefs:    attachment.PreferencesFromConfig(cfg),
		Fs:       fs,
		TempDir:  filepath.Join(cfg.DataDir, "tmp"),
		Logger:   logger,
	}
	if err := fs.MkdirAll(deps.TempDir, 0o700); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	swept, err := attachment.SweepTempFiles(fs, deps.TempDir)
	if err != nil {
		return err
	}
	if swept > 0 {
		logger.Info("removed stale download files", zap.Int("count", swept))
	}

	registry := jobs.NewRegistry()
	attachment.Register(registry, deps)

	var (
		dlq         worker.DeadLetterSink
		deadLetters api.DeadLetters
		limiter     ratelimit.Limiter = ratelimit.Unlimited{}
		redisQueue  *queue.RedisQueue
	)
	if cfg.RedisAddr != "" {
		redisQueue = queue.NewRedisQueue(cfg)
		defer redisQueue.Close()
		dlq = redisQueue
		deadLetters = redisQueue
		limiter = ratelimit.NewTokenBucket(redisQueue.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	env := jobs.Environment{Network: monitor, Credentials: secret}
	proc := worker.NewProcessor(worker.OptionsFromConfig(cfg), st.jobs, registry, env, dlq, logger)

	cron, err := scheduler.NewCron(cfg.SweepCron, proc.Wake)
	if err != nil {
		return err
	}
	network := scheduler.NewNetwork(monitor, proc.Wake)
	defer network.Close()
	sources := []scheduler.Scheduler{
		scheduler.NewAlarm(ctx, proc.Wake),
		network,
		scheduler.NewCredentials(secret, proc.Wake),
		cron,
	}
	if redisQueue != nil {
		durable := scheduler.NewRedis(redisQueue, cfg.WakePollInterval, proc.Wake, logger)
		go durable.Run(ctx)
		sources = append(sources, durable)
	}
	proc.SetScheduler(scheduler.NewComposite(logger, sources...))
	go func() {
		if err := cron.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("cron sweep stopped", zap.Error(err))
		}
	}()

	if err := proc.Start(ctx); err != nil {
		return err
	}

	server := api.New(api.Deps{
		Processor:   proc,
		Store:       st.jobs,
		Downloads:   deps,
		Limiter:     limiter,
		Progress:    prog,
		Monitor:     monitor,
		Credentials: secret,
		Unlock:      unlock,
		DeadLetters: deadLetters,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}
	go func() {
		logger.Info("control api listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", zap.Error(err))
			cancel()
		}
	}()

	logger.Info("processor started",
		zap.Int("workers", cfg.Workers),
		zap.String("job_store", cfg.JobStore),
		zap.Duration("backoff_initial", cfg.BackoffInitial),
	)
	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("processor stopped", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	return nil
}
