package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/axiomesh/axiom-kit/log"
	"github.com/axiomesh/axiom-kit/storage/leveldb"
	"github.com/nexafund/milestoned"
	"github.com/nexafund/milestoned/core"
	"github.com/nexafund/milestoned/events"
	"github.com/nexafund/milestoned/lock"
	"github.com/nexafund/milestoned/metrics"
	"github.com/nexafund/milestoned/repo"
	"github.com/nexafund/milestoned/settlement"
	"github.com/nexafund/milestoned/storage"
	"github.com/nexafund/milestoned/tracing"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func start(ctx *cli.Context) error {
	r, err := loadRepo(ctx)
	if err != nil {
		return err
	}

	err = log.Initialize(
		log.WithReportCaller(r.Config.Log.ReportCaller),
		log.WithPersist(true),
		log.WithFilePath(filepath.Join(r.Config.RepoRoot, repo.LogsDirName)),
		log.WithFileName(r.Config.Log.Filename),
		log.WithMaxAge(r.Config.Log.MaxAge),
		log.WithRotationTime(r.Config.Log.RotationTime),
	)
	if err != nil {
		return fmt.Errorf("log initialize: %w", err)
	}

	printVersion()

	logger := newLogger(r.Config)

	shutdownTracing, err := tracing.Init(r.Config.Tracing.ServiceName, r.Config.Tracing.JaegerEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithField("err", err).Warn("Flush traces failed")
		}
	}()

	db, err := openDB(r.Config)
	if err != nil {
		return err
	}
	defer storage.Close(db)

	publisher, closePublisher, err := newPublisher(r.Config, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	client, err := newSettlementClient(ctx.Context, r.Config, logger)
	if err != nil {
		return err
	}

	var worker *core.SettlementWorker
	engine := core.NewEngine(storage.New(db), logger,
		core.WithPublisher(publisher),
		core.WithSettlementNotifier(func() { worker.Notify() }),
	)
	worker = core.NewSettlementWorker(engine, client, workerConfig(r.Config))

	locker, closeLocker, err := newLocker(r.Config)
	if err != nil {
		return err
	}
	defer closeLocker()

	checkpoints, err := leveldb.New(filepath.Join(r.Config.RepoRoot, repo.CheckpointDirName))
	if err != nil {
		return errors.Wrap(err, "open checkpoint store")
	}
	defer checkpoints.Close()
	scheduler := core.NewScheduler(engine, locker, checkpoints, r.Config.Scheduler.Interval, r.Config.Scheduler.LockTTL)

	runCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()
	handleShutdown(cancel)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	if addr := r.Config.Metrics.ListenAddr; addr != "" {
		srv := metrics.NewServer(addr)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	fmt.Println("=============Milestoned is ready=============")

	return g.Wait()
}

func printVersion() {
	fmt.Printf("Milestoned version: %s-%s-%s\n", milestoned.CurrentVersion, milestoned.CurrentBranch, milestoned.CurrentCommit)
	fmt.Printf("App build date: %s\n", milestoned.BuildDate)
	fmt.Printf("System version: %s\n", milestoned.Platform)
	fmt.Printf("Golang version: %s\n", milestoned.GoVersion)
	fmt.Println()
}

func handleShutdown(cancel context.CancelFunc) {
	var stop = make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM)
	signal.Notify(stop, syscall.SIGINT)

	go func() {
		<-stop
		fmt.Println("received interrupt signal, shutting down...")
		cancel()
	}()
}

func loadRepo(ctx *cli.Context) (*repo.Repo, error) {
	p, err := getRootPath(ctx)
	if err != nil {
		return nil, err
	}
	return repo.Load(p)
}

func newLogger(config *repo.Config) *logrus.Logger {
	logger := log.New()
	logger.SetLevel(log.ParseLevel(config.Log.Level))
	return logger
}

func openDB(config *repo.Config) (*gorm.DB, error) {
	db, err := storage.Open(config)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db); err != nil {
		_ = storage.Close(db)
		return nil, err
	}
	return db, nil
}

// newEngine builds an engine for one-shot commands. Events go to the log
// and settlement is left to the daemon.
func newEngine(config *repo.Config) (*core.Engine, func(), error) {
	logger := newLogger(config)
	db, err := openDB(config)
	if err != nil {
		return nil, nil, err
	}
	engine := core.NewEngine(storage.New(db), logger, core.WithPublisher(events.NewLogPublisher(logger)))
	return engine, func() { _ = storage.Close(db) }, nil
}

func newPublisher(config *repo.Config, logger logrus.FieldLogger) (core.Publisher, func(), error) {
	if len(config.Events.KafkaBrokers) == 0 {
		return events.NewLogPublisher(logger), func() {}, nil
	}
	p, err := events.NewKafkaPublisher(config.Events.KafkaBrokers, config.Events.Topic, logger)
	if err != nil {
		return nil, nil, err
	}
	return p, func() {
		if err := p.Close(); err != nil {
			logger.WithField("err", err).Warn("Close kafka publisher failed")
		}
	}, nil
}

func newSettlementClient(ctx context.Context, config *repo.Config, logger logrus.FieldLogger) (core.SettlementClient, error) {
	switch config.Settlement.Mode {
	case "eth":
		return settlement.Dial(ctx, &config.Settlement, logger)
	default:
		logger.Warn("Settlement runs in mock mode, no funds will move")
		return core.NewMockClient(), nil
	}
}

func newLocker(config *repo.Config) (core.Locker, func(), error) {
	if config.Redis.Addr == "" {
		return lock.NewLocal(), func() {}, nil
	}
	client, err := lock.Connect(config.Redis.Addr, config.Redis.Password, config.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	l := lock.NewRedis(client)
	return l, func() { _ = l.Close() }, nil
}

func workerConfig(config *repo.Config) core.WorkerConfig {
	return core.WorkerConfig{
		PollInterval:   config.Settlement.PollInterval,
		RetryAttempts:  config.Settlement.RetryAttempts,
		RetryBackoff:   config.Settlement.RetryBackoff,
		BatchSize:      config.Settlement.BatchSize,
		ClaimTimeout:   config.Settlement.ClaimTimeout,
		ConfirmTimeout: config.Settlement.ConfirmTimeout,
	}
}
