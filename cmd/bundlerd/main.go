// Package main provides the bundlerd daemon: the process that runs every
// stage of the bundling pipeline (plan, prepare, post, seed, verify) against
// a shared persistent state store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/ar-bundler/bundler/internal/config"
	"github.com/ar-bundler/bundler/internal/gateway"
	"github.com/ar-bundler/bundler/internal/objectstore"
	"github.com/ar-bundler/bundler/internal/queue"
	"github.com/ar-bundler/bundler/internal/statusfeed"
	"github.com/ar-bundler/bundler/internal/store"
	"github.com/ar-bundler/bundler/internal/wallet"
	"github.com/ar-bundler/bundler/internal/worker"
	"github.com/ar-bundler/bundler/pkg/logging"
	"github.com/ar-bundler/bundler/pkg/metrics"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.bundler", "Data directory")
		configFile     = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		adminAddr      = flag.String("admin", "", "Admin/status HTTP address, overrides config")
		logLevel       = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		walletPassword = flag.String("wallet-password", "", "Funding wallet seed password (or set BUNDLER_WALLET_PASSWORD)")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("bundlerd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := expandPath(*dataDir)

	cfgPath := *configFile
	if cfgPath == "" {
		cfgPath = config.ConfigPath(effectiveDataDir)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	cfg.DataDir = effectiveDataDir
	cfg.Logging.Level = *logLevel
	if *adminAddr != "" {
		cfg.Admin.ListenAddr = *adminAddr
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "path", cfgPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(&store.Config{DataDir: effectiveDataDir, RetryLimit: cfg.RetryLimitForFailedDataItems})
	if err != nil {
		log.Fatal("failed to initialize store", "error", err)
	}
	defer st.Close()
	log.Info("store initialized", "data_dir", effectiveDataDir)

	objects, err := newObjectStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to initialize object store", "error", err)
	}
	log.Info("object store initialized", "backend", cfg.ObjectStoreBackend)

	gw := gateway.NewArweave(cfg.ArweaveGatewayURL, "", cfg.NetworkRequestTimeoutDuration())
	log.Info("gateway initialized", "url", cfg.ArweaveGatewayURL)

	password := *walletPassword
	if password == "" {
		password = os.Getenv("BUNDLER_WALLET_PASSWORD")
	}
	if password == "" {
		log.Fatal("funding wallet password not set; use -wallet-password or BUNDLER_WALLET_PASSWORD")
	}
	fundingWallet, err := wallet.LoadOrCreate(expandPath(cfg.WalletSeedPath), password)
	if err != nil {
		log.Fatal("failed to load funding wallet", "error", err)
	}
	log.Info("funding wallet ready", "address", fmt.Sprintf("%x", fundingWallet.Address()))

	backend, err := newQueueBackend(cfg, st)
	if err != nil {
		log.Fatal("failed to initialize queue backend", "error", err)
	}
	dispatcher := queue.NewDispatcher(backend, cfg.Queues)
	log.Info("queue dispatcher initialized", "backend", cfg.QueueBackend)

	hub := statusfeed.NewHub()
	go hub.Run()

	planWorker := worker.NewPlanWorker(st, dispatcher, cfg)
	prepareWorker := worker.NewPrepareWorker(st, objects, gw, fundingWallet, cfg)
	postWorker := worker.NewPostWorker(st, objects, gw, fundingWallet, dispatcher)
	seedWorker := worker.NewSeedWorker(st, objects, gw)
	verifyWorker := worker.NewVerifyWorker(st, gw, cfg)

	planWorker.SetHub(hub)
	prepareWorker.SetHub(hub)
	postWorker.SetHub(hub)
	seedWorker.SetHub(hub)
	verifyWorker.SetHub(hub)

	dispatcher.Register("prepare-bundle", prepareWorker.Handle)
	dispatcher.Register("post-bundle", postWorker.Handle)
	dispatcher.Register("seed-bundle", seedWorker.Handle)
	dispatcher.Start(ctx)

	go planWorker.RunLoop(ctx, cfg.PlanInterval())
	go verifyWorker.RunLoop(ctx, cfg.VerifyInterval())

	adminServer := startAdminServer(log, hub, cfg.Admin.ListenAddr)

	log.Info("bundlerd started", "version", version, "commit", commit, "admin", cfg.Admin.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()
	dispatcher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Error("error stopping admin server", "error", err)
	}

	log.Info("goodbye")
}

// newObjectStore builds the configured ObjectStore (C2) implementation.
func newObjectStore(ctx context.Context, cfg *config.Config) (objectstore.ObjectStore, error) {
	switch cfg.ObjectStoreBackend {
	case "", "local":
		return objectstore.NewLocal(expandPath(cfg.LocalObjectStoreDir))
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return objectstore.NewS3(client, cfg.S3Bucket), nil
	default:
		return nil, fmt.Errorf("unknown object_store_backend %q", cfg.ObjectStoreBackend)
	}
}

// newQueueBackend builds the configured queue.Backend (C10) implementation.
func newQueueBackend(cfg *config.Config, st *store.Store) (queue.Backend, error) {
	switch cfg.QueueBackend {
	case "", "sqlite":
		return queue.NewSQLiteBackend(st.DB())
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return queue.NewRedisBackend(client), nil
	default:
		return nil, fmt.Errorf("unknown queue_backend %q", cfg.QueueBackend)
	}
}

// startAdminServer serves the Prometheus scrape endpoint and the read-only
// status feed websocket on one address.
func startAdminServer(log *logging.Logger, hub *statusfeed.Hub, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/ws", hub)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin server stopped unexpectedly", "error", err)
		}
	}()
	return srv
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
