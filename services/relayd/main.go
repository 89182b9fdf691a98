// Package relayd runs the relayer daemon: the intent API, the relay and index
// queue workers, the chain event listener and the operator API.
package relayd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"rightly/catalog"
	"rightly/chain"
	"rightly/config"
	"rightly/crypto"
	"rightly/ipfs"
	"rightly/nonces"
	"rightly/observability/logging"
	telemetry "rightly/observability/otel"
	"rightly/queue"
	"rightly/receipts"
	"rightly/services/indexer"
	"rightly/services/relayer"
	"rightly/storage"
)

// PassphraseFunc resolves the relayer keystore passphrase. envVar names the
// environment variable configured for it.
type PassphraseFunc func(envVar string) (string, error)

// Main initialises and runs the relayer daemon.
func Main(resolvePassphrase PassphraseFunc) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/relayd.yaml", "path to relayd configuration")
	flag.Parse()

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.Setup("relayd", cfg.Environment,
		logging.WithLevel(cfg.Logging.Level),
		logging.WithFile(cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays),
	)
	defer func() { _ = logCloser.Close() }()

	telemetryCfg := telemetry.Config{
		ServiceName: "relayd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	}
	telemetry.ApplyEnv(&telemetryCfg)
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	var dbOpts []storage.Option
	if logging.ParseLevel(cfg.Logging.Level) <= slog.LevelDebug {
		dbOpts = append(dbOpts, storage.WithLogger(gormlogger.Default.LogMode(gormlogger.Info)))
	}
	db, err := storage.Open(cfg.Database.DSN, dbOpts...)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = storage.Close(db) }()
	if err := storage.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	if resolvePassphrase == nil {
		return errors.New("relayer passphrase source not configured")
	}
	passphrase, err := resolvePassphrase(cfg.Relayer.PassphraseEnv)
	if err != nil {
		return fmt.Errorf("relayer passphrase: %w", err)
	}
	relayerKey, err := crypto.LoadFromKeystore(cfg.Relayer.KeystorePath, passphrase)
	if err != nil {
		return fmt.Errorf("load relayer keystore: %w", err)
	}
	receiptKey, err := crypto.PrivateKeyFromHex(cfg.Receipts.SignerKey)
	if err != nil {
		return fmt.Errorf("load receipt signer: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	client, err := chain.Dial(dialCtx, cfg.Chain.RPCURL, cfg.Chain.Contract, relayerKey, chain.WithLogger(logger))
	cancel()
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer client.Close()
	if got := client.ChainID().Int64(); got != cfg.Chain.ChainID {
		return fmt.Errorf("chain id mismatch: node reports %d, configured %d", got, cfg.Chain.ChainID)
	}

	relayQueue := newQueue(db, "relayer", cfg.Queues.Relayer)
	indexQueue := newQueue(db, "indexer", cfg.Queues.Indexer)

	domain := crypto.Domain{ChainID: cfg.Chain.ChainID, VerifyingContract: cfg.Chain.Contract}
	ledger := nonces.NewLedger(db)
	intents := relayer.NewService(domain, ledger, relayQueue, relayer.WithServiceLogger(logger))
	relayWorker := relayer.NewWorker(client,
		relayer.WithSubmitRate(cfg.Relayer.SubmitRate, cfg.Relayer.SubmitBurst),
		relayer.WithConfirmTimeout(cfg.Relayer.ConfirmTimeout.Duration),
		relayer.WithWorkerLogger(logger),
	)

	publisher, err := newPublisher(cfg.IPFS)
	if err != nil {
		return err
	}
	receiptStore := receipts.NewStore(db)
	indexWorker, err := indexer.NewWorker(catalog.NewStore(db), publisher, receiptStore, receiptKey, indexer.WithWorkerLogger(logger))
	if err != nil {
		return fmt.Errorf("init indexer: %w", err)
	}
	listener := indexer.NewListener(client, indexer.NewQueueSink(indexQueue),
		indexer.WithPollInterval(cfg.Listener.PollInterval.Duration),
		indexer.WithSafetyMargin(cfg.Listener.SafetyMargin),
		indexer.WithListenerLogger(logger),
	)

	relayerAddr, _ := client.RelayerAddress()
	logger.Info("relayd configured",
		"chain_id", cfg.Chain.ChainID,
		"contract", cfg.Chain.Contract,
		"relayer", relayerAddr.Hex(),
		"receipt_signer", indexWorker.SignerAddress(),
		"ipfs_provider", cfg.IPFS.Provider,
		"pinata_jwt", logging.MaskKey(cfg.IPFS.PinataJWT))

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runners := []*queue.Runner{
		queue.NewRunner(relayQueue, relayWorker.Handle,
			queue.WithConcurrency(cfg.Queues.Relayer.Concurrency), queue.WithLogger(logger)),
		queue.NewRunner(indexQueue, indexWorker.Handle,
			queue.WithConcurrency(cfg.Queues.Indexer.Concurrency), queue.WithLogger(logger)),
	}
	var wg sync.WaitGroup
	for _, runner := range runners {
		wg.Add(1)
		go func(r *queue.Runner) {
			defer wg.Done()
			if err := r.Run(stopCtx); err != nil {
				logger.Error("queue runner stopped", "error", err)
			}
		}(runner)
	}
	defer wg.Wait()

	if cfg.Listener.AutoStart {
		if err := listener.Start(stopCtx); err != nil {
			logger.Error("auto-start event listener", "error", err)
		}
	}
	defer listener.Stop()

	server := New(Config{
		Intents:    intents,
		Nonces:     ledger,
		Receipts:   receiptStore,
		Listener:   listener,
		Queues:     map[string]JobQueue{"relayer": relayQueue, "indexer": indexQueue},
		AdminToken: cfg.Admin.BearerToken,
		Gateway:    cfg.IPFS.Gateway,
		Logger:     logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("relayd listening", "address", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newQueue(db *gorm.DB, name string, cfg config.QueueConfig) *queue.Queue {
	return queue.New(db, name,
		queue.WithMaxAttempts(cfg.MaxAttempts),
		queue.WithBackoff(cfg.BaseBackoff.Duration, cfg.MaxBackoff.Duration),
		queue.WithPollInterval(cfg.PollInterval.Duration),
		queue.WithLease(cfg.Lease.Duration),
	)
}

func newPublisher(cfg config.IPFSConfig) (ipfs.Publisher, error) {
	switch cfg.Provider {
	case "memory":
		return ipfs.NewMemoryStore(), nil
	case "pinata":
		return ipfs.NewPinataClient(cfg.PinataURL,
			ipfs.WithJWT(cfg.PinataJWT),
			ipfs.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Duration}),
		), nil
	default:
		return nil, fmt.Errorf("ipfs provider %q is not supported", cfg.Provider)
	}
}
