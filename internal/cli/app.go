package cli

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/FairForge/bastion/internal/backup"
	"github.com/FairForge/bastion/internal/config"
	"github.com/FairForge/bastion/internal/crypto"
	"github.com/FairForge/bastion/internal/events"
	"github.com/FairForge/bastion/internal/storage"
)

// app carries the wired DR stack for one command invocation. Operator
// commands build it directly from config so backups and restores work even
// when the daemon is down.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	gateway *storage.Gateway
	enc     *crypto.Service
	catalog *backup.Catalog
	sources *backup.SourceRegistry
	orch    *backup.Orchestrator
	bus     *events.Bus
	db      *sql.DB
}

func newApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger, err := buildLogger(cfg.Server.LogLevel)
	if err != nil {
		return nil, err
	}

	gateway, err := buildGateway(cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Crypto.MasterKeyHex == "" {
		return nil, fmt.Errorf("master key not configured (set BASTION_MASTER_KEY)")
	}
	km, err := crypto.NewKeyManager(&crypto.KeyManagerConfig{MasterKeyHex: cfg.Crypto.MasterKeyHex})
	if err != nil {
		return nil, err
	}
	encryptor, err := crypto.NewEncryptor(crypto.EncryptionAlgorithm(cfg.Crypto.Algorithm))
	if err != nil {
		return nil, err
	}
	enc, err := crypto.NewService(encryptor, km, logger)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	if cfg.Database.DSN != "" {
		db, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open catalog database: %w", err)
		}
	}
	catalog := backup.NewCatalog(db, logger)
	if db == nil {
		catalog.WithFileStore(gateway, backupContainer(cfg))
	}

	sources := backup.NewSourceRegistry()
	for name, comp := range cfg.Components {
		src, err := backup.NewFileSource(backup.Component(name), comp.Path, comp.Targets)
		if err != nil {
			return nil, fmt.Errorf("component %s: %w", name, err)
		}
		if err := sources.Register(src); err != nil {
			return nil, err
		}
	}

	bus := events.NewBus(cfg.Monitoring.BusBuffer)
	orch := backup.NewOrchestrator(&backup.OrchestratorConfig{
		Container:     backupContainer(cfg),
		RetentionDays: cfg.Backup.RetentionDays,
		VerifyAfter:   cfg.Backup.VerifyAfter,
		OpTimeout:     cfg.Backup.OpTimeout,
	}, gateway, enc, catalog, sources, bus, logger)

	return &app{
		cfg:     cfg,
		logger:  logger,
		gateway: gateway,
		enc:     enc,
		catalog: catalog,
		sources: sources,
		orch:    orch,
		bus:     bus,
		db:      db,
	}, nil
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.logger.Sync()
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

func buildGateway(cfg *config.Config, logger *zap.Logger) (*storage.Gateway, error) {
	policy := storage.NewRetryPolicy(
		storage.WithMaxAttempts(cfg.Storage.MaxAttempts),
		storage.WithInitialDelay(cfg.Storage.InitialDelay),
		storage.WithRetryLogger(logger),
	)

	switch cfg.Storage.Mode {
	case "local":
		path := cfg.Storage.LocalPath
		if err := os.MkdirAll(path, 0o750); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
		return storage.NewGateway(storage.NewLocalDriver(path, logger), policy), nil
	case "s3":
		driver, err := storage.NewS3Driver(cfg.Storage.Endpoint, cfg.Storage.AccessKey,
			cfg.Storage.SecretKey, cfg.Storage.Region, logger)
		if err != nil {
			return nil, err
		}
		return storage.NewGateway(driver, policy), nil
	default:
		return nil, fmt.Errorf("unknown storage mode %q", cfg.Storage.Mode)
	}
}

// backupContainer is the bucket (s3) or top-level directory (local) the
// backup artifacts live in.
func backupContainer(cfg *config.Config) string {
	if cfg.Storage.Mode == "s3" && cfg.Storage.Bucket != "" {
		return cfg.Storage.Bucket
	}
	return cfg.Backup.Container
}
