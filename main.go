package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/btcsuite/btclog/v2"
	"github.com/linlinbupt123-crypto/hdwallet_core/chain"
	"github.com/linlinbupt123-crypto/hdwallet_core/config"
	"github.com/linlinbupt123-crypto/hdwallet_core/db"
	"github.com/linlinbupt123-crypto/hdwallet_core/domain"
	"github.com/linlinbupt123-crypto/hdwallet_core/repository"
	"github.com/linlinbupt123-crypto/hdwallet_core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[walletctl] %v\n", err)
	os.Exit(1)
}

// setupLogging routes every package logger to stderr at level.
func setupLogging(level string) {
	logger := btclog.NewSLogger(btclog.NewDefaultHandler(os.Stderr))
	// Defaults to info if the log level is invalid.
	lvl, _ := btclog.LevelFromString(level)
	logger.SetLevel(lvl)

	domain.UseLogger(logger)
	chain.UseLogger(logger)
	service.UseLogger(logger)
}

// walletRuntime is everything a command needs, wired from config.
type walletRuntime struct {
	cfg      *config.Config
	keys     *domain.WalletKeyStore
	registry *chain.Registry
	wallets  *service.WalletService
	orch     *service.Orchestrator
	close    func()

	metrics     *prometheus.Registry
	metricsFile string
}

// shutdown writes the counters of this run, if asked to, and closes the
// store.
func (rt *walletRuntime) shutdown() {
	if rt.metricsFile != "" {
		if err := prometheus.WriteToTextfile(rt.metricsFile, rt.metrics); err != nil {
			fmt.Fprintf(os.Stderr, "warning: unable to write metrics: %v\n", err)
		}
	}
	rt.close()
}

func loadRuntime(ctx context.Context, c *cli.Context) (*walletRuntime, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if store := c.GlobalString("store"); store != "" {
		cfg.Store = store
	}
	if level := c.GlobalString("loglevel"); level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setupLogging(cfg.Log.Level)

	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}
	key, err := secrets.LoadCipherKey(ctx)
	if err != nil {
		return nil, err
	}
	cipher, err := domain.NewSecretCipher(domain.CipherConfig{Key: key})
	clear(key)
	if err != nil {
		return nil, err
	}

	rt := &walletRuntime{
		cfg:         cfg,
		close:       func() {},
		metrics:     prometheus.NewRegistry(),
		metricsFile: c.GlobalString("metrics-file"),
	}

	var (
		seeds   domain.SeedStore
		wallets domain.WalletStore
		addrs   domain.AddressStore
		records service.RecordStore
		audit   service.AuditLog
	)
	switch cfg.Store {
	case config.StoreMemory:
		m := repository.NewMemoryStore()
		seeds, wallets, addrs, records, audit = m, m, m, m, m

	default:
		connCtx, cancel := context.WithTimeout(ctx, cfg.Mongo.Timeout)
		defer cancel()
		repo, err := db.NewMongoRepo(connCtx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, fmt.Errorf("MongoDB connect error: %w", err)
		}
		rt.close = func() {
			_ = repo.Close(context.Background())
		}
		seeds = repository.NewSeedRepo(repo)
		wallets = repository.NewWalletRepo(repo)
		addrs = repository.NewAddressRepo(repo)
		records = repository.NewTransactionRepo(repo)
		audit = repository.NewAuditRepo(repo)
	}

	rt.registry, err = chain.NewRegistryFromConfig(ctx, cfg)
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.keys = domain.NewWalletKeyStore(domain.KeyStoreConfig{
		Cipher: cipher,
		Engine: domain.NewKeyDerivationEngine(
			domain.WithSolanaScheme(domain.SolanaScheme(cfg.Wallet.SolanaScheme)),
		),
		Seeds:            seeds,
		Wallets:          wallets,
		Addresses:        addrs,
		MnemonicStrength: cfg.Wallet.MnemonicStrength,
	})
	rt.wallets = service.NewWalletService(rt.keys, rt.registry)
	rt.orch = service.NewOrchestrator(service.OrchestratorConfig{
		Records:        records,
		Audit:          audit,
		Keys:           rt.keys,
		Adapters:       rt.registry,
		Metrics:        service.NewMetrics(rt.metrics),
		PollInterval:   cfg.Tx.PollInterval,
		ConfirmTimeout: cfg.Tx.ConfirmTimeout,
	})
	return rt, nil
}

// actionDecorator loads the runtime for commands that need it.
func actionDecorator(f func(context.Context, *cli.Context, *walletRuntime) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		ctx := context.Background()
		rt, err := loadRuntime(ctx, c)
		if err != nil {
			return err
		}
		defer rt.shutdown()
		return f(ctx, c, rt)
	}
}

func printJSON(resp interface{}) {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s\n", b)
}

func main() {
	app := cli.NewApp()
	app.Name = "walletctl"
	app.Usage = "multi-chain HD wallet control"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Usage: "path to config.yaml; defaults and environment only when empty",
		},
		cli.StringFlag{
			Name:  "store",
			Usage: "override the configured store: mongo or memory",
		},
		cli.StringFlag{
			Name: "metrics-file",
			Usage: "on exit write transfer counters to this file in " +
				"Prometheus text format, e.g. for a node_exporter textfile collector",
		},
		cli.StringFlag{
			Name:  "loglevel",
			Usage: "trace, debug, info, warn, error or critical",
		},
	}
	app.Commands = []cli.Command{
		mnemonicCommand,
		walletCommand,
		addressCommand,
		balanceCommand,
		txCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
