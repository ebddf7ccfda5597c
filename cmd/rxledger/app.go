package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rxledger/internal/chain"
	"rxledger/internal/config"
	"rxledger/internal/events"
	"rxledger/internal/flow"
	"rxledger/internal/ledger"
	"rxledger/internal/storage"
	mongostore "rxledger/internal/storage/mongo"
	"rxledger/internal/storage/postgres"
	"rxledger/internal/wallet"
)

// app holds the collaborators built once from the process configuration.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	loc      *time.Location
	chain    *chain.Client
	contract *ledger.Contract
	wallet   *wallet.KeyWallet
	store    storage.MirrorStore
	pub      events.Publisher
	flow     *flow.Service
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	a.loc, err = cfg.Location()
	if err != nil {
		return nil, err
	}

	if err := a.connectLedger(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openPublisher(); err != nil {
		a.Close()
		return nil, err
	}

	a.flow = flow.NewService(a.contract, a.wallet, a.store, a.pub, flow.Options{
		Network:       chain.Network(cfg.RPCURL),
		ExplorerURL:   cfg.ExplorerURL,
		MirrorRetries: cfg.MirrorRetries,
		MirrorBackoff: cfg.MirrorBackoff,
	}, logger)

	logger.Info("rxledger configured",
		zap.String("rpc", cfg.RPCURL),
		zap.String("contract", cfg.ContractAddress),
		zap.Bool("demo_mode", a.contract.IsDefault()),
		zap.String("store", cfg.Store),
		zap.Bool("amqp", cfg.AMQPURL != ""),
	)
	return a, nil
}

func (a *app) connectLedger(ctx context.Context) error {
	var (
		backend   ledger.Backend
		txBackend wallet.TxBackend
	)
	if a.cfg.RPCURL != "" {
		client, err := chain.NewClient(ctx, a.cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		a.chain = client
		backend, txBackend = client, client
	}

	contract, err := ledger.NewContract(a.cfg.ContractAddress, backend)
	if err != nil {
		return err
	}
	if !contract.IsDefault() && a.chain == nil {
		return fmt.Errorf("rpc url is required for contract %s", a.cfg.ContractAddress)
	}
	a.contract = contract
	a.wallet = wallet.NewKeyWallet(wallet.Config{
		PrivateKey: a.cfg.PrivateKey,
		ChainID:    a.cfg.ChainID,
		GasLimit:   a.cfg.GasLimit,
	}, contract, txBackend, a.logger)
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store {
	case config.StorePostgres:
		store, err := postgres.NewStore(ctx, a.cfg.PGDSN, a.logger)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.store = store
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
	case config.StoreMongo:
		store, err := mongostore.NewStore(ctx, a.cfg.MongoURI, a.cfg.MongoDatabase, a.logger)
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		a.store = store
		if err := store.EnsureIndexes(ctx); err != nil {
			return err
		}
	case config.StoreNone:
		a.store = storage.NoopStore{}
	default:
		a.store = storage.NewMemoryStore(a.logger)
	}
	return nil
}

func (a *app) openPublisher() error {
	var fanout events.Fanout
	if a.cfg.AMQPURL != "" {
		rabbit, err := events.NewRabbitPublisher(a.cfg.AMQPURL, a.cfg.AMQPExchange, a.logger)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		fanout = append(fanout, rabbit)
	}
	if a.cfg.AuditLog != "" {
		fanout = append(fanout, events.NewLogPublisher(a.cfg.AuditLog))
	}

	switch len(fanout) {
	case 0:
		a.pub = events.Noop{}
	case 1:
		a.pub = fanout[0]
	default:
		a.pub = fanout
	}
	return nil
}

// Close waits for background mirror writes, then releases collaborators.
func (a *app) Close() {
	if a.flow != nil {
		a.flow.Wait()
	}
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.logger.Warn("close publisher", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.chain != nil {
		a.chain.Close()
	}
	_ = a.logger.Sync()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
