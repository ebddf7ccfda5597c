package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rxledger/internal/chain"
	"rxledger/internal/config"
	"rxledger/internal/indexer"
	"rxledger/internal/ledger"
	"rxledger/internal/storage"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Scan prescription contract events and report mirror drift",
		RunE:  runAudit,
	}

	cmd.Flags().Uint64("from", 0, "start block (inclusive)")
	cmd.Flags().Uint64("to", 0, "end block (inclusive), 0 means latest")
	cmd.Flags().Uint64("batch-size", 2000, "blocks per batch")
	cmd.Flags().String("out", "./data/ledger_events.jsonl", "output JSONL path")
	cmd.Flags().String("errors", "./data/audit_errors.jsonl", "decode errors JSONL path")
	cmd.Flags().String("checkpoint", "./data/audit_checkpoint.json", "checkpoint file path")
	cmd.Flags().Bool("checkpoint-enabled", true, "enable checkpointing")
	cmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	cmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	cmd.Flags().Bool("reconcile", true, "compare the events file with the mirror store")
	cmd.Flags().Bool("skip-scan", false, "only reconcile the existing events file")

	return cmd
}

func runAudit(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if skip, _ := cmd.Flags().GetBool("skip-scan"); !skip {
		if err := scanLedger(ctx, cfg, logger); err != nil {
			return err
		}
	}

	reconcile, _ := cmd.Flags().GetBool("reconcile")
	if !reconcile {
		return nil
	}
	if cfg.Store != config.StorePostgres && cfg.Store != config.StoreMongo {
		logger.Info("skip reconcile, no persistent mirror configured", zap.String("store", cfg.Store))
		return nil
	}

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := indexer.ReadEvents(cfg.Audit.Out)
	if err != nil {
		return err
	}
	records, err := a.store.List(ctx, storage.Query{})
	if err != nil {
		return fmt.Errorf("list mirror: %w", err)
	}

	report := indexer.Reconcile(events, records)
	logger.Info("reconcile complete",
		zap.Int("events", report.Events),
		zap.Int("records", report.Records),
		zap.Int("drift", len(report.Drift)),
		zap.Int("collisions", len(report.Collisions)),
		zap.Int("missing_from_mirror", len(report.MissingFromMirror)),
	)
	return printJSON(cmd.OutOrStdout(), report)
}

func scanLedger(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if ledger.IsDefaultAddress(cfg.ContractAddress) || !ledger.IsAccountAddress(cfg.ContractAddress) {
		return fmt.Errorf("a deployed contract-address is required, got %q", cfg.ContractAddress)
	}

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	audit := cfg.Audit
	runner := indexer.NewRunner(indexer.RunConfig{
		Contract:          common.HexToAddress(ledger.NormalizeAddress(cfg.ContractAddress)),
		FromBlock:         audit.FromBlock,
		ToBlock:           audit.ToBlock,
		BatchSize:         audit.BatchSize,
		CheckpointPath:    audit.Checkpoint,
		CheckpointEnabled: audit.CheckpointEnabled,
		MaxRetries:        audit.MaxRetries,
		RetryBackoff:      audit.RetryBackoff,
	}, chainClient, storage.NewJSONLWriter(audit.Out), storage.NewJSONLWriter(audit.Errors), logger)

	logger.Info("audit start",
		zap.String("rpc", cfg.RPCURL),
		zap.String("contract", cfg.ContractAddress),
		zap.Uint64("from", audit.FromBlock),
		zap.Uint64("to", audit.ToBlock),
		zap.Uint64("batch_size", audit.BatchSize),
		zap.String("out", audit.Out),
		zap.Bool("checkpoint_enabled", audit.CheckpointEnabled),
		zap.String("checkpoint", audit.Checkpoint),
	)

	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("audit complete",
		zap.Uint64("from", summary.FromBlock),
		zap.Uint64("to", summary.ToBlock),
		zap.Int("events", summary.Events),
		zap.Int("issued", summary.Issued),
		zap.Int("used", summary.Used),
		zap.Int("decode_errors", summary.DecodeErrors),
	)
	return nil
}
