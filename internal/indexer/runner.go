package indexer

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"rxledger/internal/ledger"
	"rxledger/internal/retry"
)

// LogSource is the chain access the audit needs.
type LogSource interface {
	ChainID(ctx context.Context) (*big.Int, error)
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, address common.Address, topic0 []common.Hash) ([]types.Log, error)
}

// Sink receives decoded events and decode failures.
type Sink interface {
	Append(records ...interface{}) error
}

// RunConfig holds runtime settings for the audit scan.
type RunConfig struct {
	Contract          common.Address
	FromBlock         uint64
	ToBlock           uint64
	BatchSize         uint64
	CheckpointPath    string
	CheckpointEnabled bool
	MaxRetries        int
	RetryBackoff      time.Duration
}

// Summary counts what a run wrote.
type Summary struct {
	FromBlock    uint64 `json:"from_block"`
	ToBlock      uint64 `json:"to_block"`
	Events       int    `json:"events"`
	Issued       int    `json:"issued"`
	Used         int    `json:"used"`
	DecodeErrors int    `json:"decode_errors"`
}

// Runner scans prescription contract logs and appends them to a sink. It
// never touches the mirror store.
type Runner struct {
	cfg        RunConfig
	source     LogSource
	events     Sink
	errors     Sink
	logger     *zap.Logger
	seen       map[string]struct{}
	checkpoint *CheckpointStore
	now        func() time.Time
}

// NewRunner builds a Runner. errSink may be nil, in which case decode failures
// are only logged.
func NewRunner(cfg RunConfig, source LogSource, events Sink, errSink Sink, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:        cfg,
		source:     source,
		events:     events,
		errors:     errSink,
		logger:     logger,
		seen:       make(map[string]struct{}),
		checkpoint: NewCheckpointStore(cfg.CheckpointPath, cfg.CheckpointEnabled, cfg.Contract),
		now:        time.Now,
	}
}

// Run executes the scan loop.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	if r.source == nil {
		return summary, fmt.Errorf("log source is nil")
	}
	if r.events == nil {
		return summary, fmt.Errorf("event sink is nil")
	}
	if r.cfg.BatchSize == 0 {
		return summary, fmt.Errorf("batch size must be greater than zero")
	}
	if r.cfg.Contract == (common.Address{}) || ledger.IsDefaultAddress(r.cfg.Contract.Hex()) {
		return summary, fmt.Errorf("no prescription contract configured")
	}

	topics, err := ledger.EventTopics()
	if err != nil {
		return summary, fmt.Errorf("event topics: %w", err)
	}

	chainID, err := r.source.ChainID(ctx)
	if err != nil {
		return summary, fmt.Errorf("get chain id: %w", err)
	}
	if !chainID.IsUint64() {
		return summary, fmt.Errorf("chain id does not fit in uint64: %s", chainID)
	}
	chainIDValue := chainID.Uint64()

	resolved, ok, err := r.resolveRange(ctx)
	if err != nil {
		return summary, err
	}
	if !ok {
		return summary, nil
	}
	summary.FromBlock, summary.ToBlock = resolved.From, resolved.To

	ranges, err := SplitRange(resolved.From, resolved.To, r.cfg.BatchSize)
	if err != nil {
		return summary, err
	}

	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		r.logger.Info("fetch logs", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))

		logs, err := r.filterLogsWithRetry(ctx, blockRange.From, blockRange.To, topics)
		if err != nil {
			return summary, fmt.Errorf("filter logs: %w", err)
		}

		ingestedAt := r.now().UTC()
		batch := make([]interface{}, 0, len(logs))
		var failures []interface{}
		for _, log := range logs {
			if r.isDuplicate(log) {
				continue
			}

			decoded, err := ledger.DecodeEvent(log)
			if err != nil {
				r.logger.Warn("decode log failed", zap.Error(err), zap.String("tx_hash", log.TxHash.Hex()), zap.Uint("log_index", log.Index))
				failures = append(failures, buildDecodeError(chainIDValue, log, err))
				continue
			}

			ts, err := r.blockTimestampWithRetry(ctx, log.BlockNumber)
			if err != nil {
				return summary, fmt.Errorf("block timestamp %d: %w", log.BlockNumber, err)
			}
			batch = append(batch, buildLedgerEvent(chainIDValue, log, decoded, ts, ingestedAt))
			switch decoded.Name {
			case ledger.EventIssued:
				summary.Issued++
			case ledger.EventUsed:
				summary.Used++
			}
		}

		if err := r.events.Append(batch...); err != nil {
			return summary, fmt.Errorf("store events: %w", err)
		}
		summary.Events += len(batch)
		summary.DecodeErrors += len(failures)
		if r.errors != nil {
			if err := r.errors.Append(failures...); err != nil {
				return summary, fmt.Errorf("store decode errors: %w", err)
			}
		}

		if err := r.checkpoint.Save(blockRange.To); err != nil {
			return summary, err
		}

		r.logger.Info("batch complete", zap.Int("events", len(batch)), zap.Int("decode_errors", len(failures)), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
	}

	return summary, nil
}

func (r *Runner) resolveRange(ctx context.Context) (BlockRange, bool, error) {
	latest := r.cfg.ToBlock
	if latest == 0 {
		var err error
		latest, err = r.source.LatestBlockNumber(ctx)
		if err != nil {
			return BlockRange{}, false, fmt.Errorf("get latest block: %w", err)
		}
	}

	cp, found, err := r.checkpoint.Load()
	if err != nil {
		return BlockRange{}, false, err
	}
	var last *uint64
	if found {
		last = &cp.LastProcessedBlock
	}

	resolved, ok := ResolveRange(r.cfg.FromBlock, latest, last)
	switch {
	case !ok:
		r.logger.Info("nothing to scan", zap.Uint64("from", r.cfg.FromBlock), zap.Uint64("to", latest))
	case resolved.From != r.cfg.FromBlock:
		r.logger.Info("resume from checkpoint", zap.Uint64("last_processed", cp.LastProcessedBlock), zap.Uint64("from", resolved.From))
	}
	return resolved, ok, nil
}

func (r *Runner) filterLogsWithRetry(ctx context.Context, fromBlock, toBlock uint64, topics []common.Hash) ([]types.Log, error) {
	var logs []types.Log
	err := retry.Do(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = r.source.FilterLogs(ctx, fromBlock, toBlock, r.cfg.Contract, topics)
		if err != nil {
			r.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", fromBlock), zap.Uint64("to", toBlock))
		}
		return err
	})
	return logs, err
}

func (r *Runner) blockTimestampWithRetry(ctx context.Context, blockNumber uint64) (uint64, error) {
	var ts uint64
	err := retry.Do(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		ts, err = r.source.BlockTimestamp(ctx, blockNumber)
		if err != nil {
			r.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", blockNumber))
		}
		return err
	})
	return ts, err
}

func (r *Runner) isDuplicate(log types.Log) bool {
	id := fmt.Sprintf("%d:%s:%d", log.BlockNumber, log.TxHash.Hex(), log.Index)
	if _, ok := r.seen[id]; ok {
		return true
	}
	r.seen[id] = struct{}{}
	return false
}
