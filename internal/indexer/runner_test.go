package indexer

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"rxledger/internal/ledger"
	"rxledger/internal/model"
	"rxledger/internal/storage"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testDoctor   = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

const testDigest = "851dc7f056f7c6130dbe3a3b745bc019887b9c9b9bd8b37466b378e98fe2a925"

type fakeSource struct {
	latest     uint64
	logs       []types.Log
	failFilter int
	calls      []BlockRange
}

func (f *fakeSource) ChainID(context.Context) (*big.Int, error) { return big.NewInt(97), nil }

func (f *fakeSource) LatestBlockNumber(context.Context) (uint64, error) { return f.latest, nil }

func (f *fakeSource) BlockTimestamp(_ context.Context, number uint64) (uint64, error) {
	return 1700000000 + number, nil
}

func (f *fakeSource) FilterLogs(_ context.Context, from, to uint64, address common.Address, topic0 []common.Hash) ([]types.Log, error) {
	if f.failFilter > 0 {
		f.failFilter--
		return nil, errors.New("rpc timeout")
	}
	f.calls = append(f.calls, BlockRange{From: from, To: to})
	var out []types.Log
	for _, log := range f.logs {
		if log.BlockNumber < from || log.BlockNumber > to || log.Address != address {
			continue
		}
		for _, topic := range topic0 {
			if len(log.Topics) > 0 && log.Topics[0] == topic {
				out = append(out, log)
				break
			}
		}
	}
	return out, nil
}

func issued(t *testing.T, block uint64, index uint, id uint64, digest string) types.Log {
	t.Helper()
	parsed, err := ledger.PrescriptionABI()
	require.NoError(t, err)
	raw, err := ledger.DigestBytes(digest)
	require.NoError(t, err)
	event := parsed.Events[ledger.EventIssued]
	data, err := event.Inputs.NonIndexed().Pack(raw)
	require.NoError(t, err)
	return types.Log{
		Address:     testContract,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(big.NewInt(int64(block*100) + int64(index))),
		Topics:      []common.Hash{event.ID, common.BytesToHash(testDoctor.Bytes()), common.BigToHash(new(big.Int).SetUint64(id))},
		Data:        data,
	}
}

func used(t *testing.T, block uint64, index uint, id uint64) types.Log {
	t.Helper()
	parsed, err := ledger.PrescriptionABI()
	require.NoError(t, err)
	return types.Log{
		Address:     testContract,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(big.NewInt(int64(block*100) + int64(index))),
		Topics:      []common.Hash{parsed.Events[ledger.EventUsed].ID, common.BytesToHash(testDoctor.Bytes()), common.BigToHash(new(big.Int).SetUint64(id))},
	}
}

func newRunConfig(dir string) RunConfig {
	return RunConfig{
		Contract:          testContract,
		FromBlock:         100,
		BatchSize:         5,
		CheckpointPath:    filepath.Join(dir, "checkpoint.json"),
		CheckpointEnabled: true,
		MaxRetries:        2,
		RetryBackoff:      time.Millisecond,
	}
}

func TestRunnerWritesEvents(t *testing.T) {
	dir := t.TempDir()
	broken := issued(t, 104, 1, 2, testDigest)
	broken.Data = []byte{0x01}
	source := &fakeSource{
		latest: 112,
		logs: []types.Log{
			issued(t, 101, 0, 1, testDigest),
			issued(t, 101, 0, 1, testDigest),
			broken,
			used(t, 110, 0, 1),
		},
		failFilter: 1,
	}
	events := storage.NewJSONLWriter(filepath.Join(dir, "events.jsonl"))
	decodeErrors := storage.NewJSONLWriter(filepath.Join(dir, "errors.jsonl"))

	summary, err := NewRunner(newRunConfig(dir), source, events, decodeErrors, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Summary{FromBlock: 100, ToBlock: 112, Events: 2, Issued: 1, Used: 1, DecodeErrors: 1}, summary)
	require.Equal(t, []BlockRange{{100, 104}, {105, 109}, {110, 112}}, source.calls)

	written, err := ReadEvents(events.Path())
	require.NoError(t, err)
	require.Len(t, written, 2)
	require.Equal(t, ledger.EventIssued, written[0].EventName)
	require.Equal(t, testDigest, written[0].DataHash)
	require.Equal(t, testDoctor.Hex(), written[0].Actor)
	require.Equal(t, uint64(1700000101), written[0].Timestamp)
	require.Equal(t, uint64(97), written[0].ChainID)
	require.Equal(t, ledger.EventUsed, written[1].EventName)
	require.Empty(t, written[1].DataHash)

	cp, ok, err := NewCheckpointStore(filepath.Join(dir, "checkpoint.json"), true, testContract).Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(112), cp.LastProcessedBlock)
}

func TestRunnerResumesFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, NewCheckpointStore(filepath.Join(dir, "checkpoint.json"), true, testContract).Save(107))

	source := &fakeSource{latest: 112}
	events := storage.NewJSONLWriter(filepath.Join(dir, "events.jsonl"))
	summary, err := NewRunner(newRunConfig(dir), source, events, nil, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(108), summary.FromBlock)
	require.Equal(t, []BlockRange{{108, 112}}, source.calls)

	// Nothing left to scan.
	source.calls = nil
	summary, err = NewRunner(newRunConfig(dir), source, events, nil, nil).Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, source.calls)
	require.Zero(t, summary.Events)
}

func TestCheckpointIgnoresOtherContract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, NewCheckpointStore(path, true, common.HexToAddress("0xbb")).Save(500))

	_, ok, err := NewCheckpointStore(path, true, testContract).Load()
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = NewCheckpointStore(path, false, common.HexToAddress("0xbb")).Load()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunnerRequiresContract(t *testing.T) {
	cfg := newRunConfig(t.TempDir())
	cfg.Contract = common.HexToAddress(ledger.DefaultAddress)
	_, err := NewRunner(cfg, &fakeSource{}, storage.NewJSONLWriter("unused"), nil, nil).Run(context.Background())
	require.Error(t, err)
}

func TestRunnerGivesUpAfterRetries(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{latest: 101, failFilter: 10}
	_, err := NewRunner(newRunConfig(dir), source, storage.NewJSONLWriter(filepath.Join(dir, "e.jsonl")), nil, nil).Run(context.Background())
	require.ErrorContains(t, err, "rpc timeout")
}

func record(id, digest string, status model.Status) model.Prescription {
	return model.Prescription{PrescriptionID: id, DataHash: digest, Status: status, DoctorAddress: testDoctor.Hex()}
}

func TestReconcile(t *testing.T) {
	events := []model.LedgerEvent{
		{EventName: ledger.EventIssued, NumericID: 1, DataHash: testDigest, TxHash: "0x01"},
		{EventName: ledger.EventUsed, NumericID: 1, TxHash: "0x02"},
		{EventName: ledger.EventIssued, NumericID: 2, DataHash: "00", TxHash: "0x03"},
		{EventName: ledger.EventIssued, NumericID: 9, DataHash: testDigest, TxHash: "0x04"},
		{EventName: ledger.EventUsed, NumericID: 1234567890, TxHash: "0x05"},
		{EventName: ledger.EventIssued, NumericID: 5, TxHash: "0x06", Removed: true},
	}
	records := []model.Prescription{
		record("RX-1", testDigest, model.StatusIssued),
		record("RX-2", testDigest, model.StatusUsed),
		record("RX-991234567890", testDigest, model.StatusIssued),
		record("RX-881234567890", testDigest, model.StatusIssued),
	}

	report := Reconcile(events, records)
	require.Equal(t, 5, report.Events)
	require.Equal(t, 4, report.Records)
	require.False(t, report.Clean())

	require.Equal(t, []Drift{
		{PrescriptionID: "RX-1", NumericID: 1, Kind: DriftStatus, MirrorValue: "issued", LedgerValue: "used", TxHash: "0x02"},
		{PrescriptionID: "RX-2", NumericID: 2, Kind: DriftDigest, MirrorValue: testDigest, LedgerValue: "00", TxHash: "0x03"},
	}, report.Drift)
	require.Equal(t, []Collision{{NumericID: 1234567890, PrescriptionIDs: []string{"RX-881234567890", "RX-991234567890"}}}, report.Collisions)
	require.Equal(t, []uint64{9}, report.MissingFromMirror)
}

func TestReconcileClean(t *testing.T) {
	report := Reconcile(
		[]model.LedgerEvent{{EventName: ledger.EventIssued, NumericID: 1, DataHash: testDigest}},
		[]model.Prescription{record("RX-1", testDigest, model.StatusIssued)},
	)
	require.True(t, report.Clean())
}
