package indexer

import (
	"encoding/hex"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"rxledger/internal/ledger"
	"rxledger/internal/model"
)

func buildLedgerEvent(chainID uint64, log types.Log, decoded ledger.Event, timestamp uint64, ingestedAt time.Time) model.LedgerEvent {
	event := model.LedgerEvent{
		ChainID:     chainID,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		TxHash:      log.TxHash.Hex(),
		LogIndex:    uint64(log.Index),
		Address:     log.Address.Hex(),
		EventName:   decoded.Name,
		Actor:       decoded.Actor.Hex(),
		NumericID:   decoded.PrescriptionID,
		Timestamp:   timestamp,
		IngestedAt:  ingestedAt.UTC().Format(time.RFC3339Nano),
		Removed:     log.Removed,
	}
	if len(decoded.DataHash) > 0 {
		event.DataHash = hex.EncodeToString(decoded.DataHash)
	}
	return event
}

func buildDecodeError(chainID uint64, log types.Log, err error) model.DecodeError {
	record := model.DecodeError{
		ChainID:     chainID,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
		LogIndex:    uint64(log.Index),
		Address:     log.Address.Hex(),
		Error:       err.Error(),
	}
	if len(log.Topics) > 0 {
		record.Topic0 = log.Topics[0].Hex()
	}
	return record
}
