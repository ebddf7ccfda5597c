package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	EventIssued = "PrescriptionIssued"
	EventUsed   = "PrescriptionUsed"
)

// Event is a decoded prescription contract log.
type Event struct {
	Name string
	// Actor is the issuing doctor for PrescriptionIssued and the dispensing
	// account for PrescriptionUsed.
	Actor          common.Address
	PrescriptionID uint64
	// DataHash is empty for PrescriptionUsed.
	DataHash []byte
}

// EventTopics returns the topic0 of every prescription event.
func EventTopics() ([]common.Hash, error) {
	parsed, err := PrescriptionABI()
	if err != nil {
		return nil, err
	}
	return []common.Hash{parsed.Events[EventIssued].ID, parsed.Events[EventUsed].ID}, nil
}

// DecodeEvent decodes a prescription contract log.
func DecodeEvent(log types.Log) (Event, error) {
	parsed, err := PrescriptionABI()
	if err != nil {
		return Event{}, err
	}
	if len(log.Topics) == 0 {
		return Event{}, fmt.Errorf("missing topics")
	}
	event, err := parsed.EventByID(log.Topics[0])
	if err != nil {
		return Event{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}

	indexed := indexedArguments(event.Inputs)
	if len(log.Topics) != len(indexed)+1 {
		return Event{}, fmt.Errorf("%s: expected %d topics, got %d", event.Name, len(indexed)+1, len(log.Topics))
	}

	switch event.Name {
	case EventIssued:
		var topics struct {
			Doctor         common.Address
			PrescriptionId uint64
		}
		if err := abi.ParseTopics(&topics, indexed, log.Topics[1:]); err != nil {
			return Event{}, fmt.Errorf("parse %s topics: %w", event.Name, err)
		}
		values, err := event.Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return Event{}, fmt.Errorf("unpack %s: %w", event.Name, err)
		}
		if len(values) != 1 {
			return Event{}, fmt.Errorf("unpack %s: expected 1 value, got %d", event.Name, len(values))
		}
		digest, ok := values[0].([]byte)
		if !ok {
			return Event{}, fmt.Errorf("unpack %s: unexpected type %T", event.Name, values[0])
		}
		return Event{Name: event.Name, Actor: topics.Doctor, PrescriptionID: topics.PrescriptionId, DataHash: digest}, nil
	case EventUsed:
		var topics struct {
			By             common.Address
			PrescriptionId uint64
		}
		if err := abi.ParseTopics(&topics, indexed, log.Topics[1:]); err != nil {
			return Event{}, fmt.Errorf("parse %s topics: %w", event.Name, err)
		}
		return Event{Name: event.Name, Actor: topics.By, PrescriptionID: topics.PrescriptionId}, nil
	default:
		return Event{}, fmt.Errorf("unsupported event name: %s", event.Name)
	}
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}
