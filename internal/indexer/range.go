package indexer

import "fmt"

// BlockRange is an inclusive block range.
type BlockRange struct {
	From uint64
	To   uint64
}

// SplitRange splits a block range into batches of at most batchSize blocks.
func SplitRange(from, to, batchSize uint64) ([]BlockRange, error) {
	if batchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}
	if to < from {
		return nil, fmt.Errorf("to block must be >= from block")
	}

	var ranges []BlockRange
	for start := from; ; {
		end := to
		if to-start >= batchSize {
			end = start + batchSize - 1
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			return ranges, nil
		}
		start = end + 1
	}
}

// ResolveRange picks the blocks still to scan between from and to given the
// last processed block, if any. ok is false when nothing is left.
func ResolveRange(from, to uint64, lastProcessed *uint64) (BlockRange, bool) {
	if lastProcessed != nil && *lastProcessed >= from {
		if *lastProcessed == ^uint64(0) {
			return BlockRange{}, false
		}
		from = *lastProcessed + 1
	}
	if from > to {
		return BlockRange{}, false
	}
	return BlockRange{From: from, To: to}, true
}
