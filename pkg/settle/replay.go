package settle

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// ReplayFilter is a probabilistic set of settled transaction ids, used as a
// fast pre-check before the ledger's uniqueness constraint. A positive
// answer still goes through the ledger lookup (false positives are
// possible); a negative answer is definitive for ids this process settled.
// The ledger's primary-key constraint remains the authority across
// restarts.
type ReplayFilter struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewReplayFilter sizes the filter for the expected number of transactions
// and false positive rate.
func NewReplayFilter(expectedItems uint, falsePositiveRate float64) *ReplayFilter {
	if expectedItems == 0 {
		expectedItems = 100000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	return &ReplayFilter{
		filter: bloom.NewWithEstimates(expectedItems, falsePositiveRate),
	}
}

// Add marks a transaction id as settled.
func (f *ReplayFilter) Add(id string) {
	f.mu.Lock()
	f.filter.Add([]byte(id))
	f.mu.Unlock()
}

// MaybeSeen reports whether the id may have been settled already.
func (f *ReplayFilter) MaybeSeen(id string) bool {
	f.mu.Lock()
	seen := f.filter.Test([]byte(id))
	f.mu.Unlock()
	return seen
}
