package card

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// numberFilter remembers issued card numbers probabilistically. A negative
// answer is definite; a positive one must be confirmed against storage.
type numberFilter struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter

	queries        uint64
	rejected       uint64
	falsePositives uint64
}

func newNumberFilter(expectedItems uint, falsePositiveRate float64) *numberFilter {
	if expectedItems == 0 {
		expectedItems = 10000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	return &numberFilter{filter: bloom.NewWithEstimates(expectedItems, falsePositiveRate)}
}

// mayContain reports whether number could already be issued.
func (f *numberFilter) mayContain(number string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries++
	if !f.filter.TestString(number) {
		f.rejected++
		return false
	}
	return true
}

func (f *numberFilter) falsePositive() {
	f.mu.Lock()
	f.falsePositives++
	f.mu.Unlock()
}

func (f *numberFilter) add(number string) {
	f.mu.Lock()
	f.filter.AddString(number)
	f.mu.Unlock()
}

// FilterStats describes how often the issued-number filter avoided a storage lookup.
type FilterStats struct {
	Queries        uint64 `json:"queries"`
	Rejected       uint64 `json:"rejected"`
	FalsePositives uint64 `json:"falsePositives"`
	Capacity       uint   `json:"capacity"`
}

func (f *numberFilter) stats() FilterStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FilterStats{
		Queries:        f.queries,
		Rejected:       f.rejected,
		FalsePositives: f.falsePositives,
		Capacity:       f.filter.Cap(),
	}
}
