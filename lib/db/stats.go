package db

import (
	"math"
	"sync"

	"github.com/ValentinKolb/cedar/lib/obj"
)

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

// SizeHistogram tracks the distribution of value sizes. It organizes
// sizes into exponential buckets so reporting never needs a full scan of
// the raw samples.
type SizeHistogram struct {
	mutex      sync.RWMutex
	boundaries []int
	buckets    []int64
	count      int64
	sum        int64
}

// NewSizeHistogram creates a histogram with boundaries covering bytes to
// gigabytes
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{
		boundaries: []int{
			16, 64, 256, 1024, 4096,
			16384, 65536, 262144, 1048576,
			4194304, 16777216, 67108864,
			268435456, 1073741824, 4294967296,
		},
		buckets: make([]int64, 16),
	}
}

// AddSample adds a size sample to the histogram
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) AddSample(size int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	bucketIndex := 0
	for i, boundary := range h.boundaries {
		if size <= boundary {
			bucketIndex = i
			break
		}
		bucketIndex = len(h.boundaries)
	}

	h.buckets[bucketIndex]++
	h.count++
	h.sum += int64(size)
}

// Count returns the total number of samples
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) Count() int64 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.count
}

// AverageSize returns the average size across all samples
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) AverageSize() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 {
		return 0
	}
	return int(h.sum / h.count)
}

// PercentileEstimate returns an estimate for the given percentile (0-100)
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) PercentileEstimate(percentile int) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if h.count == 0 || percentile < 0 || percentile > 100 {
		return 0
	}

	targetCount := int64(math.Ceil(float64(h.count) * float64(percentile) / 100.0))
	cumulativeCount := int64(0)

	for i, count := range h.buckets {
		cumulativeCount += count
		if cumulativeCount >= targetCount {
			if i == 0 {
				return h.boundaries[0] / 2
			} else if i < len(h.boundaries) {
				return (h.boundaries[i-1] + h.boundaries[i]) / 2
			}
			return h.boundaries[len(h.boundaries)-1] * 2
		}
	}
	return int(h.sum / h.count)
}

// Reset clears all histogram data
//
// Thread-safe: This method is safe for concurrent use
func (h *SizeHistogram) Reset() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.count = 0
	h.sum = 0
	for i := range h.buckets {
		h.buckets[i] = 0
	}
}

// ----------------------------------------------------------------------------
// Store Info
// ----------------------------------------------------------------------------

// DatabaseInfo describes one namespace
type DatabaseInfo struct {
	ID      int `json:"id"`
	Keys    int `json:"keys"`
	Expires int `json:"expires"`
}

// StoreInfo is an aggregated view of the dataset
type StoreInfo struct {
	Databases  []DatabaseInfo `json:"databases"`
	TotalKeys  int            `json:"total_keys"`
	AvgSize    int            `json:"avg_value_size"`
	P99Size    int            `json:"p99_value_size"`
	SampleSize int64          `json:"sampled_values"`
}

// Info walks the dataset and reports per-namespace key counts plus a
// value-size distribution. Must be called from the engine thread.
func (s *Store) Info() StoreInfo {
	hist := NewSizeHistogram()
	info := StoreInfo{}
	for _, d := range s.dbs {
		if d.keys.Len() == 0 {
			continue
		}
		di := DatabaseInfo{ID: d.id, Keys: d.keys.Len(), Expires: d.expires.Len()}
		d.keys.Range(func(key string, o *obj.Object) bool {
			hist.AddSample(valueSize(o.Value))
			return true
		})
		info.Databases = append(info.Databases, di)
		info.TotalKeys += di.Keys
	}
	info.AvgSize = hist.AverageSize()
	info.P99Size = hist.PercentileEstimate(99)
	info.SampleSize = hist.Count()
	return info
}

// valueSize approximates the payload bytes of a value
func valueSize(v obj.Value) int {
	switch t := v.(type) {
	case obj.String:
		return len(t)
	case *obj.List:
		n := 0
		t.Range(func(item []byte) bool {
			n += len(item)
			return true
		})
		return n
	case *obj.Set:
		n := 0
		t.Range(func(member []byte) bool {
			n += len(member)
			return true
		})
		return n
	case *obj.ZSet:
		n := 0
		t.Range(func(e obj.ZEntry) bool {
			n += len(e.Member) + 8
			return true
		})
		return n
	case *obj.Hash:
		n := 0
		t.Map.Range(func(field, value []byte) bool {
			n += len(field) + len(value)
			return true
		})
		return n
	case *obj.Stream:
		n := 0
		for _, e := range t.Entries {
			for _, f := range e.Fields {
				n += len(f)
			}
		}
		return n
	default:
		return 0
	}
}
