package checkpoint

import (
	"sync"

	"github.com/arjunmehta/taskforge/pkg/codes"
)

// MemoryAccountant tracks advisory byte accounting for a Store: how much
// has been allocated against the configured ceiling, and how much of that
// is actually in use. These counters inform observability only; they never
// block a Save (disk I/O errors are the sole source of truth for capacity).
type MemoryAccountant struct {
	mu                   sync.Mutex
	allocatedBytes       int64
	usedBytes            int64
	maxBytes             int64
	fragmentationPercent float64
}

// NewMemoryAccountant creates an accountant with the given ceiling. A
// maxBytes of 0 means unbounded (grow never fails).
func NewMemoryAccountant(maxBytes int64) *MemoryAccountant {
	return &MemoryAccountant{maxBytes: maxBytes}
}

// grow records n additional bytes as allocated and used. Unlike Grow, it
// never fails: a Save must not be blocked by advisory accounting.
func (a *MemoryAccountant) grow(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocatedBytes += n
	a.usedBytes += n
}

// shrink records n bytes as freed.
func (a *MemoryAccountant) shrink(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocatedBytes -= n
	a.usedBytes -= n
	if a.allocatedBytes < 0 {
		a.allocatedBytes = 0
	}
	if a.usedBytes < 0 {
		a.usedBytes = 0
	}
}

// Grow is the strict, error-returning counterpart used by callers (such as
// admission checks) that want MEMORY_LIMIT_EXCEEDED enforced rather than
// advisory tracking.
func (a *MemoryAccountant) Grow(n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.maxBytes > 0 && a.allocatedBytes+n > a.maxBytes {
		return codes.New(component, codes.MemoryLimitExceeded, "allocation would exceed max_bytes")
	}
	a.allocatedBytes += n
	a.usedBytes += n
	return nil
}

// Shrink is the strict counterpart to Grow.
func (a *MemoryAccountant) Shrink(n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.allocatedBytes {
		return codes.New(component, codes.InsufficientMemory, "shrink exceeds allocated bytes")
	}
	a.allocatedBytes -= n
	a.usedBytes -= n
	return nil
}

// CompactMemory zeros the fragmentation counter and recomputes usedBytes
// from allocatedBytes, as a defragmentation pass would.
func (a *MemoryAccountant) CompactMemory() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fragmentationPercent = 0
	a.usedBytes = a.allocatedBytes
}

// Snapshot is a point-in-time read of the accountant's counters.
type Snapshot struct {
	AllocatedBytes       int64
	UsedBytes            int64
	MaxBytes             int64
	FragmentationPercent float64
	UtilizationPercent   float64
	IsUnderPressure      bool
}

// Snapshot returns the current counters.
func (a *MemoryAccountant) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	var utilization float64
	if a.maxBytes > 0 {
		utilization = float64(a.usedBytes) / float64(a.maxBytes) * 100
	}
	return Snapshot{
		AllocatedBytes:       a.allocatedBytes,
		UsedBytes:            a.usedBytes,
		MaxBytes:             a.maxBytes,
		FragmentationPercent: a.fragmentationPercent,
		UtilizationPercent:   utilization,
		IsUnderPressure:      utilization > 80,
	}
}
