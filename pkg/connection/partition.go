package connection

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// partition is one bounded sub-pool. The semaphore holds one permit per
// connection a caller may hold at once; free, borrowed and creating are only
// touched under mu.
type partition struct {
	key   string
	creds Credentials
	max   int
	sem   *semaphore.Weighted

	mu       sync.Mutex
	free     []*ManagedConnection // LIFO, most recently returned last
	borrowed map[*ManagedConnection]struct{}
	creating int
}

func newPartition(key string, creds Credentials, maxSize int) *partition {
	return &partition{
		key:      key,
		creds:    creds,
		max:      maxSize,
		sem:      semaphore.NewWeighted(int64(maxSize)),
		borrowed: make(map[*ManagedConnection]struct{}),
	}
}

// totalLocked counts every connection the partition is accountable for.
func (pt *partition) totalLocked() int {
	return len(pt.free) + len(pt.borrowed) + pt.creating
}

func (pt *partition) popFreeLocked() *ManagedConnection {
	n := len(pt.free)
	if n == 0 {
		return nil
	}
	mc := pt.free[n-1]
	pt.free[n-1] = nil
	pt.free = pt.free[:n-1]
	return mc
}

func (pt *partition) isBorrowed(mc *ManagedConnection) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	_, ok := pt.borrowed[mc]
	return ok
}

func (pt *partition) stats() PartitionStats {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	s := PartitionStats{
		Key:      pt.key,
		Free:     len(pt.free),
		Creating: pt.creating,
		Max:      pt.max,
	}
	for mc := range pt.borrowed {
		if mc.State() == StateEnlisted {
			s.Enlisted++
		} else {
			s.InUse++
		}
	}
	s.Total = s.Free + s.InUse + s.Enlisted + s.Creating
	return s
}

// PartitionStats is a point-in-time view of one partition.
type PartitionStats struct {
	Key      string `json:"key"`
	Free     int    `json:"free"`
	InUse    int    `json:"in_use"`
	Enlisted int    `json:"enlisted"`
	Creating int    `json:"creating"`
	Total    int    `json:"total"`
	Max      int    `json:"max"`
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Resource   string           `json:"resource"`
	Closed     bool             `json:"closed"`
	Partitions []PartitionStats `json:"partitions"`
}

// Totals sums the counters of every partition.
func (s Stats) Totals() PartitionStats {
	var t PartitionStats
	t.Key = "*"
	for _, p := range s.Partitions {
		t.Free += p.Free
		t.InUse += p.InUse
		t.Enlisted += p.Enlisted
		t.Creating += p.Creating
		t.Total += p.Total
		t.Max += p.Max
	}
	return t
}
