package reconciliation

import (
	"sort"

	"copytrade-core/pkg/exchanges/common"
)

// ProcessedOrderSet remembers the last progress processed for each master
// order id. It is owned by a single MasterMonitor and is not safe for
// concurrent use.
type ProcessedOrderSet struct {
	cap     int
	keep    int
	seq     uint64
	entries map[string]processedEntry
}

// Progress is the part of an order snapshot that can advance.
type Progress struct {
	Status      common.OrderStatus
	ExecutedQty float64
}

type processedEntry struct {
	progress Progress
	seq      uint64
}

// NewProcessedOrderSet returns a set that shrinks to keep entries once it
// holds more than cap.
func NewProcessedOrderSet(cap, keep int) *ProcessedOrderSet {
	if cap <= 0 {
		cap = 1000
	}
	if keep <= 0 || keep >= cap {
		keep = cap / 2
	}
	return &ProcessedOrderSet{cap: cap, keep: keep, entries: make(map[string]processedEntry)}
}

// Lookup returns the progress last marked for id.
func (s *ProcessedOrderSet) Lookup(id string) (Progress, bool) {
	e, ok := s.entries[id]
	return e.progress, ok
}

// Mark records id as processed and trims the set when needed.
func (s *ProcessedOrderSet) Mark(id string, status common.OrderStatus, executed float64) {
	s.seq++
	s.entries[id] = processedEntry{progress: Progress{Status: status, ExecutedQty: executed}, seq: s.seq}
	if len(s.entries) > s.cap {
		s.trim()
	}
}

// Evict forgets id.
func (s *ProcessedOrderSet) Evict(id string) {
	delete(s.entries, id)
}

// Len returns the number of remembered ids.
func (s *ProcessedOrderSet) Len() int { return len(s.entries) }

func (s *ProcessedOrderSet) trim() {
	type kv struct {
		id  string
		seq uint64
	}
	all := make([]kv, 0, len(s.entries))
	for id, e := range s.entries {
		all = append(all, kv{id, e.seq})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })
	for _, e := range all[s.keep:] {
		delete(s.entries, e.id)
	}
}
