package runspace

import (
	"sync"

	"github.com/telnet2/go-practice/go-runspace/engine"
)

// ResultSet is the ordered output of one invocation. It is appended to while
// the invocation drains and is read-only once sealed.
type ResultSet struct {
	mu      sync.RWMutex
	records []engine.Record
	sealed  bool
}

// NewResultSet returns a sealed set holding copies of records.
func NewResultSet(records ...engine.Record) *ResultSet {
	rs := &ResultSet{records: make([]engine.Record, 0, len(records))}
	for _, rec := range records {
		rs.records = append(rs.records, rec.Clone())
	}
	rs.sealed = true
	return rs
}

func (r *ResultSet) append(rec engine.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic("runspace: append to sealed result set")
	}
	r.records = append(r.records, rec)
}

// Seal marks the set complete. Sealing twice is a no-op.
func (r *ResultSet) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether the set is complete.
func (r *ResultSet) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Len returns the number of records.
func (r *ResultSet) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// At returns a copy of the i-th record.
func (r *ResultSet) At(i int) engine.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[i].Clone()
}

// Records returns deep copies of all records in emission order.
func (r *ResultSet) Records() []engine.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]engine.Record, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Clone()
	}
	return out
}
