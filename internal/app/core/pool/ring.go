package pool

import "github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"

// Ring is a fixed-capacity FIFO of deposit records. Head and Tail are
// monotonic counters; a record at counter c lives in Slots[c % cap].
type Ring struct {
	Slots []coinjoin.DepositRecord `json:"slots"`
	Head  uint64                   `json:"head"`
	Tail  uint64                   `json:"tail"`
}

// NewRing allocates a ring holding at most capacity records.
func NewRing(capacity uint32) Ring {
	return Ring{Slots: make([]coinjoin.DepositRecord, capacity)}
}

// Cap returns the capacity.
func (r *Ring) Cap() int { return len(r.Slots) }

// Len returns the number of queued records.
func (r *Ring) Len() int { return int(r.Tail - r.Head) }

// Slot maps a counter to its index in Slots.
func (r *Ring) Slot(counter uint64) int {
	return int(counter % uint64(len(r.Slots)))
}

// Push appends rec at the tail.
func (r *Ring) Push(rec coinjoin.DepositRecord) error {
	if len(r.Slots) == 0 || r.Len() >= len(r.Slots) {
		return coinjoin.ErrPoolFull
	}
	r.Slots[r.Slot(r.Tail)] = rec
	r.Tail++
	return nil
}

// At returns the i-th queued record counting from the head.
func (r *Ring) At(i int) (coinjoin.DepositRecord, bool) {
	if i < 0 || i >= r.Len() {
		return coinjoin.DepositRecord{}, false
	}
	return r.Slots[r.Slot(r.Head+uint64(i))], true
}

// Items returns the queued records in arrival order.
func (r *Ring) Items() []coinjoin.DepositRecord {
	out := make([]coinjoin.DepositRecord, 0, r.Len())
	for c := r.Head; c < r.Tail; c++ {
		out = append(out, r.Slots[r.Slot(c)])
	}
	return out
}

// Front returns up to k records from the head without removing them.
func (r *Ring) Front(k int) []coinjoin.DepositRecord {
	if k > r.Len() {
		k = r.Len()
	}
	out := make([]coinjoin.DepositRecord, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, r.Slots[r.Slot(r.Head+uint64(i))])
	}
	return out
}

// DropFront removes the first k records and returns them.
func (r *Ring) DropFront(k int) []coinjoin.DepositRecord {
	if k > r.Len() {
		k = r.Len()
	}
	dropped := r.Front(k)
	for i := 0; i < k; i++ {
		r.Slots[r.Slot(r.Head)] = coinjoin.DepositRecord{}
		r.Head++
	}
	return dropped
}

// Retain keeps the records for which keep returns true, in their original
// order, and returns the ones removed.
func (r *Ring) Retain(keep func(coinjoin.DepositRecord) bool) []coinjoin.DepositRecord {
	items := r.Items()
	var removed []coinjoin.DepositRecord
	for c := r.Head; c < r.Tail; c++ {
		r.Slots[r.Slot(c)] = coinjoin.DepositRecord{}
	}
	r.Tail = r.Head
	for _, rec := range items {
		if keep(rec) {
			r.Slots[r.Slot(r.Tail)] = rec
			r.Tail++
			continue
		}
		removed = append(removed, rec)
	}
	return removed
}

// Clone returns an independent copy.
func (r Ring) Clone() Ring {
	slots := make([]coinjoin.DepositRecord, len(r.Slots))
	copy(slots, r.Slots)
	return Ring{Slots: slots, Head: r.Head, Tail: r.Tail}
}
