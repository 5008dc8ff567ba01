package room

import "sort"

// mutationBuffer holds mutations from arrival until the turn loop confirms
// they were durably processed. Entries are only removed via Ack so a failed
// commit retries the exact same set.
type mutationBuffer struct {
	pending []*PendingMutation
}

func newMutationBuffer() *mutationBuffer {
	return &mutationBuffer{}
}

func (b *mutationBuffer) Add(m *PendingMutation) {
	b.pending = append(b.pending, m)
}

func (b *mutationBuffer) Len() int {
	return len(b.pending)
}

// Due returns the mutations whose hold-back delay has elapsed, ordered by
// (serverReceivedTimestamp, clientID, id). The entries stay buffered until
// acked.
func (b *mutationBuffer) Due(nowMs, delayMs int64) []*PendingMutation {
	var due []*PendingMutation
	for _, m := range b.pending {
		if m.ServerReceivedTimestamp+delayMs <= nowMs {
			due = append(due, m)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		a, c := due[i], due[j]
		if a.ServerReceivedTimestamp != c.ServerReceivedTimestamp {
			return a.ServerReceivedTimestamp < c.ServerReceivedTimestamp
		}
		if a.ClientID != c.ClientID {
			return a.ClientID < c.ClientID
		}
		return a.ID < c.ID
	})
	return due
}

// Ack drops the given mutations from the buffer after a successful commit.
func (b *mutationBuffer) Ack(done []*PendingMutation) {
	if len(done) == 0 {
		return
	}
	drop := make(map[*PendingMutation]struct{}, len(done))
	for _, m := range done {
		drop[m] = struct{}{}
	}
	kept := b.pending[:0]
	for _, m := range b.pending {
		if _, ok := drop[m]; !ok {
			kept = append(kept, m)
		}
	}
	for i := len(kept); i < len(b.pending); i++ {
		b.pending[i] = nil
	}
	b.pending = kept
}

// NextDueAt reports the earliest time any buffered mutation becomes due, and
// whether the buffer is non-empty.
func (b *mutationBuffer) NextDueAt(delayMs int64) (int64, bool) {
	if len(b.pending) == 0 {
		return 0, false
	}
	earliest := b.pending[0].ServerReceivedTimestamp
	for _, m := range b.pending[1:] {
		if m.ServerReceivedTimestamp < earliest {
			earliest = m.ServerReceivedTimestamp
		}
	}
	return earliest + delayMs, true
}
