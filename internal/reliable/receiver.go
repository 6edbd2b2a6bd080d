package reliable

import (
	"sort"
	"time"
)

type bufferedEntry struct {
	payload    []byte
	receivedAt time.Time
}

// Receiver tracks inbound sequence numbers for one peer direction: which
// seqs have been delivered, which are buffered awaiting earlier seqs, and
// detects the peer having reset its own sender (e.g. a browser reload).
type Receiver struct {
	nextExpected uint64
	received     map[uint64]struct{}
	reorder      map[uint64]bufferedEntry
	reorderTTL   time.Duration
}

// NewReceiver creates a receiver expecting seq 1 first, using the default
// reorder buffer TTL.
func NewReceiver() *Receiver {
	return NewReceiverWithTTL(ReorderTTL)
}

// NewReceiverWithTTL creates a receiver with a custom reorder buffer TTL,
// useful for tests and for configuring ReorderBufferTTLSeconds.
func NewReceiverWithTTL(ttl time.Duration) *Receiver {
	return &Receiver{
		nextExpected: 1,
		received:     make(map[uint64]struct{}),
		reorder:      make(map[uint64]bufferedEntry),
		reorderTTL:   ttl,
	}
}

// Receive processes one inbound (seq, payload) pair. It returns the
// payloads that become deliverable as a result (in order; zero or more),
// and whether this call detected a peer session reset.
//
// Session reset: seq == 1 arriving while next_expected > 1 means the peer's
// own sender restarted numbering from scratch (its counters reset), most
// commonly because the peer's process reloaded. The receiver clears all of
// its tracking state and treats the new seq=1 as the start of a fresh
// stream.
func (r *Receiver) Receive(seq uint64, payload []byte, now time.Time) (delivered [][]byte, reset bool) {
	r.evictExpired(now)

	if seq == 1 && r.nextExpected > 1 {
		r.received = make(map[uint64]struct{})
		r.reorder = make(map[uint64]bufferedEntry)
		r.nextExpected = 1
		reset = true
	}

	if _, dup := r.received[seq]; dup {
		return nil, reset
	}

	switch {
	case seq == r.nextExpected:
		r.received[seq] = struct{}{}
		delivered = append(delivered, payload)
		r.nextExpected++
		delivered = append(delivered, r.drainReorderBuffer()...)
	case seq > r.nextExpected:
		r.received[seq] = struct{}{}
		r.reorder[seq] = bufferedEntry{payload: payload, receivedAt: now}
	default:
		// seq < nextExpected: old duplicate-of-delivered, drop.
	}

	return delivered, reset
}

// drainReorderBuffer delivers every buffered message contiguous from the
// current next_expected, advancing it as it goes.
func (r *Receiver) drainReorderBuffer() [][]byte {
	var out [][]byte
	for {
		entry, ok := r.reorder[r.nextExpected]
		if !ok {
			break
		}
		out = append(out, entry.payload)
		delete(r.reorder, r.nextExpected)
		r.nextExpected++
	}
	return out
}

// evictExpired drops reorder-buffer entries older than ReorderTTL. Their
// seqs remain in `received` (they were handed to the app's bookkeeping the
// moment they arrived) but the payload itself is discarded; if the gap they
// were filling is never closed, the sender's own retransmit exhaustion
// handles cleanup on that side.
func (r *Receiver) evictExpired(now time.Time) {
	for seq, entry := range r.reorder {
		if now.Sub(entry.receivedAt) > r.reorderTTL {
			delete(r.reorder, seq)
		}
	}
}

// AckRanges encodes the received set into its minimal disjoint
// maximal-contiguous-range representation, e.g. {1,2,3,5,7,8} -> [(1,3),(5,5),(7,8)].
func (r *Receiver) AckRanges() []Range {
	if len(r.received) == 0 {
		return nil
	}

	seqs := make([]uint64, 0, len(r.received))
	for seq := range r.received {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	var ranges []Range
	start := seqs[0]
	prev := seqs[0]
	for _, seq := range seqs[1:] {
		if seq == prev+1 {
			prev = seq
			continue
		}
		ranges = append(ranges, Range{Lo: start, Hi: prev})
		start = seq
		prev = seq
	}
	ranges = append(ranges, Range{Lo: start, Hi: prev})
	return ranges
}

// NextExpected exposes the next sequence number this receiver has not yet
// delivered in order, mostly for tests and diagnostics.
func (r *Receiver) NextExpected() uint64 {
	return r.nextExpected
}
