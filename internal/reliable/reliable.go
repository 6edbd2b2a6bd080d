// Package reliable implements the selective-acknowledgement delivery layer
// that sits between the crypto session and the opaque channel transport. It
// gives an unreliable, unordered JSON channel at-most-once, in-order
// delivery semantics.
package reliable

import (
	"sort"
	"time"
)

// DefaultBaseTimeout is the base retransmit timeout; the schedule is
// base * 1.5^(attempts-1), clamped to MaxTimeout.
const DefaultBaseTimeout = 3 * time.Second

// MaxTimeout caps the exponential backoff schedule.
const MaxTimeout = 30 * time.Second

// MaxAttempts is how many times a message is transmitted in total, the
// first send included, before it is moved to the failed list.
const MaxAttempts = 10

// ReorderTTL bounds how long an out-of-order message waits in the reorder
// buffer before being evicted.
const ReorderTTL = 30 * time.Second

// HeartbeatInterval is the maximum gap between ACKs, even with no new data,
// so the peer can garbage-collect its pending map.
const HeartbeatInterval = 5 * time.Second

// Range is an inclusive contiguous span of sequence numbers, as carried in
// an Ack message.
type Range struct {
	Lo uint64
	Hi uint64
}

// Failed records a message that exhausted its retransmit budget.
type Failed struct {
	Seq     uint64
	Payload []byte
}

type pendingEntry struct {
	payload     []byte
	firstSentAt time.Time
	lastSentAt  time.Time
	attempts    int
}

// Sender tracks outbound sequence numbers and retransmission state for one
// peer direction.
type Sender struct {
	nextSeq     uint64
	pending     map[uint64]*pendingEntry
	failed      []Failed
	baseTimeout time.Duration
}

// NewSender creates a sender with the default backoff schedule.
func NewSender() *Sender {
	return NewSenderWithBaseTimeout(DefaultBaseTimeout)
}

// NewSenderWithBaseTimeout creates a sender with a custom base timeout,
// useful for tests that want the exhaustion schedule to run in milliseconds.
func NewSenderWithBaseTimeout(base time.Duration) *Sender {
	return &Sender{
		nextSeq:     1,
		pending:     make(map[uint64]*pendingEntry),
		baseTimeout: base,
	}
}

// Send assigns the next sequence number, records the message as pending,
// and returns the sequence number the caller should wrap in a Data message.
func (s *Sender) Send(payload []byte, now time.Time) uint64 {
	seq := s.nextSeq
	s.nextSeq++

	cp := append([]byte{}, payload...)
	s.pending[seq] = &pendingEntry{
		payload:     cp,
		firstSentAt: now,
		lastSentAt:  now,
		attempts:    1,
	}
	return seq
}

// timeoutFor returns the backoff delay for a given attempt count.
func timeoutFor(base time.Duration, attempts int) time.Duration {
	d := time.Duration(float64(base) * pow15(attempts-1))
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

func pow15(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 1.5
	}
	return result
}

// Retransmission is a message the caller should resend immediately.
type Retransmission struct {
	Seq     uint64
	Payload []byte
}

// Tick inspects every pending message and returns the ones due for
// retransmission, advancing their attempt counters. Messages that have hit
// MaxAttempts are removed from pending and appended to the failed list
// instead of being retransmitted again.
func (s *Sender) Tick(now time.Time) []Retransmission {
	var due []Retransmission

	// Sort for deterministic test behavior and so earliest-sent messages
	// are retransmitted first under a backlog.
	seqs := make([]uint64, 0, len(s.pending))
	for seq := range s.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	for _, seq := range seqs {
		entry := s.pending[seq]
		if now.Sub(entry.lastSentAt) < timeoutFor(s.baseTimeout, entry.attempts) {
			continue
		}

		if entry.attempts >= MaxAttempts {
			s.failed = append(s.failed, Failed{Seq: seq, Payload: entry.payload})
			delete(s.pending, seq)
			continue
		}

		entry.attempts++
		entry.lastSentAt = now
		due = append(due, Retransmission{Seq: seq, Payload: entry.payload})
	}

	return due
}

// ProcessAck removes every sequence covered by any of the given ranges from
// pending and returns the count removed. Repeated ACKs with the same ranges
// are idempotent: seqs no longer pending are simply not found again.
func (s *Sender) ProcessAck(ranges []Range) int {
	removed := 0
	for _, r := range ranges {
		for seq := r.Lo; seq <= r.Hi; seq++ {
			if _, ok := s.pending[seq]; ok {
				delete(s.pending, seq)
				removed++
			}
			if seq == ^uint64(0) {
				break // guard against overflow if Hi is max uint64
			}
		}
	}
	return removed
}

// FailedMessages returns the messages that exhausted their retransmit budget. The
// caller should log and may optionally clear it after handling.
func (s *Sender) FailedMessages() []Failed {
	return s.failed
}

// ClearFailed empties the failed list after the caller has handled it.
func (s *Sender) ClearFailed() {
	s.failed = nil
}

// PendingCount returns how many messages are awaiting acknowledgement.
func (s *Sender) PendingCount() int {
	return len(s.pending)
}

// Reset clears the pending messages and restarts numbering at 1; the failed
// list is kept until ClearFailed. Called when a
// session-reset signal arrives from the receiver side (the peer reloaded).
func (s *Sender) Reset() {
	s.nextSeq = 1
	s.pending = make(map[uint64]*pendingEntry)
}
