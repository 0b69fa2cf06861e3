package internal

import (
	"sync"
	"time"
)

// SendStatus tracks a queued send through its lifecycle.
type SendStatus int

const (
	SendPending SendStatus = iota
	SendInFlight
	SendFailed
)

func (s SendStatus) String() string {
	switch s {
	case SendPending:
		return "pending"
	case SendInFlight:
		return "in-flight"
	case SendFailed:
		return "failed"
	}
	return "unknown"
}

// QueuedSend is one locally buffered submission awaiting a server ack.
type QueuedSend struct {
	Env        Envelope
	Status     SendStatus
	Attempts   int
	EnqueuedAt time.Time
	Deadline   time.Time
}

// SendQueue buffers a user's submissions while the transport is down or an
// ack is outstanding. It is owned by a single connection; the mutex only
// covers the read loop racing the UI. Entries keep their submission order
// for the lifetime of the queue, so drains always go out FIFO.
type SendQueue struct {
	mu          sync.Mutex
	entries     []*QueuedSend
	maxAttempts int
	ackTimeout  time.Duration
	now         func() time.Time
}

const (
	defaultMaxAttempts = 3
	defaultAckTimeout  = 10 * time.Second
)

// NewSendQueue builds an empty queue. maxAttempts <= 0 and ackTimeout <= 0
// fall back to the defaults.
func NewSendQueue(maxAttempts int, ackTimeout time.Duration) *SendQueue {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	return &SendQueue{maxAttempts: maxAttempts, ackTimeout: ackTimeout, now: time.Now}
}

// Enqueue appends a pending entry and returns immediately; the caller's UI
// never waits on network state.
func (q *SendQueue) Enqueue(env Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, &QueuedSend{
		Env:        env,
		Status:     SendPending,
		EnqueuedAt: q.now(),
	})
}

// Drain transmits every pending entry in FIFO order, marking each in-flight
// until its ack or failure arrives. A transmit error counts as a transport
// failure for that entry and stops the drain, since the link is gone.
func (q *SendQueue) Drain(send func(Envelope) error) error {
	for {
		entry := q.nextPending()
		if entry == nil {
			return nil
		}
		if err := send(entry.Env); err != nil {
			q.OnTransportFailure(entry.Env.CorrelationID)
			return err
		}
	}
}

// nextPending marks the oldest pending entry in-flight and returns it.
func (q *SendQueue) nextPending() *QueuedSend {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range q.entries {
		if entry.Status == SendPending {
			entry.Status = SendInFlight
			entry.Attempts++
			entry.Deadline = q.now().Add(q.ackTimeout)
			return entry
		}
	}
	return nil
}

// OnAck removes the matching entry. Redelivered acks for already removed
// correlation ids are a no-op.
func (q *SendQueue) OnAck(correlationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, entry := range q.entries {
		if entry.Env.CorrelationID == correlationID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// OnTransportFailure reverts the entry to pending for the next drain, or
// marks it failed once the retry budget is spent. Failed entries stay until
// ClearFailed so the user's content is never silently dropped.
func (q *SendQueue) OnTransportFailure(correlationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range q.entries {
		if entry.Env.CorrelationID != correlationID {
			continue
		}
		if entry.Attempts >= q.maxAttempts {
			entry.Status = SendFailed
		} else {
			entry.Status = SendPending
		}
		return
	}
}

// OnReject marks the entry failed outright. Authorization and persistence
// rejects are never retried automatically.
func (q *SendQueue) OnReject(correlationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range q.entries {
		if entry.Env.CorrelationID == correlationID {
			entry.Status = SendFailed
			return
		}
	}
}

// RequeueAll reverts every in-flight entry to pending. Called when the
// transport drops with acks outstanding; attempts already spent count
// against the budget.
func (q *SendQueue) RequeueAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range q.entries {
		if entry.Status != SendInFlight {
			continue
		}
		if entry.Attempts >= q.maxAttempts {
			entry.Status = SendFailed
		} else {
			entry.Status = SendPending
		}
	}
}

// ExpireInFlight sweeps in-flight entries whose ack deadline passed and
// returns their correlation ids. The connection treats each as a transport
// failure.
func (q *SendQueue) ExpireInFlight() []string {
	q.mu.Lock()
	now := q.now()
	var expired []string
	for _, entry := range q.entries {
		if entry.Status == SendInFlight && now.After(entry.Deadline) {
			expired = append(expired, entry.Env.CorrelationID)
		}
	}
	q.mu.Unlock()
	for _, id := range expired {
		q.OnTransportFailure(id)
	}
	return expired
}

// ClearFailed discards failed entries only, leaving pending and in-flight
// untouched. Explicit user action, never automatic.
func (q *SendQueue) ClearFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	removed := 0
	for _, entry := range q.entries {
		if entry.Status == SendFailed {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	q.entries = kept
	return removed
}

// Snapshot copies the current entries for display.
func (q *SendQueue) Snapshot() []QueuedSend {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedSend, len(q.entries))
	for i, entry := range q.entries {
		out[i] = *entry
	}
	return out
}

// Len reports the number of buffered entries in any status.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
