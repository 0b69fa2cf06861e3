package internal

import (
	"errors"
	"testing"
	"time"
)

func sendEnv(id string) Envelope {
	return Envelope{Type: TypeSend, CorrelationID: id, RoomID: "lobby", Body: "msg " + id}
}

func TestQueueDrainFIFO(t *testing.T) {
	q := NewSendQueue(3, time.Minute)
	q.Enqueue(sendEnv("c1"))
	q.Enqueue(sendEnv("c2"))
	q.Enqueue(sendEnv("c3"))

	var sent []string
	err := q.Drain(func(env Envelope) error {
		sent = append(sent, env.CorrelationID)
		return nil
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(sent) != 3 || sent[0] != "c1" || sent[1] != "c2" || sent[2] != "c3" {
		t.Fatalf("expected FIFO order, got %v", sent)
	}

	// everything is now in-flight; a second drain sends nothing
	sent = nil
	if err := q.Drain(func(env Envelope) error {
		sent = append(sent, env.CorrelationID)
		return nil
	}); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(sent) != 0 {
		t.Fatalf("expected no re-sends while awaiting acks, got %v", sent)
	}
}

func TestQueueAckRemovesAndIsIdempotent(t *testing.T) {
	q := NewSendQueue(3, time.Minute)
	q.Enqueue(sendEnv("c1"))
	if err := q.Drain(func(Envelope) error { return nil }); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !q.OnAck("c1") {
		t.Fatalf("expected first ack to remove the entry")
	}
	if q.OnAck("c1") {
		t.Fatalf("expected redelivered ack to be a no-op")
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue, got %d entries", q.Len())
	}
}

func TestQueueRetryBudget(t *testing.T) {
	q := NewSendQueue(3, time.Minute)
	q.Enqueue(sendEnv("c1"))

	boom := errors.New("link down")
	for attempt := 1; attempt <= 3; attempt++ {
		err := q.Drain(func(Envelope) error { return boom })
		if !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected transmit error, got %v", attempt, err)
		}
	}

	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].Status != SendFailed {
		t.Fatalf("expected entry failed after budget spent, got %+v", snap)
	}
	if snap[0].Attempts != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", snap[0].Attempts)
	}

	// failed entries never drain again
	if err := q.Drain(func(Envelope) error {
		t.Fatalf("failed entry must not be retransmitted")
		return nil
	}); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestQueueRejectFailsImmediately(t *testing.T) {
	q := NewSendQueue(3, time.Minute)
	q.Enqueue(sendEnv("c1"))
	if err := q.Drain(func(Envelope) error { return nil }); err != nil {
		t.Fatalf("drain: %v", err)
	}
	q.OnReject("c1")
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].Status != SendFailed {
		t.Fatalf("expected rejected entry marked failed, got %+v", snap)
	}
}

func TestQueueRequeueAll(t *testing.T) {
	q := NewSendQueue(3, time.Minute)
	q.Enqueue(sendEnv("c1"))
	q.Enqueue(sendEnv("c2"))
	if err := q.Drain(func(Envelope) error { return nil }); err != nil {
		t.Fatalf("drain: %v", err)
	}

	q.RequeueAll()
	var sent []string
	if err := q.Drain(func(env Envelope) error {
		sent = append(sent, env.CorrelationID)
		return nil
	}); err != nil {
		t.Fatalf("redrain: %v", err)
	}
	if len(sent) != 2 || sent[0] != "c1" || sent[1] != "c2" {
		t.Fatalf("expected both entries retransmitted in order, got %v", sent)
	}
}

func TestQueueExpireInFlight(t *testing.T) {
	q := NewSendQueue(3, time.Minute)
	now := time.Unix(1000, 0)
	q.now = func() time.Time { return now }

	q.Enqueue(sendEnv("c1"))
	if err := q.Drain(func(Envelope) error { return nil }); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if expired := q.ExpireInFlight(); len(expired) != 0 {
		t.Fatalf("expected nothing expired before deadline, got %v", expired)
	}

	now = now.Add(2 * time.Minute)
	expired := q.ExpireInFlight()
	if len(expired) != 1 || expired[0] != "c1" {
		t.Fatalf("expected c1 expired, got %v", expired)
	}
	snap := q.Snapshot()
	if snap[0].Status != SendPending {
		t.Fatalf("expected expired entry back to pending, got %v", snap[0].Status)
	}
}

func TestQueueClearFailed(t *testing.T) {
	q := NewSendQueue(1, time.Minute)
	q.Enqueue(sendEnv("dead"))
	q.Enqueue(sendEnv("alive"))

	// spend the single attempt on "dead" only
	first := true
	_ = q.Drain(func(env Envelope) error {
		if first {
			first = false
			return errors.New("boom")
		}
		return nil
	})
	_ = q.Drain(func(Envelope) error { return nil })

	removed := q.ClearFailed()
	if removed != 1 {
		t.Fatalf("expected 1 failed entry cleared, got %d", removed)
	}
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].Env.CorrelationID != "alive" {
		t.Fatalf("expected only the live entry to remain, got %+v", snap)
	}
}
