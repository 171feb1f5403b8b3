package nimbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// stubTransport records every outbound command and answers requests through a
// pluggable respond function.
type stubTransport struct {
	mu        sync.Mutex
	connected bool
	requests  []stubCommand
	emits     []stubCommand
	respond   func(typ EventType, payload interface{}) (*AckPayload, error)
}

type stubCommand struct {
	Typ     EventType
	Payload interface{}
}

func newStubTransport() *stubTransport {
	return &stubTransport{connected: true}
}

func (s *stubTransport) Request(ctx context.Context, typ EventType, payload interface{}) (*AckPayload, error) {
	s.mu.Lock()
	s.requests = append(s.requests, stubCommand{Typ: typ, Payload: payload})
	respond := s.respond
	s.mu.Unlock()
	if respond == nil {
		return &AckPayload{Success: true}, nil
	}
	return respond(typ, payload)
}

func (s *stubTransport) Emit(ctx context.Context, typ EventType, payload interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.emits = append(s.emits, stubCommand{Typ: typ, Payload: payload})
	return nil
}

func (s *stubTransport) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubTransport) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *stubTransport) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *stubTransport) emitted(typ EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.emits {
		if c.Typ == typ {
			n++
		}
	}
	return n
}

// ackWith marshals v into a successful ack.
func ackWith(t *testing.T, v interface{}) *AckPayload {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal ack data: %v", err)
	}
	return &AckPayload{Success: true, Data: data}
}

// createdAck answers a message:send with a confirmation echoing the temp ID.
func createdAck(t *testing.T, id string, at time.Time) func(EventType, interface{}) (*AckPayload, error) {
	t.Helper()
	return func(typ EventType, payload interface{}) (*AckPayload, error) {
		send, ok := payload.(SendPayload)
		if !ok {
			t.Fatalf("unexpected payload type %T", payload)
		}
		return ackWith(t, MessageCreatedPayload{
			TempID: send.TempID,
			Message: Message{
				ID:        id,
				ChannelID: send.ChannelID,
				Content:   send.Content,
				SenderID:  "u1",
				CreatedAt: at,
			},
		}), nil
	}
}

type senderFixture struct {
	rt      *stubTransport
	store   *MessageStore
	tracker *DeliveryTracker
	queue   *OfflineQueue
	sender  *Sender
}

func newSenderFixture(t *testing.T) *senderFixture {
	t.Helper()
	f := &senderFixture{
		rt:      newStubTransport(),
		store:   NewMessageStore(),
		tracker: NewDeliveryTracker(),
		queue:   NewOfflineQueue(NewMemoryQueueStore()),
	}
	f.sender = NewSender(f.rt, f.store, f.tracker, f.queue, UserRef{ID: "u1", Username: "alice"}, nil)
	f.queue.Bind(f.sender)

	// Deterministic pipeline: no real sleeps, sequential temp IDs and times.
	f.sender.sleep = func(time.Duration) {}
	var seq int
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.sender.now = func() time.Time {
		seq++
		return base.Add(time.Duration(seq) * time.Second)
	}
	tmpSeq := 0
	f.sender.newTempID = func() string {
		tmpSeq++
		return fmt.Sprintf("tmp-%d", tmpSeq)
	}
	return f
}

// ============================================================================
// Sender
// ============================================================================

func TestSenderSend(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		f := newSenderFixture(t)
		f.rt.respond = createdAck(t, "m1", time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC))

		msg, err := f.sender.Send(context.Background(), "c1", "hello")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if msg.ID != "m1" {
			t.Errorf("confirmed ID = %q, want m1", msg.ID)
		}

		msgs := f.store.Messages("c1")
		if len(msgs) != 1 {
			t.Fatalf("store has %d messages, want 1", len(msgs))
		}
		if msgs[0].ID != "m1" || msgs[0].TempID != "" {
			t.Errorf("store entry = %+v, want confirmed m1 with no temp ID", msgs[0])
		}

		status, ok := f.tracker.Status("m1")
		if !ok || status != StatusSent {
			t.Errorf("status = %v (%v), want sent", status, ok)
		}
		// Temp ID still resolves after confirmation.
		if status, _ := f.tracker.Status("tmp-1"); status != StatusSent {
			t.Errorf("status by temp ID = %v, want sent", status)
		}
	})

	t.Run("empty content", func(t *testing.T) {
		f := newSenderFixture(t)
		if _, err := f.sender.Send(context.Background(), "c1", "   \n\t"); !errors.Is(err, ErrEmptyMessage) {
			t.Fatalf("err = %v, want ErrEmptyMessage", err)
		}
		if f.rt.requestCount() != 0 {
			t.Error("empty send reached the transport")
		}
	})

	t.Run("not connected", func(t *testing.T) {
		f := newSenderFixture(t)
		f.rt.setConnected(false)
		if _, err := f.sender.Send(context.Background(), "c1", "hi"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("err = %v, want ErrNotConnected", err)
		}
		if len(f.store.Messages("c1")) != 0 {
			t.Error("offline send left an optimistic entry")
		}
	})

	t.Run("rejection is not retried", func(t *testing.T) {
		f := newSenderFixture(t)
		f.rt.respond = func(EventType, interface{}) (*AckPayload, error) {
			return &AckPayload{Success: false, Error: "channel not found"}, nil
		}

		_, err := f.sender.Send(context.Background(), "nope", "hi")
		if !errors.Is(err, ErrSendRejected) {
			t.Fatalf("err = %v, want ErrSendRejected", err)
		}
		if got := err.Error(); got != "channel not found: send rejected" {
			t.Errorf("err text = %q", got)
		}
		if f.rt.requestCount() != 1 {
			t.Errorf("requests = %d, want 1 (rejections never retry)", f.rt.requestCount())
		}
		if len(f.store.Messages("nope")) != 0 {
			t.Error("rejected send left an optimistic entry")
		}
		if _, ok := f.tracker.Status("tmp-1"); ok {
			t.Error("rejected send left a tracker record")
		}
		if pending, _ := f.queue.Pending("nope"); len(pending) != 0 {
			t.Error("rejected send was queued for replay")
		}
	})

	t.Run("transport errors retried until success", func(t *testing.T) {
		f := newSenderFixture(t)
		calls := 0
		f.rt.respond = func(typ EventType, payload interface{}) (*AckPayload, error) {
			calls++
			if calls < 3 {
				return nil, ErrAckTimeout
			}
			return createdAck(t, "m9", time.Now())(typ, payload)
		}

		msg, err := f.sender.Send(context.Background(), "c1", "retry me")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if msg.ID != "m9" || calls != 3 {
			t.Errorf("got %q after %d calls, want m9 after 3", msg.ID, calls)
		}
	})

	t.Run("exhaustion lands in offline queue", func(t *testing.T) {
		f := newSenderFixture(t)
		f.rt.respond = func(EventType, interface{}) (*AckPayload, error) {
			return nil, ErrAckTimeout
		}

		_, err := f.sender.Send(context.Background(), "c1", "doomed")
		if err == nil || !errors.Is(err, ErrAckTimeout) {
			t.Fatalf("err = %v, want wrapped ErrAckTimeout", err)
		}
		if f.rt.requestCount() != 3 {
			t.Errorf("requests = %d, want 3", f.rt.requestCount())
		}
		if len(f.store.Messages("c1")) != 0 {
			t.Error("exhausted send left an optimistic entry")
		}
		pending, err := f.queue.Pending("c1")
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != 1 || pending[0].Content != "doomed" {
			t.Errorf("queue = %+v, want one entry with the original content", pending)
		}
	})
}

// ============================================================================
// Message Store
// ============================================================================

func TestMessageStore(t *testing.T) {
	at := func(sec int) time.Time {
		return time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC)
	}

	t.Run("created replaces optimistic atomically", func(t *testing.T) {
		s := NewMessageStore()
		s.ApplyOptimistic(Message{TempID: "tmp-1", ChannelID: "c1", Content: "hi", CreatedAt: at(1)})
		s.ApplyCreated(MessageCreatedPayload{
			TempID:  "tmp-1",
			Message: Message{ID: "m1", ChannelID: "c1", Content: "hi", CreatedAt: at(2)},
		})

		msgs := s.Messages("c1")
		if len(msgs) != 1 {
			t.Fatalf("messages = %d, want 1 (no duplicate for the same send)", len(msgs))
		}
		if msgs[0].ID != "m1" {
			t.Errorf("entry = %+v, want confirmed m1", msgs[0])
		}
	})

	t.Run("duplicate created events are idempotent", func(t *testing.T) {
		s := NewMessageStore()
		s.ApplyOptimistic(Message{TempID: "tmp-1", ChannelID: "c1", Content: "hi", CreatedAt: at(1)})
		p := MessageCreatedPayload{
			TempID:  "tmp-1",
			Message: Message{ID: "m1", ChannelID: "c1", Content: "hi", CreatedAt: at(2)},
		}
		s.ApplyCreated(p)
		s.ApplyCreated(p)
		s.ApplyCreated(p)
		if len(s.Messages("c1")) != 1 {
			t.Errorf("messages = %d, want exactly 1 after duplicate confirmations", len(s.Messages("c1")))
		}
	})

	t.Run("created without optimistic entry inserts", func(t *testing.T) {
		s := NewMessageStore()
		s.ApplyCreated(MessageCreatedPayload{
			TempID:  "tmp-unknown",
			Message: Message{ID: "m1", ChannelID: "c1", Content: "hi", CreatedAt: at(1)},
		})
		if len(s.Messages("c1")) != 1 {
			t.Fatal("confirmed message was dropped")
		}
	})

	t.Run("new is deduplicated by ID", func(t *testing.T) {
		s := NewMessageStore()
		m := Message{ID: "m1", ChannelID: "c1", Content: "hi", CreatedAt: at(1)}
		s.ApplyNew(m)
		s.ApplyNew(m)
		if len(s.Messages("c1")) != 1 {
			t.Errorf("messages = %d, want 1", len(s.Messages("c1")))
		}
	})

	t.Run("sorted by creation time", func(t *testing.T) {
		s := NewMessageStore()
		s.ApplyNew(Message{ID: "m3", ChannelID: "c1", Content: "c", CreatedAt: at(3)})
		s.ApplyNew(Message{ID: "m1", ChannelID: "c1", Content: "a", CreatedAt: at(1)})
		s.ApplyNew(Message{ID: "m2", ChannelID: "c1", Content: "b", CreatedAt: at(2)})

		msgs := s.Messages("c1")
		for i, want := range []string{"m1", "m2", "m3"} {
			if msgs[i].ID != want {
				t.Fatalf("order = %v, want m1,m2,m3", []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
			}
		}
	})

	t.Run("failed removes only the temp entry", func(t *testing.T) {
		s := NewMessageStore()
		s.ApplyNew(Message{ID: "m1", ChannelID: "c1", CreatedAt: at(1)})
		s.ApplyOptimistic(Message{TempID: "tmp-1", ChannelID: "c1", CreatedAt: at(2)})
		s.ApplyFailed("c1", "tmp-1")

		msgs := s.Messages("c1")
		if len(msgs) != 1 || msgs[0].ID != "m1" {
			t.Errorf("messages = %+v, want only m1", msgs)
		}
	})

	t.Run("history merge skips held messages", func(t *testing.T) {
		s := NewMessageStore()
		s.ApplyNew(Message{ID: "m2", ChannelID: "c1", CreatedAt: at(2)})
		s.MergeHistory("c1", []Message{
			{ID: "m1", CreatedAt: at(1)},
			{ID: "m2", CreatedAt: at(2)},
			{ID: "m3", CreatedAt: at(3)},
		})

		msgs := s.Messages("c1")
		if len(msgs) != 3 {
			t.Fatalf("messages = %d, want 3", len(msgs))
		}
		if msgs[0].ID != "m1" || msgs[2].ID != "m3" {
			t.Errorf("merge order wrong: %+v", msgs)
		}
	})

	t.Run("reaction dedupe", func(t *testing.T) {
		s := NewMessageStore()
		s.ApplyNew(Message{ID: "m1", ChannelID: "c1", CreatedAt: at(1)})
		r := Reaction{Emoji: "👍", UserID: "u2"}
		s.ApplyReaction("c1", "m1", r)
		s.ApplyReaction("c1", "m1", r)
		if n := len(s.Messages("c1")[0].Reactions); n != 1 {
			t.Errorf("reactions = %d, want 1", n)
		}
	})
}
