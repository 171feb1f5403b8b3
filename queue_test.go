package nimbus

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryQueueStore(t *testing.T) {
	entry := func(op, ch, content string, sec int) QueuedMessage {
		return QueuedMessage{
			OpID: op, ChannelID: ch, Content: content,
			EnqueuedAt: time.Date(2026, 3, 3, 8, 0, sec, 0, time.UTC),
		}
	}

	t.Run("preserves enqueue order", func(t *testing.T) {
		s := NewMemoryQueueStore()
		s.Append(entry("op1", "c1", "first", 1))
		s.Append(entry("op2", "c1", "second", 2))

		got, err := s.Channel("c1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].OpID != "op1" || got[1].OpID != "op2" {
			t.Errorf("entries = %+v, want op1 then op2", got)
		}
	})

	t.Run("remove and channel cleanup", func(t *testing.T) {
		s := NewMemoryQueueStore()
		s.Append(entry("op1", "c1", "only", 1))
		if err := s.Remove("c1", "op1"); err != nil {
			t.Fatal(err)
		}
		channels, _ := s.Channels()
		if len(channels) != 0 {
			t.Errorf("channels = %v, want empty after last entry removed", channels)
		}
	})

	t.Run("closed store rejects operations", func(t *testing.T) {
		s := NewMemoryQueueStore()
		s.Close()
		if err := s.Append(entry("op1", "c1", "x", 1)); !errors.Is(err, ErrQueueClosed) {
			t.Errorf("err = %v, want ErrQueueClosed", err)
		}
	})
}

func TestOfflineQueueReplay(t *testing.T) {
	t.Run("drains in order and removes after ack", func(t *testing.T) {
		f := newSenderFixture(t)
		f.queue.Enqueue("c1", "first")
		f.queue.Enqueue("c1", "second")

		var sent []string
		seq := 0
		f.rt.respond = func(typ EventType, payload interface{}) (*AckPayload, error) {
			send := payload.(SendPayload)
			sent = append(sent, send.Content)
			seq++
			return ackWith(t, MessageCreatedPayload{
				TempID: send.TempID,
				Message: Message{
					ID: send.Content, ChannelID: send.ChannelID, Content: send.Content,
					CreatedAt: time.Date(2026, 3, 3, 8, 0, seq, 0, time.UTC),
				},
			}), nil
		}

		if err := f.queue.ReplayChannel(context.Background(), "c1"); err != nil {
			t.Fatalf("ReplayChannel: %v", err)
		}
		if len(sent) != 2 || sent[0] != "first" || sent[1] != "second" {
			t.Errorf("replay order = %v, want first then second", sent)
		}
		if pending, _ := f.queue.Pending("c1"); len(pending) != 0 {
			t.Errorf("pending = %+v, want drained", pending)
		}
		if msgs := f.store.Messages("c1"); len(msgs) != 2 {
			t.Errorf("store has %d messages after replay, want 2", len(msgs))
		}
	})

	t.Run("stops on transport failure keeping the entry", func(t *testing.T) {
		f := newSenderFixture(t)
		f.queue.Enqueue("c1", "stuck")
		f.queue.Enqueue("c1", "behind")

		f.rt.respond = func(EventType, interface{}) (*AckPayload, error) {
			return nil, ErrAckTimeout
		}

		if err := f.queue.ReplayChannel(context.Background(), "c1"); err == nil {
			t.Fatal("replay succeeded despite transport failure")
		}
		pending, _ := f.queue.Pending("c1")
		if len(pending) != 2 {
			t.Errorf("pending = %d, want both entries kept for the next replay", len(pending))
		}
	})

	t.Run("rejected entries are dropped not retried forever", func(t *testing.T) {
		f := newSenderFixture(t)
		f.queue.Enqueue("c1", "invalid")
		f.queue.Enqueue("c1", "fine")

		f.rt.respond = func(typ EventType, payload interface{}) (*AckPayload, error) {
			send := payload.(SendPayload)
			if send.Content == "invalid" {
				return &AckPayload{Success: false, Error: "message too long"}, nil
			}
			return ackWith(t, MessageCreatedPayload{
				TempID:  send.TempID,
				Message: Message{ID: "m-fine", ChannelID: "c1", Content: send.Content, CreatedAt: time.Now()},
			}), nil
		}

		if err := f.queue.ReplayChannel(context.Background(), "c1"); err != nil {
			t.Fatalf("ReplayChannel: %v", err)
		}
		if pending, _ := f.queue.Pending("c1"); len(pending) != 0 {
			t.Errorf("pending = %+v, want empty (rejection dropped, rest sent)", pending)
		}
	})

	t.Run("replay all covers every channel", func(t *testing.T) {
		f := newSenderFixture(t)
		f.queue.Enqueue("c1", "one")
		f.queue.Enqueue("c2", "two")
		f.rt.respond = createdAck(t, "m1", time.Now())

		if err := f.queue.ReplayAll(context.Background()); err != nil {
			t.Fatalf("ReplayAll: %v", err)
		}
		channels, _ := f.queue.Channels()
		if len(channels) != 0 {
			t.Errorf("channels = %v, want all drained", channels)
		}
	})
}

func TestPebbleStore(t *testing.T) {
	open := func(t *testing.T) *PebbleStore {
		t.Helper()
		s, err := OpenPebbleStore(filepath.Join(t.TempDir(), "queue"))
		if err != nil {
			t.Fatalf("OpenPebbleStore: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}

	entry := func(op, ch, content string, sec int) QueuedMessage {
		return QueuedMessage{
			OpID: op, ChannelID: ch, Content: content,
			EnqueuedAt: time.Date(2026, 3, 3, 8, 0, sec, 0, time.UTC),
		}
	}

	t.Run("round trip in enqueue order", func(t *testing.T) {
		s := open(t)
		s.Append(entry("op2", "c1", "second", 2))
		s.Append(entry("op1", "c1", "first", 1))

		got, err := s.Channel("c1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || got[0].OpID != "op1" || got[1].OpID != "op2" {
			t.Errorf("entries = %+v, want op1 then op2 by enqueue time", got)
		}
	})

	t.Run("remove by op ID", func(t *testing.T) {
		s := open(t)
		s.Append(entry("op1", "c1", "a", 1))
		s.Append(entry("op2", "c1", "b", 2))

		if err := s.Remove("c1", "op1"); err != nil {
			t.Fatal(err)
		}
		got, _ := s.Channel("c1")
		if len(got) != 1 || got[0].OpID != "op2" {
			t.Errorf("entries = %+v, want only op2", got)
		}
	})

	t.Run("channels across prefixes", func(t *testing.T) {
		s := open(t)
		s.Append(entry("op1", "alpha", "a", 1))
		s.Append(entry("op2", "beta", "b", 1))
		s.Append(entry("op3", "alpha", "c", 2))

		channels, err := s.Channels()
		if err != nil {
			t.Fatal(err)
		}
		if len(channels) != 2 || channels[0] != "alpha" || channels[1] != "beta" {
			t.Errorf("channels = %v, want [alpha beta]", channels)
		}
	})

	t.Run("entries survive reopen", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "queue")
		s, err := OpenPebbleStore(dir)
		if err != nil {
			t.Fatal(err)
		}
		s.Append(entry("op1", "c1", "durable", 1))
		if err := s.Close(); err != nil {
			t.Fatal(err)
		}

		s2, err := OpenPebbleStore(dir)
		if err != nil {
			t.Fatal(err)
		}
		defer s2.Close()
		got, _ := s2.Channel("c1")
		if len(got) != 1 || got[0].Content != "durable" {
			t.Errorf("entries after reopen = %+v, want the durable entry", got)
		}
	})
}
