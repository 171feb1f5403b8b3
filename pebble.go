package nimbus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

// ============================================================================
// Pebble-Backed Queue Store
// ============================================================================

// PebbleStore is a durable QueueStore on a local Pebble database. Keys are
// queue!<channelID>!<enqueue-nanos>!<opID>; the zero-padded timestamp keeps
// the natural key order equal to enqueue order, so a prefix scan yields the
// replay order directly.
type PebbleStore struct {
	mu     sync.Mutex
	db     *pebble.DB
	closed bool
}

// OpenPebbleStore opens (or creates) the queue database at path.
func OpenPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func queueKey(msg QueuedMessage) []byte {
	return []byte(fmt.Sprintf("queue!%s!%020d!%s", msg.ChannelID, msg.EnqueuedAt.UnixNano(), msg.OpID))
}

func channelPrefix(channelID string) []byte {
	return []byte("queue!" + channelID + "!")
}

func (p *PebbleStore) Append(msg QueuedMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrQueueClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.db.Set(queueKey(msg), data, pebble.Sync); err != nil {
		return fmt.Errorf("append queue entry: %w", err)
	}
	return nil
}

func (p *PebbleStore) Channel(channelID string) ([]QueuedMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrQueueClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	prefix := channelPrefix(channelID)
	var out []QueuedMessage
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		v := append([]byte(nil), iter.Value()...)
		var msg QueuedMessage
		if err := json.Unmarshal(v, &msg); err != nil {
			return nil, fmt.Errorf("decode queue entry %q: %w", iter.Key(), err)
		}
		out = append(out, msg)
	}
	return out, iter.Error()
}

func (p *PebbleStore) Remove(channelID, opID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrQueueClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer iter.Close()

	prefix := channelPrefix(channelID)
	suffix := []byte("!" + opID)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !bytes.HasSuffix(iter.Key(), suffix) {
			continue
		}
		k := append([]byte(nil), iter.Key()...)
		if err := p.db.Delete(k, pebble.Sync); err != nil {
			return fmt.Errorf("remove queue entry: %w", err)
		}
		return nil
	}
	return iter.Error()
}

func (p *PebbleStore) Channels() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrQueueClosed
	}

	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	prefix := []byte("queue!")
	var out []string
	seen := make(map[string]bool)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		rest := string(iter.Key()[len(prefix):])
		ch, _, ok := strings.Cut(rest, "!")
		if !ok || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out, iter.Error()
}

func (p *PebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}
