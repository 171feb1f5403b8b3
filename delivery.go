package nimbus

import (
	"sort"
	"sync"
)

// ============================================================================
// Delivery/Read State Tracker
// ============================================================================

// DeliveryTracker owns the message-id → delivery status mapping and the
// per-message read-receipt sets. Status is driven by server-pushed events;
// the only locally inferred state is the initial "sending" of an optimistic
// entry. "read" in particular is a server-asserted fact, never a client guess.
//
// Statuses advance monotonically (sending → sent → delivered → read); a
// delivered event can never demote a read message. failed is terminal for the
// attempt; a retry is a new attempt under a new temp ID.
type DeliveryTracker struct {
	mu       sync.RWMutex
	statuses map[string]DeliveryStatus
	receipts map[string]map[string]ReadReceipt
	// aliases maps a temp ID to its confirmed server ID so that events still
	// referencing the temp ID (out-of-order delivery) land on the right record.
	aliases map[string]string
	// early buffers advancements that arrive before the record exists, e.g. a
	// delivered push racing the send confirmation. Merged in Confirm. Pushes
	// for messages other clients authored never see a Confirm, so the buffer
	// is capped; the oldest entries fall out first.
	early      map[string]DeliveryStatus
	earlyOrder []string
}

// maxEarlyBuffered caps the early buffer. Advancements racing their own send
// confirmation reconcile within one round-trip, so a small window suffices.
const maxEarlyBuffered = 256

// NewDeliveryTracker creates an empty tracker.
func NewDeliveryTracker() *DeliveryTracker {
	return &DeliveryTracker{
		statuses: make(map[string]DeliveryStatus),
		receipts: make(map[string]map[string]ReadReceipt),
		aliases:  make(map[string]string),
		early:    make(map[string]DeliveryStatus),
	}
}

// TrackSending records the optimistic initial status for a temp ID.
func (t *DeliveryTracker) TrackSending(tempID string) {
	t.mu.Lock()
	t.statuses[tempID] = StatusSending
	t.mu.Unlock()
}

// Confirm moves the record from the temp ID to the server ID and advances it
// to sent. Receipts accumulated against the temp ID (racy pushes) move too.
func (t *DeliveryTracker) Confirm(tempID, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, ok := t.statuses[tempID]
	delete(t.statuses, tempID)
	if !ok {
		prev = StatusSending
	}
	if prev < StatusSent {
		prev = StatusSent
	}
	if cur, ok := t.statuses[messageID]; ok && cur > prev && cur != StatusFailed {
		prev = cur
	}
	if buf, ok := t.early[messageID]; ok {
		delete(t.early, messageID)
		if buf > prev {
			prev = buf
		}
	}
	t.statuses[messageID] = prev
	t.aliases[tempID] = messageID

	if rs, ok := t.receipts[tempID]; ok {
		delete(t.receipts, tempID)
		if t.receipts[messageID] == nil {
			t.receipts[messageID] = rs
		} else {
			for u, r := range rs {
				t.receipts[messageID][u] = r
			}
		}
	}
}

// Advance raises the status for a message. Events for unknown messages
// (delivered before created reached us) are buffered and reconciled when the
// record is confirmed. Advancement never lowers a status.
func (t *DeliveryTracker) Advance(id string, status DeliveryStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id = t.resolve(id)
	cur, ok := t.statuses[id]
	if !ok {
		t.bufferEarly(id, status)
		return
	}
	if cur == StatusFailed || status <= cur {
		return
	}
	t.statuses[id] = status
}

// Fail marks the attempt failed regardless of prior status.
func (t *DeliveryTracker) Fail(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[t.resolve(id)] = StatusFailed
}

// Clear drops the record for a message (failed optimistic entries leave no
// residue).
func (t *DeliveryTracker) Clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id = t.resolve(id)
	delete(t.statuses, id)
	delete(t.receipts, id)
	delete(t.early, id)
}

// Status returns the delivery status for a message or temp ID.
func (t *DeliveryTracker) Status(id string) (DeliveryStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[t.resolve(id)]
	return s, ok
}

// AddReceipt records a read receipt and advances the message to read. A
// duplicate receipt for the same user is a no-op.
func (t *DeliveryTracker) AddReceipt(messageID string, r ReadReceipt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	messageID = t.resolve(messageID)

	if t.receipts[messageID] == nil {
		t.receipts[messageID] = make(map[string]ReadReceipt)
	}
	if _, seen := t.receipts[messageID][r.UserID]; seen {
		return
	}
	t.receipts[messageID][r.UserID] = r

	if cur, ok := t.statuses[messageID]; ok {
		if cur != StatusFailed && cur < StatusRead {
			t.statuses[messageID] = StatusRead
		}
	} else {
		t.bufferEarly(messageID, StatusRead)
	}
}

// bufferEarly records an advancement for a not-yet-known message, evicting the
// oldest buffered ids once the cap is reached. Caller holds the lock.
func (t *DeliveryTracker) bufferEarly(id string, status DeliveryStatus) {
	if _, ok := t.early[id]; !ok {
		for len(t.early) >= maxEarlyBuffered && len(t.earlyOrder) > 0 {
			oldest := t.earlyOrder[0]
			t.earlyOrder = t.earlyOrder[1:]
			delete(t.early, oldest)
		}
		t.earlyOrder = append(t.earlyOrder, id)
	}
	if status > t.early[id] {
		t.early[id] = status
	}
}

// Receipts returns the receipts for a message ordered by user ID.
func (t *DeliveryTracker) Receipts(messageID string) []ReadReceipt {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rs := t.receipts[t.resolve(messageID)]
	out := make([]ReadReceipt, 0, len(rs))
	for _, r := range rs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// resolve follows a temp-ID alias to the confirmed server ID. Caller holds
// at least a read lock.
func (t *DeliveryTracker) resolve(id string) string {
	if real, ok := t.aliases[id]; ok {
		return real
	}
	return id
}
