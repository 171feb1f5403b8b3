package nimbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrAuthRejected is returned when the server rejects the connection
	// credential at handshake. It is never retried automatically; update the
	// credential and reconnect.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrConnectionFailed is returned when the reconnect attempt budget is
	// exhausted without establishing a connection.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrNotConnected is returned for emits attempted without a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrAckTimeout is returned when a correlated request receives no
	// acknowledgment within the configured window.
	ErrAckTimeout = errors.New("acknowledgment timeout")

	// ErrConnectionClosed is returned for correlated requests that were
	// in flight when the connection dropped.
	ErrConnectionClosed = errors.New("connection closed")
)

// errSuperseded aborts a connect cycle once a newer Connect or
// UpdateCredentials call has taken ownership of the connection.
var errSuperseded = errors.New("connect cycle superseded")

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime connection.
type RealtimeConfig struct {
	AutoReconnect      bool
	MaxConnectAttempts int
	ReconnectDelay     time.Duration
	ReconnectJitter    time.Duration
	AckTimeout         time.Duration
	HandshakeTimeout   time.Duration
	HTTPClient         *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.MaxConnectAttempts == 0 {
		c.MaxConnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 1500 * time.Millisecond
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = 500 * time.Millisecond
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	// StateAuthError is entered when the handshake credential is rejected.
	// No automatic retry; requires UpdateCredentials to resume.
	StateAuthError ConnState = "auth-error"
	// StateFailed is the terminal state after exhausting reconnect attempts.
	StateFailed ConnState = "failed"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// Handlers run synchronously on the read loop so that events for a given
// message are observed in transport-delivery order.
type eventDispatcher struct {
	mu                 sync.RWMutex
	onAuthenticated    []func(AuthenticatedPayload)
	onAuthError        []func(AuthErrorPayload)
	onMessageNew       []func(MessageNewPayload)
	onMessageCreated   []func(MessageCreatedPayload)
	onMessageDeliv     []func(MessageDeliveredPayload)
	onMessageFailed    []func(MessageFailedPayload)
	onMessageRead      []func(MessageReadPayload)
	onReplyCreated     []func(ThreadReplyCreatedPayload)
	onReplyDelivered   []func(ThreadReplyDeliveredPayload)
	onReplyFailed      []func(ThreadReplyFailedPayload)
	onTypingStart      []func(TypingPayload)
	onTypingStop       []func(TypingPayload)
	onConnected        []func()
	onDisconnected     []func(code int, reason string)
	onReconnecting     []func(attempt int, delay time.Duration)
	onConnectionFailed []func(attempts int, err error)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{}
}

// dispatch decodes the envelope payload and fans it out to the typed handlers.
// The switch is exhaustive over the inbound EventType set; unknown types are
// dropped so protocol additions do not break older clients.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case EventAuthenticated:
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthenticated {
				h(p)
			}
		}
	case EventAuthError:
		var p AuthErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthError {
				h(p)
			}
		}
	case EventMessageNew:
		var p MessageNewPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessageNew {
				h(p)
			}
		}
	case EventMessageCreated:
		var p MessageCreatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessageCreated {
				h(p)
			}
		}
	case EventMessageDelivered:
		var p MessageDeliveredPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessageDeliv {
				h(p)
			}
		}
	case EventMessageFailed:
		var p MessageFailedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessageFailed {
				h(p)
			}
		}
	case EventMessageRead:
		var p MessageReadPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onMessageRead {
				h(p)
			}
		}
	case EventThreadReplyCreated:
		var p ThreadReplyCreatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onReplyCreated {
				h(p)
			}
		}
	case EventThreadReplyDelivered:
		var p ThreadReplyDeliveredPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onReplyDelivered {
				h(p)
			}
		}
	case EventThreadReplyFailed:
		var p ThreadReplyFailedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onReplyFailed {
				h(p)
			}
		}
	case EventTypingStart:
		var p TypingPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onTypingStart {
				h(p)
			}
		}
	case EventTypingStop:
		var p TypingPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onTypingStop {
				h(p)
			}
		}
	case EventAck:
		// Resolved in the read loop before dispatch.
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

func (d *eventDispatcher) emitConnectionFailed(attempts int, err error) {
	d.mu.RLock()
	handlers := append([]func(int, error){}, d.onConnectionFailed...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempts, err)
	}
}

func (d *eventDispatcher) emitAuthError(p AuthErrorPayload) {
	d.mu.RLock()
	handlers := append([]func(AuthErrorPayload){}, d.onAuthError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(p)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks connection attempts within one connect cycle. The delay
// between attempts is fixed plus jitter; the attempt budget covers the whole
// cycle, so MaxConnectAttempts=5 means at most five dials before StateFailed.
type reconnector struct {
	delay       time.Duration
	jitter      time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		delay:       config.ReconnectDelay,
		jitter:      config.ReconnectJitter,
		maxAttempts: config.MaxConnectAttempts,
	}
}

// shouldRetry reports whether another attempt fits in the budget. attempt
// counts completed dials, so the first dial is always allowed.
func (r *reconnector) shouldRetry() bool {
	return r.maxAttempts == 0 || r.attempt+1 < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that held for a minute earns a fresh attempt budget.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.attempt++
	if r.jitter <= 0 {
		return r.delay
	}
	return r.delay + time.Duration(rand.Int63n(int64(r.jitter)))
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient owns the single persistent connection to the messaging
// backend: credential attachment, reconnect/backoff, and event subscription.
//
// Only the client itself mutates connection state. Dependent components check
// IsConnected before emitting and otherwise treat the client as read-only.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig

	mu               sync.Mutex
	cred             Credential
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	// gen identifies the current connect cycle. Connect, Disconnect, and the
	// drop path each bump it; a cycle that wakes up holding a stale gen has
	// been superseded and must not dial or touch state.
	gen int

	dispatcher *eventDispatcher
	recon      *reconnector

	pendingMu sync.Mutex
	pending   map[string]chan AckPayload
}

// NewRealtimeClient creates a realtime client for the given backend base URL
// and credential. Call Connect to establish the connection.
func NewRealtimeClient(baseURL string, cred Credential, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		cred:       cred,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
		pending:    make(map[string]chan AckPayload),
	}
}

// State returns the current connection state.
func (rt *RealtimeClient) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// IsConnected reports whether the connection is ready for traffic.
func (rt *RealtimeClient) IsConnected() bool {
	return rt.State() == StateConnected
}

// Credential returns the currently attached credential.
func (rt *RealtimeClient) Credential() Credential {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cred
}

// ── Handler registration ─────────────────────────────────

// OnAuthenticated registers a handler for the handshake acceptance event.
func (rt *RealtimeClient) OnAuthenticated(h func(AuthenticatedPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onAuthenticated = append(rt.dispatcher.onAuthenticated, h)
	rt.dispatcher.mu.Unlock()
}

// OnAuthError registers a handler for credential rejection.
func (rt *RealtimeClient) OnAuthError(h func(AuthErrorPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onAuthError = append(rt.dispatcher.onAuthError, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessageNew registers a handler for unsolicited new messages.
func (rt *RealtimeClient) OnMessageNew(h func(MessageNewPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessageNew = append(rt.dispatcher.onMessageNew, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessageCreated registers a handler for send confirmations.
func (rt *RealtimeClient) OnMessageCreated(h func(MessageCreatedPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessageCreated = append(rt.dispatcher.onMessageCreated, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessageDelivered registers a handler for delivery notifications.
func (rt *RealtimeClient) OnMessageDelivered(h func(MessageDeliveredPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessageDeliv = append(rt.dispatcher.onMessageDeliv, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessageFailed registers a handler for server-side send failures.
func (rt *RealtimeClient) OnMessageFailed(h func(MessageFailedPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessageFailed = append(rt.dispatcher.onMessageFailed, h)
	rt.dispatcher.mu.Unlock()
}

// OnMessageRead registers a handler for read receipts.
func (rt *RealtimeClient) OnMessageRead(h func(MessageReadPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onMessageRead = append(rt.dispatcher.onMessageRead, h)
	rt.dispatcher.mu.Unlock()
}

// OnThreadReplyCreated registers a handler for thread reply confirmations.
func (rt *RealtimeClient) OnThreadReplyCreated(h func(ThreadReplyCreatedPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReplyCreated = append(rt.dispatcher.onReplyCreated, h)
	rt.dispatcher.mu.Unlock()
}

// OnThreadReplyDelivered registers a handler for thread reply delivery.
func (rt *RealtimeClient) OnThreadReplyDelivered(h func(ThreadReplyDeliveredPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReplyDelivered = append(rt.dispatcher.onReplyDelivered, h)
	rt.dispatcher.mu.Unlock()
}

// OnThreadReplyFailed registers a handler for thread reply failures.
func (rt *RealtimeClient) OnThreadReplyFailed(h func(ThreadReplyFailedPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReplyFailed = append(rt.dispatcher.onReplyFailed, h)
	rt.dispatcher.mu.Unlock()
}

// OnTypingStart registers a handler for remote typing-start signals.
func (rt *RealtimeClient) OnTypingStart(h func(TypingPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onTypingStart = append(rt.dispatcher.onTypingStart, h)
	rt.dispatcher.mu.Unlock()
}

// OnTypingStop registers a handler for remote typing-stop signals.
func (rt *RealtimeClient) OnTypingStop(h func(TypingPayload)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onTypingStop = append(rt.dispatcher.onTypingStop, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (rt *RealtimeClient) OnConnected(h func()) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnected = append(rt.dispatcher.onConnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *RealtimeClient) OnDisconnected(h func(code int, reason string)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onDisconnected = append(rt.dispatcher.onDisconnected, h)
	rt.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onReconnecting = append(rt.dispatcher.onReconnecting, h)
	rt.dispatcher.mu.Unlock()
}

// OnConnectionFailed registers a handler for the terminal failed state.
func (rt *RealtimeClient) OnConnectionFailed(h func(attempts int, err error)) {
	rt.dispatcher.mu.Lock()
	rt.dispatcher.onConnectionFailed = append(rt.dispatcher.onConnectionFailed, h)
	rt.dispatcher.mu.Unlock()
}

// ── Lifecycle ────────────────────────────────────────────

// Connect establishes the connection, retrying transient failures up to the
// configured attempt budget. It returns nil once connected, ErrAuthRejected
// (unwrappable) when the credential is rejected, and ErrConnectionFailed after
// the budget is exhausted.
func (rt *RealtimeClient) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.gen++
	gen := rt.gen
	rt.mu.Unlock()

	err := rt.connectOnce(ctx, gen)
	if err == nil || errors.Is(err, errSuperseded) {
		return nil
	}
	if errors.Is(err, ErrAuthRejected) {
		rt.setStateIf(gen, StateAuthError)
		return err
	}
	if !rt.config.AutoReconnect {
		rt.setStateIf(gen, StateDisconnected)
		return err
	}
	return rt.retryLoop(ctx, gen)
}

// retryLoop keeps dialing until connected, the budget runs out, or the context
// is cancelled. Used both by Connect and by the drop path in the read loop.
// The cycle re-checks its gen after every wait so a sleeper that another
// Connect or UpdateCredentials overtook stops instead of dialing on top of
// the fresh connection.
func (rt *RealtimeClient) retryLoop(ctx context.Context, gen int) error {
	for {
		if !rt.recon.shouldRetry() {
			if !rt.setStateIf(gen, StateFailed) {
				return nil
			}
			rt.dispatcher.emitConnectionFailed(rt.recon.attempt+1, ErrConnectionFailed)
			return ErrConnectionFailed
		}
		delay := rt.recon.nextDelay()
		if !rt.setStateIf(gen, StateReconnecting) {
			return nil
		}
		rt.dispatcher.emitReconnecting(rt.recon.attempt, delay)

		select {
		case <-ctx.Done():
			rt.setStateIf(gen, StateDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}

		rt.mu.Lock()
		if rt.gen != gen {
			rt.mu.Unlock()
			return nil
		}
		if rt.intentionalClose {
			rt.state = StateDisconnected
			rt.mu.Unlock()
			return nil
		}
		rt.state = StateConnecting
		rt.mu.Unlock()

		err := rt.connectOnce(ctx, gen)
		if err == nil || errors.Is(err, errSuperseded) {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			rt.setStateIf(gen, StateAuthError)
			return err
		}
	}
}

// connectOnce performs a single dial + handshake for the given connect cycle.
func (rt *RealtimeClient) connectOnce(ctx context.Context, gen int) error {
	rt.mu.Lock()
	cred := rt.cred
	rt.mu.Unlock()

	wsURL := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + url.QueryEscape(cred.Token) + "&userId=" + url.QueryEscape(cred.UserID)

	dialCtx, cancel := context.WithTimeout(ctx, rt.config.HandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: rt.config.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			rt.dispatcher.emitAuthError(AuthErrorPayload{Message: resp.Status})
			return fmt.Errorf("handshake: %w", ErrAuthRejected)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First envelope decides the handshake: authenticated or auth:error.
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read handshake: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("decode handshake: %w", err)
	}
	switch env.Type {
	case EventAuthError:
		conn.Close(websocket.StatusPolicyViolation, "auth rejected")
		var p AuthErrorPayload
		json.Unmarshal(env.Payload, &p)
		rt.dispatcher.emitAuthError(p)
		if p.Message != "" {
			return fmt.Errorf("%s: %w", p.Message, ErrAuthRejected)
		}
		return ErrAuthRejected
	case EventAuthenticated:
	default:
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("expected authenticated, got %q", env.Type)
	}

	connCtx, cancelConn := context.WithCancel(context.Background())
	rt.mu.Lock()
	if rt.gen != gen || rt.intentionalClose {
		rt.mu.Unlock()
		cancelConn()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return errSuperseded
	}
	if rt.conn != nil {
		rt.conn.Close(websocket.StatusNormalClosure, "replaced")
	}
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancelConn
	rt.mu.Unlock()
	rt.recon.markConnected()

	rt.dispatcher.dispatch(env)
	rt.dispatcher.emitConnected()

	go rt.readLoop(connCtx, conn)
	return nil
}

// Disconnect tears down the connection. Idempotent.
func (rt *RealtimeClient) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	rt.gen++
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	rt.failPending()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		rt.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
		return err
	}
	return nil
}

// UpdateCredentials replaces the attached credential and forces a
// disconnect+reconnect cycle. The connection is never re-authenticated in
// place. Also the only way out of StateAuthError.
func (rt *RealtimeClient) UpdateCredentials(ctx context.Context, token, userID string) error {
	rt.Disconnect()
	rt.mu.Lock()
	rt.cred = Credential{Token: token, UserID: userID}
	rt.mu.Unlock()
	rt.recon.reset()
	return rt.Connect(ctx)
}

func (rt *RealtimeClient) setState(s ConnState) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}

// setStateIf applies the state only while gen is still the current connect
// cycle. Reports whether the cycle still owns the connection.
func (rt *RealtimeClient) setStateIf(gen int, s ConnState) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.gen != gen {
		return false
	}
	rt.state = s
	return true
}

// ── Emission & correlation ───────────────────────────────

// Emit sends a fire-and-forget command.
func (rt *RealtimeClient) Emit(ctx context.Context, typ EventType, payload interface{}) error {
	return rt.write(ctx, &Command{Type: typ, Payload: payload})
}

// Request sends a correlated command and waits for the server acknowledgment.
// It resolves exactly once: with the ack (Success true or false), or with an
// error for transport-level failures (not connected, timeout, dropped
// mid-flight). It never retries; retry policy belongs to the caller.
func (rt *RealtimeClient) Request(ctx context.Context, typ EventType, payload interface{}) (*AckPayload, error) {
	requestID := uuid.NewString()

	ch := make(chan AckPayload, 1)
	rt.pendingMu.Lock()
	rt.pending[requestID] = ch
	rt.pendingMu.Unlock()

	err := rt.write(ctx, &Command{Type: typ, Payload: payload, RequestID: requestID})
	if err != nil {
		rt.removePending(requestID)
		return nil, err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return &ack, nil
	case <-time.After(rt.config.AckTimeout):
		rt.removePending(requestID)
		return nil, ErrAckTimeout
	case <-ctx.Done():
		rt.removePending(requestID)
		return nil, ctx.Err()
	}
}

func (rt *RealtimeClient) write(ctx context.Context, cmd *Command) error {
	rt.mu.Lock()
	conn := rt.conn
	rt.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rt *RealtimeClient) removePending(requestID string) {
	rt.pendingMu.Lock()
	delete(rt.pending, requestID)
	rt.pendingMu.Unlock()
}

// failPending closes every in-flight ack channel so blocked Request calls
// resolve with ErrConnectionClosed instead of hanging forever.
func (rt *RealtimeClient) failPending() {
	rt.pendingMu.Lock()
	for id, ch := range rt.pending {
		close(ch)
		delete(rt.pending, id)
	}
	rt.pendingMu.Unlock()
}

// ── Read loop ────────────────────────────────────────────

func (rt *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			if rt.intentionalClose || rt.conn != conn {
				// Intentional close, or a newer connection already replaced
				// this one and its read loop owns the state now.
				rt.mu.Unlock()
				return
			}
			rt.state = StateDisconnected
			rt.conn = nil
			rt.gen++
			gen := rt.gen
			rt.mu.Unlock()

			rt.failPending()
			rt.dispatcher.emitDisconnected(0, err.Error())

			if rt.config.AutoReconnect {
				// The connection context is dead; the retry cycle gets a
				// fresh one.
				go rt.retryLoop(context.Background(), gen)
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == EventAck {
			var ack AckPayload
			if json.Unmarshal(env.Payload, &ack) == nil && ack.RequestID != "" {
				rt.pendingMu.Lock()
				ch, ok := rt.pending[ack.RequestID]
				if ok {
					delete(rt.pending, ack.RequestID)
				}
				rt.pendingMu.Unlock()
				if ok {
					ch <- ack
				}
			}
			continue
		}

		rt.dispatcher.dispatch(env)
	}
}
