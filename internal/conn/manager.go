package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/bus"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/status"
)

const (
	dialTimeout  = 30 * time.Second
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	ackWait      = 10 * time.Second
	sendQueueLen = 64

	// maxConsecutiveFailures caps failed connection attempts. Crossing it
	// publishes conn.give_up and tears the connection down; reconnection
	// policy lives with the caller, not here.
	maxConsecutiveFailures = 5
)

// CredentialStore is the slice of the credential cache the manager needs:
// clearing it when the server rejects the token, so a later attempt never
// replays a credential known to be bad.
type CredentialStore interface {
	Clear() error
}

// Manager owns the websocket connection to the PeregrinApp server. It
// dials, runs the read/write pumps, correlates acks, drives the session
// state machine, and publishes every wire-derived fact on the bus under
// the conn. namespace. It never reconnects on its own.
type Manager struct {
	url     string
	machine *status.Machine
	bus     *bus.Bus
	creds   CredentialStore
	logger  *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	sendCh   chan Envelope
	stop     context.CancelFunc
	attempt  *attempt
	sess     Session
	failures int

	pendingMu sync.Mutex
	pending   map[string]chan ackResult
}

// attempt is an in-flight Connect. Concurrent callers wait on done and
// share err instead of racing a second dial.
type attempt struct {
	done chan struct{}
	err  error
}

type ackResult struct {
	success bool
	errMsg  string
}

// NewManager creates a manager that dials serverURL. creds may be nil
// when the embedder handles credential storage itself.
func NewManager(serverURL string, machine *status.Machine, b *bus.Bus, creds CredentialStore, logger *zap.Logger) *Manager {
	return &Manager{
		url:     serverURL,
		machine: machine,
		bus:     b,
		creds:   creds,
		logger:  logger,
		pending: make(map[string]chan ackResult),
	}
}

// Connect establishes the websocket session using token. It returns when
// the transport handshake completes; authentication finishes asynchronously
// and is reported via conn.authenticated. A concurrent call joins the
// in-flight attempt and shares its result; a call over a live connection
// replaces it.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoToken
	}
	if TokenExpired(token, time.Now()) {
		connErr := &ConnError{Class: ClassTokenExpired, Message: "token expired before dial"}
		m.invalidateCredential(connErr)
		m.publishError(connErr)
		return connErr
	}

	m.mu.Lock()
	if a := m.attempt; a != nil {
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &attempt{done: make(chan struct{})}
	m.attempt = a
	m.mu.Unlock()

	m.Disconnect()

	err := m.dial(ctx, token)

	m.mu.Lock()
	a.err = err
	m.attempt = nil
	m.mu.Unlock()
	close(a.done)
	return err
}

func (m *Manager) dial(ctx context.Context, token string) error {
	u, err := url.Parse(m.url)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	_ = m.machine.Transition(status.Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		_ = m.machine.Transition(status.Idle)
		connErr := classifyDialError(err, resp)
		m.logger.Warn("connect failed",
			zap.String("class", string(connErr.Class)),
			zap.Error(err))
		m.recordFailure(connErr)
		return connErr
	}

	pumpCtx, stop := context.WithCancel(context.Background())
	sendCh := make(chan Envelope, sendQueueLen)

	m.mu.Lock()
	m.conn = conn
	m.sendCh = sendCh
	m.stop = stop
	m.failures = 0
	m.mu.Unlock()

	_ = m.machine.Transition(status.Connected)

	go m.readPump(conn)
	go m.writePump(pumpCtx, conn, sendCh)

	m.logger.Info("connected", zap.String("url", m.url))
	m.bus.Publish(bus.Event{Kind: "conn.connected", Timestamp: time.Now()})
	return nil
}

func classifyDialError(err error, resp *http.Response) *ConnError {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &ConnError{Class: ClassTokenInvalid, Message: "handshake rejected: " + resp.Status}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnError{Class: ClassConnectionError, Message: "connect timeout"}
	}
	return Classify(err.Error())
}

// recordFailure counts a failed connection attempt. Token-class failures
// also clear the credential cache. Crossing the cap publishes conn.give_up
// exactly once per streak.
func (m *Manager) recordFailure(connErr *ConnError) {
	if connErr.InvalidatesCredential() {
		m.invalidateCredential(connErr)
	}
	m.publishError(connErr)

	m.mu.Lock()
	m.failures++
	count := m.failures
	m.mu.Unlock()

	if count == maxConsecutiveFailures {
		m.logger.Warn("consecutive connection failures reached cap", zap.Int("failures", count))
		m.bus.Publish(bus.Event{Kind: "conn.give_up", Timestamp: time.Now(), Payload: count})
		m.teardown(false, "failure cap")
	}
}

func (m *Manager) invalidateCredential(connErr *ConnError) {
	if m.creds == nil {
		return
	}
	if err := m.creds.Clear(); err != nil {
		m.logger.Warn("failed to clear cached credential", zap.Error(err))
		return
	}
	m.logger.Info("cleared cached credential", zap.String("class", string(connErr.Class)))
}

func (m *Manager) publishError(connErr *ConnError) {
	m.bus.Publish(bus.Event{Kind: "conn.error", Timestamp: time.Now(), Payload: connErr})
}

// Disconnect tears the connection down. Idempotent; safe with no
// connection live.
func (m *Manager) Disconnect() {
	m.teardown(true, "client disconnect")
}

func (m *Manager) teardown(deliberate bool, reason string) {
	m.mu.Lock()
	conn := m.conn
	stop := m.stop
	m.conn = nil
	m.sendCh = nil
	m.stop = nil
	m.mu.Unlock()

	if conn == nil {
		return
	}
	stop()
	_ = conn.Close()
	m.failPending("connection closed")
	_ = m.machine.Transition(status.Idle)
	m.bus.Publish(bus.Event{
		Kind:      "conn.closed",
		Timestamp: time.Now(),
		Payload:   CloseInfo{Deliberate: deliberate, Reason: reason},
	})
}

func (m *Manager) readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleReadError(conn, err)
			return
		}
		m.dispatch(data)
	}
}

// handleReadError tears down only if conn is still the active connection;
// a pump left over from a replaced or deliberately closed socket exits
// quietly.
func (m *Manager) handleReadError(conn *websocket.Conn, err error) {
	m.mu.Lock()
	active := m.conn == conn
	m.mu.Unlock()
	if !active {
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		m.logger.Warn("connection dropped", zap.Error(err))
	}
	m.teardown(false, err.Error())
}

func (m *Manager) writePump(ctx context.Context, conn *websocket.Conn, sendCh <-chan Envelope) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				m.logger.Warn("write failed", zap.String("event", env.Event), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// dispatch decodes one inbound frame and routes it. Malformed frames are
// dropped with a warn log and no state mutation.
func (m *Manager) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	if env.Event == "" {
		m.logger.Warn("dropping frame without event name")
		return
	}

	switch env.Event {
	case "ack":
		m.resolveAck(env)

	case "authenticated":
		var sess Session
		if err := json.Unmarshal(env.Data, &sess); err != nil || sess.UserID == "" {
			m.logger.Warn("dropping malformed authenticated frame", zap.Error(err))
			return
		}
		m.mu.Lock()
		m.sess = sess
		m.mu.Unlock()
		_ = m.machine.Transition(status.Authenticated)
		m.logger.Info("authenticated",
			zap.String("user_id", sess.UserID),
			zap.String("username", sess.Username))
		m.bus.Publish(bus.Event{Kind: "conn.authenticated", Timestamp: time.Now(), Payload: sess})

	case "users_update":
		var p usersUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			m.logger.Warn("dropping malformed users_update frame", zap.Error(err))
			return
		}
		m.bus.Publish(bus.Event{Kind: "conn.roster", Timestamp: time.Now(), Payload: p.Users})

	case "new_message":
		var msg InboundMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil || msg.MessageID == "" || msg.SenderID == "" {
			m.logger.Warn("dropping malformed new_message frame", zap.Error(err))
			return
		}
		m.bus.Publish(bus.Event{Kind: "conn.message", Timestamp: time.Now(), Payload: &msg})

	case "message_status":
		var upd StatusUpdate
		if err := json.Unmarshal(env.Data, &upd); err != nil || upd.MessageID == "" {
			m.logger.Warn("dropping malformed message_status frame", zap.Error(err))
			return
		}
		m.bus.Publish(bus.Event{Kind: "conn.status", Timestamp: time.Now(), Payload: upd})

	case "message_seen":
		var upd SeenUpdate
		if err := json.Unmarshal(env.Data, &upd); err != nil || upd.MessageID == "" {
			m.logger.Warn("dropping malformed message_seen frame", zap.Error(err))
			return
		}
		m.bus.Publish(bus.Event{Kind: "conn.seen", Timestamp: time.Now(), Payload: upd})

	case "connect_error":
		var p errMessagePayload
		_ = json.Unmarshal(env.Data, &p)
		connErr := Classify(p.Message)
		m.logger.Warn("server reported connect error",
			zap.String("class", string(connErr.Class)),
			zap.String("message", p.Message))
		if connErr.InvalidatesCredential() {
			m.invalidateCredential(connErr)
		}
		m.publishError(connErr)

	case "disconnect":
		var p disconnectPayload
		_ = json.Unmarshal(env.Data, &p)
		m.logger.Info("server requested disconnect", zap.String("reason", p.Reason))
		m.teardown(false, p.Reason)

	default:
		m.logger.Warn("unknown event", zap.String("event", env.Event))
	}
}

func (m *Manager) resolveAck(env Envelope) {
	if env.ID == "" {
		m.logger.Warn("dropping ack without id")
		return
	}
	var p ackPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		m.logger.Warn("dropping malformed ack frame", zap.String("id", env.ID), zap.Error(err))
		return
	}

	m.pendingMu.Lock()
	ch, ok := m.pending[env.ID]
	if ok {
		delete(m.pending, env.ID)
	}
	m.pendingMu.Unlock()
	if !ok {
		// Late ack after timeout or teardown.
		return
	}
	ch <- ackResult{success: p.Success, errMsg: p.Error}
}

// failPending resolves every outstanding ack wait with a failure. Result
// channels are buffered, so sends never block even when the waiter has
// already timed out.
func (m *Manager) failPending(reason string) {
	m.pendingMu.Lock()
	pending := m.pending
	m.pending = make(map[string]chan ackResult)
	m.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- ackResult{success: false, errMsg: reason}
	}
}

// enqueue hands a frame to the write pump without blocking: a full queue
// means the socket is wedged, and the frame degrades to an error instead
// of stalling the caller.
func (m *Manager) enqueue(env Envelope) error {
	m.mu.Lock()
	sendCh := m.sendCh
	m.mu.Unlock()
	if sendCh == nil {
		return ErrNotConnected
	}
	select {
	case sendCh <- env:
		return nil
	default:
		return fmt.Errorf("send queue full, dropping %s", env.Event)
	}
}

// sendWithAck sends an ack-bearing frame and waits for the server's
// verdict, bounded by ackWait and ctx.
func (m *Manager) sendWithAck(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	id := uuid.NewString()
	ch := make(chan ackResult, 1)
	m.pendingMu.Lock()
	m.pending[id] = ch
	m.pendingMu.Unlock()

	removePending := func() {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
	}

	if err := m.enqueue(Envelope{Event: event, ID: id, Data: data}); err != nil {
		removePending()
		return err
	}

	timer := time.NewTimer(ackWait)
	defer timer.Stop()

	select {
	case res := <-ch:
		if !res.success {
			if res.errMsg == "" {
				res.errMsg = "server rejected " + event
			}
			return Classify(res.errMsg)
		}
		return nil
	case <-timer.C:
		removePending()
		return fmt.Errorf("%s: %w", event, ErrAckTimeout)
	case <-ctx.Done():
		removePending()
		return ctx.Err()
	}
}

// SendMessage delivers a chat message and waits for the server ack.
func (m *Manager) SendMessage(ctx context.Context, recipientID, body, messageID string) error {
	return m.sendWithAck(ctx, "send_message",
		sendMessagePayload{RecipientID: recipientID, Message: body, MessageID: messageID})
}

// NotifyDelivered reports that a peer's message reached this device.
func (m *Manager) NotifyDelivered(ctx context.Context, messageID, senderID string) error {
	return m.sendWithAck(ctx, "message_delivered",
		receiptPayload{MessageID: messageID, SenderID: senderID})
}

// NotifySeen reports that the user read a peer's message.
func (m *Manager) NotifySeen(ctx context.Context, messageID, senderID string) error {
	return m.sendWithAck(ctx, "message_seen",
		receiptPayload{MessageID: messageID, SenderID: senderID})
}

// PushLocation broadcasts the device position. Fire and forget.
func (m *Manager) PushLocation(lat, lon float64) error {
	data, err := json.Marshal(locationPayload{Latitude: lat, Longitude: lon})
	if err != nil {
		return err
	}
	return m.enqueue(Envelope{Event: "update_location", Data: data})
}

// StopLocationSharing tells the server to stop broadcasting this user's
// position to others. Fire and forget.
func (m *Manager) StopLocationSharing() error {
	return m.enqueue(Envelope{Event: "stop_location_sharing"})
}

// IsConnected reports whether the transport is up.
func (m *Manager) IsConnected() bool {
	return m.machine.IsConnected()
}

// IsAuthenticated reports whether the server confirmed the session.
func (m *Manager) IsAuthenticated() bool {
	return m.machine.IsAuthenticated()
}

// Session returns the most recent authenticated session snapshot. Zero
// value before the first authenticated event.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Failures returns the consecutive failed-connect count.
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Subscribe registers a handler for bus events whose kind starts with
// prefix and returns an unsubscribe func. Each handler drains its own
// goroutine; a panicking handler is recovered and logged, and delivery to
// it continues, so one bad handler never starves the rest.
func (m *Manager) Subscribe(prefix string, handler func(bus.Event)) func() {
	ch, unsub := m.bus.Subscribe(prefix, 64)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case evt := <-ch:
				m.deliver(handler, evt)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}

func (m *Manager) deliver(handler func(bus.Event), evt bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked",
				zap.String("kind", evt.Kind),
				zap.Any("panic", r))
		}
	}()
	handler(evt)
}
