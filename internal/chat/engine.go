package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/bus"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/conn"
	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/store"
)

// previewLen bounds the conversation summary snippet.
const previewLen = 100

// Sender is the slice of the connection manager the engine sends through.
type Sender interface {
	SendMessage(ctx context.Context, recipientID, body, messageID string) error
	NotifyDelivered(ctx context.Context, messageID, senderID string) error
	NotifySeen(ctx context.Context, messageID, senderID string) error
}

// Engine keeps the local chat store in sync with the wire. Outbound
// messages are written optimistically before the network is touched, so
// the UI shows them immediately; the ack outcome then promotes them to
// delivered or degrades them to failed. Inbound events arrive via the
// bus ("conn." namespace) and are merged idempotently.
type Engine struct {
	db     *store.DB
	sender Sender
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu     sync.Mutex
	selfID string
	runCtx context.Context
}

// NewEngine creates a new chat sync engine.
func NewEngine(db *store.DB, sender Sender, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		sender: sender,
		bus:    b,
		logger: logger,
	}
}

// Start hydrates the self id and subscribes to connection events.
func (e *Engine) Start(ctx context.Context) {
	if self, err := e.db.GetState("self_id"); err == nil && self != "" {
		e.setSelf(self)
	} else if err != nil {
		e.logger.Warn("failed to read self id", zap.Error(err))
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	ch, unsub := e.bus.Subscribe("conn.", 256)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Send stores the message locally and hands it to the wire. It always
// returns a message id; delivery problems surface later as a failed
// status, never as an error here.
func (e *Engine) Send(ctx context.Context, peerID, body string) string {
	messageID := uuid.NewString()
	now := time.Now().UnixMilli()
	self := e.Self()

	if _, err := e.db.UpsertMessage(&store.Message{
		ConversationID: store.ConversationID(self, peerID),
		MsgID:          messageID,
		SenderID:       self,
		RecipientID:    peerID,
		Body:           body,
		Status:         store.StatusSent,
		SentAt:         now,
	}); err != nil {
		e.logger.Error("failed to store outgoing message", zap.Error(err), zap.String("msg_id", messageID))
	}
	if err := e.db.TouchConversation(peerID, truncate(body, previewLen), now, 0); err != nil {
		e.logger.Error("failed to update conversation summary", zap.Error(err), zap.String("peer_id", peerID))
	}
	e.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload:   map[string]string{"peer_id": peerID, "msg_id": messageID},
	})

	go e.completeSend(peerID, body, messageID)
	return messageID
}

func (e *Engine) completeSend(peerID, body, messageID string) {
	if err := e.sender.SendMessage(e.ctx(), peerID, body, messageID); err != nil {
		e.logger.Warn("send not acknowledged", zap.Error(err), zap.String("msg_id", messageID))
		changed, dberr := e.db.MarkSendFailed(messageID)
		if dberr != nil {
			e.logger.Error("failed to mark message failed", zap.Error(dberr), zap.String("msg_id", messageID))
			return
		}
		// A racing delivered/seen from the server wins over failed.
		if changed {
			e.bus.Publish(bus.Event{
				Kind:      "message.send_failed",
				Timestamp: time.Now(),
				Payload:   map[string]string{"msg_id": messageID, "error": err.Error()},
			})
		}
		return
	}

	if _, err := e.db.ApplyStatus(messageID, store.StatusDelivered); err != nil {
		e.logger.Error("failed to mark message delivered", zap.Error(err), zap.String("msg_id", messageID))
	}
	e.bus.Publish(bus.Event{
		Kind:      "message.send_ack",
		Timestamp: time.Now(),
		Payload:   map[string]string{"msg_id": messageID},
	})
}

// MarkSeen records that the user read a peer's message: local merge
// first, then a best-effort receipt to the server. A receipt failure
// never rolls the local status back.
func (e *Engine) MarkSeen(ctx context.Context, messageID, peerID string) {
	found, err := e.db.ApplyStatus(messageID, store.StatusSeen)
	if err != nil {
		e.logger.Error("failed to mark message seen", zap.Error(err), zap.String("msg_id", messageID))
	} else if !found {
		e.logger.Warn("mark seen for unknown message", zap.String("msg_id", messageID))
	} else {
		e.bus.Publish(bus.Event{
			Kind:      "message.status_changed",
			Timestamp: time.Now(),
			Payload:   map[string]string{"msg_id": messageID, "status": store.StatusSeen.String()},
		})
	}

	if err := e.sender.NotifySeen(ctx, messageID, peerID); err != nil {
		e.logger.Warn("seen receipt not delivered", zap.Error(err), zap.String("msg_id", messageID))
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "conn.authenticated":
		sess, ok := evt.Payload.(conn.Session)
		if !ok {
			return
		}
		e.setSelf(sess.UserID)
		if err := e.db.SetState("self_id", sess.UserID); err != nil {
			e.logger.Warn("failed to persist self id", zap.Error(err))
		}

	case "conn.message":
		msg, ok := evt.Payload.(*conn.InboundMessage)
		if !ok {
			return
		}
		e.ingestInbound(msg)

	case "conn.status":
		upd, ok := evt.Payload.(conn.StatusUpdate)
		if !ok {
			return
		}
		st, known := store.ParseStatus(upd.Status)
		if !known {
			e.logger.Warn("dropping status update with unknown status", zap.String("status", upd.Status))
			return
		}
		e.applyStatus(upd.MessageID, st)

	case "conn.seen":
		upd, ok := evt.Payload.(conn.SeenUpdate)
		if !ok {
			return
		}
		e.applyStatus(upd.MessageID, store.StatusSeen)

	case "conn.roster":
		users, ok := evt.Payload.([]conn.PresenceUser)
		if !ok {
			return
		}
		e.harvestNames(users)
	}
}

// ingestInbound merges a wire message into the store (idempotent). New
// messages from a peer bump the unread count and trigger a delivered
// receipt back to the sender; an echo of our own send does neither.
func (e *Engine) ingestInbound(msg *conn.InboundMessage) {
	self := e.Self()
	st := store.StatusDelivered
	if msg.Status != "" {
		if parsed, ok := store.ParseStatus(msg.Status); ok {
			st = parsed
		}
	}
	sentAt := msg.Timestamp
	if sentAt == 0 {
		sentAt = time.Now().UnixMilli()
	}

	inserted, err := e.db.UpsertMessage(&store.Message{
		ConversationID: store.ConversationID(msg.SenderID, msg.RecipientID),
		MsgID:          msg.MessageID,
		SenderID:       msg.SenderID,
		RecipientID:    msg.RecipientID,
		Body:           msg.Body,
		Status:         st,
		SentAt:         sentAt,
	})
	if err != nil {
		e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.MessageID))
		return
	}

	fromSelf := self != "" && msg.SenderID == self
	peerID := msg.SenderID
	if fromSelf {
		peerID = msg.RecipientID
	}
	unread := 0
	if inserted && !fromSelf && msg.RecipientID == self {
		unread = 1
	}
	if err := e.db.TouchConversation(peerID, truncate(msg.Body, previewLen), sentAt, unread); err != nil {
		e.logger.Error("failed to update conversation summary", zap.Error(err), zap.String("peer_id", peerID))
	}

	e.bus.Publish(bus.Event{
		Kind:      "message.upserted",
		Timestamp: time.Now(),
		Payload:   map[string]string{"peer_id": peerID, "msg_id": msg.MessageID},
	})

	if !fromSelf {
		go func() {
			if err := e.sender.NotifyDelivered(e.ctx(), msg.MessageID, msg.SenderID); err != nil {
				e.logger.Warn("delivered receipt not sent", zap.Error(err), zap.String("msg_id", msg.MessageID))
			}
		}()
	}
}

func (e *Engine) applyStatus(messageID string, st store.MessageStatus) {
	found, err := e.db.ApplyStatus(messageID, st)
	if err != nil {
		e.logger.Error("failed to apply status", zap.Error(err), zap.String("msg_id", messageID))
		return
	}
	if !found {
		e.logger.Warn("status update for unknown message",
			zap.String("msg_id", messageID),
			zap.String("status", st.String()))
		return
	}
	e.bus.Publish(bus.Event{
		Kind:      "message.status_changed",
		Timestamp: time.Now(),
		Payload:   map[string]string{"msg_id": messageID, "status": st.String()},
	})
}

// harvestNames records usernames seen in roster broadcasts so existing
// conversations show a name instead of a bare user id.
func (e *Engine) harvestNames(users []conn.PresenceUser) {
	for _, u := range users {
		if u.Username == "" {
			continue
		}
		if err := e.db.SetDisplayName(u.UserID, u.Username); err != nil {
			e.logger.Warn("failed to record display name", zap.Error(err), zap.String("user_id", u.UserID))
		}
	}
}

// ListConversations returns conversation summaries, newest first.
// Storage errors degrade to an empty result.
func (e *Engine) ListConversations(limit int) []store.Conversation {
	convs, err := e.db.ListConversations(limit, 0)
	if err != nil {
		e.logger.Error("failed to list conversations", zap.Error(err))
		return nil
	}
	return convs
}

// ListMessages returns a page of the conversation with peerID, newest
// first. Storage errors degrade to an empty result.
func (e *Engine) ListMessages(peerID string, beforeTs int64, limit int) []store.Message {
	msgs, err := e.db.ListMessages(store.ConversationID(e.Self(), peerID), beforeTs, limit)
	if err != nil {
		e.logger.Error("failed to list messages", zap.Error(err), zap.String("peer_id", peerID))
		return nil
	}
	return msgs
}

// SearchMessages runs a full-text search, optionally scoped to the
// conversation with peerID. Storage errors degrade to an empty result.
func (e *Engine) SearchMessages(query, peerID string, limit int) []store.SearchResult {
	convID := ""
	if peerID != "" {
		convID = store.ConversationID(e.Self(), peerID)
	}
	results, err := e.db.SearchMessages(query, convID, limit)
	if err != nil {
		e.logger.Error("failed to search messages", zap.Error(err), zap.String("query", query))
		return nil
	}
	return results
}

// MarkConversationRead zeroes the unread count for peerID.
func (e *Engine) MarkConversationRead(peerID string) {
	if err := e.db.MarkConversationRead(peerID); err != nil {
		e.logger.Error("failed to mark conversation read", zap.Error(err), zap.String("peer_id", peerID))
	}
}

// Reset clears all chat data. Preferences survive.
func (e *Engine) Reset() error {
	return e.db.Reset()
}

// Self returns the authenticated user id, or empty before the first
// authentication on a fresh profile.
func (e *Engine) Self() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfID
}

func (e *Engine) setSelf(id string) {
	e.mu.Lock()
	e.selfID = id
	e.mu.Unlock()
}

func (e *Engine) ctx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
