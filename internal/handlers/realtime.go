package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/messaging"
	"github.com/AnshRaj112/peerlink-backend/internal/metrics"
	"github.com/AnshRaj112/peerlink-backend/internal/middleware"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/presence"
	"github.com/AnshRaj112/peerlink-backend/internal/signaling"
	"github.com/AnshRaj112/peerlink-backend/internal/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 * 1024
	sendQueue    = 256
	opTimeout    = 10 * time.Second

	frameRate  = 20
	frameBurst = 40
)

// RealtimeAuth resolves the websocket caller from a ticket or a session token.
type RealtimeAuth interface {
	Authenticate(ctx context.Context, token string) (uuid.UUID, error)
	ParseTicket(ticket string) (uuid.UUID, error)
}

// Realtime is the websocket gateway. One connection carries every stream a
// client session needs: conversation messages, typing, presence and its own
// call signaling.
type Realtime struct {
	auth     RealtimeAuth
	channel  *messaging.Channel
	presence *presence.Tracker
	calls    *signaling.Coordinator
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewRealtime(auth RealtimeAuth, ch *messaging.Channel, tr *presence.Tracker, co *signaling.Coordinator, allowedOrigins []string, log *zap.Logger) *Realtime {
	h := &Realtime{auth: auth, channel: ch, presence: tr, calls: co, log: log.Named("ws")}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// originChecker accepts clients without an Origin header (native clients)
// and browsers on an allowed origin.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(strings.TrimSpace(a), origin) {
				return true
			}
		}
		return false
	}
}

func (h *Realtime) authenticate(r *http.Request) (uuid.UUID, error) {
	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		return h.auth.ParseTicket(ticket)
	}
	return h.auth.Authenticate(r.Context(), middleware.BearerToken(r))
}

func (h *Realtime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		h:       h,
		ws:      ws,
		userID:  userID,
		log:     h.log.With(zap.String("user_id", userID.String())),
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, sendQueue),
		subs:    make(map[string]func() error),
		limiter: rate.NewLimiter(frameRate, frameBurst),
	}

	if err := h.presence.SessionStarted(ctx, userID); err != nil {
		c.log.Warn("mark online failed", zap.Error(err))
	}
	metrics.Connections.Inc()
	c.log.Debug("connected")

	go c.writeLoop()
	c.readLoop()

	c.shutdown()
	metrics.Connections.Dec()
	endCtx, endCancel := context.WithTimeout(context.Background(), writeWait)
	defer endCancel()
	if err := h.presence.SessionEnded(endCtx, userID); err != nil {
		c.log.Warn("mark offline failed", zap.Error(err))
	}
	c.log.Debug("disconnected")
}

type wsConn struct {
	h      *Realtime
	ws     *websocket.Conn
	userID uuid.UUID
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte

	mu      sync.Mutex
	subs    map[string]func() error
	wg      sync.WaitGroup
	limiter *rate.Limiter
}

func (c *wsConn) readLoop() {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var req wire.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.reply("", nil, apperr.Invalid("malformed frame"))
			continue
		}
		if !c.limiter.Allow() {
			c.reply(req.ID, nil, apperr.Invalid("too many requests, slow down"))
			continue
		}

		ctx, cancel := context.WithTimeout(c.ctx, opTimeout)
		result, err := c.dispatch(ctx, req)
		cancel()
		c.reply(req.ID, result, err)
	}
}

// writeLoop is the only writer on the socket.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// shutdown stops every forwarder and the writer.
func (c *wsConn) shutdown() {
	c.cancel()
	c.mu.Lock()
	for key, stop := range c.subs {
		_ = stop()
		delete(c.subs, key)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *wsConn) enqueue(f wire.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.log.Error("encode frame failed", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		// The client is not keeping up. Dropping frames would break
		// ordering, so the connection goes and the client resubscribes from
		// its last seq.
		c.log.Warn("send queue full, closing connection")
		c.cancel()
		_ = c.ws.Close()
	}
}

func (c *wsConn) reply(id string, data any, err error) {
	f := wire.Frame{Type: wire.TypeReply, ID: id}
	if err != nil {
		if apperr.Code(err) == apperr.CodeInternal {
			c.log.Error("request failed", zap.String("id", id), zap.Error(err))
		}
		f.Error = wire.ErrorOf(err)
		c.enqueue(f)
		return
	}
	f.OK = true
	if data != nil {
		raw, mErr := json.Marshal(data)
		if mErr != nil {
			c.log.Error("encode reply failed", zap.Error(mErr))
			f.OK, f.Error = false, wire.ErrorOf(mErr)
		}
		f.Data = raw
	}
	c.enqueue(f)
}

func (c *wsConn) push(typ string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Error("encode event failed", zap.Error(err))
		return
	}
	c.enqueue(wire.Frame{Type: typ, Data: raw})
}

type feed[T any] interface {
	C() <-chan T
	Close() error
}

// attach registers a stream under key, replacing an older one, and forwards
// its events until it is closed.
func attach[T any](c *wsConn, key string, f feed[T], typeOf func(T) string) {
	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old()
	}
	c.subs[key] = f.Close
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range f.C() {
			c.push(typeOf(ev), ev)
		}
	}()
}

func (c *wsConn) detach(key string) bool {
	c.mu.Lock()
	stop, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if ok {
		_ = stop()
	}
	return ok
}

func streamKey(p wire.SubscribeParams) (string, error) {
	switch p.Stream {
	case wire.StreamMessages, wire.StreamTyping:
		if p.ConversationID == uuid.Nil {
			return "", apperr.Invalid("conversation_id is required")
		}
		return string(p.Stream) + ":" + p.ConversationID.String(), nil
	case wire.StreamPresence, wire.StreamSignals:
		return string(p.Stream), nil
	}
	return "", apperr.Invalid("unknown stream %q", p.Stream)
}

func (c *wsConn) subscribe(ctx context.Context, p wire.SubscribeParams) error {
	key, err := streamKey(p)
	if err != nil {
		return err
	}
	// Streams live as long as the connection, not the request.
	switch p.Stream {
	case wire.StreamMessages:
		if _, err := c.h.channel.Authorize(ctx, p.ConversationID, c.userID); err != nil {
			return err
		}
		sub, err := c.h.channel.SubscribeFrom(c.ctx, p.ConversationID, p.AfterSeq)
		if err != nil {
			return err
		}
		attach[models.MessageEvent](c, key, sub, func(ev models.MessageEvent) string { return string(ev.Type) })
	case wire.StreamTyping:
		if _, err := c.h.channel.Authorize(ctx, p.ConversationID, c.userID); err != nil {
			return err
		}
		sub, err := c.h.channel.SubscribeTyping(c.ctx, p.ConversationID)
		if err != nil {
			return err
		}
		attach[models.TypingSignal](c, key, sub, func(models.TypingSignal) string { return wire.TypeTyping })
	case wire.StreamPresence:
		sub, err := c.h.presence.Subscribe(c.ctx)
		if err != nil {
			return err
		}
		attach[models.PresenceEvent](c, key, sub, func(models.PresenceEvent) string { return wire.TypePresence })
	case wire.StreamSignals:
		sub, err := c.h.calls.Subscribe(c.ctx, c.userID)
		if err != nil {
			return err
		}
		attach[models.SignalEvent](c, key, sub, func(ev models.SignalEvent) string { return string(ev.Event) })
	}
	return nil
}

func (c *wsConn) dispatch(ctx context.Context, req wire.Request) (any, error) {
	switch req.Op {
	case wire.OpSubscribe:
		var p wire.SubscribeParams
		if err := wire.Decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, c.subscribe(ctx, p)

	case wire.OpUnsubscribe:
		var p wire.SubscribeParams
		if err := wire.Decode(req.Params, &p); err != nil {
			return nil, err
		}
		key, err := streamKey(p)
		if err != nil {
			return nil, err
		}
		c.detach(key)
		return nil, nil

	case wire.OpSendMessage:
		var p wire.SendMessageParams
		if err := wire.Decode(req.Params, &p); err != nil {
			return nil, err
		}
		if p.Kind == "" {
			p.Kind = models.MessageText
		}
		return c.h.channel.Send(ctx, p.ConversationID, c.userID, p.Body, p.Kind)

	case wire.OpHistory:
		var p wire.HistoryParams
		if err := wire.Decode(req.Params, &p); err != nil {
			return nil, err
		}
		if _, err := c.h.channel.Authorize(ctx, p.ConversationID, c.userID); err != nil {
			return nil, err
		}
		msgs, more, err := c.h.channel.History(ctx, p.ConversationID, p.BeforeSeq, p.Limit)
		if err != nil {
			return nil, err
		}
		return wire.HistoryResult{Messages: msgs, HasMore: more}, nil

	case wire.OpTyping:
		var p wire.TypingParams
		if err := wire.Decode(req.Params, &p); err != nil {
			return nil, err
		}
		if _, err := c.h.channel.Authorize(ctx, p.ConversationID, c.userID); err != nil {
			return nil, err
		}
		c.h.channel.SetTyping(ctx, p.ConversationID, c.userID, p.IsTyping)
		return nil, nil

	case wire.OpPing:
		return nil, c.h.presence.Heartbeat(ctx, c.userID)

	case wire.OpSetPresence:
		var p wire.PresenceParams
		if err := wire.Decode(req.Params, &p); err != nil {
			return nil, err
		}
		return c.h.presence.SetOnline(ctx, c.userID, p.Online)

	case wire.OpCallInitiate:
		var p wire.CallInitiateParams
		if err := wire.Decode(req.Params, &p); err != nil {
			return nil, err
		}
		return c.h.calls.Initiate(ctx, c.userID, p.ReceiverShortID, p.Kind, p.Offer)

	case wire.OpCallAck:
		var p wire.CallParams
		if err := wire.Decode(req.Params, &p); err != nil {
			return nil, err
		}
		return c.h.calls.Acknowledge(ctx, p.CallID, c.userID)

	case wire.OpCallAnswer:
		var p wire.CallAnswerParams
		if err := wire.Decode(req.Params, &p); err != nil {
			return nil, err
		}
		return c.h.calls.Answer(ctx, p.CallID, c.userID, p.Answer)

	case wire.OpCallEnd:
		var p wire.CallEndParams
		if err := wire.Decode(req.Params, &p); err != nil {
			return nil, err
		}
		return c.h.calls.End(ctx, p.CallID, c.userID, p.DurationSeconds)

	case wire.OpCallSignal:
		var p wire.CallSignalParams
		if err := wire.Decode(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, c.h.calls.RelaySignal(ctx, c.userID, p.TargetUserID, p.Signal)

	case wire.OpMediaState:
		var p wire.MediaStateParams
		if err := wire.Decode(req.Params, &p); err != nil {
			return nil, err
		}
		return c.h.calls.ReportMediaState(ctx, p.CallID, c.userID, p.State)
	}
	return nil, apperr.Invalid("unknown op %q", req.Op)
}
