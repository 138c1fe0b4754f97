// Package wsclient connects a client session to the relay over its websocket
// and HTTP APIs.
//
// A Client keeps one socket open. When it drops, the client redials with
// backoff and re-subscribes every open stream; conversation streams resume
// after the last seq they delivered, so no message is skipped or repeated.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/AnshRaj112/peerlink-backend/internal/apperr"
	"github.com/AnshRaj112/peerlink-backend/internal/models"
	"github.com/AnshRaj112/peerlink-backend/internal/session"
	"github.com/AnshRaj112/peerlink-backend/internal/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	readWait     = 90 * time.Second
	dialTimeout  = 10 * time.Second
	maxFrameSize = 1 << 20
)

type Options struct {
	// Ticket returns a fresh websocket ticket for every dial. When nil, Token
	// is sent as a bearer header instead.
	Ticket func(ctx context.Context) (string, error)
	Token  string

	Dialer         *websocket.Dialer
	RequestTimeout time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	Log            *zap.Logger
}

func (o *Options) defaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}

type stream struct {
	params  wire.SubscribeParams
	sinks   map[uint64]sink
	lastSeq int64
}

// Client is a session.Gateway backed by the relay websocket.
type Client struct {
	url  string
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	reqSeq  uint64
	sinkSeq uint64
	pending map[string]chan wire.Frame
	streams map[string]*stream
}

var _ session.Gateway = (*Client)(nil)

// Dial connects to the relay websocket at rawURL (ws:// or wss://).
func Dial(ctx context.Context, rawURL string, opts Options) (*Client, error) {
	opts.defaults()
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:     rawURL,
		opts:    opts,
		log:     opts.Log.Named("wsclient"),
		ctx:     cctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[string]chan wire.Frame),
		streams: make(map[string]*stream),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.conn = conn
	go c.supervise(conn)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, apperr.Invalid("relay url: %v", err)
	}
	header := http.Header{}
	if c.opts.Ticket != nil {
		ticket, err := c.opts.Ticket(ctx)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("ticket", ticket)
		u.RawQuery = q.Encode()
	} else if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			if resp.Body != nil {
				resp.Body.Close()
			}
			if resp.StatusCode == http.StatusUnauthorized {
				return nil, apperr.Unauthorized("relay rejected credentials")
			}
		}
		return nil, apperr.TransportFailure("dial relay: %v", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

// supervise owns the read side for the client's lifetime, one connection at
// a time.
func (c *Client) supervise(conn *websocket.Conn) {
	defer close(c.done)
	for {
		c.read(conn)
		c.dropped(conn)

		conn = c.reconnect()
		if conn == nil || !c.attach(conn) {
			c.finishAll()
			return
		}
		go c.resubscribe()
	}
}

func (c *Client) read(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		_ = conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		return nil
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Info("connection lost", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn("malformed frame", zap.Error(err))
			continue
		}
		if f.Type == wire.TypeReply {
			c.resolve(f)
			continue
		}
		c.route(f)
	}
}

func (c *Client) resolve(f wire.Frame) {
	c.mu.Lock()
	ch := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if ch != nil {
		ch <- f
	}
}

// route hands a pushed event to every feed of its stream.
func (c *Client) route(f wire.Frame) {
	var (
		key string
		v   any
		seq int64
	)
	switch {
	case f.Type == wire.TypeMessage || f.Type == wire.TypeMessageDeleted:
		var ev models.MessageEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			c.log.Warn("malformed message event", zap.Error(err))
			return
		}
		key = streamKey(wire.StreamMessages, ev.Message.ConversationID)
		v, seq = ev, ev.Message.Seq
	case f.Type == wire.TypeTyping:
		var sig models.TypingSignal
		if err := json.Unmarshal(f.Data, &sig); err != nil {
			c.log.Warn("malformed typing event", zap.Error(err))
			return
		}
		key, v = streamKey(wire.StreamTyping, sig.ConversationID), sig
	case f.Type == wire.TypePresence:
		var ev models.PresenceEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			c.log.Warn("malformed presence event", zap.Error(err))
			return
		}
		key, v = streamKey(wire.StreamPresence, uuid.Nil), ev
	case wire.SignalEventTypes[f.Type]:
		var ev models.SignalEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			c.log.Warn("malformed signal event", zap.Error(err))
			return
		}
		key, v = streamKey(wire.StreamSignals, uuid.Nil), ev
	default:
		c.log.Debug("ignoring event", zap.String("type", f.Type))
		return
	}

	c.mu.Lock()
	var sinks []sink
	if s := c.streams[key]; s != nil {
		for _, k := range s.sinks {
			sinks = append(sinks, k)
		}
	}
	c.mu.Unlock()

	for _, k := range sinks {
		k.deliver(v, c.ctx.Done())
	}
	if seq > 0 {
		c.mu.Lock()
		if s := c.streams[key]; s != nil && seq > s.lastSeq {
			s.lastSeq = seq
		}
		c.mu.Unlock()
	}
}

// dropped fails every request still waiting on conn.
func (c *Client) dropped(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) reconnect() *websocket.Conn {
	backoff := c.opts.MinBackoff
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
		conn, err := c.dial(ctx)
		cancel()
		if err == nil {
			c.log.Info("reconnected")
			return conn
		}
		if errors.Is(err, apperr.ErrUnauthorized) {
			c.log.Warn("session no longer valid, giving up", zap.Error(err))
			return nil
		}
		if c.ctx.Err() != nil {
			return nil
		}
		c.log.Warn("reconnect failed", zap.Error(err), zap.Duration("backoff", backoff))
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

func (c *Client) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return false
	}
	c.conn = conn
	return true
}

// resubscribe restores every open stream on a fresh connection.
func (c *Client) resubscribe() {
	c.mu.Lock()
	params := make([]wire.SubscribeParams, 0, len(c.streams))
	for _, s := range c.streams {
		p := s.params
		if p.Stream == wire.StreamMessages {
			p.AfterSeq = s.lastSeq
		}
		params = append(params, p)
	}
	c.mu.Unlock()

	for _, p := range params {
		if err := c.call(c.ctx, wire.OpSubscribe, p, nil); err != nil {
			c.log.Warn("resubscribe failed",
				zap.String("stream", string(p.Stream)),
				zap.String("conversation_id", p.ConversationID.String()),
				zap.Error(err))
		}
	}
}

func (c *Client) finishAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, s := range c.streams {
		for _, k := range s.sinks {
			k.finish()
		}
		delete(c.streams, key)
	}
}

func (c *Client) write(conn *websocket.Conn, req wire.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(req)
}

// call sends one request and waits for its reply. out may be nil.
func (c *Client) call(ctx context.Context, op wire.Op, params any, out any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
		raw = b
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	ch := make(chan wire.Frame, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return apperr.TransportFailure("not connected to relay")
	}
	c.reqSeq++
	id := strconv.FormatUint(c.reqSeq, 10)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(conn, wire.Request{ID: id, Op: op, Params: raw}); err != nil {
		c.forget(id)
		return apperr.TransportFailure("send %s: %v", op, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return apperr.TransportFailure("connection lost during %s", op)
		}
		if f.Error != nil {
			return f.Error.Err()
		}
		if out != nil && len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, out); err != nil {
				return fmt.Errorf("decode %s reply: %w", op, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func streamKey(s wire.Stream, conversationID uuid.UUID) string {
	if s == wire.StreamMessages || s == wire.StreamTyping {
		return string(s) + ":" + conversationID.String()
	}
	return string(s)
}

// subscribe registers a feed before asking the relay, so replayed events that
// arrive ahead of the reply are not lost.
func subscribe[T any](ctx context.Context, c *Client, p wire.SubscribeParams) (*feed[T], error) {
	key := streamKey(p.Stream, p.ConversationID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperr.TransportFailure("client closed")
	}
	c.sinkSeq++
	sid := c.sinkSeq
	f := newFeed[T](func() { c.unsubscribe(key, sid) })
	s := c.streams[key]
	if s == nil {
		s = &stream{sinks: make(map[uint64]sink)}
		c.streams[key] = s
	}
	s.params = p
	s.lastSeq = p.AfterSeq
	s.sinks[sid] = f
	c.mu.Unlock()

	if err := c.call(ctx, wire.OpSubscribe, p, nil); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// unsubscribe drops one feed. The relay stream goes when its last feed does.
// The request is written in order with later subscribes but its reply is not
// awaited, so closing a feed never waits on the network.
func (c *Client) unsubscribe(key string, sid uint64) {
	c.mu.Lock()
	s := c.streams[key]
	if s == nil {
		c.mu.Unlock()
		return
	}
	delete(s.sinks, sid)
	if len(s.sinks) > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.streams, key)
	conn := c.conn
	p := s.params
	c.mu.Unlock()

	if conn == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.write(conn, wire.Request{Op: wire.OpUnsubscribe, Params: raw}); err != nil {
		c.log.Debug("unsubscribe failed", zap.String("stream", key), zap.Error(err))
	}
}

func (c *Client) SendMessage(ctx context.Context, conversationID uuid.UUID, body string, kind models.MessageKind) (models.Message, error) {
	var m models.Message
	err := c.call(ctx, wire.OpSendMessage, wire.SendMessageParams{ConversationID: conversationID, Body: body, Kind: kind}, &m)
	return m, err
}

func (c *Client) History(ctx context.Context, conversationID uuid.UUID, beforeSeq int64, limit int) ([]models.Message, bool, error) {
	var res wire.HistoryResult
	err := c.call(ctx, wire.OpHistory, wire.HistoryParams{ConversationID: conversationID, BeforeSeq: beforeSeq, Limit: limit}, &res)
	return res.Messages, res.HasMore, err
}

func (c *Client) SubscribeConversation(ctx context.Context, conversationID uuid.UUID, afterSeq int64) (session.Feed[models.MessageEvent], error) {
	f, err := subscribe[models.MessageEvent](ctx, c, wire.SubscribeParams{
		Stream: wire.StreamMessages, ConversationID: conversationID, AfterSeq: afterSeq,
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (c *Client) SetTyping(ctx context.Context, conversationID uuid.UUID, isTyping bool) error {
	return c.call(ctx, wire.OpTyping, wire.TypingParams{ConversationID: conversationID, IsTyping: isTyping}, nil)
}

func (c *Client) SubscribeTyping(ctx context.Context, conversationID uuid.UUID) (session.Feed[models.TypingSignal], error) {
	f, err := subscribe[models.TypingSignal](ctx, c, wire.SubscribeParams{Stream: wire.StreamTyping, ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (c *Client) SubscribePresence(ctx context.Context) (session.Feed[models.PresenceEvent], error) {
	f, err := subscribe[models.PresenceEvent](ctx, c, wire.SubscribeParams{Stream: wire.StreamPresence})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (c *Client) Heartbeat(ctx context.Context) error {
	return c.call(ctx, wire.OpPing, nil, nil)
}

// SetPresence overrides the online flag the relay derives from the socket.
func (c *Client) SetPresence(ctx context.Context, online bool) (models.PresenceEvent, error) {
	var ev models.PresenceEvent
	err := c.call(ctx, wire.OpSetPresence, wire.PresenceParams{Online: online}, &ev)
	return ev, err
}

func (c *Client) InitiateCall(ctx context.Context, receiverShortID string, kind models.CallKind, offer json.RawMessage) (models.CallSession, error) {
	var cs models.CallSession
	err := c.call(ctx, wire.OpCallInitiate, wire.CallInitiateParams{ReceiverShortID: receiverShortID, Kind: kind, Offer: offer}, &cs)
	return cs, err
}

func (c *Client) AcknowledgeCall(ctx context.Context, callID uuid.UUID) error {
	return c.call(ctx, wire.OpCallAck, wire.CallParams{CallID: callID}, nil)
}

func (c *Client) AnswerCall(ctx context.Context, callID uuid.UUID, answer json.RawMessage) (models.CallSession, error) {
	var cs models.CallSession
	err := c.call(ctx, wire.OpCallAnswer, wire.CallAnswerParams{CallID: callID, Answer: answer}, &cs)
	return cs, err
}

func (c *Client) EndCall(ctx context.Context, callID uuid.UUID, durationSeconds int) (models.CallSession, error) {
	var cs models.CallSession
	err := c.call(ctx, wire.OpCallEnd, wire.CallEndParams{CallID: callID, DurationSeconds: durationSeconds}, &cs)
	return cs, err
}

func (c *Client) RelaySignal(ctx context.Context, targetID uuid.UUID, sig models.Signal) error {
	return c.call(ctx, wire.OpCallSignal, wire.CallSignalParams{TargetUserID: targetID, Signal: sig}, nil)
}

func (c *Client) ReportMediaState(ctx context.Context, callID uuid.UUID, state models.MediaState) error {
	return c.call(ctx, wire.OpMediaState, wire.MediaStateParams{CallID: callID, State: state}, nil)
}

func (c *Client) SubscribeSignals(ctx context.Context) (session.Feed[models.SignalEvent], error) {
	f, err := subscribe[models.SignalEvent](ctx, c, wire.SubscribeParams{Stream: wire.StreamSignals})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Close shuts the socket and ends every feed. The relay marks the user
// offline once its last socket is gone.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		conn.Close()
	}
	<-c.done
	return nil
}
