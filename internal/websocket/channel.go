package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
	"github.com/satriahrh/voicechat/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed to send the close frame on Close. A write stuck on a dead
	// peer holds the connection for at most this long.
	closeWait = time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	defaultReconnectDelay = 3 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultEventBuffer    = 256
)

var errClosedByClient = errors.New("closed by client")

// Config configures a Channel
type Config struct {
	// URL is the websocket base, e.g. ws://localhost:8000. The session path
	// /ws/client/<session id> is appended.
	URL string

	// Token is sent as the token query parameter when set.
	Token string

	// ReconnectDelay is the fixed wait between attempts. Defaults to 3s.
	ReconnectDelay time.Duration

	// MaxRetries bounds consecutive failed attempts. Zero retries forever.
	MaxRetries int

	// DialTimeout bounds a single dial. Defaults to 10s.
	DialTimeout time.Duration

	// EventBuffer is the capacity of the event stream. Defaults to 256.
	EventBuffer int

	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// WriteData is one queued outbound frame and the slot its write result
// is reported on.
type WriteData struct {
	Payload []byte
	result  chan error
}

// connection is a single transport lifetime between open and drop
type connection struct {
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	quit chan struct{}
	once sync.Once
	err  error
}

func (k *connection) shutdown(err error) {
	k.once.Do(func() {
		k.err = err
		close(k.quit)
		k.conn.Close()
	})
}

// Channel is a persistent bidirectional link to the remote session endpoint.
// It reconnects with a fixed delay until Close is called.
type Channel struct {
	cfg       Config
	dialer    *websocket.Dialer
	validator *MessageValidator
	logger    *zap.Logger

	events chan Event

	mu        sync.Mutex
	state     entities.ConnectionState
	changed   chan struct{}
	sessionID string
	current   *connection
	started   bool
	closed    bool
	cancel    context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewChannel creates a channel in the Closed state
func NewChannel(cfg Config, logger *zap.Logger) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return &Channel{
		cfg:       cfg,
		dialer:    dialer,
		validator: NewMessageValidator(),
		logger:    logger,
		events:    make(chan Event, cfg.EventBuffer),
		state:     entities.ConnectionStateClosed,
		changed:   make(chan struct{}),
	}
}

// Events returns the ordered event stream. It is closed after Close.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// State returns the current connection state
func (c *Channel) State() entities.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts connecting to the endpoint for sessionID and returns
// immediately. ctx bounds the lifetime of the channel, not just the first
// dial. Progress is reported through Events and State.
func (c *Channel) Connect(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	endpoint, err := c.endpoint(sessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connect: channel is closed: %w", domain.ErrInvalidState)
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("connect: already started for %s: %w", c.sessionID, domain.ErrInvalidState)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.sessionID = sessionID
	c.cancel = cancel
	c.setStateLocked(entities.ConnectionStateConnecting)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx, endpoint)
	return nil
}

// WaitOpen blocks until the channel is Open, ctx is done or the channel is
// closed for good.
func (c *Channel) WaitOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed, closed := c.state, c.changed, c.closed
		c.mu.Unlock()

		if state == entities.ConnectionStateOpen {
			return nil
		}
		if closed {
			return domain.ErrChannelUnavailable
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes chunk as one audio_chunk frame. It fails with
// domain.ErrChannelUnavailable unless the channel is Open; nothing is queued
// for later delivery in that case.
func (c *Channel) Send(ctx context.Context, chunk *entities.AudioChunk, meta SendMetadata) error {
	if chunk == nil {
		return fmt.Errorf("send: nil audio chunk")
	}

	c.mu.Lock()
	k, state, sessionID := c.current, c.state, c.sessionID
	c.mu.Unlock()

	if state != entities.ConnectionStateOpen || k == nil {
		metrics.SendFailures.WithLabelValues("unavailable").Inc()
		return fmt.Errorf("send while %s: %w", state, domain.ErrChannelUnavailable)
	}

	payload, err := c.validator.EncodeAudioChunk(sessionID, chunk, meta, time.Now())
	if err != nil {
		metrics.SendFailures.WithLabelValues("encode").Inc()
		return fmt.Errorf("failed to encode audio chunk: %w", err)
	}

	msg := WriteData{Payload: payload, result: make(chan error, 1)}
	select {
	case k.send <- msg:
	case <-k.quit:
		metrics.SendFailures.WithLabelValues("unavailable").Inc()
		return fmt.Errorf("send: %w", domain.ErrChannelUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-msg.result:
		return c.sendResult(err, len(chunk.Data))
	case <-k.quit:
		select {
		case err := <-msg.result:
			return c.sendResult(err, len(chunk.Data))
		default:
		}
		metrics.SendFailures.WithLabelValues("unavailable").Inc()
		return fmt.Errorf("send: %w", domain.ErrChannelUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) sendResult(err error, size int) error {
	if err != nil {
		metrics.SendFailures.WithLabelValues("write").Inc()
		return fmt.Errorf("failed to write audio chunk: %w: %w", domain.ErrChannelUnavailable, err)
	}
	metrics.ChunksSent.Inc()
	metrics.ChunkBytes.Observe(float64(size))
	return nil
}

// Close terminates the channel and suppresses reconnection. Safe to call
// more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		started, cancel, k := c.started, c.cancel, c.current
		c.setStateLocked(entities.ConnectionStateClosed)
		c.mu.Unlock()

		if k != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed")
			if err := k.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait)); err != nil {
				c.logger.Debug("Failed to write close frame", zap.Error(err))
			}
		}
		if cancel != nil {
			cancel()
		}
		if !started {
			close(c.events)
		}
	})

	c.wg.Wait()
	return nil
}

// run owns the dial and redial loop for one Connect call
func (c *Channel) run(ctx context.Context, endpoint string) {
	defer c.wg.Done()
	defer close(c.events)

	failures := 0
	for {
		conn, err := c.dial(ctx, endpoint)
		if err != nil {
			if ctx.Err() != nil {
				c.finish()
				return
			}
			failures++
			c.logger.Warn("Failed to connect session channel",
				zap.String("sessionID", c.sessionID),
				zap.Int("attempt", failures),
				zap.Duration("retryIn", c.cfg.ReconnectDelay),
				zap.Error(err))

			if c.cfg.MaxRetries > 0 && failures >= c.cfg.MaxRetries {
				c.logger.Error("Giving up on session channel",
					zap.String("sessionID", c.sessionID),
					zap.Int("attempts", failures))
				c.finish()
				return
			}
			metrics.ReconnectAttempts.Inc()
			c.setState(entities.ConnectionStateReconnecting)
			if !c.wait(ctx) {
				c.finish()
				return
			}
			continue
		}

		failures = 0
		reason := c.serve(ctx, conn)
		if ctx.Err() != nil {
			c.tryEmit(Closed{Reason: errClosedByClient.Error(), Err: errClosedByClient})
			c.finish()
			return
		}

		c.logger.Warn("Session channel dropped, reconnecting",
			zap.String("sessionID", c.sessionID),
			zap.Duration("retryIn", c.cfg.ReconnectDelay),
			zap.Error(reason))
		c.setState(entities.ConnectionStateReconnecting)
		c.emit(ctx, Closed{Reason: reason.Error(), Err: reason})
		if !c.wait(ctx) {
			c.finish()
			return
		}
	}
}

func (c *Channel) finish() {
	c.mu.Lock()
	c.closed = true
	c.setStateLocked(entities.ConnectionStateClosed)
	c.mu.Unlock()
}

func (c *Channel) wait(ctx context.Context) bool {
	timer := time.NewTimer(c.cfg.ReconnectDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Channel) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("dial rejected with status %d: %w", resp.StatusCode, domain.ErrForbidden)
			}
			return nil, fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return conn, nil
}

// serve runs the pumps for one open transport and returns why it ended
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	k := &connection{
		conn: conn,
		send: make(chan WriteData, 256),
		quit: make(chan struct{}),
	}

	c.mu.Lock()
	c.current = k
	c.setStateLocked(entities.ConnectionStateOpen)
	c.mu.Unlock()
	metrics.ConnectionState.Set(1)

	c.logger.Info("Session channel open", zap.String("sessionID", c.sessionID))
	c.emit(ctx, Opened{SessionID: c.sessionID})

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		c.writePump(k)
	}()
	go func() {
		defer pumps.Done()
		c.readPump(ctx, k)
	}()

	select {
	case <-k.quit:
	case <-ctx.Done():
		k.shutdown(errClosedByClient)
	}
	pumps.Wait()

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	metrics.ConnectionState.Set(0)

	return k.err
}

// readPump pumps frames from the websocket connection to the event stream.
func (c *Channel) readPump(ctx context.Context, k *connection) {
	k.conn.SetReadLimit(maxMessageSize)
	k.conn.SetReadDeadline(time.Now().Add(pongWait))
	k.conn.SetPongHandler(func(string) error {
		k.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, frame, err := k.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			k.shutdown(fmt.Errorf("%w: %v", domain.ErrTimeoutOrDrop, err))
			return
		}

		if messageType != websocket.TextMessage {
			c.protocolError(ctx, frame, fmt.Errorf("%w: unexpected frame type %d", domain.ErrProtocol, messageType))
			continue
		}

		event, err := c.validator.ValidateMessage(frame)
		if err != nil {
			c.protocolError(ctx, frame, err)
			continue
		}
		c.emit(ctx, event)
	}
}

// writePump pumps queued frames to the websocket connection and keeps it
// alive with pings.
func (c *Channel) writePump(k *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-k.quit:
			return

		case message := <-k.send:
			k.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := k.conn.WriteMessage(websocket.TextMessage, message.Payload)
			message.result <- err
			if err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				k.shutdown(fmt.Errorf("%w: %v", domain.ErrTimeoutOrDrop, err))
				return
			}

		case <-ticker.C:
			k.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := k.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				k.shutdown(fmt.Errorf("%w: ping: %v", domain.ErrTimeoutOrDrop, err))
				return
			}
		}
	}
}

func (c *Channel) protocolError(ctx context.Context, frame []byte, err error) {
	metrics.ProtocolErrors.Inc()
	c.logger.Warn("Dropping malformed message",
		zap.String("sessionID", c.sessionID),
		zap.Int("size", len(frame)),
		zap.Error(err))
	c.emit(ctx, ProtocolError{Raw: frame, Err: err})
}

// emit delivers event in order, giving up only when the channel stops
func (c *Channel) emit(ctx context.Context, event Event) {
	metrics.EventsReceived.WithLabelValues(event.EventType()).Inc()
	select {
	case c.events <- event:
	case <-ctx.Done():
	}
}

func (c *Channel) tryEmit(event Event) {
	select {
	case c.events <- event:
		metrics.EventsReceived.WithLabelValues(event.EventType()).Inc()
	default:
	}
}

func (c *Channel) setState(state entities.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(state)
}

func (c *Channel) setStateLocked(state entities.ConnectionState) {
	if c.closed && state != entities.ConnectionStateClosed {
		return
	}
	if c.state == state {
		return
	}
	c.state = state
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Channel) endpoint(sessionID string) (string, error) {
	base, err := url.Parse(strings.TrimRight(c.cfg.URL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid websocket url %q: %w", c.cfg.URL, err)
	}
	switch base.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid websocket url %q: scheme must be ws or wss", c.cfg.URL)
	}

	base.Path = base.Path + "/ws/client/" + url.PathEscape(sessionID)
	if c.cfg.Token != "" {
		query := base.Query()
		query.Set("token", c.cfg.Token)
		base.RawQuery = query.Encode()
	}
	return base.String(), nil
}
