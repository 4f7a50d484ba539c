package devserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
	vws "github.com/satriahrh/voicechat/internal/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024
)

var errUnknownSession = errors.New("no client for session")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ReceivedChunk is an audio_chunk frame as the server decoded it
type ReceivedChunk struct {
	Meta  domain.AudioChunkMessage
	Audio []byte
}

// Hub maintains the set of connected session clients
type Hub struct {
	// Registered clients by session id.
	clients map[string]*peer

	// Register requests from the clients.
	register chan *peer

	// Unregister requests from clients.
	unregister chan *peer

	mu sync.RWMutex

	// joined is closed and replaced whenever a client registers
	joined chan struct{}

	received []ReceivedChunk

	// done is closed when Run returns
	done chan struct{}

	validator *vws.MessageValidator
	responder *Responder
	logger    *zap.Logger
}

// NewHub creates a new hub. A nil responder records chunks without answering.
func NewHub(responder *Responder, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]*peer),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		joined:     make(chan struct{}),
		done:       make(chan struct{}),
		validator:  vws.NewMessageValidator(),
		responder:  responder,
		logger:     logger,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, p := range h.clients {
				delete(h.clients, id)
				close(p.send)
			}
			h.mu.Unlock()
			return

		case p := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[p.sessionID]; ok {
				close(old.send)
			}
			h.clients[p.sessionID] = p
			close(h.joined)
			h.joined = make(chan struct{})
			h.mu.Unlock()
			h.logger.Info("Client registered",
				zap.String("sessionID", p.sessionID),
				zap.String("userID", p.user.ID))

		case p := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[p.sessionID]; ok && cur == p {
				delete(h.clients, p.sessionID)
				close(p.send)
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("sessionID", p.sessionID))
		}
	}
}

// Push queues a raw frame for the client of sessionID
func (h *Hub) Push(sessionID string, frame []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	p, ok := h.clients[sessionID]
	if !ok {
		return errUnknownSession
	}
	select {
	case p.send <- frame:
		return nil
	default:
		return errors.New("client send buffer full")
	}
}

// DropAll closes every client connection without a close handshake
func (h *Hub) DropAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.clients {
		p.conn.Close()
	}
}

// Connected reports whether a client for sessionID is registered
func (h *Hub) Connected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[sessionID]
	return ok
}

// WaitClient blocks until a client for sessionID is registered
func (h *Hub) WaitClient(ctx context.Context, sessionID string) error {
	for {
		h.mu.RLock()
		_, ok := h.clients[sessionID]
		joined := h.joined
		h.mu.RUnlock()
		if ok {
			return nil
		}

		select {
		case <-joined:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Received returns every audio chunk decoded so far, in arrival order
func (h *Hub) Received() []ReceivedChunk {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]ReceivedChunk(nil), h.received...)
}

func (h *Hub) record(chunk ReceivedChunk) {
	h.mu.Lock()
	h.received = append(h.received, chunk)
	h.mu.Unlock()
}

// peer is a middleman between one websocket connection and the hub
type peer struct {
	hub *Hub

	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	sessionID string
	user      entities.User
	logger    *zap.Logger
}

// serve registers the connection and starts its pumps
func (h *Hub) serve(conn *websocket.Conn, sessionID string, user entities.User) {
	p := &peer{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, 256),
		sessionID: sessionID,
		user:      user,
		logger:    h.logger.With(zap.String("sessionID", sessionID)),
	}
	select {
	case h.register <- p:
	case <-h.done:
		conn.Close()
		return
	}

	go p.writePump()
	go p.readPump()
}

// readPump pumps frames from the websocket connection to the responder.
func (p *peer) readPump() {
	defer func() {
		select {
		case p.hub.unregister <- p:
		case <-p.hub.done:
		}
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			p.reply(errorFrame("Unsupported message type", "Only text frames are supported."))
			continue
		}
		p.processMessage(message)
	}
}

// writePump pumps queued frames to the websocket connection.
func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				p.logger.Warn("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *peer) processMessage(message []byte) {
	meta, audio, err := p.hub.validator.DecodeAudioChunk(message)
	if err != nil {
		p.logger.Warn("Rejected client frame", zap.Error(err))
		p.reply(errorFrame("Unsupported message type", "Only 'audio_chunk' type is currently supported."))
		return
	}

	p.hub.record(ReceivedChunk{Meta: *meta, Audio: audio})
	p.logger.Info("Received audio chunk",
		zap.Int("size", len(audio)),
		zap.String("format", meta.AudioFormat),
		zap.String("language", meta.Language))

	if p.hub.responder == nil {
		return
	}
	frames, err := p.hub.responder.Respond(meta, audio)
	if err != nil {
		p.logger.Warn("Audio processing failed", zap.Error(err))
		p.reply(errorFrame("Audio processing failed.", err.Error()))
		return
	}
	for _, frame := range frames {
		p.reply(frame)
	}
}

// reply queues frame while the peer is still the registered client
func (p *peer) reply(frame []byte) {
	p.hub.mu.RLock()
	defer p.hub.mu.RUnlock()

	if p.hub.clients[p.sessionID] != p {
		return
	}
	select {
	case p.send <- frame:
	default:
		p.logger.Warn("Dropping reply, send buffer full")
	}
}
