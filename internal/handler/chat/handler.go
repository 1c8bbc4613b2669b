package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chat-relay/backend/internal/middleware"
	"github.com/zhouzirui/chat-relay/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chat-relay/backend/internal/service/chat"
)

// Event names exchanged over the socket.
const (
	EventConnected    = "connected"
	EventMessage      = "ai-message"
	EventDelta        = "ai-message-delta"
	EventResponse     = "ai-message-response"
	EventMessageError = "ai-message-error"
	EventError        = "error"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	// inboxSize bounds messages read ahead of the running cycle.
	inboxSize = 16
)

// Relay is the conversation state the socket handler drives.
type Relay interface {
	Connect(ctx context.Context) chat.Session
	HandleMessage(ctx context.Context, sessionID, text string, onDelta func(string)) (string, error)
	Disconnect(sessionID string)
}

// Frame is the envelope of every socket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outgoingFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ConnectedPayload is sent once after the upgrade.
type ConnectedPayload struct {
	SessionID string `json:"sessionId"`
}

// ResponsePayload carries the model's full reply.
type ResponsePayload struct {
	Response string `json:"response"`
}

// DeltaPayload carries one streamed chunk of the reply.
type DeltaPayload struct {
	Delta string `json:"delta"`
}

// ErrorPayload describes why a message produced no response.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Handler 聊天中继的 WebSocket 处理器
type Handler struct {
	relay    Relay
	upgrader websocket.Upgrader
}

// New 创建聊天处理器
func New(relay Relay, allowedOrigins []string) *Handler {
	return &Handler{
		relay: relay,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return middleware.OriginAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/socket", h.handleWebSocket)
}

// connection serializes writes to one socket.
type connection struct {
	conn      *websocket.Conn
	sessionID string
	writeMu   sync.Mutex
}

func (c *connection) send(event string, data any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(outgoingFrame{Event: event, Data: data}); err != nil {
		log.Debug().Err(err).Str("component", "websocket").Str("session_id", c.sessionID).Str("event", event).Msg("write failed")
	}
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "websocket").Msg("upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	session := h.relay.Connect(ctx)
	c := &connection{conn: conn, sessionID: session.ID}

	inbox := make(chan string, inboxSize)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.pingLoop(ctx, c)
	}()
	go func() {
		defer wg.Done()
		h.processLoop(ctx, c, inbox)
	}()

	defer func() {
		h.relay.Disconnect(session.ID)
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()

	log.Info().Str("component", "websocket").Str("session_id", session.ID).Str("remote", r.RemoteAddr).Msg("client connected")

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.send(EventConnected, ConnectedPayload{SessionID: session.ID})

	h.readLoop(ctx, c, inbox)
}

// readLoop decodes frames until the client goes away.
func (h *Handler) readLoop(ctx context.Context, c *connection, inbox chan<- string) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Info().Err(err).Str("component", "websocket").Str("session_id", c.sessionID).Msg("connection dropped")
			} else {
				log.Debug().Str("component", "websocket").Str("session_id", c.sessionID).Msg("client disconnected")
			}
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.send(EventError, ErrorPayload{Error: "invalid frame"})
			continue
		}

		switch frame.Event {
		case EventMessage:
			var text string
			if err := json.Unmarshal(frame.Data, &text); err != nil {
				c.send(EventMessageError, ErrorPayload{Error: "message must be a string"})
				continue
			}
			select {
			case inbox <- text:
			case <-ctx.Done():
				return
			}
			// Pongs are not processed while blocked on a full inbox.
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		default:
			c.send(EventError, ErrorPayload{Error: "unsupported event: " + frame.Event})
		}
	}
}

// processLoop runs message cycles one at a time in receive order.
func (h *Handler) processLoop(ctx context.Context, c *connection, inbox <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-inbox:
			h.relayMessage(ctx, c, text)
		}
	}
}

func (h *Handler) relayMessage(ctx context.Context, c *connection, text string) {
	onDelta := func(delta string) {
		c.send(EventDelta, DeltaPayload{Delta: delta})
	}

	reply, err := h.relay.HandleMessage(ctx, c.sessionID, text, onDelta)
	switch {
	case err == nil:
		c.send(EventResponse, ResponsePayload{Response: reply})
	case errors.Is(err, chatservice.ErrEmptyMessage):
		c.send(EventMessageError, ErrorPayload{Error: err.Error()})
	case errors.Is(err, chatservice.ErrSessionClosed), errors.Is(err, chatservice.ErrSessionNotFound), ctx.Err() != nil:
		log.Debug().Str("component", "websocket").Str("session_id", c.sessionID).Msg("dropping reply for closed connection")
	default:
		c.send(EventMessageError, ErrorPayload{Error: "failed to generate a response"})
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, c *connection) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
