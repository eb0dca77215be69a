package wire

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the hub waits for a pong reply after a ping.
	// This is a transport-level keepalive, independent of the 30s/90s
	// application heartbeat the agent sends as a "heartbeat" frame.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the peer has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is generous enough for an assign frame carrying a task
	// with several input files.
	maxMessageSize = 65536

	// sendBufferSize is the per-connection outbound queue depth.
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// AgentConn is one connected agent's WebSocket. Each runs two goroutines —
// readPump and writePump — following the same split as the teacher's
// websocket.Client, generalized to a connection that also reads application
// frames rather than only pong control frames.
type AgentConn struct {
	hub     *Hub
	conn    *websocket.Conn
	agentID string
	send    chan protocol.OrchestratorMessage
	logger  *zap.Logger
}

// AcceptAgent upgrades an incoming HTTP request to a WebSocket and returns
// the not-yet-registered connection. The caller must invoke Run to start
// serving it.
func AcceptAgent(hub *Hub, w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*AgentConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &AgentConn{
		hub:    hub,
		conn:   conn,
		send:   make(chan protocol.OrchestratorMessage, sendBufferSize),
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// AgentID returns the connection's bound agent id, or "" before the first
// valid connect/reconnect frame has been processed.
func (c *AgentConn) AgentID() string {
	return c.agentID
}

// Send queues msg for delivery. Returns false if the connection's outbound
// buffer is full.
func (c *AgentConn) Send(msg protocol.OrchestratorMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Run registers the connection with the hub once its identity is known and
// pumps frames until the connection closes. It blocks until then.
func (c *AgentConn) Run() {
	go c.writePump()
	c.readPump()
}

// readPump parses every inbound frame, enforces that the first frame is a
// connect or reconnect, and forwards known frame types to the hub. Unknown
// types are logged and dropped per spec §6; protocol violations (missing
// required fields) close the connection with code 1003.
func (c *AgentConn) readPump() {
	defer func() {
		if c.agentID != "" {
			c.hub.unregister(c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	first := true
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("wire: unexpected close", zap.Error(err))
			}
			return
		}

		msg, perr := protocol.ParseAgentMessage(raw)
		if perr != nil {
			var violation *protocol.ProtocolViolationError
			if errors.As(perr, &violation) {
				c.logger.Warn("wire: closing connection for protocol violation", zap.Error(perr))
				c.closeWithCode(websocket.CloseUnsupportedData, violation.Error())
			} else {
				c.logger.Warn("wire: malformed frame, closing connection", zap.Error(perr))
				c.closeWithCode(websocket.CloseUnsupportedData, "malformed frame")
			}
			return
		}

		if !protocol.IsKnownAgentType(msg.Type) {
			c.logger.Info("wire: ignoring unknown frame type", zap.String("type", string(msg.Type)))
			continue
		}

		if first {
			if msg.Type != protocol.AgentConnect && msg.Type != protocol.AgentReconnect {
				c.logger.Warn("wire: first frame must be connect or reconnect",
					zap.String("type", string(msg.Type)))
				c.closeWithCode(websocket.CloseUnsupportedData, "first frame must be connect or reconnect")
				return
			}
			c.agentID = msg.AgentID
			first = false
			c.hub.register(c)
		}

		c.hub.deliver(InboundFrame{AgentID: c.agentID, Message: msg})
	}
}

func (c *AgentConn) closeWithCode(code int, text string) {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

// writePump is the only goroutine allowed to write to conn — gorilla
// websocket connections are not safe for concurrent writes.
func (c *AgentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("wire: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("wire: ping error", zap.Error(err))
				return
			}
		}
	}
}
