package wire

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
)

// ObserverHub broadcasts agents_update/task_update frames to every
// connected observer. Observers never send application frames — this is
// the teacher's server-push Client/Hub pair kept almost unchanged, since
// the read-only dashboard feed is the same shape of problem the teacher's
// job/agent/notification topics solved.
type ObserverHub struct {
	mu      sync.RWMutex
	clients map[*ObserverConn]struct{}

	logger *zap.Logger
}

// NewObserverHub creates an idle ObserverHub.
func NewObserverHub(logger *zap.Logger) *ObserverHub {
	return &ObserverHub{
		clients: make(map[*ObserverConn]struct{}),
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled, then closes every connected observer's
// send channel so their writePumps drain and exit.
func (h *ObserverHub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*ObserverConn]struct{})
	h.mu.Unlock()
}

func (h *ObserverHub) register(c *ObserverConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *ObserverHub) unregister(c *ObserverConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast sends msg to every connected observer. A client whose buffer is
// full is disconnected rather than allowed to stall the others.
func (h *ObserverHub) Broadcast(msg protocol.ObserverMessage) {
	h.mu.RLock()
	clients := make([]*ObserverConn, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			h.unregister(c)
		}
	}
}

// ObserverConn is one connected dashboard/observer peer.
type ObserverConn struct {
	hub    *ObserverHub
	conn   *websocket.Conn
	send   chan protocol.ObserverMessage
	logger *zap.Logger
}

// AcceptObserver upgrades an incoming HTTP request to a WebSocket observer
// connection.
func AcceptObserver(hub *ObserverHub, w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*ObserverConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &ObserverConn{
		hub:    hub,
		conn:   conn,
		send:   make(chan protocol.ObserverMessage, sendBufferSize),
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Run registers the connection and pumps frames until it closes. It blocks
// until then.
func (c *ObserverConn) Run() {
	c.hub.register(c)
	go c.writePump()
	c.readPump()
}

// readPump only exists to detect disconnection and keep the read deadline
// fresh on pong frames — observers never send application data.
func (c *ObserverConn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("wire: observer unexpected close", zap.Error(err))
			}
			return
		}
	}
}

func (c *ObserverConn) writePump() {
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
				c.logger.Warn("wire: observer write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("wire: observer ping error", zap.Error(err))
				return
			}
		}
	}
}
