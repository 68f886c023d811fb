package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 1 << 20
)

// SessionFactory builds and registers the services for one accepted
// connection, given its bearer token. Returning an error rejects the socket.
type SessionFactory func(token string, conn Connection) error

// WSServer upgrades HTTP requests to WebSocket connections speaking the JSON
// request envelope {id, service, method, params}.
type WSServer struct {
	logger   *zap.Logger
	factory  SessionFactory
	upgrader websocket.Upgrader
}

// NewWSServer creates a server that builds a session per socket.
func NewWSServer(factory SessionFactory, logger *zap.Logger) *WSServer {
	return &WSServer{
		logger:  logger,
		factory: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP implements http.Handler.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newWSConn(ws, s.logger)
	if err := s.factory(token, conn); err != nil {
		s.logger.Warn("session rejected", zap.Error(err))
		conn.writeClose(websocket.ClosePolicyViolation, "unauthorized")
		conn.destroy()
		return
	}
	go conn.writeLoop()
	go conn.readLoop()
}

type request struct {
	ID      uint64          `json:"id"`
	Service string          `json:"service"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	ID      uint64      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Message interface{} `json:"message,omitempty"`
	Error   *wireError  `json:"error,omitempty"`
	Done    bool        `json:"done,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsConn is one client connection. It implements Connection. The out channel
// is never closed; done signals the write loop so that stragglers still
// sending into the buffer cannot hit a closed channel.
type wsConn struct {
	ws     *websocket.Conn
	logger *zap.Logger
	out    chan response
	done   chan struct{}

	mu        sync.Mutex
	services  map[string]HandlerMap
	observers map[Observer]struct{}
	destroyed bool
}

func newWSConn(ws *websocket.Conn, logger *zap.Logger) *wsConn {
	return &wsConn{
		ws:        ws,
		logger:    logger,
		out:       make(chan response, 64),
		done:      make(chan struct{}),
		services:  make(map[string]HandlerMap),
		observers: make(map[Observer]struct{}),
	}
}

// RegisterService implements Connection.
func (c *wsConn) RegisterService(name string, handlers HandlerMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = handlers
}

// Subscribe implements Connection.
func (c *wsConn) Subscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers[o] = struct{}{}
}

// Unsubscribe implements Connection.
func (c *wsConn) Unsubscribe(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.observers, o)
}

func (c *wsConn) readLoop() {
	defer c.destroy()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var req request
		if err := c.ws.ReadJSON(&req); err != nil {
			return
		}
		go c.serve(req)
	}
}

func (c *wsConn) serve(req request) {
	c.mu.Lock()
	handlers := c.services[req.Service]
	c.mu.Unlock()
	handler := handlers[req.Method]
	if handler == nil {
		c.send(response{ID: req.ID, Error: &wireError{Code: "UnknownRequest", Message: req.Method}})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	result, err := handler(ctx, req.Params)
	cancel()
	if err != nil {
		c.send(response{ID: req.ID, Error: &wireError{Code: ErrorCode(err), Message: err.Error()}})
		return
	}
	if st, ok := result.(Streamer); ok {
		c.send(response{ID: req.ID, Result: "stream"})
		go c.pump(req.ID, st)
		return
	}
	c.send(response{ID: req.ID, Result: result})
}

// pump forwards stream messages to the peer until the stream closes.
func (c *wsConn) pump(id uint64, st Streamer) {
	for msg := range st.Messages() {
		c.send(response{ID: id, Message: msg})
	}
	final := response{ID: id, Done: true}
	if err := st.Err(); err != nil {
		final.Error = &wireError{Code: ErrorCode(err), Message: err.Error()}
	}
	c.send(final)
}

func (c *wsConn) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case resp := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(resp); err != nil {
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) send(resp response) {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return
	}
	select {
	case c.out <- resp:
	default:
		c.logger.Warn("websocket send buffer full, dropping response")
	}
}

func (c *wsConn) writeClose(code int, reason string) {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

func (c *wsConn) destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	observers := make([]Observer, 0, len(c.observers))
	for o := range c.observers {
		observers = append(observers, o)
	}
	c.mu.Unlock()
	for _, o := range observers {
		o.OnDestroy()
	}
	close(c.done)
	_ = c.ws.Close()
}
