// Package feed streams the instrument's status board to websocket clients.
//
// Messages are JSON text frames with an envelope: {type, ts, data}.  A
// client gets "status_init" with the current snapshot on connect, then
// "status" whenever the board changes, at most once per coalesce window.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/drmd/pkg/status"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	// CoalesceWindow bounds the update rate while the carriage is moving.
	CoalesceWindow = 100 * time.Millisecond
)

type envelope struct {
	Type string      `json:"type"`
	Ts   *time.Time  `json:"ts,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

func encode(typ string, snap status.Snapshot) ([]byte, error) {
	now := time.Now().UTC()
	return json.Marshal(envelope{Type: typ, Ts: &now, Data: snap})
}

// Hub tracks connected clients and fans frames out to them.  Slow clients are
// disconnected rather than allowed to hold up the rest.
type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	// done is closed when Run returns.
	done chan struct{}

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, 128),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		done:       make(chan struct{}),
		clients:    map[*Client]struct{}{},
	}
}

// Run processes hub events until ctx is cancelled, then drops every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				_ = c.conn.Close()
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Feed client connected", "remote_addr", c.remoteAddr, "clients", n)
		case c := <-h.unregister:
			h.remove(c, "unregister")
		case msg := <-h.broadcast:
			var slow []*Client
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()
			for _, c := range slow {
				h.remove(c, "slow client")
			}
		}
	}
}

// add hands c to the hub.  It reports false once the hub has stopped, in
// which case the caller still owns c.
func (h *Hub) add(c *Client) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) remove(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = c.conn.Close()
	close(c.send)
	h.logger.Info("Feed client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
}

// Broadcast never blocks; a full queue drops the frame.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Feed broadcast queue full, dropping frame")
	}
}

type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards anything the client sends; it is only there to notice
// disconnects and answer control frames.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.hub.drop(c)
			return
		}
	}
}

// Server is the HTTP side of the feed.
type Server struct {
	logger *slog.Logger
	hub    *Hub
	board  *status.Board
}

func NewServer(logger *slog.Logger, board *status.Board) *Server {
	return &Server{
		logger: logger,
		hub:    NewHub(logger),
		board:  board,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Feed upgrade failed", "err", err)
		return
	}
	c := &Client{
		hub:        s.hub,
		conn:       conn,
		send:       make(chan []byte, 32),
		remoteAddr: r.RemoteAddr,
	}
	// Queue the initial snapshot before registering so it is always first.
	if msg, err := encode("status_init", s.board.Snapshot()); err == nil {
		c.send <- msg
	}
	if !s.hub.add(c) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// RunBroadcaster forwards board updates to the hub, latest-wins within each
// CoalesceWindow.
func (s *Server) RunBroadcaster(ctx context.Context) {
	updates := s.board.Subscribe(8)
	defer s.board.Unsubscribe(updates)
	// The first value is the current snapshot, which new clients get anyway.
	<-updates

	ticker := time.NewTicker(CoalesceWindow)
	defer ticker.Stop()
	var pending *status.Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-updates:
			pending = &snap
		case <-ticker.C:
			if pending == nil {
				continue
			}
			msg, err := encode("status", *pending)
			pending = nil
			if err != nil {
				s.logger.Warn("Feed marshal failed", "err", err)
				continue
			}
			s.hub.Broadcast(msg)
		}
	}
}

// ListenAndServe runs the feed on addr until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, logger *slog.Logger, board *status.Board) error {
	s := NewServer(logger, board)
	mux := http.NewServeMux()
	mux.Handle("/status", s)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "feed listen on %s", addr)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go s.hub.Run(ctx)
	go s.RunBroadcaster(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Status feed listening", "addr", l.Addr().String())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "feed server")
	}
	return nil
}
