package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	authWait       = 30 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 256
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// wsClient binds one websocket to one presence entry. Outbound frames go
// through a buffered send channel; a full buffer means the consumer is too
// slow and the connection is treated as dead.
type wsClient struct {
	conn      *websocket.Conn
	username  string
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn, username string) *wsClient {
	return &wsClient{
		conn:     conn,
		username: username,
		send:     make(chan []byte, sendBufferSize),
		closed:   make(chan struct{}),
	}
}

func (c *wsClient) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closed:
			// Flush anything already queued (e.g. the rejected command
			// for an evicted connection) before closing.
			for {
				select {
				case message := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.TextMessage, message)
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *wsClient) readPump(user *User, router *Router, registry *Registry) {
	defer func() {
		registry.release(c.username, c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Str("username", c.username).Err(err).Msg("WebSocket read error")
			}
			return
		}

		var frame ChatFrame
		if err := json.Unmarshal(messageBytes, &frame); err != nil {
			log.Warn().Str("username", c.username).Err(err).Msg("Invalid JSON frame from client")
			continue
		}

		if _, err := router.Route(user, frame); err != nil {
			log.Error().Str("username", c.username).Err(err).Msg("Failed to route message")
		}
	}
}

// handleChat is the live-connection endpoint. The first client frame must
// be the auth payload; a failed login gets an AUTH_FAILED response with
// session id "0" and the socket is closed, never retried server-side.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(authWait))

	_, authBytes, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}

	var req AuthRequest
	if err := json.Unmarshal(authBytes, &req); err != nil {
		s.writeAuthFailed(conn)
		return
	}

	result, err := s.auth.Authenticate(req.Username, req.Password, req.SessionID)
	if err != nil {
		log.Info().Str("username", req.Username).Err(err).Msg("Authentication failed")
		s.writeAuthFailed(conn)
		return
	}

	client := newWSClient(conn, result.User.Username)
	s.registry.Connect(result.User.Username, client)

	success, _ := json.Marshal(AuthResponse{
		Type:      "response",
		SessionID: result.SessionID,
		State:     AuthSuccess,
	})
	client.send <- success

	go client.writePump()
	client.readPump(result.User, s.router, s.registry)
}

func (s *Server) writeAuthFailed(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	payload, _ := json.Marshal(AuthResponse{
		Type:      "response",
		SessionID: "0",
		State:     AuthFailed,
	})
	conn.WriteMessage(websocket.TextMessage, payload)
	conn.Close()
}
