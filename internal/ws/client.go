package ws

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	sendQueueSize  = 256
	maxViolations  = 200
	warnEveryNth   = 50
	participantKey = "userId"
)

// Client is one WebSocket connection belonging to a participant. A
// participant may hold several.
type Client struct {
	hub         *Hub
	server      *Server
	conn        *websocket.Conn
	send        chan []byte
	participant string
	socketID    string
}

// ServeHTTP upgrades the request and attaches the socket to the hub. The
// participant comes from ?userId= and is generated when absent.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	participant := r.URL.Query().Get(participantKey)
	if participant == "" {
		participant = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := &Client{
		hub:         s.hub,
		server:      s,
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		participant: participant,
		socketID:    fmt.Sprintf("%s-%d", conn.RemoteAddr().String(), time.Now().UnixNano()),
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	s.hub.attach(participant, s.coord.Reconnect)
	s.log.WithParticipant(participant).Info("client connected", "socket", client.socketID)

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	log := c.server.log.WithParticipant(c.participant)
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()

		c.hub.detach(c.participant, c.server.coord.Disconnect)
		log.Info("client disconnected", "socket", c.socketID)
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn("websocket read error", "error", err)
			}
			return
		}

		if !c.server.limiters.Allow(c.participant) {
			violations++
			if violations%warnEveryNth == 1 {
				log.Warn("rate limit exceeded", "violations", violations)
				c.server.reject(c.participant, "", "rate limit exceeded")
			}
			if violations > maxViolations {
				log.Warn("disconnecting for excessive rate limit violations")
				return
			}
			continue
		}

		c.server.dispatch(c.participant, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
