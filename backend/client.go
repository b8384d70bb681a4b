package main

import (
	"log"
	"net/http"
	"time"

	"github.com/kenken64/JumpJumpJump/backend/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket session. The endpoint path names a room
// ("new" to create, or an existing 6-char code to join/reconnect) but
// membership itself is still established by the first in-band
// create_room/join_room/reconnect message - pathRoomID is carried
// along for logging and as the default when a message omits its own
// room_id.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	sessionID  string
	pathRoomID string

	room     *Room
	PlayerID string
	Name     string
}

func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("⚠️ websocket upgrade failed:", err)
		return
	}

	client := &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		sessionID:  uuid.New().String(),
		pathRoomID: mux.Vars(r)["room_id"],
	}

	metrics.ActiveSessions.Inc()
	log.Printf("🔌 session %s connected (path room %q)", client.sessionID, client.pathRoomID)

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer c.disconnect()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("⚠️ session %s read error: %v", c.sessionID, err)
			}
			break
		}

		c.dispatchSafely(message)
	}
}

// dispatchSafely wraps a single inbound message's handling in a
// recover() so a panic triggered by one misbehaving client - a
// malformed payload that passes JSON decoding but fails a later type
// assertion, say - only tears down that client's own session instead
// of the whole process.
func (c *Client) dispatchSafely(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️ session %s: recovered from panic handling message: %v", c.sessionID, r)
			c.sendError("internal_error", "could not process message")
		}
	}()
	dispatch(c, message)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// disconnect runs when readPump exits for any reason: transport error,
// client close, or a server-initiated close. A player mid-game is
// retained for reconnection; a lobby-phase or not-yet-joined session
// is dropped outright.
func (c *Client) disconnect() {
	c.conn.Close()
	if c.room != nil && c.PlayerID != "" {
		room := c.room
		room.removePlayer(c.PlayerID, room.IsGameStarted())
		if room.IsEmpty() {
			c.hub.Leave(room.ID)
		}
	}
	// The send channel stays open: a room's delivery loop may still
	// hold a snapshot of this session and write to it. writePump exits
	// on its own once the closed conn rejects a write or ping.
	metrics.ActiveSessions.Dec()
	log.Printf("🔌 session %s disconnected", c.sessionID)
}

func (c *Client) sendJSON(msg interface{}) {
	if c.room != nil {
		c.room.sendToPlayer(c.PlayerID, msg)
		return
	}
	data, err := marshalMessage(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("⚠️ session %s: send buffer full, dropping message", c.sessionID)
	}
}

func (c *Client) sendError(code, message string) {
	c.sendJSON(errorMessage{Type: "error", Code: code, Message: message})
}
