package main

import (
	"sync"

	"github.com/kenken64/JumpJumpJump/backend/metrics"
)

// Hub is the process-wide room registry. Unlike the teacher's
// channel-driven register/unregister loop, membership here is
// message-driven rather than connection-driven — a session only
// joins a room once a create_room/join_room message names one — so
// the registry is a plain mutex-guarded map instead of an actor loop.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func newHub() *Hub {
	return &Hub{
		rooms: make(map[string]*Room),
	}
}

const maxRoomCodeAttempts = 20

// Create mints a fresh room with a unique code, adds the host as its
// first player bound to session, and starts the room's broadcast loop.
func (h *Hub) Create(roomName, hostID, hostName string, session *Client) (*Room, *Player) {
	h.mu.Lock()
	var code string
	for i := 0; i < maxRoomCodeAttempts; i++ {
		candidate := generateRoomCode()
		if _, taken := h.rooms[candidate]; !taken {
			code = candidate
			break
		}
	}
	if code == "" {
		// Exhausted the retry budget against an already enormous
		// keyspace; fall back to one more draw, unchecked, rather
		// than failing the request outright.
		code = generateRoomCode()
	}

	room := newRoom(code, roomName, hostID)
	h.rooms[code] = room
	metrics.ActiveRooms.Set(float64(len(h.rooms)))
	h.mu.Unlock()

	go room.run()
	player := room.addPlayer(hostID, hostName, session)
	return room, player
}

// Join adds a participant, bound to session, to an existing, joinable
// room. The joinable checks run inside the room's own critical section
// so concurrent joins cannot overfill it.
func (h *Hub) Join(roomID, playerID, playerName string, session *Client) (*Room, *Player, error) {
	room, ok := h.Get(roomID)
	if !ok {
		return nil, nil, errRoomNotFound
	}

	player, err := room.join(playerID, playerName, session)
	if err != nil {
		return nil, nil, err
	}
	return room, player, nil
}

// Get looks up a room by code.
func (h *Hub) Get(roomID string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[roomID]
	return room, ok
}

// Leave removes a room from the registry once it has no live or
// reconnectable members left. Safe to call speculatively after any
// departure; it is a no-op if the room still has occupants.
func (h *Hub) Leave(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if room.IsEmpty() {
		delete(h.rooms, roomID)
		metrics.ActiveRooms.Set(float64(len(h.rooms)))
	}
}

// ListAvailable returns lobby-stage rooms with an open slot, the set
// shown on a public room browser.
func (h *Hub) ListAvailable() []RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]RoomInfo, 0, len(h.rooms))
	for _, room := range h.rooms {
		info := room.getRoomInfo()
		if !info.GameStarted && info.PlayerCount < info.MaxPlayers {
			out = append(out, info)
		}
	}
	return out
}

// ListAll returns every room regardless of phase or occupancy,
// primarily for operational/debug visibility.
func (h *Hub) ListAll() []RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]RoomInfo, 0, len(h.rooms))
	for _, room := range h.rooms {
		out = append(out, room.getRoomInfo())
	}
	return out
}
