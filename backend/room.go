package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"
)

const (
	maxPlayersPerRoom  = 2
	chatHistoryMaxSize = 20
	broadcastQueueSize = 256
)

// ChatMessage is one line of in-game chat, replayed (up to the last
// chatHistoryMaxSize) to a reconnecting player.
type ChatMessage struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
}

// RoomInfo is the lobby-shaped view of a room: enough to render a
// lobby screen or a room list, nothing about in-progress gameplay.
type RoomInfo struct {
	RoomID      string           `json:"room_id"`
	RoomName    string           `json:"room_name"`
	HostID      string           `json:"host_id"`
	PlayerCount int              `json:"player_count"`
	MaxPlayers  int              `json:"max_players"`
	GameStarted bool             `json:"game_started"`
	Players     []RoomInfoPlayer `json:"players"`
}

type RoomInfoPlayer struct {
	PlayerID     string `json:"player_id"`
	PlayerName   string `json:"player_name"`
	PlayerNumber int    `json:"player_number"`
	IsReady      bool   `json:"is_ready"`
	Skin         string `json:"skin"`
}

// GameStateSnapshot is the full authoritative snapshot sent on
// game_starting and on a successful reconnect.
type GameStateSnapshot struct {
	Seed               int                `json:"seed"`
	Level              int                `json:"level"`
	GameMode           string             `json:"game_mode"`
	ServerTimestamp    int64              `json:"server_timestamp"`
	GameStartTimestamp int64              `json:"game_start_timestamp"`
	SequenceID         int64              `json:"sequence_id"`
	Players            map[string]*Player `json:"players"`
	Enemies            []*Enemy           `json:"enemies"`
	Coins              []*Coin            `json:"coins"`
	CollectedCoins     []string           `json:"collected_coins"`
	CollectedPowerups  []string           `json:"collected_powerups"`
	ChatHistory        []ChatMessage      `json:"chat_history"`
}

type broadcastItem struct {
	data    []byte
	exclude string
}

// Room is the per-room aggregate: membership, entities, collection
// sets, chat ring and sequence counter. Every mutation goes through
// r.mu, which is how the single-collection and atomic-kill guarantees
// are enforced — side effects (score, coin count, death-drop minting)
// happen inside the same critical section as the check that gates them.
type Room struct {
	ID         string
	Name       string
	HostID     string
	MaxPlayers int
	CreatedAt  time.Time

	Seed  int
	Level int
	Mode  string

	GameStarted        bool
	GameStartTimestamp int64

	mu sync.Mutex

	sessions    map[string]*Client
	players     map[string]*Player
	playerOrder []string

	disconnected map[string]*reconnectEntry
	tokens       map[string]string

	enemies map[string]*Enemy
	coins   map[string]*Coin

	collectedCoins    map[string]bool
	collectedPowerups map[string]bool

	chatHistory []ChatMessage

	sequence     int64
	spawnCounter int64

	broadcastCh chan broadcastItem
}

func newRoom(id, name, hostID string) *Room {
	return &Room{
		ID:                id,
		Name:              name,
		HostID:            hostID,
		MaxPlayers:        maxPlayersPerRoom,
		CreatedAt:         time.Now(),
		Seed:              1 + rand.Intn(999999),
		Level:             1,
		Mode:              "online_coop",
		sessions:          make(map[string]*Client),
		players:           make(map[string]*Player),
		disconnected:      make(map[string]*reconnectEntry),
		tokens:            make(map[string]string),
		enemies:           make(map[string]*Enemy),
		coins:             make(map[string]*Coin),
		collectedCoins:    make(map[string]bool),
		collectedPowerups: make(map[string]bool),
		broadcastCh:       make(chan broadcastItem, broadcastQueueSize),
	}
}

// run fans broadcast() calls out to every live session. It is the
// room's single owning task for delivery, matching the teacher's
// room.run() loop: a send failure defers that session for pruning
// until the whole fan-out completes rather than mutating membership
// mid-iteration.
func (r *Room) run() {
	for item := range r.broadcastCh {
		r.deliver(item.data, item.exclude)
	}
}

func (r *Room) deliver(data []byte, exclude string) {
	r.mu.Lock()
	targets := make(map[string]*Client, len(r.sessions))
	for pid, c := range r.sessions {
		if pid == exclude {
			continue
		}
		targets[pid] = c
	}
	gameStarted := r.GameStarted
	r.mu.Unlock()

	var failed []string
	for pid, c := range targets {
		select {
		case c.send <- data:
		default:
			failed = append(failed, pid)
		}
	}

	for _, pid := range failed {
		log.Printf("🔌 room %s: pruning unresponsive session %s", r.ID, pid)
		r.removePlayer(pid, gameStarted)
	}
}

func (r *Room) broadcast(msg interface{}, exclude string) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("⚠️ room %s: marshal broadcast: %v", r.ID, err)
		return
	}
	select {
	case r.broadcastCh <- broadcastItem{data: data, exclude: exclude}:
	default:
		log.Printf("⚠️ room %s: broadcast queue full, dropping a message", r.ID)
	}
}

func (r *Room) sendToPlayer(playerID string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("⚠️ room %s: marshal direct message: %v", r.ID, err)
		return
	}

	r.mu.Lock()
	c, ok := r.sessions[playerID]
	gameStarted := r.GameStarted
	r.mu.Unlock()
	if !ok {
		return
	}

	select {
	case c.send <- data:
	default:
		r.removePlayer(playerID, gameStarted)
	}
}

// addPlayer registers a brand-new member (create_room or join_room),
// assigning the lowest free slot and issuing its reconnect
// token up front — see reconnect.go on why the token is minted here
// rather than at disconnect time.
func (r *Room) addPlayer(id, name string, session *Client) *Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addPlayerLocked(id, name, session)
}

// join is the membership-gated variant of addPlayer: the full/started
// checks and the insertion happen under one critical section so two
// racing join_room messages cannot both squeeze into the last slot.
func (r *Room) join(id, name string, session *Client) (*Player, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.GameStarted {
		return nil, errRoomInProgress
	}
	if len(r.players) >= r.MaxPlayers {
		return nil, errRoomFull
	}
	return r.addPlayerLocked(id, name, session), nil
}

func (r *Room) addPlayerLocked(id, name string, session *Client) *Player {
	// Lowest slot not held by a live or disconnected-retained member:
	// join order for the normal fill, and no duplicate when slot 1
	// frees up in the lobby while slot 2 stays.
	taken := make(map[int]bool, len(r.players)+len(r.disconnected))
	for _, p := range r.players {
		taken[p.Slot] = true
	}
	for _, e := range r.disconnected {
		taken[e.player.Slot] = true
	}
	slot := 1
	for taken[slot] {
		slot++
	}

	p := newPlayer(id, name, slot)
	r.players[id] = p
	r.sessions[id] = session
	r.playerOrder = append(r.playerOrder, id)
	r.tokens[id] = newReconnectToken()
	return p
}

// removePlayer drops a player's live membership. When allowReconnect is
// true the Player record is retained in the disconnected table for the
// grace window; otherwise the departure is final and, if the game
// hasn't started, every remaining member's ready flag is cleared so a
// stale ready state can't let the lobby start without them.
func (r *Room) removePlayer(id string, allowReconnect bool) {
	r.mu.Lock()

	player, ok := r.players[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	delete(r.sessions, id)
	delete(r.players, id)

	if allowReconnect {
		r.disconnected[id] = &reconnectEntry{
			player:       player,
			token:        r.tokens[id],
			disconnectAt: time.Now(),
		}
	} else {
		delete(r.tokens, id)
		r.removeFromOrderLocked(id)
		if !r.GameStarted {
			for _, other := range r.players {
				other.IsReady = false
			}
		}
	}

	if id == r.HostID {
		for _, pid := range r.playerOrder {
			if pid == id {
				continue
			}
			if _, live := r.players[pid]; live {
				r.HostID = pid
				break
			}
		}
	}

	info := r.roomInfoLocked()
	r.mu.Unlock()

	msgType := "player_left"
	if allowReconnect {
		msgType = "player_disconnected"
	}
	r.broadcast(struct {
		Type         string   `json:"type"`
		PlayerID     string   `json:"player_id"`
		PlayerName   string   `json:"player_name"`
		CanReconnect bool     `json:"can_reconnect"`
		RoomInfo     RoomInfo `json:"room_info"`
	}{msgType, id, player.Name, allowReconnect, info}, "")
}

// reconnectPlayer restores a disconnected player's slot if the token
// matches and the grace window hasn't elapsed. An expired entry is
// cleared lazily, on this access, rather than by a background sweep.
func (r *Room) reconnectPlayer(id, token string, session *Client) (*Player, bool) {
	r.mu.Lock()

	entry, ok := r.disconnected[id]
	if !ok || entry.token != token {
		r.mu.Unlock()
		return nil, false
	}

	if entry.expired(time.Now()) {
		delete(r.disconnected, id)
		delete(r.tokens, id)
		r.removeFromOrderLocked(id)
		r.mu.Unlock()
		return nil, false
	}

	r.players[id] = entry.player
	r.sessions[id] = session
	delete(r.disconnected, id)

	info := r.roomInfoLocked()
	r.mu.Unlock()

	r.broadcast(struct {
		Type       string   `json:"type"`
		PlayerID   string   `json:"player_id"`
		PlayerName string   `json:"player_name"`
		RoomInfo   RoomInfo `json:"room_info"`
	}{"player_reconnected", id, entry.player.Name, info}, "")

	return entry.player, true
}

func (r *Room) updatePlayerState(id string, update map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.players[id]; ok {
		p.applyState(update)
	}
}

func (r *Room) setReady(id string, ready bool) (RoomInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if !ok {
		return RoomInfo{}, false
	}
	p.IsReady = ready
	return r.roomInfoLocked(), true
}

func (r *Room) isHost(playerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.HostID == playerID
}

func (r *Room) tokenFor(playerID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tokens[playerID]
}

func (r *Room) playerSlot(playerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.players[playerID]; ok {
		return p.Slot
	}
	return 0
}

// IsGameStarted reports whether start_game has already fired for this
// room. Always go through this accessor rather than reading the
// GameStarted field directly - the field is only safe to touch under
// r.mu, and startGame flips it from inside a critical section.
func (r *Room) IsGameStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.GameStarted
}

// IsFull reports whether the room has reached its live member cap.
func (r *Room) IsFull() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players) >= r.MaxPlayers
}

// IsEmpty reports whether the room has no live members and no
// salvageable disconnected members — the registry's deletion trigger.
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players) == 0 && len(r.disconnected) == 0
}

func (r *Room) nextSequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sequence++
	return r.sequence
}

// currentSequence peeks the sequence counter without advancing it, for
// replies like time_sync_response that report the latest authoritative
// sequence id without minting a new one.
func (r *Room) currentSequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sequence
}

// applyAssist is the host-authority mutation path for game_action
// {action:"assist"}: it overwrites (not merges) the target's x/y and
// returns the updated player so the caller can broadcast
// player_state_update to everyone.
func (r *Room) applyAssist(targetID string, x, y float64) (*Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[targetID]
	if !ok {
		return nil, false
	}
	p.X = x
	p.Y = y
	return p, true
}

func (r *Room) spawnEnemy(e *Enemy) *Enemy {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == "" {
		e.ID = r.nextSpawnIDLocked("enemy")
	}
	if e.State == "" {
		e.State = enemyStateIdle
	}
	e.Alive = true
	r.enemies[e.ID] = e
	return e
}

func (r *Room) spawnCoin(c *Coin) *Coin {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = r.nextSpawnIDLocked("coin")
	}
	r.coins[c.ID] = c
	return c
}

func (r *Room) updateEnemyState(enemyID string, update map[string]interface{}) (*Enemy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enemies[enemyID]
	if !ok {
		return nil, false
	}
	applyEnemyState(e, update)
	return e, true
}

// killEnemy is the atomic kill: only the first caller to observe an
// alive enemy wins, and death-drop coins are minted inside the same
// critical section so no other kill or sync can interleave.
func (r *Room) killEnemy(enemyID, killerID string) (enemy *Enemy, won bool, drops []*Coin) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.enemies[enemyID]
	if !ok || !e.Alive {
		return e, false, nil
	}

	e.Alive = false
	e.State = enemyStateDead
	e.KilledBy = killerID

	drops = deathDropCoins(e)
	for _, c := range drops {
		r.coins[c.ID] = c
	}
	return e, true, drops
}

// collectItem is the single-flight collection check: the first caller
// to see itemID absent from the collected set wins, and the coin
// count/score increment happens in the same critical section.
func (r *Room) collectItem(itemType, itemID, playerID string) (won bool, coins int, score int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var already bool
	switch itemType {
	case "coin":
		already = r.collectedCoins[itemID]
		if !already {
			r.collectedCoins[itemID] = true
			if c, ok := r.coins[itemID]; ok {
				c.IsCollected = true
				c.CollectedBy = playerID
			}
		}
	case "powerup":
		already = r.collectedPowerups[itemID]
		if !already {
			r.collectedPowerups[itemID] = true
		}
	default:
		already = true
	}

	if already {
		return false, 0, 0
	}

	p, ok := r.players[playerID]
	if ok && itemType == "coin" {
		p.Coins++
		p.Score += 10
	}
	if ok {
		coins, score = p.Coins, p.Score
	}
	return true, coins, score
}

// syncEntities implements host sync_entities: the supplied enemy list
// fully replaces the known set, and supplied coins are added unless
// already collected — the server never resimulates motion, it only
// reconciles identity and collection state.
func (r *Room) syncEntities(enemies []*Enemy, coins []*Coin) (active []*Enemy, uncollected []*Coin, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	replaced := make(map[string]*Enemy, len(enemies))
	for _, e := range enemies {
		replaced[e.ID] = e
	}
	r.enemies = replaced

	for _, c := range coins {
		if r.collectedCoins[c.ID] {
			continue
		}
		if _, exists := r.coins[c.ID]; !exists {
			r.coins[c.ID] = c
		}
	}

	r.sequence++
	return r.activeEnemiesLocked(), r.uncollectedCoinsLocked(), r.sequence
}

func (r *Room) startGame() (GameStateSnapshot, int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.players) < 2 {
		return GameStateSnapshot{}, 0, false
	}
	for _, p := range r.players {
		if !p.IsReady {
			return GameStateSnapshot{}, 0, false
		}
	}

	r.GameStarted = true
	r.GameStartTimestamp = time.Now().UnixMilli() + 500
	r.sequence++

	return r.gameStateLocked(), r.sequence, true
}

func (r *Room) appendChat(playerID, playerName, message string) (ChatMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.GameStarted {
		return ChatMessage{}, false
	}

	cm := ChatMessage{
		PlayerID:   playerID,
		PlayerName: playerName,
		Message:    message,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	r.chatHistory = append(r.chatHistory, cm)
	if len(r.chatHistory) > chatHistoryMaxSize {
		r.chatHistory = r.chatHistory[len(r.chatHistory)-chatHistoryMaxSize:]
	}
	return cm, true
}

func (r *Room) getRoomInfo() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomInfoLocked()
}

func (r *Room) getGameState() GameStateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gameStateLocked()
}

func (r *Room) roomInfoLocked() RoomInfo {
	players := make([]RoomInfoPlayer, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, RoomInfoPlayer{
			PlayerID:     p.ID,
			PlayerName:   p.Name,
			PlayerNumber: p.Slot,
			IsReady:      p.IsReady,
			Skin:         p.Skin,
		})
	}
	return RoomInfo{
		RoomID:      r.ID,
		RoomName:    r.Name,
		HostID:      r.HostID,
		PlayerCount: len(r.players),
		MaxPlayers:  r.MaxPlayers,
		GameStarted: r.GameStarted,
		Players:     players,
	}
}

func (r *Room) gameStateLocked() GameStateSnapshot {
	players := make(map[string]*Player, len(r.players))
	for id, p := range r.players {
		players[id] = p
	}

	return GameStateSnapshot{
		Seed:               r.Seed,
		Level:              r.Level,
		GameMode:           r.Mode,
		ServerTimestamp:    time.Now().UnixMilli(),
		GameStartTimestamp: r.GameStartTimestamp,
		SequenceID:         r.sequence,
		Players:            players,
		Enemies:            r.activeEnemiesLocked(),
		Coins:              r.uncollectedCoinsLocked(),
		CollectedCoins:     setKeys(r.collectedCoins),
		CollectedPowerups:  setKeys(r.collectedPowerups),
		ChatHistory:        append([]ChatMessage(nil), r.chatHistory...),
	}
}

func (r *Room) activeEnemiesLocked() []*Enemy {
	out := make([]*Enemy, 0, len(r.enemies))
	for _, e := range r.enemies {
		if e.Alive {
			out = append(out, e)
		}
	}
	return out
}

func (r *Room) uncollectedCoinsLocked() []*Coin {
	out := make([]*Coin, 0, len(r.coins))
	for _, c := range r.coins {
		if !c.IsCollected {
			out = append(out, c)
		}
	}
	return out
}

func (r *Room) removeFromOrderLocked(id string) {
	for i, pid := range r.playerOrder {
		if pid == id {
			r.playerOrder = append(r.playerOrder[:i], r.playerOrder[i+1:]...)
			return
		}
	}
}

// nextSpawnIDLocked mints a server-authored id for host-submitted
// entities that arrive without one of their own, e.g. "enemy_3". The
// counter is shared by enemies and coins. Callers must already hold r.mu.
func (r *Room) nextSpawnIDLocked(prefix string) string {
	r.spawnCounter++
	return fmt.Sprintf("%s_%d", prefix, r.spawnCounter)
}

func setKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
