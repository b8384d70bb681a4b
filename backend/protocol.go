package main

import (
	"encoding/json"
	"log"

	"github.com/kenken64/JumpJumpJump/backend/metrics"
)

// Every inbound and outbound payload is a flat JSON object
// discriminated by its "type" field - a closed sum of record variants
// rather than a {type, data} envelope. dispatch decodes the
// discriminator first, then re-decodes the same raw bytes into the
// variant the type names.
type envelope struct {
	Type string `json:"type"`
}

func marshalMessage(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func dispatch(c *Client, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendError("bad_message", "malformed JSON")
		c.conn.Close()
		return
	}
	metrics.MessagesRouted.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case "create_room":
		handleCreateRoom(c, raw)
	case "join_room":
		handleJoinRoom(c, raw)
	case "reconnect":
		handleReconnect(c, raw)
	case "player_ready":
		handlePlayerReady(c, raw)
	case "player_state":
		handlePlayerState(c, raw)
	case "game_action":
		handleGameAction(c, raw)
	case "collect_item":
		handleCollectItem(c, raw)
	case "enemy_spawn":
		handleEnemySpawn(c, raw)
	case "enemy_state":
		handleEnemyState(c, raw)
	case "enemy_killed":
		handleEnemyKilled(c, raw)
	case "coin_spawn":
		handleCoinSpawn(c, raw)
	case "sync_entities":
		handleSyncEntities(c, raw)
	case "start_game":
		handleStartGame(c, raw)
	case "chat":
		handleChat(c, raw)
	case "leave_room":
		handleLeaveRoom(c, raw)
	case "ping":
		c.sendJSON(struct {
			Type string `json:"type"`
		}{"pong"})
	case "time_sync":
		handleTimeSync(c, raw)
	default:
		log.Printf("session %s: unknown message type %q", c.sessionID, env.Type)
	}
}

func (c *Client) requireRoom() bool {
	if c.room == nil {
		c.sendError("not_in_room", "join or create a room first")
		return false
	}
	return true
}

// --- lobby ---

type createRoomMsg struct {
	Name       string `json:"name"`
	PlayerName string `json:"player_name"`
	PlayerID   string `json:"player_id"`
}

func handleCreateRoom(c *Client, raw []byte) {
	var m createRoomMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.PlayerName == "" {
		c.sendError("bad_message", "create_room requires player_name")
		return
	}
	if c.room != nil {
		c.sendError("already_in_room", "leave the current room first")
		return
	}

	playerID := m.PlayerID
	if playerID == "" {
		playerID = c.sessionID
	}

	room, player := c.hub.Create(m.Name, playerID, m.PlayerName, c)
	c.room = room
	c.PlayerID = playerID
	c.Name = m.PlayerName

	c.sendJSON(struct {
		Type         string   `json:"type"`
		RoomID       string   `json:"room_id"`
		PlayerID     string   `json:"player_id"`
		PlayerNumber int      `json:"player_number"`
		Token        string   `json:"token"`
		RoomInfo     RoomInfo `json:"room_info"`
	}{"room_created", room.ID, playerID, player.Slot, room.tokenFor(playerID), room.getRoomInfo()})
}

type joinRoomMsg struct {
	RoomID     string `json:"room_id"`
	PlayerName string `json:"player_name"`
	PlayerID   string `json:"player_id"`
}

func handleJoinRoom(c *Client, raw []byte) {
	var m joinRoomMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.PlayerName == "" {
		c.sendError("bad_message", "join_room requires player_name")
		return
	}
	roomID := m.RoomID
	if roomID == "" {
		roomID = c.pathRoomID
	}
	if roomID == "" || roomID == "new" {
		c.sendError("bad_message", "join_room requires room_id")
		return
	}
	if c.room != nil {
		c.sendError("already_in_room", "leave the current room first")
		return
	}

	playerID := m.PlayerID
	if playerID == "" {
		playerID = c.sessionID
	}

	room, player, err := c.hub.Join(roomID, playerID, m.PlayerName, c)
	if err != nil {
		code := "room_not_found"
		switch err {
		case errRoomInProgress:
			code = "room_in_progress"
		case errRoomFull:
			code = "room_full"
		}
		c.sendError(code, err.Error())
		return
	}

	c.room = room
	c.PlayerID = playerID
	c.Name = m.PlayerName

	c.sendJSON(struct {
		Type         string   `json:"type"`
		RoomID       string   `json:"room_id"`
		PlayerID     string   `json:"player_id"`
		PlayerNumber int      `json:"player_number"`
		Token        string   `json:"token"`
		RoomInfo     RoomInfo `json:"room_info"`
	}{"room_joined", room.ID, playerID, player.Slot, room.tokenFor(playerID), room.getRoomInfo()})

	room.broadcast(struct {
		Type       string   `json:"type"`
		PlayerID   string   `json:"player_id"`
		PlayerName string   `json:"player_name"`
		RoomInfo   RoomInfo `json:"room_info"`
	}{"player_joined", playerID, m.PlayerName, room.getRoomInfo()}, playerID)
}

type reconnectMsg struct {
	RoomID   string `json:"room_id"`
	PlayerID string `json:"player_id"`
	Token    string `json:"token"`
}

func handleReconnect(c *Client, raw []byte) {
	var m reconnectMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.PlayerID == "" {
		c.sendError("bad_message", "reconnect requires room_id, player_id and token")
		return
	}
	roomID := m.RoomID
	if roomID == "" {
		roomID = c.pathRoomID
	}
	if roomID == "" || roomID == "new" {
		c.sendError("bad_message", "reconnect requires room_id")
		return
	}

	room, ok := c.hub.Get(roomID)
	if !ok {
		c.sendError("room_not_found", errRoomNotFound.Error())
		return
	}

	player, ok := room.reconnectPlayer(m.PlayerID, m.Token, c)
	if !ok {
		c.sendError("reconnect_rejected", errReconnectRejected.Error())
		return
	}

	c.room = room
	c.PlayerID = m.PlayerID
	c.Name = player.Name

	c.sendJSON(struct {
		Type         string            `json:"type"`
		RoomID       string            `json:"room_id"`
		PlayerID     string            `json:"player_id"`
		PlayerNumber int               `json:"player_number"`
		GameState    GameStateSnapshot `json:"game_state"`
	}{"reconnected", room.ID, m.PlayerID, player.Slot, room.getGameState()})
}

type playerReadyMsg struct {
	IsReady bool `json:"is_ready"`
}

func handlePlayerReady(c *Client, raw []byte) {
	if !c.requireRoom() {
		return
	}
	var m playerReadyMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		c.sendError("bad_message", "player_ready requires a boolean is_ready field")
		return
	}

	info, ok := c.room.setReady(c.PlayerID, m.IsReady)
	if !ok {
		return
	}
	c.room.broadcast(struct {
		Type     string   `json:"type"`
		PlayerID string   `json:"player_id"`
		IsReady  bool     `json:"is_ready"`
		RoomInfo RoomInfo `json:"room_info"`
	}{"player_ready_changed", c.PlayerID, m.IsReady, info}, "")
}

func handleLeaveRoom(c *Client, _ []byte) {
	if c.room == nil {
		return
	}
	room := c.room
	room.removePlayer(c.PlayerID, false)
	if room.IsEmpty() {
		c.hub.Leave(room.ID)
	}
	c.room = nil

	c.sendJSON(struct {
		Type string `json:"type"`
	}{"room_left"})
}

// --- gameplay ---

func handlePlayerState(c *Client, raw []byte) {
	if !c.requireRoom() {
		return
	}
	var update map[string]interface{}
	if err := json.Unmarshal(raw, &update); err != nil {
		return
	}
	delete(update, "type")
	c.room.updatePlayerState(c.PlayerID, update)

	c.room.broadcast(struct {
		Type     string                 `json:"type"`
		PlayerID string                 `json:"player_id"`
		State    map[string]interface{} `json:"state"`
	}{"player_state_update", c.PlayerID, update}, c.PlayerID)
}

type gameActionMsg struct {
	Action string                 `json:"action"`
	Data   map[string]interface{} `json:"data"`
}

func handleGameAction(c *Client, raw []byte) {
	if !c.requireRoom() {
		return
	}
	var m gameActionMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}

	if m.Action == "assist" && c.room.isHost(c.PlayerID) {
		targetID, _ := m.Data["target_player_id"].(string)
		x, xOk := m.Data["x"].(float64)
		y, yOk := m.Data["y"].(float64)
		if targetID != "" && xOk && yOk {
			if _, ok := c.room.applyAssist(targetID, x, y); ok {
				c.room.broadcast(struct {
					Type     string                 `json:"type"`
					PlayerID string                 `json:"player_id"`
					State    map[string]interface{} `json:"state"`
				}{"player_state_update", targetID, map[string]interface{}{"x": x, "y": y}}, "")
			}
		}
	}

	c.room.broadcast(struct {
		Type     string                 `json:"type"`
		PlayerID string                 `json:"player_id"`
		Action   string                 `json:"action"`
		Data     map[string]interface{} `json:"data"`
	}{"game_action", c.PlayerID, m.Action, m.Data}, c.PlayerID)
}

type collectItemMsg struct {
	ItemType string `json:"item_type"`
	ItemID   string `json:"item_id"`
}

func handleCollectItem(c *Client, raw []byte) {
	if !c.requireRoom() {
		return
	}
	var m collectItemMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.ItemID == "" {
		return
	}

	won, coins, score := c.room.collectItem(m.ItemType, m.ItemID, c.PlayerID)
	if !won {
		metrics.CollectionRaces.WithLabelValues("item", "lost").Inc()
		c.sendJSON(struct {
			Type   string `json:"type"`
			ItemID string `json:"item_id"`
		}{"item_already_collected", m.ItemID})
		return
	}
	metrics.CollectionRaces.WithLabelValues("item", "won").Inc()

	c.room.broadcast(struct {
		Type        string `json:"type"`
		ItemType    string `json:"item_type"`
		ItemID      string `json:"item_id"`
		PlayerID    string `json:"player_id"`
		PlayerCoins int    `json:"player_coins"`
		PlayerScore int    `json:"player_score"`
		SequenceID  int64  `json:"sequence_id"`
	}{"item_collected", m.ItemType, m.ItemID, c.PlayerID, coins, score, c.room.nextSequence()}, "")
}

func requireHost(c *Client) bool {
	if !c.requireRoom() {
		return false
	}
	return c.room.isHost(c.PlayerID)
}

type enemySpawnMsg struct {
	EnemyID    string  `json:"enemy_id"`
	EnemyType  string  `json:"enemy_type"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Health     int     `json:"health"`
	MaxHealth  int     `json:"max_health"`
	CoinReward int     `json:"coin_reward"`
	Scale      float64 `json:"scale"`
}

func handleEnemySpawn(c *Client, raw []byte) {
	if !requireHost(c) {
		return
	}
	var m enemySpawnMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}

	enemy := c.room.spawnEnemy(&Enemy{
		ID:         m.EnemyID,
		Type:       m.EnemyType,
		X:          m.X,
		Y:          m.Y,
		Health:     m.Health,
		MaxHealth:  m.MaxHealth,
		CoinReward: m.CoinReward,
		Scale:      m.Scale,
	})

	c.room.broadcast(struct {
		Type  string `json:"type"`
		Enemy *Enemy `json:"enemy"`
	}{"enemy_spawned", enemy}, "")
}

func handleEnemyState(c *Client, raw []byte) {
	if !c.requireRoom() {
		return
	}
	var update map[string]interface{}
	if err := json.Unmarshal(raw, &update); err != nil {
		return
	}
	enemyID, _ := update["enemy_id"].(string)
	if enemyID == "" {
		return
	}
	delete(update, "type")
	delete(update, "enemy_id")

	_, ok := c.room.updateEnemyState(enemyID, update)
	if !ok {
		return
	}

	c.room.broadcast(struct {
		Type    string                 `json:"type"`
		EnemyID string                 `json:"enemy_id"`
		State   map[string]interface{} `json:"state"`
	}{"enemy_state_update", enemyID, update}, c.PlayerID)
}

type enemyKilledMsg struct {
	EnemyID string `json:"enemy_id"`
}

func handleEnemyKilled(c *Client, raw []byte) {
	if !c.requireRoom() {
		return
	}
	var m enemyKilledMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.EnemyID == "" {
		return
	}

	enemy, won, drops := c.room.killEnemy(m.EnemyID, c.PlayerID)
	if enemy == nil {
		return
	}
	if !won {
		metrics.CollectionRaces.WithLabelValues("enemy", "lost").Inc()
		c.sendJSON(struct {
			Type    string `json:"type"`
			EnemyID string `json:"enemy_id"`
		}{"enemy_already_dead", m.EnemyID})
		return
	}
	metrics.CollectionRaces.WithLabelValues("enemy", "won").Inc()

	c.room.broadcast(struct {
		Type       string `json:"type"`
		EnemyID    string `json:"enemy_id"`
		KilledBy   string `json:"killed_by"`
		SequenceID int64  `json:"sequence_id"`
	}{"enemy_killed", m.EnemyID, c.PlayerID, c.room.nextSequence()}, "")

	for _, coin := range drops {
		c.room.broadcast(struct {
			Type string `json:"type"`
			Coin *Coin  `json:"coin"`
		}{"coin_spawned", coin}, "")
	}
}

type coinSpawnMsg struct {
	CoinID    string  `json:"coin_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	VelocityX float64 `json:"velocity_x"`
	VelocityY float64 `json:"velocity_y"`
	Value     int     `json:"value"`
}

func handleCoinSpawn(c *Client, raw []byte) {
	if !requireHost(c) {
		return
	}
	var m coinSpawnMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}

	coin := c.room.spawnCoin(&Coin{
		ID:        m.CoinID,
		X:         m.X,
		Y:         m.Y,
		VelocityX: m.VelocityX,
		VelocityY: m.VelocityY,
		Value:     m.Value,
	})

	c.room.broadcast(struct {
		Type string `json:"type"`
		Coin *Coin  `json:"coin"`
	}{"coin_spawned", coin}, "")
}

type syncEntitiesMsg struct {
	Enemies []*Enemy `json:"enemies"`
	Coins   []*Coin  `json:"coins"`
}

func handleSyncEntities(c *Client, raw []byte) {
	if !requireHost(c) {
		return
	}
	var m syncEntitiesMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}

	enemies, coins, seq := c.room.syncEntities(m.Enemies, m.Coins)
	c.room.broadcast(struct {
		Type       string   `json:"type"`
		Enemies    []*Enemy `json:"enemies"`
		Coins      []*Coin  `json:"coins"`
		SequenceID int64    `json:"sequence_id"`
	}{"entities_sync", enemies, coins, seq}, c.PlayerID)
}

func handleStartGame(c *Client, _ []byte) {
	if !c.requireRoom() {
		return
	}
	if !c.room.isHost(c.PlayerID) {
		c.sendError("not_host", errNotHost.Error())
		return
	}

	state, seq, ok := c.room.startGame()
	if !ok {
		c.sendError("not_ready", "every player must be ready before the game can start")
		return
	}

	c.room.broadcast(struct {
		Type       string            `json:"type"`
		GameState  GameStateSnapshot `json:"game_state"`
		SequenceID int64             `json:"sequence_id"`
	}{"game_starting", state, seq}, "")
}

type chatMsg struct {
	Message string `json:"message"`
}

func handleChat(c *Client, raw []byte) {
	if !c.requireRoom() {
		return
	}
	var m chatMsg
	if err := json.Unmarshal(raw, &m); err != nil || m.Message == "" {
		return
	}

	cm, ok := c.room.appendChat(c.PlayerID, c.Name, m.Message)
	if !ok {
		return
	}

	c.room.broadcast(struct {
		Type string `json:"type"`
		ChatMessage
	}{"chat", cm}, "")
}

type timeSyncMsg struct {
	ClientTime int64 `json:"client_time"`
}

func handleTimeSync(c *Client, raw []byte) {
	var m timeSyncMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	var seq int64
	if c.room != nil {
		seq = c.room.currentSequence()
	}
	c.sendJSON(struct {
		Type       string `json:"type"`
		ClientTime int64  `json:"client_time"`
		ServerTime int64  `json:"server_time"`
		SequenceID int64  `json:"sequence_id"`
	}{"time_sync_response", m.ClientTime, nowMillis(), seq})
}
