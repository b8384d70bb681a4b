package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsSession drives one client connection against a test server. The
// write pump batches queued messages into a single newline-joined
// frame, so reads split frames back into individual JSON documents.
type wsSession struct {
	t       *testing.T
	conn    *websocket.Conn
	pending [][]byte
}

func newTestServer(t *testing.T) *httptest.Server {
	hub := newHub()
	r := mux.NewRouter()
	r.HandleFunc("/ws/room/{room_id}", func(w http.ResponseWriter, req *http.Request) {
		serveWs(hub, w, req)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, roomID string) *wsSession {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/room/" + roomID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsSession{t: t, conn: conn}
}

func (s *wsSession) send(v interface{}) {
	s.t.Helper()
	require.NoError(s.t, s.conn.WriteJSON(v))
}

func (s *wsSession) next() map[string]interface{} {
	s.t.Helper()
	for len(s.pending) == 0 {
		s.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, frame, err := s.conn.ReadMessage()
		require.NoError(s.t, err, "timed out waiting for a message")
		for _, part := range bytes.Split(frame, []byte{'\n'}) {
			if len(bytes.TrimSpace(part)) > 0 {
				s.pending = append(s.pending, part)
			}
		}
	}
	raw := s.pending[0]
	s.pending = s.pending[1:]

	var m map[string]interface{}
	require.NoError(s.t, json.Unmarshal(raw, &m))
	return m
}

// waitFor discards messages until one of the wanted type arrives.
func (s *wsSession) waitFor(msgType string) map[string]interface{} {
	s.t.Helper()
	for i := 0; i < 50; i++ {
		m := s.next()
		if m["type"] == msgType {
			return m
		}
	}
	s.t.Fatalf("never received a %q message", msgType)
	return nil
}

// waitForAllReady consumes player_ready_changed broadcasts until every
// listed player has been seen ready. One scan, so no broadcast is
// discarded while looking for another player's.
func (s *wsSession) waitForAllReady(playerIDs ...string) {
	s.t.Helper()
	ready := make(map[string]bool, len(playerIDs))
	for i := 0; i < 50; i++ {
		done := true
		for _, id := range playerIDs {
			if !ready[id] {
				done = false
			}
		}
		if done {
			return
		}
		m := s.waitFor("player_ready_changed")
		if m["is_ready"] == true {
			ready[m["player_id"].(string)] = true
		}
	}
	s.t.Fatalf("never saw players %v become ready", playerIDs)
}

// createAndJoin runs the lobby phase: host "h" creates, guest "c"
// joins. Returns both sessions, the room code, and the guest's
// reconnect token.
func createAndJoin(t *testing.T, srv *httptest.Server) (host, guest *wsSession, roomID, guestToken string) {
	t.Helper()

	host = dialWS(t, srv, "new")
	host.send(map[string]interface{}{
		"type": "create_room", "name": "R", "player_name": "Host", "player_id": "h",
	})
	created := host.waitFor("room_created")
	roomID = created["room_id"].(string)
	require.Len(t, roomID, 6)
	require.Equal(t, float64(1), created["player_number"])

	guest = dialWS(t, srv, roomID)
	guest.send(map[string]interface{}{
		"type": "join_room", "room_id": roomID, "player_name": "Guest", "player_id": "c",
	})
	joined := guest.waitFor("room_joined")
	require.Equal(t, float64(2), joined["player_number"])
	guestToken = joined["token"].(string)
	require.NotEmpty(t, guestToken)

	hostSeen := host.waitFor("player_joined")
	require.Equal(t, "c", hostSeen["player_id"])

	return host, guest, roomID, guestToken
}

// startGame readies both players and fires start_game, consuming the
// game_starting broadcasts on both sessions.
func startGame(t *testing.T, host, guest *wsSession) (hostStarting, guestStarting map[string]interface{}) {
	t.Helper()

	guest.send(map[string]interface{}{"type": "player_ready", "is_ready": true})
	host.send(map[string]interface{}{"type": "player_ready", "is_ready": true})
	host.waitForAllReady("h", "c")

	host.send(map[string]interface{}{"type": "start_game"})
	return host.waitFor("game_starting"), guest.waitFor("game_starting")
}

func TestCreateJoinStartFlow(t *testing.T) {
	srv := newTestServer(t)
	host, guest, roomID, _ := createAndJoin(t, srv)

	for _, ch := range roomID {
		assert.True(t, strings.ContainsRune(roomCodeAlphabet, ch))
	}

	before := time.Now().UnixMilli()
	hostStarting, guestStarting := startGame(t, host, guest)

	assert.Equal(t, hostStarting["sequence_id"], guestStarting["sequence_id"])

	state := hostStarting["game_state"].(map[string]interface{})
	startTS := int64(state["game_start_timestamp"].(float64))
	assert.GreaterOrEqual(t, startTS, before+500)

	seed := int(state["seed"].(float64))
	assert.GreaterOrEqual(t, seed, 1)
	assert.LessOrEqual(t, seed, 999999)

	players := state["players"].(map[string]interface{})
	assert.Len(t, players, 2)
}

func TestStartGameRejectedWhenNotReady(t *testing.T) {
	srv := newTestServer(t)
	host, _, _, _ := createAndJoin(t, srv)

	host.send(map[string]interface{}{"type": "start_game"})
	errMsg := host.waitFor("error")
	assert.NotEmpty(t, errMsg["message"])
}

func TestStartGameFromGuestRepliesError(t *testing.T) {
	srv := newTestServer(t)
	_, guest, _, _ := createAndJoin(t, srv)

	guest.send(map[string]interface{}{"type": "start_game"})
	guest.waitFor("error")
}

func TestJoinStartedRoomRejected(t *testing.T) {
	srv := newTestServer(t)
	host, guest, roomID, _ := createAndJoin(t, srv)
	startGame(t, host, guest)

	late := dialWS(t, srv, roomID)
	late.send(map[string]interface{}{
		"type": "join_room", "room_id": roomID, "player_name": "Late", "player_id": "z",
	})
	late.waitFor("error")
}

func TestCollectionRace(t *testing.T) {
	srv := newTestServer(t)
	host, guest, _, _ := createAndJoin(t, srv)
	startGame(t, host, guest)

	host.send(map[string]interface{}{
		"type": "collect_item", "item_type": "coin", "item_id": "coin_drop_100_300_0",
	})
	collected := host.waitFor("item_collected")
	assert.Equal(t, "h", collected["player_id"])
	assert.Equal(t, float64(1), collected["player_coins"])
	assert.Equal(t, float64(10), collected["player_score"])

	// The loser's attempt arrives strictly after the winner's was
	// processed; the winner's broadcast already reached the host.
	guest.send(map[string]interface{}{
		"type": "collect_item", "item_type": "coin", "item_id": "coin_drop_100_300_0",
	})
	already := guest.waitFor("item_already_collected")
	assert.Equal(t, "coin_drop_100_300_0", already["item_id"])
}

func TestEnemyKillAndDeathDrops(t *testing.T) {
	srv := newTestServer(t)
	host, guest, _, _ := createAndJoin(t, srv)
	startGame(t, host, guest)

	host.send(map[string]interface{}{
		"type": "enemy_spawn", "enemy_id": "e1", "enemy_type": "slime",
		"x": 100.0, "y": 300.0, "health": 10, "max_health": 10, "coin_reward": 3,
	})
	spawned := guest.waitFor("enemy_spawned")
	assert.Equal(t, "e1", spawned["enemy"].(map[string]interface{})["id"])

	guest.send(map[string]interface{}{"type": "enemy_killed", "enemy_id": "e1"})
	killed := host.waitFor("enemy_killed")
	assert.Equal(t, "c", killed["killed_by"])

	wantIDs := []string{"coin_drop_100_300_0", "coin_drop_100_300_1", "coin_drop_100_300_2"}
	for _, want := range wantIDs {
		coin := host.waitFor("coin_spawned")["coin"].(map[string]interface{})
		assert.Equal(t, want, coin["id"])
	}

	guest.send(map[string]interface{}{"type": "enemy_killed", "enemy_id": "e1"})
	dead := guest.waitFor("enemy_already_dead")
	assert.Equal(t, "e1", dead["enemy_id"])
}

func TestEnemySpawnFromGuestSilentlyDropped(t *testing.T) {
	srv := newTestServer(t)
	host, guest, _, _ := createAndJoin(t, srv)
	startGame(t, host, guest)

	guest.send(map[string]interface{}{
		"type": "enemy_spawn", "enemy_id": "rogue", "enemy_type": "slime", "coin_reward": 1,
	})
	host.send(map[string]interface{}{
		"type": "enemy_spawn", "enemy_id": "e1", "enemy_type": "slime", "coin_reward": 1,
	})

	// Only the host's spawn materializes; the guest's is dropped
	// without an error reply, so the first enemy anyone sees is e1.
	spawned := guest.waitFor("enemy_spawned")
	assert.Equal(t, "e1", spawned["enemy"].(map[string]interface{})["id"])
}

func TestAssistAuthority(t *testing.T) {
	srv := newTestServer(t)
	host, guest, _, _ := createAndJoin(t, srv)
	startGame(t, host, guest)

	host.send(map[string]interface{}{
		"type": "game_action", "action": "assist",
		"data": map[string]interface{}{"target_player_id": "c", "x": 250.0, "y": 80.0},
	})

	update := guest.waitFor("player_state_update")
	assert.Equal(t, "c", update["player_id"])
	state := update["state"].(map[string]interface{})
	assert.Equal(t, float64(250), state["x"])
	assert.Equal(t, float64(80), state["y"])

	action := guest.waitFor("game_action")
	assert.Equal(t, "assist", action["action"])

	hostUpdate := host.waitFor("player_state_update")
	assert.Equal(t, "c", hostUpdate["player_id"])
}

func TestPlayerStateBroadcastExcludesSender(t *testing.T) {
	srv := newTestServer(t)
	host, guest, _, _ := createAndJoin(t, srv)
	startGame(t, host, guest)

	guest.send(map[string]interface{}{
		"type": "player_state", "x": 123.0, "y": 456.0, "is_jumping": true,
	})

	update := host.waitFor("player_state_update")
	assert.Equal(t, "c", update["player_id"])
	state := update["state"].(map[string]interface{})
	assert.Equal(t, float64(123), state["x"])
	assert.Equal(t, true, state["is_jumping"])
}

func TestReconnectWithinWindow(t *testing.T) {
	srv := newTestServer(t)
	host, guest, roomID, token := createAndJoin(t, srv)
	startGame(t, host, guest)

	guest.conn.Close()

	dropped := host.waitFor("player_disconnected")
	assert.Equal(t, "c", dropped["player_id"])
	assert.Equal(t, true, dropped["can_reconnect"])

	revived := dialWS(t, srv, roomID)
	revived.send(map[string]interface{}{
		"type": "reconnect", "room_id": roomID, "player_id": "c", "token": token,
	})

	rec := revived.waitFor("reconnected")
	assert.Equal(t, float64(2), rec["player_number"])
	state := rec["game_state"].(map[string]interface{})
	assert.NotZero(t, state["seed"])
	assert.NotZero(t, state["game_start_timestamp"])

	back := host.waitFor("player_reconnected")
	assert.Equal(t, "c", back["player_id"])
}

func TestReconnectWithBadTokenRejected(t *testing.T) {
	srv := newTestServer(t)
	host, guest, roomID, _ := createAndJoin(t, srv)
	startGame(t, host, guest)

	guest.conn.Close()
	host.waitFor("player_disconnected")

	intruder := dialWS(t, srv, roomID)
	intruder.send(map[string]interface{}{
		"type": "reconnect", "room_id": roomID, "player_id": "c", "token": "forged",
	})
	intruder.waitFor("error")
}

func TestChatReplayedOnReconnect(t *testing.T) {
	srv := newTestServer(t)
	host, guest, roomID, token := createAndJoin(t, srv)
	startGame(t, host, guest)

	guest.send(map[string]interface{}{"type": "chat", "message": "on my way"})
	chat := host.waitFor("chat")
	assert.Equal(t, "Guest", chat["player_name"])
	assert.Equal(t, "on my way", chat["message"])
	assert.NotEmpty(t, chat["timestamp"])

	guest.conn.Close()
	host.waitFor("player_disconnected")

	revived := dialWS(t, srv, roomID)
	revived.send(map[string]interface{}{
		"type": "reconnect", "room_id": roomID, "player_id": "c", "token": token,
	})
	rec := revived.waitFor("reconnected")
	history := rec["game_state"].(map[string]interface{})["chat_history"].([]interface{})
	require.Len(t, history, 1)
	assert.Equal(t, "on my way", history[0].(map[string]interface{})["message"])
}

func TestChatIgnoredBeforeGameStart(t *testing.T) {
	srv := newTestServer(t)
	host, guest, _, _ := createAndJoin(t, srv)

	guest.send(map[string]interface{}{"type": "chat", "message": "too early"})

	// ping/pong on the same session orders past the dropped chat.
	guest.send(map[string]interface{}{"type": "ping"})
	guest.waitFor("pong")
	assert.Empty(t, guest.pending)
	host.send(map[string]interface{}{"type": "ping"})
	host.waitFor("pong")
}

func TestLobbyLeaveResetsReadies(t *testing.T) {
	srv := newTestServer(t)
	host, guest, _, _ := createAndJoin(t, srv)

	guest.send(map[string]interface{}{"type": "player_ready", "is_ready": true})
	host.send(map[string]interface{}{"type": "player_ready", "is_ready": true})
	host.waitForAllReady("h", "c")

	guest.send(map[string]interface{}{"type": "leave_room"})
	guest.waitFor("room_left")

	left := host.waitFor("player_left")
	assert.Equal(t, false, left["can_reconnect"])
	players := left["room_info"].(map[string]interface{})["players"].([]interface{})
	require.Len(t, players, 1)
	assert.Equal(t, false, players[0].(map[string]interface{})["is_ready"])

	host.send(map[string]interface{}{"type": "start_game"})
	host.waitFor("error")
}

func TestPingPong(t *testing.T) {
	srv := newTestServer(t)
	host, _, _, _ := createAndJoin(t, srv)

	host.send(map[string]interface{}{"type": "ping"})
	host.waitFor("pong")
}

func TestTimeSyncEchoesClientTime(t *testing.T) {
	srv := newTestServer(t)
	host, guest, _, _ := createAndJoin(t, srv)
	startGame(t, host, guest)

	before := time.Now().UnixMilli()
	host.send(map[string]interface{}{"type": "time_sync", "client_time": 12345})

	resp := host.waitFor("time_sync_response")
	assert.Equal(t, float64(12345), resp["client_time"])
	assert.GreaterOrEqual(t, int64(resp["server_time"].(float64)), before)
	assert.Greater(t, resp["sequence_id"].(float64), float64(0))
}

func TestSequenceIDsIncreaseAcrossAuthoritativeBroadcasts(t *testing.T) {
	srv := newTestServer(t)
	host, guest, _, _ := createAndJoin(t, srv)
	hostStarting, _ := startGame(t, host, guest)

	prev := hostStarting["sequence_id"].(float64)

	host.send(map[string]interface{}{"type": "sync_entities", "enemies": []interface{}{}, "coins": []interface{}{}})
	sync := guest.waitFor("entities_sync")
	seq := sync["sequence_id"].(float64)
	assert.Greater(t, seq, prev)

	host.send(map[string]interface{}{"type": "time_sync", "client_time": 1})
	resp := host.waitFor("time_sync_response")
	assert.GreaterOrEqual(t, resp["sequence_id"].(float64), seq)
}

func TestSyncEntitiesSkipsCollectedCoins(t *testing.T) {
	srv := newTestServer(t)
	host, guest, _, _ := createAndJoin(t, srv)
	startGame(t, host, guest)

	host.send(map[string]interface{}{
		"type": "collect_item", "item_type": "coin", "item_id": "coin_9",
	})
	host.waitFor("item_collected")

	host.send(map[string]interface{}{
		"type": "sync_entities",
		"enemies": []interface{}{},
		"coins": []interface{}{
			map[string]interface{}{"id": "coin_9", "x": 1.0, "y": 2.0, "value": 1},
			map[string]interface{}{"id": "coin_10", "x": 3.0, "y": 4.0, "value": 1},
		},
	})

	sync := guest.waitFor("entities_sync")
	coins := sync["coins"].([]interface{})
	require.Len(t, coins, 1)
	assert.Equal(t, "coin_10", coins[0].(map[string]interface{})["id"])
}
