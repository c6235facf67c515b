package room

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wfunc/gamesync/games"
	"github.com/wfunc/gamesync/models"
	"github.com/wfunc/gamesync/network"
	"github.com/wfunc/gamesync/session"
	"github.com/wfunc/gamesync/state"
)

type frame struct {
	MsgID uint16
	Data  []byte
}

// MockConnection is a test double for the network.Connection interface that
// records the frames sent to a single session.
type MockConnection struct {
	mutex  sync.Mutex
	frames []frame
}

func (c *MockConnection) Send(msgID uint16, data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.frames = append(c.frames, frame{MsgID: msgID, Data: append([]byte(nil), data...)})
	return nil
}

func (c *MockConnection) Close() error                         { return nil }
func (c *MockConnection) RemoteAddr() net.Addr                 { return &net.TCPAddr{} }
func (c *MockConnection) SetHeartbeat(interval time.Duration)  {}
func (c *MockConnection) ReadPacket() (*network.Packet, error) { return nil, nil }

func (c *MockConnection) count(msgID uint16) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.MsgID == msgID {
			n++
		}
	}
	return n
}

// MockBroadcaster is a test double for the Broadcaster interface that records
// room-wide broadcasts.
type MockBroadcaster struct {
	mutex  sync.Mutex
	events []frame
}

func (b *MockBroadcaster) BroadcastToRoom(roomID string, msgID uint16, data []byte) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.events = append(b.events, frame{MsgID: msgID, Data: append([]byte(nil), data...)})
	return nil
}

func (b *MockBroadcaster) count(msgID uint16) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	n := 0
	for _, f := range b.events {
		if f.MsgID == msgID {
			n++
		}
	}
	return n
}

func (b *MockBroadcaster) last(msgID uint16) ([]byte, bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].MsgID == msgID {
			return b.events[i].Data, true
		}
	}
	return nil, false
}

func newTestRoom(t *testing.T, gameType string, maxPlayers int, opts Options) (*Room, *MockBroadcaster) {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClock()
	}
	broadcaster := &MockBroadcaster{}
	manager := NewRoomManager()
	room, err := manager.CreateRoom("room-1", "test room", gameType, maxPlayers, broadcaster, opts)
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	return room, broadcaster
}

func joinPlayer(t *testing.T, r *Room, sessionID, playerID string) (*session.Session, *MockConnection) {
	t.Helper()
	conn := &MockConnection{}
	sess := session.NewSession(sessionID, conn)
	sess.PlayerID = playerID
	if err := r.Join(sess); err != nil {
		t.Fatalf("Join %s failed: %v", playerID, err)
	}
	return sess, conn
}

func stamped(player, kind string, payload json.RawMessage, seq uint64, version int64) *state.Move {
	return &state.Move{
		PlayerID:           player,
		Kind:               kind,
		Payload:            payload,
		Sequence:           seq,
		StateVersionAtSend: version,
	}
}

func TestRoomFillAutoStarts(t *testing.T) {
	r, broadcaster := newTestRoom(t, games.KindTicTacToe, 2, Options{})

	_, aliceConn := joinPlayer(t, r, "s1", "alice")
	if r.Status() != state.StatusWaiting {
		t.Fatalf("Expected waiting with one player, got %s", r.Status())
	}
	joinPlayer(t, r, "s2", "bob")

	if r.Status() != state.StatusPlaying {
		t.Fatalf("Expected playing once full, got %s", r.Status())
	}
	st := r.State()
	if len(st.Players) != 2 || st.Players[0] != "alice" || st.Players[1] != "bob" {
		t.Errorf("Expected roster [alice bob], got %v", st.Players)
	}
	if st.HostPlayerID != "alice" {
		t.Errorf("Expected first joiner as host, got %s", st.HostPlayerID)
	}
	if st.Version != 0 {
		t.Errorf("Expected game to start at version 0, got %d", st.Version)
	}
	if len(st.Board) == 0 {
		t.Error("Expected initial board after start")
	}

	if aliceConn.count(network.MsgTypeRoomJoined) != 1 {
		t.Error("Expected room:joined sent to the joiner")
	}
	if broadcaster.count(network.MsgTypeGameStart) != 1 {
		t.Error("Expected one game:start broadcast")
	}
	if broadcaster.count(network.MsgTypeRoomUpdated) == 0 {
		t.Error("Expected room:updated broadcasts")
	}
}

func TestRoomRelaysAppliedMove(t *testing.T) {
	r, broadcaster := newTestRoom(t, games.KindTicTacToe, 2, Options{})
	aliceSess, _ := joinPlayer(t, r, "s1", "alice")
	joinPlayer(t, r, "s2", "bob")

	result := r.HandleMove(aliceSess, stamped("alice", games.MoveKindPlace, json.RawMessage(`{"pos":0}`), 1, 0))
	if !result.Applied() {
		t.Fatalf("Expected move to apply, got %s", result)
	}
	if r.Version() != 1 {
		t.Errorf("Expected version 1 after one move, got %d", r.Version())
	}

	data, found := broadcaster.last(network.MsgTypeGameMove)
	if !found {
		t.Fatal("Expected applied move to be relayed")
	}
	var payload models.MovePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("Failed to decode relayed move: %v", err)
	}
	if payload.Move.PlayerID != "alice" || payload.Move.Sequence != 1 {
		t.Errorf("Expected alice seq 1 relayed, got %s seq %d", payload.Move.PlayerID, payload.Move.Sequence)
	}
}

func TestRoomVersionConflictGetsTargetedSync(t *testing.T) {
	r, broadcaster := newTestRoom(t, games.KindTicTacToe, 2, Options{})
	aliceSess, aliceConn := joinPlayer(t, r, "s1", "alice")
	joinPlayer(t, r, "s2", "bob")

	result := r.HandleMove(aliceSess, stamped("alice", games.MoveKindPlace, json.RawMessage(`{"pos":0}`), 1, 9))
	if result != state.ApplyVersionConflict {
		t.Fatalf("Expected version conflict, got %s", result)
	}

	if aliceConn.count(network.MsgTypeGameSyncResponse) != 1 {
		t.Error("Expected targeted sync response to the sender")
	}
	if broadcaster.count(network.MsgTypeGameMove) != 0 {
		t.Error("Expected conflicting move to not be relayed")
	}
	if r.Version() != 0 {
		t.Errorf("Expected version unchanged by conflict, got %d", r.Version())
	}
}

func TestRoomDuplicateMoveNotRelayedTwice(t *testing.T) {
	r, broadcaster := newTestRoom(t, games.KindTicTacToe, 2, Options{})
	aliceSess, _ := joinPlayer(t, r, "s1", "alice")
	joinPlayer(t, r, "s2", "bob")

	mv := stamped("alice", games.MoveKindPlace, json.RawMessage(`{"pos":0}`), 1, 0)
	if result := r.HandleMove(aliceSess, mv); !result.Applied() {
		t.Fatalf("Expected first delivery to apply, got %s", result)
	}
	if result := r.HandleMove(aliceSess, mv); result != state.ApplyDuplicate {
		t.Fatalf("Expected second delivery to be a duplicate, got %s", result)
	}

	if broadcaster.count(network.MsgTypeGameMove) != 1 {
		t.Errorf("Expected exactly one relay, got %d", broadcaster.count(network.MsgTypeGameMove))
	}
	if r.Version() != 1 {
		t.Errorf("Expected version 1 after duplicate, got %d", r.Version())
	}
}

func TestRoomBatchRelayedAsBatch(t *testing.T) {
	r, broadcaster := newTestRoom(t, games.KindTicTacToe, 2, Options{})
	aliceSess, _ := joinPlayer(t, r, "s1", "alice")
	joinPlayer(t, r, "s2", "bob")

	// Alternating players so both moves are applicable under game rules
	moves := []state.Move{
		*stamped("alice", games.MoveKindPlace, json.RawMessage(`{"pos":0}`), 1, 0),
		*stamped("bob", games.MoveKindPlace, json.RawMessage(`{"pos":3}`), 1, 1),
	}

	applied := r.HandleMoveBatch(aliceSess, moves)
	if applied != 2 {
		t.Fatalf("Expected 2 applied from batch, got %d", applied)
	}
	if r.Version() != 2 {
		t.Errorf("Expected version 2 after batch, got %d", r.Version())
	}

	data, found := broadcaster.last(network.MsgTypeGameMoveBatch)
	if !found {
		t.Fatal("Expected batch relay")
	}
	var payload models.MoveBatchPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("Failed to decode relayed batch: %v", err)
	}
	if len(payload.Moves) != 2 {
		t.Errorf("Expected 2 moves in relay, got %d", len(payload.Moves))
	}
}

func TestRoomKeyframeBroadcast(t *testing.T) {
	r, broadcaster := newTestRoom(t, games.KindTicTacToe, 2, Options{KeyframeInterval: 2})
	aliceSess, _ := joinPlayer(t, r, "s1", "alice")
	bobSess, _ := joinPlayer(t, r, "s2", "bob")

	r.HandleMove(aliceSess, stamped("alice", games.MoveKindPlace, json.RawMessage(`{"pos":0}`), 1, 0))
	if broadcaster.count(network.MsgTypeGameStateUpdate) != 0 {
		t.Fatal("Expected no keyframe after one move")
	}
	r.HandleMove(bobSess, stamped("bob", games.MoveKindPlace, json.RawMessage(`{"pos":3}`), 1, 1))

	if broadcaster.count(network.MsgTypeGameStateUpdate) != 1 {
		t.Fatalf("Expected one keyframe after two moves, got %d", broadcaster.count(network.MsgTypeGameStateUpdate))
	}
	data, _ := broadcaster.last(network.MsgTypeGameStateUpdate)
	var payload models.StateUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("Failed to decode keyframe: %v", err)
	}
	if payload.Version != 2 || payload.GameState == nil || payload.GameState.Version != 2 {
		t.Errorf("Expected keyframe at version 2, got %d", payload.Version)
	}
}

func TestRoomTerminalBoardFinishesGame(t *testing.T) {
	r, broadcaster := newTestRoom(t, games.KindTicTacToe, 2, Options{})
	aliceSess, _ := joinPlayer(t, r, "s1", "alice")
	bobSess, _ := joinPlayer(t, r, "s2", "bob")

	var endedWith *state.GameState
	var endedAfter time.Duration
	r.SetOnGameEnd(func(final *state.GameState, duration time.Duration) {
		endedWith = final
		endedAfter = duration
	})

	// alice takes the top row while bob plays the middle row
	plays := []struct {
		sess *session.Session
		mv   *state.Move
	}{
		{aliceSess, stamped("alice", games.MoveKindPlace, json.RawMessage(`{"pos":0}`), 1, 0)},
		{bobSess, stamped("bob", games.MoveKindPlace, json.RawMessage(`{"pos":3}`), 1, 1)},
		{aliceSess, stamped("alice", games.MoveKindPlace, json.RawMessage(`{"pos":1}`), 2, 2)},
		{bobSess, stamped("bob", games.MoveKindPlace, json.RawMessage(`{"pos":4}`), 2, 3)},
		{aliceSess, stamped("alice", games.MoveKindPlace, json.RawMessage(`{"pos":2}`), 3, 4)},
	}
	for _, p := range plays {
		if result := r.HandleMove(p.sess, p.mv); !result.Applied() {
			t.Fatalf("Expected %s seq %d to apply, got %s", p.mv.PlayerID, p.mv.Sequence, result)
		}
	}

	if r.Status() != state.StatusFinished {
		t.Fatalf("Expected finished after winning move, got %s", r.Status())
	}
	if broadcaster.count(network.MsgTypeGameEnd) != 1 {
		t.Error("Expected one game:end broadcast")
	}
	if endedWith == nil {
		t.Fatal("Expected game end callback to fire")
	}
	if endedWith.Status != state.StatusFinished {
		t.Errorf("Expected final status finished, got %s", endedWith.Status)
	}
	if winner, decided := games.Winner(games.KindTicTacToe, endedWith.Board); !decided || winner != "alice" {
		t.Errorf("Expected alice to win, got %q (decided=%v)", winner, decided)
	}
	if endedAfter < 0 {
		t.Errorf("Expected non-negative match duration, got %v", endedAfter)
	}

	// No moves accepted after the game is over
	if result := r.HandleMove(bobSess, stamped("bob", games.MoveKindPlace, json.RawMessage(`{"pos":5}`), 3, 6)); result.Applied() {
		t.Error("Expected moves after game end to be rejected")
	}
}

func TestRoomLeavePausesAndRejoinResumes(t *testing.T) {
	r, _ := newTestRoom(t, games.KindTicTacToe, 2, Options{})
	joinPlayer(t, r, "s1", "alice")
	joinPlayer(t, r, "s2", "bob")

	versionBefore := r.Version()
	remaining := r.Leave("s2")
	if remaining != 1 {
		t.Fatalf("Expected 1 remaining connection, got %d", remaining)
	}
	if r.Status() != state.StatusPaused {
		t.Fatalf("Expected paused after mid-game leave, got %s", r.Status())
	}
	if r.Version() != versionBefore+1 {
		t.Errorf("Expected pause to bump version to %d, got %d", versionBefore+1, r.Version())
	}

	// A stranger cannot take the empty seat mid-game
	strangerConn := &MockConnection{}
	stranger := session.NewSession("s3", strangerConn)
	stranger.PlayerID = "charlie"
	if err := r.Join(stranger); err != ErrGameInProgress {
		t.Fatalf("Expected ErrGameInProgress for stranger, got %v", err)
	}

	// The original player reconnects with a fresh session
	_, bobConn := joinPlayer(t, r, "s4", "bob")
	if r.Status() != state.StatusPlaying {
		t.Fatalf("Expected resumed after reconnect, got %s", r.Status())
	}
	if bobConn.count(network.MsgTypeGameSyncResponse) != 1 {
		t.Error("Expected authoritative state sent to the reconnecting player")
	}
}

func TestRoomFullRejectsNewPlayer(t *testing.T) {
	r, _ := newTestRoom(t, games.KindBlockBattle, 2, Options{})
	joinPlayer(t, r, "s1", "alice")
	joinPlayer(t, r, "s2", "bob")

	conn := &MockConnection{}
	sess := session.NewSession("s3", conn)
	sess.PlayerID = "charlie"
	if err := r.Join(sess); err == nil {
		t.Fatal("Expected join to fail when room is full")
	}
}

func TestManagerCreateRoomValidation(t *testing.T) {
	manager := NewRoomManager()
	broadcaster := &MockBroadcaster{}

	if _, err := manager.CreateRoom("r1", "bad", "chess", 2, broadcaster, Options{}); err != ErrUnsupportedGame {
		t.Errorf("Expected ErrUnsupportedGame, got %v", err)
	}

	r, err := manager.CreateRoom("r2", "clamped", games.KindTicTacToe, 5, broadcaster, Options{})
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if r.MaxPlayers != 2 {
		t.Errorf("Expected max players clamped to 2 for tictactoe, got %d", r.MaxPlayers)
	}

	if _, err := manager.CreateRoom("r2", "dup", games.KindTicTacToe, 2, broadcaster, Options{}); err != ErrRoomExists {
		t.Errorf("Expected ErrRoomExists, got %v", err)
	}

	if manager.Count() != 1 {
		t.Errorf("Expected 1 room, got %d", manager.Count())
	}
}

func TestManagerFindAvailableRoom(t *testing.T) {
	manager := NewRoomManager()
	broadcaster := &MockBroadcaster{}

	waitingRoom, err := manager.CreateRoom("r1", "waiting", games.KindConnectFour, 2, broadcaster, Options{})
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}

	if found := manager.FindAvailableRoom(games.KindConnectFour); found != waitingRoom {
		t.Error("Expected the waiting room to be available")
	}
	if found := manager.FindAvailableRoom(games.KindTicTacToe); found != nil {
		t.Error("Expected no room for a different game kind")
	}

	joinPlayer(t, waitingRoom, "s1", "alice")
	joinPlayer(t, waitingRoom, "s2", "bob")
	if found := manager.FindAvailableRoom(games.KindConnectFour); found != nil {
		t.Error("Expected no available room once the game started")
	}
}

func TestRoomSnapshotAndDiagnostics(t *testing.T) {
	r, _ := newTestRoom(t, games.KindTicTacToe, 2, Options{})
	joinPlayer(t, r, "s1", "alice")
	joinPlayer(t, r, "s2", "bob")

	snapshot := r.Snapshot()
	if snapshot == nil {
		t.Fatal("Expected a snapshot")
	}
	if snapshot.RoomID != "room-1" || snapshot.GameKind != games.KindTicTacToe {
		t.Errorf("Unexpected snapshot identity: %s %s", snapshot.RoomID, snapshot.GameKind)
	}
	if snapshot.Status != string(state.StatusPlaying) {
		t.Errorf("Expected playing snapshot, got %s", snapshot.Status)
	}
	var decoded state.GameState
	if err := json.Unmarshal(snapshot.State, &decoded); err != nil {
		t.Fatalf("Failed to decode snapshot state: %v", err)
	}
	if decoded.Version != snapshot.Version {
		t.Errorf("Expected snapshot version %d to match state, got %d", snapshot.Version, decoded.Version)
	}

	diag := r.Diagnostics()
	if diag.RoomID != "room-1" || diag.Status != string(state.StatusPlaying) {
		t.Errorf("Unexpected diagnostics: %+v", diag)
	}
	if len(diag.Players) != 2 {
		t.Errorf("Expected 2 players in diagnostics, got %d", len(diag.Players))
	}
}
