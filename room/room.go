// room/room.go
package room

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wfunc/gamesync/games"
	"github.com/wfunc/gamesync/models"
	"github.com/wfunc/gamesync/network"
	"github.com/wfunc/gamesync/session"
	"github.com/wfunc/gamesync/state"
)

// DefaultKeyframeInterval 每应用多少条操作广播一次完整状态
const DefaultKeyframeInterval = 16

var (
	ErrRoomFull        = errors.New("room is full")
	ErrRoomExists      = errors.New("room already exists")
	ErrGameInProgress  = errors.New("game already in progress")
	ErrUnsupportedGame = errors.New("unsupported game kind")
	ErrNoActiveGame    = errors.New("no active game state")
)

// Options 房间可调参数, 零值字段使用默认值
type Options struct {
	Clock            clockwork.Clock
	KeyframeInterval int
	PendingCap       int
	PendingCutoff    time.Duration
	WarnThreshold    int
}

// Room 是游戏房间的核心结构
// 持有本房间的权威状态同步器, 所有入站操作在这里校验后再转发
type Room struct {
	ID         string
	Name       string
	GameType   string
	MaxPlayers int
	CreatedAt  time.Time

	broadcaster  Broadcaster
	clock        clockwork.Clock
	synchronizer *state.Synchronizer

	playerMutex sync.RWMutex
	players     map[string]*session.Session // sessionID -> session
	roster      []string                    // 按加入顺序的玩家ID

	gameMutex        sync.Mutex
	keyframeInterval int
	sinceKeyframe    int
	startedAt        time.Time
	onGameEnd        func(final *state.GameState, duration time.Duration)
}

// NewRoom 创建一个新房间, 初始状态为等待中的版本0
func NewRoom(id, name, gameType string, maxPlayers int, broadcaster Broadcaster, opts Options) *Room {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.KeyframeInterval <= 0 {
		opts.KeyframeInterval = DefaultKeyframeInterval
	}

	room := &Room{
		ID:               id,
		Name:             name,
		GameType:         gameType,
		MaxPlayers:       maxPlayers,
		CreatedAt:        opts.Clock.Now(),
		broadcaster:      broadcaster,
		clock:            opts.Clock,
		players:          make(map[string]*session.Session),
		keyframeInterval: opts.KeyframeInterval,
	}

	room.synchronizer = state.NewSynchronizer(id, games.Resolve, state.Options{
		Clock:         opts.Clock,
		PendingCap:    opts.PendingCap,
		PendingCutoff: opts.PendingCutoff,
		WarnThreshold: opts.WarnThreshold,
	})
	room.synchronizer.SetLocalState(&state.GameState{
		RoomID:     id,
		GameKind:   gameType,
		Status:     state.StatusWaiting,
		Version:    0,
		LastUpdate: opts.Clock.Now().UnixMilli(),
	})

	return room
}

// GetID 返回房间ID
func (r *Room) GetID() string {
	return r.ID
}

// GetGameType 获取游戏类型
func (r *Room) GetGameType() string {
	return r.GameType
}

// GetMaxPlayers returns the maximum number of players in the room.
func (r *Room) GetMaxPlayers() int {
	return r.MaxPlayers
}

// State 返回权威状态的快照
func (r *Room) State() *state.GameState {
	return r.synchronizer.State()
}

// Version 返回当前权威版本号
func (r *Room) Version() int64 {
	return r.synchronizer.Version()
}

// Status 返回房间当前的对局状态
func (r *Room) Status() state.Status {
	st := r.synchronizer.State()
	if st == nil {
		return state.StatusWaiting
	}
	return st.Status
}

// SetOnGameEnd 注册终局回调, 在最终状态广播之后触发
func (r *Room) SetOnGameEnd(fn func(final *state.GameState, duration time.Duration)) {
	r.gameMutex.Lock()
	defer r.gameMutex.Unlock()
	r.onGameEnd = fn
}

// Broadcast sends a message to all players in the room.
func (r *Room) Broadcast(msgID uint16, data []byte) error {
	return r.broadcaster.BroadcastToRoom(r.ID, msgID, data)
}

// --- 玩家进出 ---

// Join 将一个会话加入房间
// 同一玩家重连时替换旧会话; 对局开始后只有名单内的玩家可以回来
func (r *Room) Join(s *session.Session) error {
	inMatch := r.Status() != state.StatusWaiting

	r.playerMutex.Lock()
	replaced := false
	for id, existing := range r.players {
		if existing.PlayerID == s.PlayerID {
			delete(r.players, id)
			replaced = true
		}
	}
	if !replaced {
		if inMatch && !containsPlayer(r.roster, s.PlayerID) {
			r.playerMutex.Unlock()
			return ErrGameInProgress
		}
		if len(r.players) >= r.MaxPlayers {
			r.playerMutex.Unlock()
			return ErrRoomFull
		}
	}
	r.players[s.ID] = s
	s.RoomID = r.ID
	if !containsPlayer(r.roster, s.PlayerID) {
		r.roster = append(r.roster, s.PlayerID)
	}
	connected := len(r.players)
	rosterSize := len(r.roster)
	r.playerMutex.Unlock()

	if !inMatch {
		r.syncRoster()
	}
	r.sendJoined(s)
	r.broadcastRoomUpdate()

	if inMatch {
		// 重连的玩家立刻拿到权威状态
		r.sendSyncTo(s)
		if r.Status() == state.StatusPaused && connected == rosterSize {
			r.Resume()
		}
	} else if rosterSize >= r.MaxPlayers {
		r.StartGame()
	}
	return nil
}

// Leave 将一个会话移出房间, 返回剩余连接数
// 对局中有玩家离开时暂停等待重连, 名单保留
func (r *Room) Leave(sessionID string) int {
	r.playerMutex.Lock()
	sess, exists := r.players[sessionID]
	if !exists {
		remaining := len(r.players)
		r.playerMutex.Unlock()
		return remaining
	}
	delete(r.players, sessionID)
	sess.RoomID = ""
	playerID := sess.PlayerID
	remaining := len(r.players)
	r.playerMutex.Unlock()

	switch r.Status() {
	case state.StatusWaiting:
		r.playerMutex.Lock()
		r.roster = removePlayer(r.roster, playerID)
		r.playerMutex.Unlock()
		r.syncRoster()
	case state.StatusPlaying:
		r.Pause()
	}
	r.broadcastRoomUpdate()
	return remaining
}

// GetPlayer 获取单个玩家
func (r *Room) GetPlayer(sessionID string) (*session.Session, bool) {
	r.playerMutex.RLock()
	defer r.playerMutex.RUnlock()

	player, exists := r.players[sessionID]
	return player, exists
}

// GetSessions returns a slice of all sessions in the room (thread-safe).
func (r *Room) GetSessions() []*session.Session {
	r.playerMutex.RLock()
	defer r.playerMutex.RUnlock()

	sessions := make([]*session.Session, 0, len(r.players))
	for _, s := range r.players {
		sessions = append(sessions, s)
	}
	return sessions
}

// Roster 返回按加入顺序的玩家ID
func (r *Room) Roster() []string {
	r.playerMutex.RLock()
	defer r.playerMutex.RUnlock()
	return append([]string(nil), r.roster...)
}

// --- 对局生命周期 ---

// StartGame 开局: 建初始盘面并整体替换状态, 版本保持为当前值
// 客户端通过 game:start 无条件采用, 之后的操作都以这个版本为基准
func (r *Room) StartGame() error {
	r.gameMutex.Lock()
	defer r.gameMutex.Unlock()

	st := r.synchronizer.State()
	if st == nil {
		return ErrNoActiveGame
	}
	if !st.Status.CanTransition(state.StatusPlaying) {
		return state.ErrTransitionNotAllowed
	}

	roster := r.Roster()
	board, ok := games.NewBoard(r.GameType, roster)
	if !ok {
		return ErrUnsupportedGame
	}

	st.Players = roster
	st.Board = board
	st.Status = state.StatusPlaying
	if len(roster) > 0 {
		st.HostPlayerID = roster[0]
		st.CurrentPlayerID = roster[0]
	}
	st.LastUpdate = r.clock.Now().UnixMilli()
	r.synchronizer.SetLocalState(st)
	r.startedAt = r.clock.Now()
	r.sinceKeyframe = 0

	r.broadcastState(network.MsgTypeGameStart)
	return nil
}

// Pause 暂停对局, 版本+1后广播
func (r *Room) Pause() error {
	return r.transition(state.StatusPaused, network.MsgTypeGameStateUpdate)
}

// Resume 恢复对局, 版本+1后广播
func (r *Room) Resume() error {
	return r.transition(state.StatusPlaying, network.MsgTypeGameStateUpdate)
}

// FinishGame 终局: 状态置为结束并广播最终状态, 然后触发终局回调
func (r *Room) FinishGame() error {
	r.gameMutex.Lock()
	st := r.synchronizer.State()
	if st == nil {
		r.gameMutex.Unlock()
		return ErrNoActiveGame
	}
	if !st.Status.CanTransition(state.StatusFinished) {
		r.gameMutex.Unlock()
		return state.ErrTransitionNotAllowed
	}

	st.Status = state.StatusFinished
	st.Version++
	st.LastUpdate = r.clock.Now().UnixMilli()
	r.synchronizer.SetLocalState(st)

	var duration time.Duration
	if !r.startedAt.IsZero() {
		duration = r.clock.Now().Sub(r.startedAt)
	}
	onEnd := r.onGameEnd
	r.gameMutex.Unlock()

	r.broadcastState(network.MsgTypeGameEnd)
	if onEnd != nil {
		onEnd(st.Clone(), duration)
	}
	return nil
}

// transition 受状态转换表约束的管理性状态变更
func (r *Room) transition(to state.Status, msgID uint16) error {
	r.gameMutex.Lock()
	defer r.gameMutex.Unlock()

	st := r.synchronizer.State()
	if st == nil {
		return ErrNoActiveGame
	}
	if !st.Status.CanTransition(to) {
		return state.ErrTransitionNotAllowed
	}

	st.Status = to
	st.Version++
	st.LastUpdate = r.clock.Now().UnixMilli()
	r.synchronizer.SetLocalState(st)

	r.broadcastState(msgID)
	return nil
}

// --- 入站操作 ---

// HandleMove 校验并应用一条玩家操作
// 应用成功后转发给房间内所有会话, 发送方收到的回声就是确认
// 版本冲突时只给发送方回一份权威状态
func (r *Room) HandleMove(s *session.Session, mv *state.Move) state.ApplyResult {
	result := r.synchronizer.ApplyMove(mv)
	switch result {
	case state.ApplyOK:
		r.relayMoves([]state.Move{*mv})
		r.afterApply(1)
	case state.ApplyVersionConflict:
		r.sendSyncTo(s)
	}
	return result
}

// HandleMoveBatch 按数组顺序逐条应用一批操作, 返回应用成功的条数
func (r *Room) HandleMoveBatch(s *session.Session, moves []state.Move) int {
	var relayed []state.Move
	conflict := false
	for i := range moves {
		switch r.synchronizer.ApplyMove(&moves[i]) {
		case state.ApplyOK:
			relayed = append(relayed, moves[i])
		case state.ApplyVersionConflict:
			conflict = true
		}
	}

	if len(relayed) > 0 {
		r.relayMoves(relayed)
		r.afterApply(len(relayed))
	}
	if conflict {
		r.sendSyncTo(s)
	}
	return len(relayed)
}

// HandleSyncRequest 无条件回发权威状态
func (r *Room) HandleSyncRequest(s *session.Session) {
	r.sendSyncTo(s)
}

// relayMoves 转发已应用的操作, 单条与多条使用不同的消息类型
func (r *Room) relayMoves(moves []state.Move) {
	var msgID uint16
	var data []byte
	var err error
	if len(moves) == 1 {
		msgID = network.MsgTypeGameMove
		data, err = json.Marshal(models.MovePayload{RoomID: r.ID, Move: moves[0]})
	} else {
		msgID = network.MsgTypeGameMoveBatch
		data, err = json.Marshal(models.MoveBatchPayload{RoomID: r.ID, Moves: moves})
	}
	if err != nil {
		return
	}
	r.Broadcast(msgID, data)
}

// afterApply 操作应用后的善后: 终局检测和周期性全量广播
func (r *Room) afterApply(applied int) {
	st := r.synchronizer.State()
	if st == nil {
		return
	}
	if games.Terminal(r.GameType, st.Board) {
		r.FinishGame()
		return
	}

	r.gameMutex.Lock()
	r.sinceKeyframe += applied
	emit := r.sinceKeyframe >= r.keyframeInterval
	if emit {
		r.sinceKeyframe = 0
	}
	r.gameMutex.Unlock()

	if emit {
		r.broadcastState(network.MsgTypeGameStateUpdate)
	}
}

// --- 状态发送 ---

func (r *Room) broadcastState(msgID uint16) {
	st := r.synchronizer.State()
	if st == nil {
		return
	}

	var data []byte
	var err error
	if msgID == network.MsgTypeGameStateUpdate {
		data, err = json.Marshal(models.StateUpdatePayload{GameState: st, Version: st.Version})
	} else {
		data, err = json.Marshal(models.SyncResponsePayload{GameState: st, Version: st.Version})
	}
	if err != nil {
		return
	}
	r.Broadcast(msgID, data)
}

func (r *Room) sendSyncTo(s *session.Session) {
	st := r.synchronizer.State()
	if st == nil {
		return
	}
	data, err := json.Marshal(models.SyncResponsePayload{GameState: st, Version: st.Version})
	if err != nil {
		return
	}
	s.Send(network.MsgTypeGameSyncResponse, data)
}

func (r *Room) sendJoined(s *session.Session) {
	data, err := json.Marshal(models.JoinedRoomPayload{RoomID: r.ID, Room: r.toRoomInfo()})
	if err != nil {
		return
	}
	s.Send(network.MsgTypeRoomJoined, data)
}

func (r *Room) broadcastRoomUpdate() {
	info := r.toRoomInfo()
	data, err := json.Marshal(models.RoomUpdatedPayload{
		RoomID:  r.ID,
		Players: info.Players,
		Status:  info.Status,
	})
	if err != nil {
		return
	}
	r.Broadcast(network.MsgTypeRoomUpdated, data)
}

// syncRoster 把玩家名单写回权威状态, 版本不变
// 只在开局前使用, 名单在开局时冻结
func (r *Room) syncRoster() {
	st := r.synchronizer.State()
	if st == nil || st.Status != state.StatusWaiting {
		return
	}

	roster := r.Roster()
	st.Players = roster
	st.HostPlayerID = ""
	if len(roster) > 0 {
		st.HostPlayerID = roster[0]
	}
	st.LastUpdate = r.clock.Now().UnixMilli()
	r.synchronizer.SetLocalState(st)
}

// toRoomInfo 组装房间信息; 对局进行中附带完整状态供重连方采用
func (r *Room) toRoomInfo() models.RoomInfo {
	info := models.RoomInfo{GameType: r.GameType}
	for _, id := range r.Roster() {
		info.Players = append(info.Players, models.PlayerInfo{ID: id})
	}

	st := r.synchronizer.State()
	if st != nil {
		info.Status = string(st.Status)
		info.HostID = st.HostPlayerID
		if st.Status == state.StatusPlaying || st.Status == state.StatusPaused {
			if data, err := json.Marshal(st); err == nil {
				info.GameData = data
			}
		}
	}
	return info
}

// Snapshot 返回用于落库的房间快照
func (r *Room) Snapshot() *models.RoomSnapshot {
	st := r.synchronizer.State()
	if st == nil {
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil
	}
	return &models.RoomSnapshot{
		RoomID:    r.ID,
		GameKind:  r.GameType,
		Status:    string(st.Status),
		Version:   st.Version,
		State:     data,
		UpdatedAt: r.clock.Now(),
	}
}

// Diagnostics 返回房间运行时诊断信息
func (r *Room) Diagnostics() models.RoomDiagnostics {
	d := models.RoomDiagnostics{
		RoomID:       r.ID,
		GameKind:     r.GameType,
		PendingDepth: r.synchronizer.PendingDepth(),
	}
	st := r.synchronizer.State()
	if st != nil {
		d.Status = string(st.Status)
		d.Version = st.Version
		d.Players = st.Players
	}
	return d
}

// Close 关闭房间, 解除所有会话的房间归属
func (r *Room) Close() {
	r.playerMutex.Lock()
	defer r.playerMutex.Unlock()

	for _, s := range r.players {
		s.RoomID = ""
	}
	r.players = make(map[string]*session.Session)
}

func containsPlayer(roster []string, playerID string) bool {
	for _, id := range roster {
		if id == playerID {
			return true
		}
	}
	return false
}

func removePlayer(roster []string, playerID string) []string {
	for i, id := range roster {
		if id == playerID {
			return append(roster[:i], roster[i+1:]...)
		}
	}
	return roster
}

// --- 房间管理器 ---

// Manager 管理所有房间
type Manager struct {
	rooms map[string]*Room
	mutex sync.RWMutex
}

// NewRoomManager 创建一个新的房间管理器
func NewRoomManager() *Manager {
	return &Manager{
		rooms: make(map[string]*Room),
	}
}

// CreateRoom 创建一个新房间并添加到管理器
// 人数被收敛到该游戏允许的范围内
func (m *Manager) CreateRoom(id, name, gameType string, maxPlayers int, broadcaster Broadcaster, opts Options) (*Room, error) {
	lo, hi, ok := games.PlayerLimits(gameType)
	if !ok {
		return nil, ErrUnsupportedGame
	}
	if maxPlayers < lo {
		maxPlayers = lo
	}
	if maxPlayers > hi {
		maxPlayers = hi
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.rooms[id]; exists {
		return nil, ErrRoomExists
	}
	room := NewRoom(id, name, gameType, maxPlayers, broadcaster, opts)
	m.rooms[id] = room
	return room, nil
}

// RemoveRoom 从管理器中移除并关闭一个房间
func (m *Manager) RemoveRoom(id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if room, exists := m.rooms[id]; exists {
		room.Close()
		delete(m.rooms, id)
	}
}

// GetRoom 从管理器中获取一个房间
func (m *Manager) GetRoom(id string) (*Room, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	room, exists := m.rooms[id]
	return room, exists
}

// FindAvailableRoom 查找一个还在等人的同类型房间
func (m *Manager) FindAvailableRoom(gameType string) *Room {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, room := range m.rooms {
		if room.GameType != gameType {
			continue
		}
		if room.Status() == state.StatusWaiting && len(room.Roster()) < room.MaxPlayers {
			return room
		}
	}
	return nil
}

// Rooms 返回所有房间的快照列表
func (m *Manager) Rooms() []*Room {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Count 返回房间数量
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.rooms)
}
