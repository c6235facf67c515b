// orchestrator/orchestrator.go
package orchestrator

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/wfunc/gamesync/logger"
	"github.com/wfunc/gamesync/models"
	"github.com/wfunc/gamesync/network"
	"github.com/wfunc/gamesync/state"
)

// DefaultBatchWindow 默认合批窗口, 约一个渲染帧
const DefaultBatchWindow = 16 * time.Millisecond

var (
	ErrNotInRoom         = errors.New("not in a room")
	ErrNoActiveGame      = errors.New("no active game state")
	ErrMoveNotApplicable = errors.New("move not applicable")
)

// Options 编排器可调参数, 零值字段使用默认值
type Options struct {
	Clock             clockwork.Clock
	BatchWindow       time.Duration
	PendingCap        int
	PendingCutoff     time.Duration
	ReconcileInterval time.Duration
	WarnThreshold     int

	// PlayerName 发给服务端的显示名, 空则服务端用玩家ID代替
	PlayerName string
}

// Orchestrator 客户端侧的房间编排器
// 负责房间生命周期, 本地操作的盖章与合批发送, 以及入站事件到同步器的分发
// 传输句柄在构造时注入, 测试可以替换为假连接
type Orchestrator struct {
	playerID string
	conn     network.Connection
	resolve  state.ApplierResolver
	clock    clockwork.Clock
	opts     Options

	mutex        sync.Mutex
	roomID       string
	synchronizer *state.Synchronizer
	nextSeq      uint64
	batch        []state.Move
	flushTimer   clockwork.Timer
}

// NewOrchestrator 创建编排器; conn 由调用方负责建立和关闭
func NewOrchestrator(playerID string, conn network.Connection, resolve state.ApplierResolver, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = DefaultBatchWindow
	}

	return &Orchestrator{
		playerID: playerID,
		conn:     conn,
		resolve:  resolve,
		clock:    opts.Clock,
		opts:     opts,
	}
}

// PlayerID 返回本地玩家ID
func (o *Orchestrator) PlayerID() string {
	return o.playerID
}

// RoomID 返回当前房间ID, 未加入房间时为空
func (o *Orchestrator) RoomID() string {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.roomID
}

// State 返回当前对局状态快照, 无状态时为 nil
func (o *Orchestrator) State() *state.GameState {
	o.mutex.Lock()
	s := o.synchronizer
	o.mutex.Unlock()
	if s == nil {
		return nil
	}
	return s.State()
}

// CreateRoom 请求创建房间
func (o *Orchestrator) CreateRoom(gameType, name string, maxPlayers int) error {
	data, err := json.Marshal(models.CreateRoomRequest{
		GameType:   gameType,
		Name:       name,
		MaxPlayers: maxPlayers,
		PlayerID:   o.playerID,
		PlayerName: o.opts.PlayerName,
	})
	if err != nil {
		return err
	}
	return o.conn.Send(network.MsgTypeCreateRoom, data)
}

// JoinRoom 请求加入指定房间
func (o *Orchestrator) JoinRoom(roomID string) error {
	data, err := json.Marshal(models.JoinRoomRequest{
		RoomID:     roomID,
		PlayerID:   o.playerID,
		PlayerName: o.opts.PlayerName,
	})
	if err != nil {
		return err
	}
	return o.conn.Send(network.MsgTypeJoinRoom, data)
}

// JoinGame 按游戏类型请求匹配, 由服务端挑一个等待中的房间
func (o *Orchestrator) JoinGame(gameType string) error {
	data, err := json.Marshal(models.JoinRoomRequest{
		GameType:   gameType,
		PlayerID:   o.playerID,
		PlayerName: o.opts.PlayerName,
	})
	if err != nil {
		return err
	}
	return o.conn.Send(network.MsgTypeJoinRoom, data)
}

// LeaveRoom 离开当前房间并释放本地同步器和定时器
// 这是终态操作, 重新进入只能通过新的 JoinRoom
func (o *Orchestrator) LeaveRoom() error {
	o.mutex.Lock()
	o.disposeLocked()
	o.mutex.Unlock()

	return o.conn.Send(network.MsgTypeLeaveRoom, nil)
}

// Close 释放编排器持有的房间资源, 不关闭底层连接
func (o *Orchestrator) Close() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.disposeLocked()
}

// MakeMove 提交一次本地操作: 盖章, 乐观应用, 记入待确认队列并进入发送合批
// 操作对本地盘面不适用时返回 ErrMoveNotApplicable, 不会发送
func (o *Orchestrator) MakeMove(kind string, payload json.RawMessage) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.synchronizer == nil {
		return ErrNotInRoom
	}
	version := o.synchronizer.Version()
	if version < 0 {
		return ErrNoActiveGame
	}

	mv := state.Move{
		PlayerID:           o.playerID,
		Kind:               kind,
		Payload:            payload,
		Timestamp:          o.clock.Now().UnixMilli(),
		Sequence:           o.nextSeq + 1,
		StateVersionAtSend: version,
	}

	// 乐观本地应用: 失败的操作不占用序号也不发送
	result := o.synchronizer.ApplyMove(&mv)
	if !result.Applied() {
		return ErrMoveNotApplicable
	}
	o.nextSeq++

	o.synchronizer.AddPendingMove(mv)
	o.batch = append(o.batch, mv)

	// 合批窗口从第一条操作进入时开始计时
	if o.flushTimer == nil {
		o.flushTimer = o.clock.AfterFunc(o.opts.BatchWindow, o.flush)
	}
	return nil
}

// flush 合批窗口到期: 单条发 game:move, 多条发 game:move_batch
func (o *Orchestrator) flush() {
	o.mutex.Lock()
	moves := o.batch
	o.batch = nil
	o.flushTimer = nil
	roomID := o.roomID
	o.mutex.Unlock()

	if len(moves) == 0 || roomID == "" {
		return
	}

	var msgID uint16
	var data []byte
	var err error
	if len(moves) == 1 {
		msgID = network.MsgTypeGameMove
		data, err = json.Marshal(models.MovePayload{RoomID: roomID, Move: moves[0]})
	} else {
		msgID = network.MsgTypeGameMoveBatch
		data, err = json.Marshal(models.MoveBatchPayload{RoomID: roomID, Moves: moves})
	}
	if err != nil {
		logger.Log.Errorf("Failed to marshal outbound moves for room %s: %v", roomID, err)
		return
	}

	if err := o.conn.Send(msgID, data); err != nil {
		logger.Log.Warnf("Send failed for room %s, re-queueing %d move(s): %v", roomID, len(moves), err)
		// 发送失败的批次重新插到下一批最前面, 重复交付由接收端的去重保证安全
		o.mutex.Lock()
		o.batch = append(moves, o.batch...)
		if o.flushTimer == nil {
			o.flushTimer = o.clock.AfterFunc(o.opts.BatchWindow, o.flush)
		}
		o.mutex.Unlock()
	}
}

// HandleMessage 分发一条入站消息
// 载荷损坏只丢弃该消息, 不影响已有状态
func (o *Orchestrator) HandleMessage(msgID uint16, data []byte) {
	switch msgID {
	case network.MsgTypeRoomJoined:
		o.onRoomJoined(data)
	case network.MsgTypeRoomUpdated:
		o.onRoomUpdated(data)
	case network.MsgTypeGameStateUpdate:
		o.onStateUpdate(data)
	case network.MsgTypeGameMove:
		o.onMove(data)
	case network.MsgTypeGameMoveBatch:
		o.onMoveBatch(data)
	case network.MsgTypeGameSyncResponse, network.MsgTypeGameStart, network.MsgTypeGameEnd:
		o.onSyncResponse(msgID, data)
	case network.MsgTypeHeartbeat:
		// nothing to do
	default:
		logger.Log.Debugf("Ignoring message %s (%d)", network.EventName(msgID), msgID)
	}
}

// onRoomJoined 初始化本房间的同步器
// 房间已开局时采用服务器带来的状态, 否则从版本0开始
func (o *Orchestrator) onRoomJoined(data []byte) {
	var payload models.JoinedRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logger.Log.Warnf("Corrupt room:joined payload: %v", err)
		return
	}

	players := make([]string, 0, len(payload.Room.Players))
	for _, p := range payload.Room.Players {
		players = append(players, p.ID)
	}

	o.mutex.Lock()
	o.disposeLocked()
	o.roomID = payload.RoomID
	o.synchronizer = state.NewSynchronizer(payload.RoomID, o.resolve, state.Options{
		Clock:             o.clock,
		PendingCap:        o.opts.PendingCap,
		PendingCutoff:     o.opts.PendingCutoff,
		ReconcileInterval: o.opts.ReconcileInterval,
		WarnThreshold:     o.opts.WarnThreshold,
		OnSyncNeeded:      o.sendSyncRequest,
		OnPendingAlert:    o.onPendingAlert,
	})
	s := o.synchronizer
	o.mutex.Unlock()

	var initial *state.GameState
	if len(payload.Room.GameData) > 0 {
		var adopted state.GameState
		if err := json.Unmarshal(payload.Room.GameData, &adopted); err == nil && adopted.Version > 0 {
			initial = &adopted
		}
	}
	if initial == nil {
		initial = &state.GameState{
			RoomID:       payload.RoomID,
			GameKind:     payload.Room.GameType,
			Players:      players,
			Status:       state.Status(payload.Room.Status),
			HostPlayerID: payload.Room.HostID,
			Version:      0,
			LastUpdate:   o.clock.Now().UnixMilli(),
		}
	}

	s.SetLocalState(initial)
	s.Start()
	logger.Log.Infof("Joined room %s (%s) at version %d", payload.RoomID, payload.Room.GameType, initial.Version)
}

// onRoomUpdated 房间元数据变化, 不触及对局状态
func (o *Orchestrator) onRoomUpdated(data []byte) {
	var payload models.RoomUpdatedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logger.Log.Warnf("Corrupt room:updated payload: %v", err)
		return
	}
	logger.Log.Infof("Room %s updated: %d player(s), status %s", payload.RoomID, len(payload.Players), payload.Status)
}

// onStateUpdate 权威版本广播: 仅当版本严格大于本地时采用, 防止被乱序到达的旧广播回退
func (o *Orchestrator) onStateUpdate(data []byte) {
	var payload models.StateUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logger.Log.Warnf("Corrupt game:state_update payload: %v", err)
		return
	}
	if payload.GameState == nil {
		return
	}

	s := o.currentSync()
	if s == nil {
		return
	}
	if payload.GameState.Version > s.Version() {
		s.SetLocalState(payload.GameState)
	}
}

// onMove 单条远端操作
func (o *Orchestrator) onMove(data []byte) {
	var payload models.MovePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logger.Log.Warnf("Corrupt game:move payload: %v", err)
		return
	}

	if s := o.currentSync(); s != nil {
		s.ApplyRemoteMove(&payload.Move)
	}
}

// onMoveBatch 按数组顺序逐条应用, 批内顺序必须保持
func (o *Orchestrator) onMoveBatch(data []byte) {
	var payload models.MoveBatchPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logger.Log.Warnf("Corrupt game:move_batch payload: %v", err)
		return
	}

	s := o.currentSync()
	if s == nil {
		return
	}
	for i := range payload.Moves {
		s.ApplyRemoteMove(&payload.Moves[i])
	}
}

// onSyncResponse 权威状态整体替换, 无条件采用
func (o *Orchestrator) onSyncResponse(msgID uint16, data []byte) {
	var payload models.SyncResponsePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		logger.Log.Warnf("Corrupt %s payload: %v", network.EventName(msgID), err)
		return
	}
	if payload.GameState == nil {
		return
	}

	if s := o.currentSync(); s != nil {
		s.SetLocalState(payload.GameState)
	}
}

// sendSyncRequest 向服务器请求权威状态, 附带本地版本用于诊断
func (o *Orchestrator) sendSyncRequest(roomID string, localVersion int64) {
	data, err := json.Marshal(models.SyncRequestPayload{RoomID: roomID, LocalVersion: localVersion})
	if err != nil {
		return
	}
	if err := o.conn.Send(network.MsgTypeGameSyncRequest, data); err != nil {
		logger.Log.Warnf("Failed to send sync request for room %s: %v", roomID, err)
	}
}

// onPendingAlert 待确认队列积压: 说明操作一直得不到确认, 主动请求一次重同步
func (o *Orchestrator) onPendingAlert(alert state.PendingAlert) {
	logger.Log.Warnf("Pending queue backlog in room %s: depth=%d oldest=%v", alert.RoomID, alert.Depth, alert.OldestAge)
	if s := o.currentSync(); s != nil {
		s.RequestStateSync()
	}
}

func (o *Orchestrator) currentSync() *state.Synchronizer {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.synchronizer
}

func (o *Orchestrator) disposeLocked() {
	if o.flushTimer != nil {
		o.flushTimer.Stop()
		o.flushTimer = nil
	}
	o.batch = nil
	if o.synchronizer != nil {
		o.synchronizer.Stop()
		o.synchronizer = nil
	}
	o.roomID = ""
}
