package state

import (
	"encoding/json"
	"errors"
)

// 房间游戏状态
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusPlaying  Status = "playing"
	StatusPaused   Status = "paused"
	StatusFinished Status = "finished"
)

// ErrTransitionNotAllowed is returned when a status transition is not allowed.
var ErrTransitionNotAllowed = errors.New("status transition not allowed")

// 状态转换表: from -> 允许的 to 集合
var transitions = map[Status]map[Status]bool{
	StatusWaiting: {
		StatusPlaying:  true,
		StatusFinished: true,
	},
	StatusPlaying: {
		StatusPaused:   true,
		StatusFinished: true,
	},
	StatusPaused: {
		StatusPlaying:  true,
		StatusFinished: true,
	},
	StatusFinished: {},
}

// CanTransition 检查状态转换是否合法
func (s Status) CanTransition(to Status) bool {
	allowed, exists := transitions[s]
	if !exists {
		return false
	}
	return allowed[to]
}

// Valid 检查是否为已知状态
func (s Status) Valid() bool {
	_, exists := transitions[s]
	return exists
}

// GameState 一个房间的版本化游戏状态
// Board 对同步层不透明, 只有对应游戏的 Applier 会解析它
type GameState struct {
	RoomID          string          `json:"room_id"`
	GameKind        string          `json:"game_kind"`
	Players         []string        `json:"players"`
	Board           json.RawMessage `json:"board_state"`
	Status          Status          `json:"status"`
	CurrentPlayerID string          `json:"current_player_id,omitempty"`
	HostPlayerID    string          `json:"host_player_id"`
	Version         int64           `json:"version"`
	LastUpdate      int64           `json:"last_update"`
}

// Clone 返回深拷贝, 调用方可以安全持有
func (s *GameState) Clone() *GameState {
	if s == nil {
		return nil
	}
	c := *s
	c.Players = append([]string(nil), s.Players...)
	c.Board = append(json.RawMessage(nil), s.Board...)
	return &c
}

// Move 单个玩家提交的一次状态变更意图
// Sequence 是玩家内单调递增的计数器, (PlayerID, Sequence) 唯一标识一次操作
type Move struct {
	PlayerID           string          `json:"player_id"`
	Kind               string          `json:"kind"`
	Payload            json.RawMessage `json:"payload"`
	Timestamp          int64           `json:"timestamp"`
	Sequence           uint64          `json:"sequence"`
	StateVersionAtSend int64           `json:"state_version_at_send"`
}

// Applier 纯函数: 给定盘面和操作计算新盘面
// 操作不适用时返回 false, 不得有副作用
type Applier func(board json.RawMessage, mv *Move) (json.RawMessage, bool)

// ApplierResolver 按游戏类型查找 Applier
type ApplierResolver func(gameKind string) (Applier, bool)
