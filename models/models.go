// models/models.go
package models

import (
	"encoding/json"
	"time"

	"github.com/wfunc/gamesync/state"
)

// PlayerData 玩家数据模型
type PlayerData struct {
	PlayerID  string                 `json:"player_id"`
	Name      string                 `json:"name"`
	Rating    int                    `json:"rating"`
	Items     map[string]interface{} `json:"items"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// PlayerInfo 玩家信息（用于房间列表和对局记录）
type PlayerInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Outcome string `json:"outcome,omitempty"` // win/lose/draw
}

// MatchRecord 一局对局的最终记录
type MatchRecord struct {
	RoomID       string          `json:"room_id"`
	GameKind     string          `json:"game_kind"`
	Players      []PlayerInfo    `json:"players"`
	WinnerID     string          `json:"winner_id,omitempty"`
	FinalVersion int64           `json:"final_version"`
	FinalBoard   json.RawMessage `json:"final_board"`
	Duration     int             `json:"duration"` // 对局时长(秒)
	CreatedAt    time.Time       `json:"created_at"`
}

// RoomSnapshot 房间状态快照, 周期性落库用于诊断与恢复
type RoomSnapshot struct {
	RoomID    string          `json:"room_id"`
	GameKind  string          `json:"game_kind"`
	Status    string          `json:"status"`
	Version   int64           `json:"version"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RoomDiagnostics 房间运行时诊断信息
type RoomDiagnostics struct {
	RoomID       string   `json:"room_id"`
	GameKind     string   `json:"game_kind"`
	Status       string   `json:"status"`
	Version      int64    `json:"version"`
	PendingDepth int      `json:"pending_depth"`
	Players      []string `json:"players"`
}

// ---- 协议载荷 ----

// RoomInfo 房间信息, room:joined 的 room 字段
type RoomInfo struct {
	GameType string          `json:"game_type"`
	Players  []PlayerInfo    `json:"players"`
	GameData json.RawMessage `json:"game_data,omitempty"`
	Status   string          `json:"status"`
	HostID   string          `json:"host_id"`
}

// JoinedRoomPayload room:joined 载荷
type JoinedRoomPayload struct {
	RoomID string   `json:"room_id"`
	Room   RoomInfo `json:"room"`
}

// RoomUpdatedPayload room:updated 载荷, 不影响对局状态的房间元数据变化
type RoomUpdatedPayload struct {
	RoomID  string       `json:"room_id"`
	Players []PlayerInfo `json:"players"`
	Status  string       `json:"status"`
}

// CreateRoomRequest room:create 载荷
type CreateRoomRequest struct {
	GameType   string `json:"game_type"`
	Name       string `json:"name"`
	MaxPlayers int    `json:"max_players"`
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name,omitempty"`
}

// JoinRoomRequest room:join 载荷
// RoomID 为空时按 GameType 匹配一个等待中的房间
type JoinRoomRequest struct {
	RoomID     string `json:"room_id,omitempty"`
	GameType   string `json:"game_type,omitempty"`
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name,omitempty"`
}

// MovePayload game:move 载荷
type MovePayload struct {
	RoomID string     `json:"room_id"`
	Move   state.Move `json:"move"`
}

// MoveBatchPayload game:move_batch 载荷, 数组内顺序必须保持
type MoveBatchPayload struct {
	RoomID string       `json:"room_id"`
	Moves  []state.Move `json:"moves"`
}

// StateUpdatePayload game:state_update 载荷
type StateUpdatePayload struct {
	GameState *state.GameState `json:"game_state"`
	Version   int64            `json:"version"`
}

// SyncRequestPayload game:sync_request 载荷
type SyncRequestPayload struct {
	RoomID       string `json:"room_id"`
	LocalVersion int64  `json:"local_version"`
}

// SyncResponsePayload game:sync_response 载荷
type SyncResponsePayload struct {
	GameState *state.GameState `json:"game_state"`
	Version   int64            `json:"version"`
}
