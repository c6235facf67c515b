package games

import (
	"encoding/json"

	"github.com/wfunc/gamesync/state"
)

// 方块对战的操作词汇
const (
	MoveKindClearLines  = "clear_lines"
	MoveKindSendGarbage = "send_garbage"
	MoveKindTopOut      = "top_out"
)

// 单次操作允许的最大行数
const blockBattleMaxLines = 4

// blockBattleBoard 方块对战盘面: 每个玩家一块场地, 消行可向对手输送垃圾行
type blockBattleBoard struct {
	Fields map[string]*blockBattleField `json:"fields"`
	Order  []string                     `json:"order"`
}

type blockBattleField struct {
	LinesCleared   int  `json:"lines_cleared"`
	PendingGarbage int  `json:"pending_garbage"`
	GarbageSent    int  `json:"garbage_sent"`
	ToppedOut      bool `json:"topped_out"`
}

type blockBattlePayload struct {
	Count  int    `json:"count,omitempty"`
	Target string `json:"target,omitempty"`
}

func newBlockBattleBoard(players []string) json.RawMessage {
	board := blockBattleBoard{
		Fields: make(map[string]*blockBattleField),
		Order:  append([]string(nil), players...),
	}
	for _, p := range players {
		board.Fields[p] = &blockBattleField{}
	}
	data, _ := json.Marshal(board)
	return data
}

// applyBlockBattle 应用一次方块对战操作
// 不适用的情况: 玩家不在局内或已出局, 行数超出范围, 垃圾目标非法
func applyBlockBattle(raw json.RawMessage, mv *state.Move) (json.RawMessage, bool) {
	var board blockBattleBoard
	if err := json.Unmarshal(raw, &board); err != nil {
		return nil, false
	}

	field, playing := board.Fields[mv.PlayerID]
	if !playing || field.ToppedOut {
		return nil, false
	}

	var payload blockBattlePayload
	if len(mv.Payload) > 0 {
		if err := json.Unmarshal(mv.Payload, &payload); err != nil {
			return nil, false
		}
	}

	switch mv.Kind {
	case MoveKindClearLines:
		if payload.Count < 1 || payload.Count > blockBattleMaxLines {
			return nil, false
		}
		field.LinesCleared += payload.Count
		// 消行优先抵消自己场地的待下落垃圾
		field.PendingGarbage -= payload.Count
		if field.PendingGarbage < 0 {
			field.PendingGarbage = 0
		}

	case MoveKindSendGarbage:
		if payload.Count < 1 || payload.Count > blockBattleMaxLines {
			return nil, false
		}
		target, exists := board.Fields[payload.Target]
		if !exists || payload.Target == mv.PlayerID || target.ToppedOut {
			return nil, false
		}
		target.PendingGarbage += payload.Count
		field.GarbageSent += payload.Count

	case MoveKindTopOut:
		field.ToppedOut = true

	default:
		return nil, false
	}

	data, err := json.Marshal(board)
	if err != nil {
		return nil, false
	}
	return data, true
}

// blockBattleTerminal 至多剩一名未出局玩家时终局
func blockBattleTerminal(raw json.RawMessage) bool {
	var board blockBattleBoard
	if err := json.Unmarshal(raw, &board); err != nil {
		return false
	}
	if len(board.Fields) < 2 {
		return false
	}

	alive := 0
	for _, field := range board.Fields {
		if !field.ToppedOut {
			alive++
		}
	}
	return alive <= 1
}

// blockBattleWinnerID 终局时最后的幸存者获胜; 全员出局为无胜者
func blockBattleWinnerID(raw json.RawMessage) (string, bool) {
	if !blockBattleTerminal(raw) {
		return "", false
	}

	var board blockBattleBoard
	if err := json.Unmarshal(raw, &board); err != nil {
		return "", false
	}
	for playerID, field := range board.Fields {
		if !field.ToppedOut {
			return playerID, true
		}
	}
	return "", false
}
