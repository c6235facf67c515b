package games

import (
	"encoding/json"

	"github.com/wfunc/gamesync/state"
)

// MoveKindPlace 井字棋唯一的操作: 在指定格落子
const MoveKindPlace = "place"

// ticTacToeBoard 井字棋盘面
// Cells 按行排列, 0-8; 空格为 ""
type ticTacToeBoard struct {
	Cells        [9]string         `json:"cells"`
	Order        []string          `json:"order"`
	Marks        map[string]string `json:"marks"`
	NextPlayerID string            `json:"next_player_id"`
	WinnerID     string            `json:"winner_id,omitempty"`
	Draw         bool              `json:"draw,omitempty"`
	Filled       int               `json:"filled"`
}

type ticTacToePayload struct {
	Pos int `json:"pos"`
}

// ticTacToeWins 所有获胜连线
var ticTacToeWins = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

func newTicTacToeBoard(players []string) json.RawMessage {
	board := ticTacToeBoard{
		Order: append([]string(nil), players...),
		Marks: make(map[string]string),
	}
	marks := []string{"X", "O"}
	for i, p := range players {
		if i < len(marks) {
			board.Marks[p] = marks[i]
		}
	}
	if len(players) > 0 {
		board.NextPlayerID = players[0]
	}
	data, _ := json.Marshal(board)
	return data
}

// applyTicTacToe 应用一次落子
// 不适用的情况: 游戏已结束, 不是该玩家回合, 位置越界或已被占用
func applyTicTacToe(raw json.RawMessage, mv *state.Move) (json.RawMessage, bool) {
	if mv.Kind != MoveKindPlace {
		return nil, false
	}

	var board ticTacToeBoard
	if err := json.Unmarshal(raw, &board); err != nil {
		return nil, false
	}
	if board.WinnerID != "" || board.Draw {
		return nil, false
	}

	mark, playing := board.Marks[mv.PlayerID]
	if !playing {
		return nil, false
	}
	if board.NextPlayerID != mv.PlayerID {
		return nil, false
	}

	var payload ticTacToePayload
	if err := json.Unmarshal(mv.Payload, &payload); err != nil {
		return nil, false
	}
	if payload.Pos < 0 || payload.Pos >= len(board.Cells) {
		return nil, false
	}
	if board.Cells[payload.Pos] != "" {
		return nil, false
	}

	board.Cells[payload.Pos] = mark
	board.Filled++

	if ticTacToeWinner(&board, mark) {
		board.WinnerID = mv.PlayerID
	} else if board.Filled == len(board.Cells) {
		board.Draw = true
	} else {
		board.NextPlayerID = nextInOrder(board.Order, mv.PlayerID)
	}

	data, err := json.Marshal(board)
	if err != nil {
		return nil, false
	}
	return data, true
}

func ticTacToeWinner(board *ticTacToeBoard, mark string) bool {
	for _, line := range ticTacToeWins {
		if board.Cells[line[0]] == mark && board.Cells[line[1]] == mark && board.Cells[line[2]] == mark {
			return true
		}
	}
	return false
}

func ticTacToeTerminal(raw json.RawMessage) bool {
	var board ticTacToeBoard
	if err := json.Unmarshal(raw, &board); err != nil {
		return false
	}
	return board.WinnerID != "" || board.Draw
}

func ticTacToeWinnerID(raw json.RawMessage) (string, bool) {
	var board ticTacToeBoard
	if err := json.Unmarshal(raw, &board); err != nil {
		return "", false
	}
	return board.WinnerID, board.WinnerID != ""
}

// nextInOrder 返回顺位的下一个玩家
func nextInOrder(order []string, current string) string {
	for i, p := range order {
		if p == current {
			return order[(i+1)%len(order)]
		}
	}
	if len(order) > 0 {
		return order[0]
	}
	return ""
}
