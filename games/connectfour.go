package games

import (
	"encoding/json"

	"github.com/wfunc/gamesync/state"
)

// MoveKindDrop 四子棋唯一的操作: 向指定列投子
const MoveKindDrop = "drop"

const (
	connectFourRows      = 6
	connectFourCols      = 7
	connectFourWinLength = 4
)

// connectFourBoard 四子棋盘面
// Grid[row][col], row 0 为顶行, 棋子受重力落到最低空位
type connectFourBoard struct {
	Grid         [connectFourRows][connectFourCols]string `json:"grid"`
	Order        []string                                 `json:"order"`
	Tokens       map[string]string                        `json:"tokens"`
	NextPlayerID string                                   `json:"next_player_id"`
	WinnerID     string                                   `json:"winner_id,omitempty"`
	Draw         bool                                     `json:"draw,omitempty"`
	Filled       int                                      `json:"filled"`
}

type connectFourPayload struct {
	Col int `json:"col"`
}

func newConnectFourBoard(players []string) json.RawMessage {
	board := connectFourBoard{
		Order:  append([]string(nil), players...),
		Tokens: make(map[string]string),
	}
	tokens := []string{"R", "Y"}
	for i, p := range players {
		if i < len(tokens) {
			board.Tokens[p] = tokens[i]
		}
	}
	if len(players) > 0 {
		board.NextPlayerID = players[0]
	}
	data, _ := json.Marshal(board)
	return data
}

// applyConnectFour 应用一次投子
// 不适用的情况: 游戏已结束, 不是该玩家回合, 列越界或已满
func applyConnectFour(raw json.RawMessage, mv *state.Move) (json.RawMessage, bool) {
	if mv.Kind != MoveKindDrop {
		return nil, false
	}

	var board connectFourBoard
	if err := json.Unmarshal(raw, &board); err != nil {
		return nil, false
	}
	if board.WinnerID != "" || board.Draw {
		return nil, false
	}

	token, playing := board.Tokens[mv.PlayerID]
	if !playing {
		return nil, false
	}
	if board.NextPlayerID != mv.PlayerID {
		return nil, false
	}

	var payload connectFourPayload
	if err := json.Unmarshal(mv.Payload, &payload); err != nil {
		return nil, false
	}
	if payload.Col < 0 || payload.Col >= connectFourCols {
		return nil, false
	}

	// 从底行向上找第一个空位
	row := -1
	for r := connectFourRows - 1; r >= 0; r-- {
		if board.Grid[r][payload.Col] == "" {
			row = r
			break
		}
	}
	if row < 0 {
		return nil, false
	}

	board.Grid[row][payload.Col] = token
	board.Filled++

	if connectFourWinner(&board, row, payload.Col, token) {
		board.WinnerID = mv.PlayerID
	} else if board.Filled == connectFourRows*connectFourCols {
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

// connectFourWinner 检查刚落的子是否连成四子
func connectFourWinner(board *connectFourBoard, row, col int, token string) bool {
	directions := [4][2]int{
		{0, 1},  // 横向
		{1, 0},  // 纵向
		{1, 1},  // 主对角线
		{1, -1}, // 副对角线
	}

	for _, dir := range directions {
		count := 1
		count += countDirection(board, row, col, dir[0], dir[1], token)
		count += countDirection(board, row, col, -dir[0], -dir[1], token)
		if count >= connectFourWinLength {
			return true
		}
	}
	return false
}

func countDirection(board *connectFourBoard, row, col, dr, dc int, token string) int {
	count := 0
	for {
		row += dr
		col += dc
		if row < 0 || row >= connectFourRows || col < 0 || col >= connectFourCols {
			break
		}
		if board.Grid[row][col] != token {
			break
		}
		count++
	}
	return count
}

func connectFourTerminal(raw json.RawMessage) bool {
	var board connectFourBoard
	if err := json.Unmarshal(raw, &board); err != nil {
		return false
	}
	return board.WinnerID != "" || board.Draw
}

func connectFourWinnerID(raw json.RawMessage) (string, bool) {
	var board connectFourBoard
	if err := json.Unmarshal(raw, &board); err != nil {
		return "", false
	}
	return board.WinnerID, board.WinnerID != ""
}
