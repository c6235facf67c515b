package games

import (
	"encoding/json"
	"sort"

	"github.com/wfunc/gamesync/state"
)

// 支持的游戏类型
const (
	KindTicTacToe   = "tictactoe"
	KindConnectFour = "connectfour"
	KindBlockBattle = "blockbattle"
)

// Descriptor 一种游戏的注册信息
// Apply 必须是纯函数: 不依赖同步器的任何记录, 不产生副作用
type Descriptor struct {
	Kind       string
	MinPlayers int
	MaxPlayers int
	NewBoard   func(players []string) json.RawMessage
	Apply      state.Applier
	Terminal   func(board json.RawMessage) bool
	Winner     func(board json.RawMessage) (string, bool)
}

// registry 游戏注册表; 游戏集合是封闭的, 新游戏在这里登记
var registry = map[string]Descriptor{
	KindTicTacToe: {
		Kind:       KindTicTacToe,
		MinPlayers: 2,
		MaxPlayers: 2,
		NewBoard:   newTicTacToeBoard,
		Apply:      applyTicTacToe,
		Terminal:   ticTacToeTerminal,
		Winner:     ticTacToeWinnerID,
	},
	KindConnectFour: {
		Kind:       KindConnectFour,
		MinPlayers: 2,
		MaxPlayers: 2,
		NewBoard:   newConnectFourBoard,
		Apply:      applyConnectFour,
		Terminal:   connectFourTerminal,
		Winner:     connectFourWinnerID,
	},
	KindBlockBattle: {
		Kind:       KindBlockBattle,
		MinPlayers: 2,
		MaxPlayers: 4,
		NewBoard:   newBlockBattleBoard,
		Apply:      applyBlockBattle,
		Terminal:   blockBattleTerminal,
		Winner:     blockBattleWinnerID,
	},
}

// Resolve 按游戏类型查找 Applier, 作为 state.ApplierResolver 注入同步器
func Resolve(kind string) (state.Applier, bool) {
	desc, exists := registry[kind]
	if !exists {
		return nil, false
	}
	return desc.Apply, true
}

// NewBoard 为一局新游戏创建初始盘面
func NewBoard(kind string, players []string) (json.RawMessage, bool) {
	desc, exists := registry[kind]
	if !exists {
		return nil, false
	}
	return desc.NewBoard(players), true
}

// Terminal 判断盘面是否已终局
func Terminal(kind string, board json.RawMessage) bool {
	desc, exists := registry[kind]
	if !exists {
		return false
	}
	return desc.Terminal(board)
}

// Winner 返回终局盘面的胜者; 平局或未终局时第二个返回值为 false
func Winner(kind string, board json.RawMessage) (string, bool) {
	desc, exists := registry[kind]
	if !exists {
		return "", false
	}
	return desc.Winner(board)
}

// Supported 游戏类型是否受支持
func Supported(kind string) bool {
	_, exists := registry[kind]
	return exists
}

// PlayerLimits 返回一种游戏允许的玩家人数范围
func PlayerLimits(kind string) (min, max int, ok bool) {
	desc, exists := registry[kind]
	if !exists {
		return 0, 0, false
	}
	return desc.MinPlayers, desc.MaxPlayers, true
}

// Kinds 返回所有受支持的游戏类型, 按字典序
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
