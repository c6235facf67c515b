package games

import (
	"encoding/json"
	"testing"

	"github.com/wfunc/gamesync/state"
)

// mkMove builds a move with a JSON payload for applier tests.
func mkMove(t *testing.T, player, kind string, payload interface{}) *state.Move {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("Failed to marshal payload: %v", err)
		}
		raw = data
	}
	return &state.Move{PlayerID: player, Kind: kind, Payload: raw}
}

func TestResolveKnownKinds(t *testing.T) {
	for _, kind := range []string{KindTicTacToe, KindConnectFour, KindBlockBattle} {
		applier, exists := Resolve(kind)
		if !exists {
			t.Errorf("Expected applier for %s", kind)
		}
		if applier == nil {
			t.Errorf("Expected non-nil applier for %s", kind)
		}
	}
}

func TestResolveUnknownKind(t *testing.T) {
	if _, exists := Resolve("chess"); exists {
		t.Error("Expected no applier for unknown game kind")
	}
	if Supported("chess") {
		t.Error("Expected unknown game kind to be unsupported")
	}
}

func TestNewBoardUnknownKind(t *testing.T) {
	if _, exists := NewBoard("chess", []string{"p1", "p2"}); exists {
		t.Error("Expected no board for unknown game kind")
	}
}

func TestPlayerLimits(t *testing.T) {
	min, max, ok := PlayerLimits(KindTicTacToe)
	if !ok || min != 2 || max != 2 {
		t.Errorf("Expected tictactoe limits 2..2, got %d..%d (ok=%v)", min, max, ok)
	}

	min, max, ok = PlayerLimits(KindBlockBattle)
	if !ok || min != 2 || max != 4 {
		t.Errorf("Expected blockbattle limits 2..4, got %d..%d (ok=%v)", min, max, ok)
	}

	if _, _, ok := PlayerLimits("chess"); ok {
		t.Error("Expected no limits for unknown game kind")
	}
}

func TestKindsSorted(t *testing.T) {
	kinds := Kinds()
	if len(kinds) != 3 {
		t.Fatalf("Expected 3 registered kinds, got %d", len(kinds))
	}
	for i := 1; i < len(kinds); i++ {
		if kinds[i-1] >= kinds[i] {
			t.Errorf("Expected sorted kinds, got %v", kinds)
		}
	}
}

func TestTerminalUnknownKind(t *testing.T) {
	if Terminal("chess", json.RawMessage(`{}`)) {
		t.Error("Expected unknown game kind to never be terminal")
	}
	if _, decided := Winner("chess", json.RawMessage(`{}`)); decided {
		t.Error("Expected unknown game kind to never have a winner")
	}
}
