package games

import (
	"encoding/json"
	"testing"
)

func decodeTicTacToe(t *testing.T, raw json.RawMessage) *ticTacToeBoard {
	t.Helper()
	var board ticTacToeBoard
	if err := json.Unmarshal(raw, &board); err != nil {
		t.Fatalf("Failed to decode board: %v", err)
	}
	return &board
}

func TestTicTacToeNewBoard(t *testing.T) {
	raw, exists := NewBoard(KindTicTacToe, []string{"p1", "p2"})
	if !exists {
		t.Fatal("Expected tictactoe board")
	}

	board := decodeTicTacToe(t, raw)
	if board.Marks["p1"] != "X" || board.Marks["p2"] != "O" {
		t.Errorf("Expected p1=X p2=O, got %v", board.Marks)
	}
	if board.NextPlayerID != "p1" {
		t.Errorf("Expected p1 to move first, got %s", board.NextPlayerID)
	}
}

func TestTicTacToePlaceAndAlternate(t *testing.T) {
	raw, _ := NewBoard(KindTicTacToe, []string{"p1", "p2"})

	next, applied := applyTicTacToe(raw, mkMove(t, "p1", MoveKindPlace, ticTacToePayload{Pos: 4}))
	if !applied {
		t.Fatal("Expected p1 center placement to apply")
	}

	board := decodeTicTacToe(t, next)
	if board.Cells[4] != "X" {
		t.Errorf("Expected X at center, got %q", board.Cells[4])
	}
	if board.NextPlayerID != "p2" {
		t.Errorf("Expected turn to pass to p2, got %s", board.NextPlayerID)
	}
}

func TestTicTacToeRejectsOccupiedCell(t *testing.T) {
	raw, _ := NewBoard(KindTicTacToe, []string{"p1", "p2"})
	raw, _ = applyTicTacToe(raw, mkMove(t, "p1", MoveKindPlace, ticTacToePayload{Pos: 0}))

	if _, applied := applyTicTacToe(raw, mkMove(t, "p2", MoveKindPlace, ticTacToePayload{Pos: 0})); applied {
		t.Error("Expected placement into occupied cell to be not applicable")
	}
}

func TestTicTacToeRejectsOutOfTurn(t *testing.T) {
	raw, _ := NewBoard(KindTicTacToe, []string{"p1", "p2"})

	if _, applied := applyTicTacToe(raw, mkMove(t, "p2", MoveKindPlace, ticTacToePayload{Pos: 0})); applied {
		t.Error("Expected out-of-turn placement to be not applicable")
	}
	if _, applied := applyTicTacToe(raw, mkMove(t, "ghost", MoveKindPlace, ticTacToePayload{Pos: 0})); applied {
		t.Error("Expected placement by unknown player to be not applicable")
	}
}

func TestTicTacToeRejectsBadPosition(t *testing.T) {
	raw, _ := NewBoard(KindTicTacToe, []string{"p1", "p2"})

	if _, applied := applyTicTacToe(raw, mkMove(t, "p1", MoveKindPlace, ticTacToePayload{Pos: -1})); applied {
		t.Error("Expected negative position to be not applicable")
	}
	if _, applied := applyTicTacToe(raw, mkMove(t, "p1", MoveKindPlace, ticTacToePayload{Pos: 9})); applied {
		t.Error("Expected out-of-range position to be not applicable")
	}
	if _, applied := applyTicTacToe(raw, mkMove(t, "p1", "jump", ticTacToePayload{Pos: 0})); applied {
		t.Error("Expected unknown move kind to be not applicable")
	}
}

func TestTicTacToeWinDetection(t *testing.T) {
	raw, _ := NewBoard(KindTicTacToe, []string{"p1", "p2"})

	// p1 takes the top row while p2 plays the middle row
	moves := []struct {
		player string
		pos    int
	}{
		{"p1", 0}, {"p2", 3}, {"p1", 1}, {"p2", 4}, {"p1", 2},
	}
	for _, m := range moves {
		next, applied := applyTicTacToe(raw, mkMove(t, m.player, MoveKindPlace, ticTacToePayload{Pos: m.pos}))
		if !applied {
			t.Fatalf("Expected %s at %d to apply", m.player, m.pos)
		}
		raw = next
	}

	board := decodeTicTacToe(t, raw)
	if board.WinnerID != "p1" {
		t.Errorf("Expected p1 to win, got %q", board.WinnerID)
	}
	if !Terminal(KindTicTacToe, raw) {
		t.Error("Expected board with a winner to be terminal")
	}
	if winner, decided := Winner(KindTicTacToe, raw); !decided || winner != "p1" {
		t.Errorf("Expected winner p1, got %q (decided=%v)", winner, decided)
	}

	// No further moves once the game is decided
	if _, applied := applyTicTacToe(raw, mkMove(t, "p2", MoveKindPlace, ticTacToePayload{Pos: 5})); applied {
		t.Error("Expected placement after win to be not applicable")
	}
}

func TestTicTacToeDraw(t *testing.T) {
	raw, _ := NewBoard(KindTicTacToe, []string{"p1", "p2"})

	// Fill the board without three in a row:
	//  X O X
	//  X O O
	//  O X X
	moves := []struct {
		player string
		pos    int
	}{
		{"p1", 0}, {"p2", 1}, {"p1", 2},
		{"p2", 4}, {"p1", 3}, {"p2", 5},
		{"p1", 7}, {"p2", 6}, {"p1", 8},
	}
	for _, m := range moves {
		next, applied := applyTicTacToe(raw, mkMove(t, m.player, MoveKindPlace, ticTacToePayload{Pos: m.pos}))
		if !applied {
			t.Fatalf("Expected %s at %d to apply", m.player, m.pos)
		}
		raw = next
	}

	board := decodeTicTacToe(t, raw)
	if board.WinnerID != "" {
		t.Errorf("Expected no winner, got %q", board.WinnerID)
	}
	if !board.Draw {
		t.Error("Expected a full board to be a draw")
	}
	if !Terminal(KindTicTacToe, raw) {
		t.Error("Expected a draw to be terminal")
	}
	if winner, decided := Winner(KindTicTacToe, raw); decided {
		t.Errorf("Expected no winner for a draw, got %q", winner)
	}
}
