// services/match_service.go
package services

import (
	"time"

	"github.com/wfunc/gamesync/games"
	"github.com/wfunc/gamesync/models"
	"github.com/wfunc/gamesync/persistence"
	"github.com/wfunc/gamesync/state"
	"gorm.io/gorm"
)

// 对局结果对应的积分增量
const (
	ratingDeltaWin  = 20
	ratingDeltaLoss = -20
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type MatchService struct {
	db persistence.Database
}

func NewMatchService(db persistence.Database) *MatchService {
	return &MatchService{db: db}
}

// BuildRecord 从终局状态生成对局记录, WinnerID 为空表示平局
func (s *MatchService) BuildRecord(final *state.GameState, duration time.Duration) *models.MatchRecord {
	winnerID, _ := games.Winner(final.GameKind, final.Board)

	players := make([]models.PlayerInfo, 0, len(final.Players))
	for _, id := range final.Players {
		info := models.PlayerInfo{ID: id, Name: id}
		if data, err := s.db.LoadPlayerData(id); err == nil && data.Name != "" {
			info.Name = data.Name
		}
		switch {
		case winnerID == "":
			info.Outcome = "draw"
		case id == winnerID:
			info.Outcome = "win"
		default:
			info.Outcome = "lose"
		}
		players = append(players, info)
	}

	return &models.MatchRecord{
		RoomID:       final.RoomID,
		GameKind:     final.GameKind,
		Players:      players,
		WinnerID:     winnerID,
		FinalVersion: final.Version,
		FinalBoard:   final.Board,
		Duration:     int(duration / time.Second),
	}
}

// RecordMatch 落库对局记录并结算积分
// GORM 后端在一个事务里完成, 其他后端逐条执行
func (s *MatchService) RecordMatch(record *models.MatchRecord) error {
	if gormDB, ok := s.db.(*persistence.GormPostgreSQL); ok {
		return gormDB.Transaction(func(tx *gorm.DB) error {
			row := models.GormMatchRecord{
				RoomID:       record.RoomID,
				GameKind:     record.GameKind,
				Players:      record.Players,
				WinnerID:     record.WinnerID,
				FinalVersion: record.FinalVersion,
				FinalBoard:   record.FinalBoard,
				Duration:     record.Duration,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			for _, p := range record.Players {
				delta := ratingDelta(p.Outcome)
				if delta == 0 {
					continue
				}
				// 没有档案的玩家更新不到行, 跳过即可
				if err := tx.Model(&models.GormPlayer{}).
					Where("player_id = ?", p.ID).
					Update("rating", gorm.Expr("rating + ?", delta)).Error; err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := s.db.SaveMatchRecord(record); err != nil {
		return err
	}
	for _, p := range record.Players {
		delta := ratingDelta(p.Outcome)
		if delta == 0 {
			continue
		}
		// 没有档案的玩家跳过结算
		if err := s.db.UpdatePlayerRating(p.ID, delta); err != nil && err != persistence.ErrRecordNotFound {
			return err
		}
	}
	return nil
}

// History 查询玩家最近的对局
func (s *MatchService) History(playerID string, limit int) ([]*models.MatchRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.db.LoadMatchHistory(playerID, limit)
}

// ratingDelta 对局结果到积分增量
func ratingDelta(outcome string) int {
	switch outcome {
	case "win":
		return ratingDeltaWin
	case "lose":
		return ratingDeltaLoss
	default:
		return 0
	}
}
