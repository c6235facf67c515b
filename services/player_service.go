// services/player_service.go
package services

import (
	"github.com/wfunc/gamesync/models"
	"github.com/wfunc/gamesync/persistence"
)

// 新玩家的初始积分
const defaultRating = 1000

type PlayerService struct {
	db persistence.Database
}

func NewPlayerService(db persistence.Database) *PlayerService {
	return &PlayerService{db: db}
}

// EnsurePlayer 按 ID 加载玩家档案, 不存在则创建
func (s *PlayerService) EnsurePlayer(playerID, name string) (*models.PlayerData, error) {
	data, err := s.db.LoadPlayerData(playerID)
	if err == persistence.ErrRecordNotFound {
		data = &models.PlayerData{
			PlayerID: playerID,
			Name:     name,
			Rating:   defaultRating,
			Items:    map[string]interface{}{},
		}
		if err := s.db.SavePlayerData(playerID, data); err != nil {
			return nil, err
		}
		return data, nil
	}
	if err != nil {
		return nil, err
	}

	// 昵称变了就顺手更新
	if name != "" && name != data.Name {
		data.Name = name
		if err := s.db.SavePlayerData(playerID, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// GetPlayerWithStats 获取玩家信息和统计
func (s *PlayerService) GetPlayerWithStats(playerID string) (map[string]interface{}, error) {
	player, err := s.db.LoadPlayerData(playerID)
	if err != nil {
		return nil, err
	}

	stats, err := s.db.GetPlayerStats(playerID)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"player": player,
		"stats":  stats,
	}, nil
}
