// persistence/interface.go
package persistence

import (
	"fmt"

	"github.com/wfunc/gamesync/models"
)

// Database 持久化层接口
// GormPostgreSQL 和 PostgreSQL 两个实现都满足这个接口,
// 通过配置 database.driver 选择 (gorm / raw)
type Database interface {
	// 玩家数据
	SavePlayerData(playerID string, data *models.PlayerData) error
	LoadPlayerData(playerID string) (*models.PlayerData, error)
	UpdatePlayerRating(playerID string, delta int) error

	// 对局记录
	SaveMatchRecord(record *models.MatchRecord) error
	LoadMatchHistory(playerID string, limit int) ([]*models.MatchRecord, error)
	GetPlayerStats(playerID string) (*models.PlayerStats, error)

	// 房间快照
	SaveRoomSnapshot(snapshot *models.RoomSnapshot) error
	LoadRoomSnapshot(roomID string) (*models.RoomSnapshot, error)
	DeleteRoomSnapshot(roomID string) error

	// 关闭数据库连接
	Close() error
}

// 错误定义
var (
	ErrRecordNotFound = fmt.Errorf("record not found")
)
