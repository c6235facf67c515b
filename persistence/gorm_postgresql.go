// persistence/gorm_postgresql.go
package persistence

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/wfunc/gamesync/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormPostgreSQL 使用GORM的PostgreSQL实现
type GormPostgreSQL struct {
	db *gorm.DB
}

// NewGormPostgreSQL 创建GORM PostgreSQL数据库连接
func NewGormPostgreSQL(host string, port int, user, password, dbname string) (*GormPostgreSQL, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	// 配置GORM日志
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags), // io writer
		logger.Config{
			SlowThreshold: time.Second,   // 慢SQL阈值
			LogLevel:      logger.Silent, // 日志级别
			Colorful:      false,         // 禁用彩色打印
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	// 获取通用数据库对象 sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 设置连接池
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 自动迁移表结构
	if err := autoMigrate(db); err != nil {
		return nil, err
	}

	return &GormPostgreSQL{db: db}, nil
}

// autoMigrate 自动迁移表结构
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.GormPlayer{},
		&models.GormMatchRecord{},
		&models.GormRoomSnapshot{},
	)
}

// playerContainment 构造 players @> ? 的 JSONB 查询参数
func playerContainment(playerID string) (string, error) {
	b, err := json.Marshal([]map[string]string{{"id": playerID}})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SavePlayerData 保存玩家数据
func (p *GormPostgreSQL) SavePlayerData(playerID string, data *models.PlayerData) error {
	var player models.GormPlayer
	result := p.db.Where("player_id = ?", playerID).First(&player)

	if result.Error == gorm.ErrRecordNotFound {
		// 创建新记录
		player = models.GormPlayer{
			PlayerID: playerID,
			Name:     data.Name,
			Rating:   data.Rating,
			Items:    data.Items,
		}
		return p.db.Create(&player).Error
	} else if result.Error != nil {
		return result.Error
	}

	// 更新现有记录
	player.Name = data.Name
	player.Rating = data.Rating
	player.Items = data.Items
	return p.db.Save(&player).Error
}

// LoadPlayerData 加载玩家数据
func (p *GormPostgreSQL) LoadPlayerData(playerID string) (*models.PlayerData, error) {
	var player models.GormPlayer
	if err := p.db.Where("player_id = ?", playerID).First(&player).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	return &models.PlayerData{
		PlayerID:  player.PlayerID,
		Name:      player.Name,
		Rating:    player.Rating,
		Items:     player.Items,
		CreatedAt: player.CreatedAt,
		UpdatedAt: player.UpdatedAt,
	}, nil
}

// UpdatePlayerRating 按增量调整玩家积分
func (p *GormPostgreSQL) UpdatePlayerRating(playerID string, delta int) error {
	result := p.db.Model(&models.GormPlayer{}).
		Where("player_id = ?", playerID).
		Update("rating", gorm.Expr("rating + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// SaveMatchRecord 保存对局记录
func (p *GormPostgreSQL) SaveMatchRecord(record *models.MatchRecord) error {
	row := models.GormMatchRecord{
		RoomID:       record.RoomID,
		GameKind:     record.GameKind,
		Players:      record.Players,
		WinnerID:     record.WinnerID,
		FinalVersion: record.FinalVersion,
		FinalBoard:   record.FinalBoard,
		Duration:     record.Duration,
	}
	return p.db.Create(&row).Error
}

// LoadMatchHistory 加载玩家最近的对局记录
func (p *GormPostgreSQL) LoadMatchHistory(playerID string, limit int) ([]*models.MatchRecord, error) {
	containment, err := playerContainment(playerID)
	if err != nil {
		return nil, err
	}

	var rows []models.GormMatchRecord
	if err := p.db.Where("players @> ?", containment).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]*models.MatchRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, &models.MatchRecord{
			RoomID:       row.RoomID,
			GameKind:     row.GameKind,
			Players:      row.Players,
			WinnerID:     row.WinnerID,
			FinalVersion: row.FinalVersion,
			FinalBoard:   row.FinalBoard,
			Duration:     row.Duration,
			CreatedAt:    row.CreatedAt,
		})
	}
	return records, nil
}

// GetPlayerStats 聚合玩家战绩, winner_id 为空表示平局
func (p *GormPostgreSQL) GetPlayerStats(playerID string) (*models.PlayerStats, error) {
	containment, err := playerContainment(playerID)
	if err != nil {
		return nil, err
	}

	stats := &models.PlayerStats{}
	err = p.db.Raw(
		`
        SELECT
            COUNT(*) as total_games,
            SUM(CASE WHEN winner_id = ? THEN 1 ELSE 0 END) as wins,
            SUM(CASE WHEN winner_id <> '' AND winner_id <> ? THEN 1 ELSE 0 END) as losses,
            SUM(CASE WHEN winner_id = '' THEN 1 ELSE 0 END) as draws
        FROM match_records
        WHERE players @> ? AND deleted_at IS NULL`,
		playerID, playerID, containment,
	).Scan(stats).Error
	if err != nil {
		return nil, err
	}

	// 积分从玩家档案取, 没有档案时保持零值
	var player models.GormPlayer
	if err := p.db.Where("player_id = ?", playerID).First(&player).Error; err == nil {
		stats.Rating = player.Rating
	}

	return stats, nil
}

// SaveRoomSnapshot 保存房间快照, 按 room_id 覆盖
func (p *GormPostgreSQL) SaveRoomSnapshot(snapshot *models.RoomSnapshot) error {
	var row models.GormRoomSnapshot
	result := p.db.Where("room_id = ?", snapshot.RoomID).First(&row)

	if result.Error == gorm.ErrRecordNotFound {
		// 创建新记录
		row = models.GormRoomSnapshot{
			RoomID:   snapshot.RoomID,
			GameKind: snapshot.GameKind,
			Status:   snapshot.Status,
			Version:  snapshot.Version,
			State:    snapshot.State,
		}
		return p.db.Create(&row).Error
	} else if result.Error != nil {
		return result.Error
	}

	// 更新现有记录
	row.GameKind = snapshot.GameKind
	row.Status = snapshot.Status
	row.Version = snapshot.Version
	row.State = snapshot.State
	return p.db.Save(&row).Error
}

// LoadRoomSnapshot 加载房间快照
func (p *GormPostgreSQL) LoadRoomSnapshot(roomID string) (*models.RoomSnapshot, error) {
	var row models.GormRoomSnapshot
	if err := p.db.Where("room_id = ?", roomID).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	return &models.RoomSnapshot{
		RoomID:    row.RoomID,
		GameKind:  row.GameKind,
		Status:    row.Status,
		Version:   row.Version,
		State:     row.State,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// DeleteRoomSnapshot 删除房间快照, 房间销毁后调用
func (p *GormPostgreSQL) DeleteRoomSnapshot(roomID string) error {
	return p.db.Where("room_id = ?", roomID).Delete(&models.GormRoomSnapshot{}).Error
}

// Close 关闭数据库连接
func (p *GormPostgreSQL) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// 添加事务支持
func (p *GormPostgreSQL) Transaction(fn func(tx *gorm.DB) error) error {
	return p.db.Transaction(fn)
}
