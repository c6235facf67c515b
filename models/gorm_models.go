// models/gorm_models.go
package models

import (
	"gorm.io/gorm"
)

// GormPlayer 玩家模型
type GormPlayer struct {
	gorm.Model
	PlayerID string                 `gorm:"uniqueIndex;not null"`
	Name     string                 `gorm:"not null"`
	Rating   int                    `gorm:"default:1000"`
	Items    map[string]interface{} `gorm:"type:jsonb;serializer:json"`
	Stats    map[string]interface{} `gorm:"type:jsonb;serializer:json"`
}

// GormMatchRecord 对局记录模型
type GormMatchRecord struct {
	gorm.Model
	RoomID       string       `gorm:"index;not null"`
	GameKind     string       `gorm:"not null"`
	Players      []PlayerInfo `gorm:"type:jsonb;serializer:json;not null"`
	WinnerID     string       `gorm:"index"`
	FinalVersion int64        `gorm:"default:0"`
	FinalBoard   []byte       `gorm:"type:jsonb"`
	Duration     int          `gorm:"default:0"` // 对局时长(秒)
}

// GormRoomSnapshot 房间快照模型
type GormRoomSnapshot struct {
	gorm.Model
	RoomID   string `gorm:"uniqueIndex;not null"`
	GameKind string `gorm:"not null"`
	Status   string `gorm:"not null"`
	Version  int64  `gorm:"default:0"`
	State    []byte `gorm:"type:jsonb"`
}

// PlayerStats 玩家统计信息
type PlayerStats struct {
	TotalGames int `json:"total_games"`
	Wins       int `json:"wins"`
	Losses     int `json:"losses"`
	Draws      int `json:"draws"`
	Rating     int `json:"rating"`
}
