// persistence/postgresql.go
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wfunc/gamesync/models"

	// PostgreSQL 驱动
	_ "github.com/lib/pq" // PostgreSQL 驱动
)

// PostgreSQL 基于 database/sql 的实现, 不走 ORM
type PostgreSQL struct {
	db *sql.DB
}

// NewPostgreSQL 创建 PostgreSQL 数据库连接
func NewPostgreSQL(host string, port int, user, password, dbname string) (*PostgreSQL, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	// 设置连接池参数
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	// 初始化表结构
	if err := initTables(db); err != nil {
		return nil, err
	}

	return &PostgreSQL{db: db}, nil
}

// initTables 初始化数据库表结构
func initTables(db *sql.DB) error {
	// 创建玩家表
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS players (
            id SERIAL PRIMARY KEY,
            player_id VARCHAR(255) UNIQUE NOT NULL,
            name VARCHAR(255) NOT NULL,
            rating INTEGER NOT NULL DEFAULT 1000,
            items JSONB,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	// 创建对局记录表
	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS match_records (
            id SERIAL PRIMARY KEY,
            room_id VARCHAR(255) NOT NULL,
            game_kind VARCHAR(100) NOT NULL,
            players JSONB NOT NULL,
            winner_id VARCHAR(255) NOT NULL DEFAULT '',
            final_version BIGINT NOT NULL DEFAULT 0,
            final_board JSONB,
            duration INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	// 创建房间快照表
	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS room_snapshots (
            id SERIAL PRIMARY KEY,
            room_id VARCHAR(255) UNIQUE NOT NULL,
            game_kind VARCHAR(100) NOT NULL,
            status VARCHAR(50) NOT NULL,
            version BIGINT NOT NULL DEFAULT 0,
            state JSONB,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	// 创建索引以提高查询性能, players 上的 GIN 索引服务 @> 查询
	_, err = db.Exec(`
        CREATE INDEX IF NOT EXISTS idx_players_player_id ON players(player_id);
        CREATE INDEX IF NOT EXISTS idx_match_records_room_id ON match_records(room_id);
        CREATE INDEX IF NOT EXISTS idx_match_records_created_at ON match_records(created_at);
        CREATE INDEX IF NOT EXISTS idx_match_records_players ON match_records USING GIN (players);
    `)

	return err
}

// SavePlayerData 保存玩家数据
func (p *PostgreSQL) SavePlayerData(playerID string, data *models.PlayerData) error {
	items, err := json.Marshal(data.Items)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 使用 UPSERT 操作 (PostgreSQL 9.5+)
	query := `
        INSERT INTO players (player_id, name, rating, items)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (player_id)
        DO UPDATE SET name = $2, rating = $3, items = $4, updated_at = CURRENT_TIMESTAMP
    `

	_, err = p.db.ExecContext(ctx, query, playerID, data.Name, data.Rating, items)
	return err
}

// LoadPlayerData 加载玩家数据
func (p *PostgreSQL) LoadPlayerData(playerID string) (*models.PlayerData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := &models.PlayerData{}
	var items []byte
	query := `SELECT player_id, name, rating, items, created_at, updated_at FROM players WHERE player_id = $1`
	err := p.db.QueryRowContext(ctx, query, playerID).Scan(
		&data.PlayerID, &data.Name, &data.Rating, &items, &data.CreatedAt, &data.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	if len(items) > 0 {
		if err := json.Unmarshal(items, &data.Items); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// UpdatePlayerRating 按增量调整玩家积分
func (p *PostgreSQL) UpdatePlayerRating(playerID string, delta int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `UPDATE players SET rating = rating + $2, updated_at = CURRENT_TIMESTAMP WHERE player_id = $1`
	result, err := p.db.ExecContext(ctx, query, playerID, delta)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// SaveMatchRecord 保存对局记录
func (p *PostgreSQL) SaveMatchRecord(record *models.MatchRecord) error {
	players, err := json.Marshal(record.Players)
	if err != nil {
		return err
	}

	// 空棋盘落 NULL, 空串不是合法的 JSONB
	var board interface{}
	if len(record.FinalBoard) > 0 {
		board = []byte(record.FinalBoard)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
        INSERT INTO match_records (room_id, game_kind, players, winner_id, final_version, final_board, duration)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `

	_, err = p.db.ExecContext(ctx, query,
		record.RoomID,
		record.GameKind,
		players,
		record.WinnerID,
		record.FinalVersion,
		board,
		record.Duration)

	return err
}

// LoadMatchHistory 加载玩家最近的对局记录
func (p *PostgreSQL) LoadMatchHistory(playerID string, limit int) ([]*models.MatchRecord, error) {
	containment, err := playerContainment(playerID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
        SELECT room_id, game_kind, players, winner_id, final_version, final_board, duration, created_at
        FROM match_records
        WHERE players @> $1
        ORDER BY created_at DESC
        LIMIT $2
    `

	rows, err := p.db.QueryContext(ctx, query, containment, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.MatchRecord
	for rows.Next() {
		record := &models.MatchRecord{}
		var players, board []byte
		if err := rows.Scan(
			&record.RoomID, &record.GameKind, &players, &record.WinnerID,
			&record.FinalVersion, &board, &record.Duration, &record.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(players, &record.Players); err != nil {
			return nil, err
		}
		record.FinalBoard = board
		records = append(records, record)
	}

	return records, rows.Err()
}

// GetPlayerStats 聚合玩家战绩, winner_id 为空表示平局
func (p *PostgreSQL) GetPlayerStats(playerID string) (*models.PlayerStats, error) {
	containment, err := playerContainment(playerID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats := &models.PlayerStats{}
	query := `
        SELECT
            COUNT(*),
            COALESCE(SUM(CASE WHEN winner_id = $1 THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN winner_id <> '' AND winner_id <> $1 THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN winner_id = '' THEN 1 ELSE 0 END), 0)
        FROM match_records
        WHERE players @> $2
    `
	err = p.db.QueryRowContext(ctx, query, playerID, containment).Scan(
		&stats.TotalGames, &stats.Wins, &stats.Losses, &stats.Draws)
	if err != nil {
		return nil, err
	}

	// 积分从玩家档案取, 没有档案时保持零值
	err = p.db.QueryRowContext(ctx, `SELECT rating FROM players WHERE player_id = $1`, playerID).Scan(&stats.Rating)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	return stats, nil
}

// SaveRoomSnapshot 保存房间快照, 按 room_id 覆盖
func (p *PostgreSQL) SaveRoomSnapshot(snapshot *models.RoomSnapshot) error {
	var state interface{}
	if len(snapshot.State) > 0 {
		state = []byte(snapshot.State)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
        INSERT INTO room_snapshots (room_id, game_kind, status, version, state)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (room_id)
        DO UPDATE SET game_kind = $2, status = $3, version = $4, state = $5, updated_at = CURRENT_TIMESTAMP
    `

	_, err := p.db.ExecContext(ctx, query,
		snapshot.RoomID, snapshot.GameKind, snapshot.Status, snapshot.Version, state)
	return err
}

// LoadRoomSnapshot 加载房间快照
func (p *PostgreSQL) LoadRoomSnapshot(roomID string) (*models.RoomSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snapshot := &models.RoomSnapshot{}
	var state []byte
	query := `SELECT room_id, game_kind, status, version, state, updated_at FROM room_snapshots WHERE room_id = $1`
	err := p.db.QueryRowContext(ctx, query, roomID).Scan(
		&snapshot.RoomID, &snapshot.GameKind, &snapshot.Status, &snapshot.Version, &state, &snapshot.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	snapshot.State = state
	return snapshot, nil
}

// DeleteRoomSnapshot 删除房间快照, 房间销毁后调用
func (p *PostgreSQL) DeleteRoomSnapshot(roomID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `DELETE FROM room_snapshots WHERE room_id = $1`, roomID)
	return err
}

// Close 关闭数据库连接
func (p *PostgreSQL) Close() error {
	return p.db.Close()
}
