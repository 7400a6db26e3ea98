// Package journal 行动日志
// 每轮决策周期与每个动作的结果都落到本地 sqlite，供运维接口查询与事后复盘
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// CycleRecord 一轮周期的落账内容
type CycleRecord struct {
	Block        uint64
	BlockTime    int64
	Attempt      int
	Positions    int
	Liquidations int
	Price        string
	Status       string // ok / failed
	Detail       string
	StartedAt    time.Time
	FinishedAt   time.Time
	Actions      []ActionRecord
}

// ActionRecord 单个动作的落账内容
type ActionRecord struct {
	Kind          string
	Sponsor       string
	LiquidationID uint64
	Price         string
	TxHash        string
	Status        string // ok / reverted / skipped
	Detail        string
}

// CycleSummary 周期概要（运维接口用）
type CycleSummary struct {
	ID           string `json:"id"`
	Block        uint64 `json:"block"`
	Attempt      int    `json:"attempt"`
	Positions    int    `json:"positions"`
	Liquidations int    `json:"liquidations"`
	Price        string `json:"price"`
	Status       string `json:"status"`
	Detail       string `json:"detail,omitempty"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at"`
	Actions      int    `json:"actions"`
}

// ActionSummary 动作概要（运维接口用）
type ActionSummary struct {
	Kind          string `json:"kind"`
	Sponsor       string `json:"sponsor"`
	LiquidationID uint64 `json:"liquidation_id"`
	TxHash        string `json:"tx_hash,omitempty"`
	Status        string `json:"status"`
	Detail        string `json:"detail,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// Journal sqlite 行动日志
type Journal struct {
	db *sql.DB
}

// Open 打开（或创建）行动日志数据库
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开行动日志数据库失败: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close 关闭数据库
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS cycles (
  id TEXT PRIMARY KEY,
  block INTEGER NOT NULL,
  block_time INTEGER NOT NULL,
  attempt INTEGER NOT NULL,
  positions INTEGER NOT NULL,
  liquidations INTEGER NOT NULL,
  price TEXT,
  status TEXT NOT NULL,
  detail TEXT,
  started_at TEXT NOT NULL,
  finished_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at DESC);`,
		`
CREATE TABLE IF NOT EXISTS actions (
  id TEXT PRIMARY KEY,
  cycle_id TEXT NOT NULL REFERENCES cycles(id) ON DELETE CASCADE,
  kind TEXT NOT NULL,
  sponsor TEXT NOT NULL,
  liquidation_id INTEGER NOT NULL,
  price TEXT,
  tx_hash TEXT,
  status TEXT NOT NULL,
  detail TEXT,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_cycle ON actions(cycle_id);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_sponsor ON actions(sponsor, liquidation_id);`,
	}
	for _, q := range stmts {
		if _, err := j.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("行动日志建表失败: %w", err)
		}
	}
	return nil
}

// RecordCycle 在一个事务里写入一轮周期及其全部动作
func (j *Journal) RecordCycle(ctx context.Context, rec CycleRecord) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	cycleID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
INSERT INTO cycles (id, block, block_time, attempt, positions, liquidations, price, status, detail, started_at, finished_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		cycleID, rec.Block, rec.BlockTime, rec.Attempt, rec.Positions, rec.Liquidations,
		rec.Price, rec.Status, rec.Detail,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("写周期记录失败: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, a := range rec.Actions {
		_, err = tx.ExecContext(ctx, `
INSERT INTO actions (id, cycle_id, kind, sponsor, liquidation_id, price, tx_hash, status, detail, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
			uuid.NewString(), cycleID, a.Kind, a.Sponsor, a.LiquidationID,
			a.Price, a.TxHash, a.Status, a.Detail, now)
		if err != nil {
			return fmt.Errorf("写动作记录失败: %w", err)
		}
	}
	return tx.Commit()
}

// LastCycle 返回最近一轮的周期概要；尚无记录时返回 (nil, nil)
func (j *Journal) LastCycle(ctx context.Context) (*CycleSummary, error) {
	var s CycleSummary
	err := j.db.QueryRowContext(ctx, `
SELECT id, block, attempt, positions, liquidations, price, status, detail, started_at, finished_at
FROM cycles ORDER BY started_at DESC LIMIT 1`).Scan(
		&s.ID, &s.Block, &s.Attempt, &s.Positions, &s.Liquidations,
		&s.Price, &s.Status, &s.Detail, &s.StartedAt, &s.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询最近周期失败: %w", err)
	}

	if err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM actions WHERE cycle_id = ?`, s.ID).Scan(&s.Actions); err != nil {
		return nil, fmt.Errorf("统计周期动作数失败: %w", err)
	}
	return &s, nil
}

// RecentActions 返回最近 limit 条动作，按时间倒序
func (j *Journal) RecentActions(ctx context.Context, limit int) ([]ActionSummary, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT kind, sponsor, liquidation_id, tx_hash, status, detail, created_at
FROM actions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询动作记录失败: %w", err)
	}
	defer rows.Close()

	var out []ActionSummary
	for rows.Next() {
		var a ActionSummary
		if err := rows.Scan(&a.Kind, &a.Sponsor, &a.LiquidationID, &a.TxHash, &a.Status, &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析动作记录失败: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
