// Package spillover 写库失败时保存批次的本地持久队列（SQLite + zstd）
package spillover

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"wisefido-scada/internal/models"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// ErrNotFound 条目不存在
var ErrNotFound = errors.New("spillover entry not found")

// Entry 溢出条目元数据
type Entry struct {
	ID           string
	TenantID     string
	Reason       string
	ErrorClass   string
	ReadingCount int
	Attempts     int
	LastError    string
	CreatedAt    time.Time
}

// Store 溢出存储
type Store struct {
	db     *sql.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger *zap.Logger
}

// Open 打开（必要时创建）溢出库
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spillover directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open spillover store: %w", err)
	}
	db.SetMaxOpenConns(1)

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{db: db, enc: enc, dec: dec, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS spilled_batches (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			error_class TEXT NOT NULL,
			reading_count INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_spilled_batches_created ON spilled_batches(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_spilled_batches_tenant ON spilled_batches(tenant_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init spillover schema: %w", err)
		}
	}
	return nil
}

// Save 保存一个批次，返回条目 ID
func (s *Store) Save(ctx context.Context, tenantID string, batch []models.ProtocolReading, reason, errorClass string) (string, error) {
	raw, err := json.Marshal(batch)
	if err != nil {
		return "", fmt.Errorf("failed to encode batch: %w", err)
	}
	payload := s.enc.EncodeAll(raw, make([]byte, 0, len(raw)/4))

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spilled_batches (id, tenant_id, reason, error_class, reading_count, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, tenantID, reason, errorClass, len(batch), payload, time.Now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save spilled batch: %w", err)
	}

	s.logger.Warn("Batch moved to spillover store",
		zap.String("spill_id", id),
		zap.String("tenant_id", tenantID),
		zap.Int("readings", len(batch)),
		zap.Int("payload_bytes", len(payload)),
		zap.String("error_class", errorClass),
	)
	return id, nil
}

// List 按写入顺序列出条目
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, reason, error_class, reading_count, attempts, last_error, created_at
		 FROM spilled_batches ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list spilled batches: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Cursor 分页位置，按 (created_at, id) 排序
type Cursor struct {
	CreatedAt int64
	ID        string
}

// After 以 e 为上一页末尾的游标
func (e Entry) After() Cursor {
	return Cursor{CreatedAt: e.CreatedAt.UnixNano(), ID: e.ID}
}

// ListAfter 列出游标之后、错误类别不是 skipClass 的条目
// 一轮重放用它翻过整张表，失败的条目不会挡住后面的条目
func (s *Store) ListAfter(ctx context.Context, after Cursor, skipClass string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, reason, error_class, reading_count, attempts, last_error, created_at
		 FROM spilled_batches
		 WHERE (created_at > ? OR (created_at = ? AND id > ?)) AND error_class <> ?
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		after.CreatedAt, after.CreatedAt, after.ID, skipClass, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list spilled batches: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// CountClass 某一错误类别的条目数量
func (s *Store) CountClass(ctx context.Context, errorClass string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM spilled_batches WHERE error_class = ?`, errorClass).Scan(&n)
	return n, err
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Reason, &e.ErrorClass, &e.ReadingCount, &e.Attempts, &e.LastError, &created); err != nil {
			return nil, fmt.Errorf("failed to scan spilled batch: %w", err)
		}
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Load 读取并解压一个批次
func (s *Store) Load(ctx context.Context, id string) ([]models.ProtocolReading, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM spilled_batches WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load spilled batch: %w", err)
	}

	raw, err := s.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress spilled batch: %w", err)
	}
	var batch []models.ProtocolReading
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("failed to decode spilled batch: %w", err)
	}
	return batch, nil
}

// MarkAttempt 记录一次失败的重放
func (s *Store) MarkAttempt(ctx context.Context, id string, lastErr error) error {
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE spilled_batches SET attempts = attempts + 1, last_error = ? WHERE id = ?`, msg, id)
	return err
}

// Delete 删除条目（重放成功后）
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM spilled_batches WHERE id = ?`, id)
	return err
}

// Count 待重放条目数量
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spilled_batches`).Scan(&n)
	return n, err
}

// Close 关闭存储
func (s *Store) Close() error {
	if s.enc != nil {
		s.enc.Close()
	}
	if s.dec != nil {
		s.dec.Close()
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
