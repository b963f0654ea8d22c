package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-scada/owl-common/config"

	_ "github.com/lib/pq"
)

// NewPostgresDB 创建PostgreSQL数据库连接（主注册库）
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	pool := config.PoolConfig{
		MaxOpenConns: cfg.MaxConns,
		MaxIdleConns: cfg.MaxIdle,
	}
	return Open(context.Background(), cfg.GetDSN(), pool)
}

// Open 按 DSN 或 postgres:// URL 打开连接池并做一次 ping
// 租户库的 database_url 直接来自注册库，所以这里不拼接 DSN
func Open(ctx context.Context, dsn string, pool config.PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	timeout := pool.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// 测试连接
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Close 关闭数据库连接
func Close(db *sql.DB) error {
	if db != nil {
		return db.Close()
	}
	return nil
}
