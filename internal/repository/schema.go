package repository

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SchemaOptions 时序存储策略
type SchemaOptions struct {
	ChunkInterval time.Duration // 默认 1 天
	CompressAfter time.Duration // 默认 7 天
	RawRetention  time.Duration // 默认 90 天
}

func (o *SchemaOptions) applyDefaults() {
	if o.ChunkInterval <= 0 {
		o.ChunkInterval = 24 * time.Hour
	}
	if o.CompressAfter <= 0 {
		o.CompressAfter = 7 * 24 * time.Hour
	}
	if o.RawRetention <= 0 {
		o.RawRetention = 90 * 24 * time.Hour
	}
}

// rollup 连续聚合定义
type rollup struct {
	view          string
	bucket        string
	startOffset   string
	endOffset     string
	scheduleEvery string
	retention     string // 空表示永久保留
}

var rollups = []rollup{
	{view: "scada_readings_1m", bucket: "1 minute", startOffset: "1 hour", endOffset: "1 minute", scheduleEvery: "1 minute", retention: "365 days"},
	{view: "scada_readings_1h", bucket: "1 hour", startOffset: "3 days", endOffset: "1 hour", scheduleEvery: "30 minutes", retention: "1825 days"},
	{view: "scada_readings_1d", bucket: "1 day", startOffset: "30 days", endOffset: "1 day", scheduleEvery: "1 hour"},
}

// interval 以秒为单位的 PostgreSQL interval 字面量
func interval(d time.Duration) string {
	return fmt.Sprintf("INTERVAL '%d seconds'", int64(d.Seconds()))
}

// SchemaStatements 生成时序存储 DDL（TimescaleDB）
// 连续聚合不能放在事务里，逐条执行
func SchemaStatements(opts SchemaOptions) []string {
	opts.applyDefaults()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS timescaledb`,
		`CREATE TABLE IF NOT EXISTS scada_readings (
			time            TIMESTAMPTZ      NOT NULL,
			tenant_id       TEXT             NOT NULL,
			well_id         TEXT             NOT NULL,
			tag_name        TEXT             NOT NULL,
			value           DOUBLE PRECISION NOT NULL,
			quality         TEXT             NOT NULL CHECK (quality IN ('Good', 'Bad', 'Uncertain')),
			source_protocol TEXT             NOT NULL,
			PRIMARY KEY (tenant_id, well_id, tag_name, time)
		)`,
		fmt.Sprintf(`SELECT create_hypertable('scada_readings', 'time', chunk_time_interval => %s, if_not_exists => TRUE)`,
			interval(opts.ChunkInterval)),
		`ALTER TABLE scada_readings SET (
			timescaledb.compress,
			timescaledb.compress_segmentby = 'well_id, tag_name',
			timescaledb.compress_orderby = 'time DESC'
		)`,
		fmt.Sprintf(`SELECT add_compression_policy('scada_readings', %s, if_not_exists => TRUE)`, interval(opts.CompressAfter)),
		fmt.Sprintf(`SELECT add_retention_policy('scada_readings', %s, if_not_exists => TRUE)`, interval(opts.RawRetention)),
	}

	for _, r := range rollups {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE MATERIALIZED VIEW IF NOT EXISTS %s
		WITH (timescaledb.continuous) AS
		SELECT
			time_bucket(INTERVAL '%s', time) AS bucket,
			tenant_id,
			well_id,
			tag_name,
			avg(value) AS avg_value,
			min(value) AS min_value,
			max(value) AS max_value,
			count(*) AS sample_count,
			count(*) FILTER (WHERE quality <> 'Good') AS degraded_count,
			last(quality, time) AS last_quality
		FROM scada_readings
		GROUP BY bucket, tenant_id, well_id, tag_name
		WITH NO DATA`, r.view, r.bucket),
			fmt.Sprintf(`SELECT add_continuous_aggregate_policy('%s',
			start_offset => INTERVAL '%s',
			end_offset => INTERVAL '%s',
			schedule_interval => INTERVAL '%s',
			if_not_exists => TRUE)`, r.view, r.startOffset, r.endOffset, r.scheduleEvery),
		)
		if r.retention != "" {
			stmts = append(stmts,
				fmt.Sprintf(`SELECT add_retention_policy('%s', INTERVAL '%s', if_not_exists => TRUE)`, r.view, r.retention))
		}
	}
	return stmts
}

// ApplySchema 在租户库上执行 DDL，语句均可重复执行
func ApplySchema(ctx context.Context, db Execer, opts SchemaOptions, logger *zap.Logger) error {
	stmts := SchemaStatements(opts)
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d/%d: %w", i+1, len(stmts), err)
		}
	}
	logger.Info("Time-series schema applied", zap.Int("statements", len(stmts)))
	return nil
}
