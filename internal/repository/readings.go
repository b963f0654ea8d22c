package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-scada/internal/models"

	"github.com/lib/pq"
)

// Execer *sql.DB / *sql.Tx 共有的执行接口
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ReadingRepository 时序读数写入
type ReadingRepository struct{}

// NewReadingRepository 创建读数仓库
func NewReadingRepository() *ReadingRepository {
	return &ReadingRepository{}
}

const bulkInsertReadings = `
	INSERT INTO scada_readings (time, tenant_id, well_id, tag_name, value, quality, source_protocol)
	SELECT u.t, $1, u.w, u.g, u.v, u.q, u.p
	FROM unnest($2::timestamptz[], $3::text[], $4::text[], $5::float8[], $6::text[], $7::text[])
		AS u(t, w, g, v, q, p)
	ON CONFLICT (tenant_id, well_id, tag_name, time) DO NOTHING
`

// BulkInsert 按列数组一次性写入整批读数，返回实际插入行数（重复行被忽略）
func (r *ReadingRepository) BulkInsert(ctx context.Context, db Execer, tenantID string, readings []models.ProtocolReading) (int64, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	n := len(readings)
	times := make([]string, n)
	wells := make([]string, n)
	tags := make([]string, n)
	values := make([]float64, n)
	qualities := make([]string, n)
	protocols := make([]string, n)
	for i, rd := range readings {
		times[i] = rd.Timestamp.UTC().Format(time.RFC3339Nano)
		wells[i] = rd.WellID
		tags[i] = rd.TagName
		values[i] = rd.Value
		qualities[i] = string(rd.Quality)
		protocols[i] = rd.SourceProtocol
	}

	res, err := db.ExecContext(ctx, bulkInsertReadings,
		tenantID,
		pq.Array(times),
		pq.Array(wells),
		pq.Array(tags),
		pq.Array(values),
		pq.Array(qualities),
		pq.Array(protocols),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk insert readings: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return int64(n), nil
	}
	return affected, nil
}
