package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-scada/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ConnectionRepository 租户库中的设备连接与点位映射（只读）
type ConnectionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewConnectionRepository 创建连接仓库
func NewConnectionRepository(db *sql.DB, logger *zap.Logger) *ConnectionRepository {
	return &ConnectionRepository{
		db:     db,
		logger: logger,
	}
}

// ListEnabledConnections 查询启用的连接并附带点位映射
// tenantID 来自注册库，不信任行内的租户字段
func (r *ConnectionRepository) ListEnabledConnections(ctx context.Context, tenantID string) ([]models.ConnectionConfig, error) {
	query := `
		SELECT
			connection_id::text,
			well_id,
			protocol_type,
			endpoint_url,
			COALESCE(username, ''),
			COALESCE(password, ''),
			COALESCE(security_mode, ''),
			COALESCE(security_policy, ''),
			COALESCE(params::text, '{}'),
			COALESCE(poll_interval_ms, 0)
		FROM scada_connections
		WHERE is_enabled = true
		ORDER BY connection_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var (
		conns []models.ConnectionConfig
		ids   []string
	)
	for rows.Next() {
		var (
			c          models.ConnectionConfig
			paramsJSON string
			pollMs     int64
		)
		if err := rows.Scan(
			&c.ConnectionID,
			&c.WellID,
			&c.ProtocolType,
			&c.EndpointURL,
			&c.Username,
			&c.Password,
			&c.SecurityMode,
			&c.SecurityPolicy,
			&paramsJSON,
			&pollMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}

		params, err := decodeParams(paramsJSON)
		if err != nil {
			r.logger.Warn("Connection has malformed params, ignoring them",
				zap.String("tenant_id", tenantID),
				zap.String("connection_id", c.ConnectionID),
				zap.Error(err),
			)
		}
		c.Params = params
		c.TenantID = tenantID
		c.IsEnabled = true
		c.PollInterval = time.Duration(pollMs) * time.Millisecond

		conns = append(conns, c)
		ids = append(ids, c.ConnectionID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}
	if len(conns) == 0 {
		return conns, nil
	}

	tags, err := r.ListTagMappings(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range conns {
		conns[i].Tags = tags[conns[i].ConnectionID]
	}
	return conns, nil
}

// ListTagMappings 按连接查询点位映射
func (r *ConnectionRepository) ListTagMappings(ctx context.Context, connectionIDs []string) (map[string][]models.TagMapping, error) {
	query := `
		SELECT
			mapping_id::text,
			connection_id::text,
			address,
			COALESCE(well_id, ''),
			tag_name,
			COALESCE(data_type, ''),
			COALESCE(unit, ''),
			COALESCE(scale, 1),
			COALESCE("offset", 0)
		FROM scada_tag_mappings
		WHERE connection_id::text = ANY($1)
		ORDER BY connection_id, mapping_id
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(connectionIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query tag mappings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]models.TagMapping)
	for rows.Next() {
		var t models.TagMapping
		if err := rows.Scan(
			&t.MappingID,
			&t.ConnectionID,
			&t.Address,
			&t.WellID,
			&t.TagName,
			&t.DataType,
			&t.Unit,
			&t.Scale,
			&t.Offset,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tag mapping: %w", err)
		}
		out[t.ConnectionID] = append(out[t.ConnectionID], t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tag mappings: %w", err)
	}
	return out, nil
}

// decodeParams JSONB 参数转字符串 map，非字符串值按 JSON 文本保留
func decodeParams(s string) (map[string]string, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return map[string]string{}, err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case string:
			out[k] = x
		case nil:
		default:
			b, _ := json.Marshal(x)
			out[k] = string(b)
		}
	}
	return out, nil
}
