package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-scada/internal/models"

	"go.uber.org/zap"
)

// RegistryRepository 主注册库（只读）
type RegistryRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRegistryRepository 创建注册库仓库
func NewRegistryRepository(db *sql.DB, logger *zap.Logger) *RegistryRepository {
	return &RegistryRepository{
		db:     db,
		logger: logger,
	}
}

// ListActiveTenants 查询未暂停的租户
func (r *RegistryRepository) ListActiveTenants(ctx context.Context) ([]models.Tenant, error) {
	query := `
		SELECT
			tenant_id::text,
			COALESCE(database_url, ''),
			status
		FROM tenant_registry
		WHERE upper(status) <> 'SUSPENDED'
		ORDER BY tenant_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenant registry: %w", err)
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.TenantID, &t.DatabaseURL, &t.Status); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		if t.DatabaseURL == "" {
			r.logger.Warn("Tenant has no database_url, skipping", zap.String("tenant_id", t.TenantID))
			continue
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenants: %w", err)
	}
	return tenants, nil
}
