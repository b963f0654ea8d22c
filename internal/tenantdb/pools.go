// Package tenantdb 按租户缓存独立的数据库连接池
package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"wisefido-scada/internal/models"
	"wisefido-scada/owl-common/config"
	"wisefido-scada/owl-common/database"

	"go.uber.org/zap"
)

// ErrUnknownTenant 租户没有已建立的连接池
var ErrUnknownTenant = errors.New("unknown tenant")

// Opener 打开一个租户库连接池
type Opener func(ctx context.Context, dsn string) (*sql.DB, error)

type tenantPool struct {
	db  *sql.DB
	url string
}

// PoolRegistry 租户连接池注册表，首次使用时创建
type PoolRegistry struct {
	mu     sync.RWMutex
	pools  map[string]*tenantPool
	open   Opener
	logger *zap.Logger
}

// NewPoolRegistry 创建连接池注册表，open 为 nil 时使用 lib/pq
func NewPoolRegistry(cfg config.PoolConfig, open Opener, logger *zap.Logger) *PoolRegistry {
	if open == nil {
		open = func(ctx context.Context, dsn string) (*sql.DB, error) {
			return database.Open(ctx, dsn, cfg)
		}
	}
	return &PoolRegistry{
		pools:  make(map[string]*tenantPool),
		open:   open,
		logger: logger,
	}
}

// Get 返回租户连接池，database_url 变化时重建
func (r *PoolRegistry) Get(ctx context.Context, tenant models.Tenant) (*sql.DB, error) {
	r.mu.RLock()
	p, ok := r.pools[tenant.TenantID]
	r.mu.RUnlock()
	if ok && p.url == tenant.DatabaseURL {
		return p.db, nil
	}

	db, err := r.open(ctx, tenant.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool for tenant %s: %w", tenant.TenantID, err)
	}

	r.mu.Lock()
	cur, exists := r.pools[tenant.TenantID]
	if exists && cur.url == tenant.DatabaseURL {
		// 并发创建，保留先到的那个
		r.mu.Unlock()
		db.Close()
		return cur.db, nil
	}
	r.pools[tenant.TenantID] = &tenantPool{db: db, url: tenant.DatabaseURL}
	r.mu.Unlock()

	if exists {
		r.logger.Info("Tenant database_url changed, pool replaced", zap.String("tenant_id", tenant.TenantID))
		cur.db.Close()
	} else {
		r.logger.Info("Tenant pool opened", zap.String("tenant_id", tenant.TenantID))
	}
	return db, nil
}

// Lookup 返回已建立的连接池，不会新建
func (r *PoolRegistry) Lookup(tenantID string) (*sql.DB, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return p.db, nil
}

// Evict 关闭并移除租户连接池
func (r *PoolRegistry) Evict(tenantID string) {
	r.mu.Lock()
	p, ok := r.pools[tenantID]
	delete(r.pools, tenantID)
	r.mu.Unlock()

	if ok {
		if err := p.db.Close(); err != nil {
			r.logger.Warn("Failed to close tenant pool", zap.String("tenant_id", tenantID), zap.Error(err))
		}
		r.logger.Info("Tenant pool evicted", zap.String("tenant_id", tenantID))
	}
}

// Retain 移除不在 active 中的租户连接池，返回被移除的租户
func (r *PoolRegistry) Retain(active map[string]bool) []string {
	r.mu.RLock()
	var stale []string
	for id := range r.pools {
		if !active[id] {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Evict(id)
	}
	return stale
}

// Tenants 当前持有连接池的租户
func (r *PoolRegistry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pools))
	for id := range r.pools {
		out = append(out, id)
	}
	return out
}

// CloseAll 关闭所有连接池
func (r *PoolRegistry) CloseAll() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*tenantPool)
	r.mu.Unlock()

	for id, p := range pools {
		if err := p.db.Close(); err != nil {
			r.logger.Warn("Failed to close tenant pool", zap.String("tenant_id", id), zap.Error(err))
		}
	}
}
