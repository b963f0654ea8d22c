// Package router 发现租户及其设备连接，为每个连接维护一个采集会话
package router

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-scada/internal/adapter"
	"wisefido-scada/internal/health"
	"wisefido-scada/internal/metrics"
	"wisefido-scada/internal/models"
	"wisefido-scada/internal/repository"
	"wisefido-scada/owl-common/logger"

	"go.uber.org/zap"
)

// TenantRegistry 主注册库
type TenantRegistry interface {
	ListActiveTenants(ctx context.Context) ([]models.Tenant, error)
}

// TenantPools 租户连接池
type TenantPools interface {
	Get(ctx context.Context, tenant models.Tenant) (*sql.DB, error)
	Evict(tenantID string)
}

// AdapterFactory 协议适配器工厂
type AdapterFactory interface {
	CreateAdapter(protocolType string) (adapter.ProtocolAdapter, error)
	IsSupported(protocolType string) bool
}

// Sink 读数入口
type Sink interface {
	Ingest(r models.ProtocolReading) error
	Flush(ctx context.Context, tenantID string) error
	DropTenant(ctx context.Context, tenantID string) error
}

// ConnectionLoader 从租户库读取启用的连接
type ConnectionLoader func(ctx context.Context, db *sql.DB, tenantID string) ([]models.ConnectionConfig, error)

// Config 会话调度配置
type Config struct {
	PollInterval        time.Duration
	PushDrainInterval   time.Duration
	RediscoveryInterval time.Duration
	ConnectMaxAttempts  int
	ConnectBackoff      time.Duration
	ConnectMaxBackoff   time.Duration
	DegradedCooldown    time.Duration
	MaxPollFailures     int
	DiscoveryTimeout    time.Duration
	DisconnectTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PushDrainInterval <= 0 {
		c.PushDrainInterval = time.Second
	}
	if c.RediscoveryInterval <= 0 {
		c.RediscoveryInterval = time.Minute
	}
	if c.ConnectMaxAttempts <= 0 {
		c.ConnectMaxAttempts = 5
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = time.Second
	}
	if c.ConnectMaxBackoff <= 0 {
		c.ConnectMaxBackoff = 30 * time.Second
	}
	if c.DegradedCooldown <= 0 {
		c.DegradedCooldown = time.Minute
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = 3
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = 15 * time.Second
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = 10 * time.Second
	}
}

// discovery 一轮发现的结果
type discovery struct {
	active      map[string]bool
	unreachable map[string]error
	connections map[string]map[string]models.ConnectionConfig
}

// Router 租户路由器，会话表由读写锁保护
type Router struct {
	cfg      Config
	registry TenantRegistry
	pools    TenantPools
	load     ConnectionLoader
	factory  AdapterFactory
	sink     Sink
	health   *health.Tracker
	metrics  *metrics.Metrics
	logger   *zap.Logger

	base   context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]map[string]*session
	stopped  bool
}

// New 创建路由器；load 为 nil 时从租户库的 scada_connections 读取
func New(cfg Config, registry TenantRegistry, pools TenantPools, load ConnectionLoader, factory AdapterFactory,
	sink Sink, tracker *health.Tracker, m *metrics.Metrics, log *zap.Logger) *Router {
	cfg.applyDefaults()
	if load == nil {
		load = func(ctx context.Context, db *sql.DB, tenantID string) ([]models.ConnectionConfig, error) {
			return repository.NewConnectionRepository(db, log).ListEnabledConnections(ctx, tenantID)
		}
	}
	if tracker == nil {
		tracker = health.NewTracker(nil, 0, log)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Router{
		cfg:      cfg,
		registry: registry,
		pools:    pools,
		load:     load,
		factory:  factory,
		sink:     sink,
		health:   tracker,
		metrics:  m,
		logger:   log,
		base:     base,
		cancel:   cancel,
		sessions: make(map[string]map[string]*session),
	}
}

// DiscoverConnections 读取所有可达租户的启用连接
// 单个租户库不可达只记录并跳过，只有主注册库失败才返回错误
func (r *Router) DiscoverConnections(ctx context.Context) ([]models.ConnectionConfig, error) {
	d, err := r.discover(ctx)
	if err != nil {
		return nil, err
	}

	var out []models.ConnectionConfig
	for _, byID := range d.connections {
		for _, c := range byID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out, nil
}

func (r *Router) discover(ctx context.Context) (*discovery, error) {
	tenants, err := r.registry.ListActiveTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", err)
	}

	d := &discovery{
		active:      make(map[string]bool, len(tenants)),
		unreachable: make(map[string]error),
		connections: make(map[string]map[string]models.ConnectionConfig),
	}

	for _, t := range tenants {
		d.active[t.TenantID] = true
		log := logger.ForTenant(r.logger, t.TenantID)

		conns, err := r.loadTenant(ctx, t)
		if err != nil {
			d.unreachable[t.TenantID] = err
			r.health.SetDiscovery(t.TenantID, err)
			r.metrics.IncDiscoveryFailure(t.TenantID)
			log.Warn("Tenant database unreachable, skipping this round", zap.Error(err))
			continue
		}
		r.health.SetDiscovery(t.TenantID, nil)

		byID := make(map[string]models.ConnectionConfig, len(conns))
		for _, c := range conns {
			c.TenantID = t.TenantID
			if err := r.checkConnection(c); err != nil {
				r.health.SetConnection(t.TenantID, c.ConnectionID, c.ProtocolType, health.StateMisconfigured, err)
				log.Error("Connection misconfigured, not starting",
					zap.String("connection_id", c.ConnectionID),
					zap.String("protocol_type", c.ProtocolType),
					zap.Error(err),
				)
				continue
			}
			byID[c.ConnectionID] = c
		}
		d.connections[t.TenantID] = byID
		log.Debug("Tenant connections discovered", zap.Int("connections", len(byID)))
	}
	return d, nil
}

func (r *Router) loadTenant(ctx context.Context, t models.Tenant) ([]models.ConnectionConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.DiscoveryTimeout)
	defer cancel()

	db, err := r.pools.Get(ctx, t)
	if err != nil {
		return nil, err
	}
	return r.load(ctx, db, t.TenantID)
}

// checkConnection 启动前的配置检查
func (r *Router) checkConnection(c models.ConnectionConfig) error {
	if !r.factory.IsSupported(c.ProtocolType) {
		_, err := r.factory.CreateAdapter(c.ProtocolType)
		return fmt.Errorf("connection %s: %w", c.ConnectionID, err)
	}
	if len(c.Tags) == 0 {
		return fmt.Errorf("connection %s has no tag mappings", c.ConnectionID)
	}
	return nil
}

// fingerprint 连接配置摘要，变化时需要重建会话
func fingerprint(c models.ConnectionConfig) string {
	raw, _ := json.Marshal(c)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Sync 按最新发现结果调整会话：新增、停止、重建，暂停的租户刷新后移除
// 先停旧会话再启新会话，同一设备不会同时存在两个连接
func (r *Router) Sync(ctx context.Context) error {
	d, err := r.discover(ctx)
	if err != nil {
		return err
	}

	stale, dropped, ok := r.collectStale(d)
	if !ok {
		return nil
	}

	removed := make(map[string]bool, len(dropped))
	for _, tenantID := range dropped {
		removed[tenantID] = true
	}
	affected := make(map[string]bool)
	for _, s := range stale {
		s.stop()
		s.disconnect(r.cfg.DisconnectTimeout)
		r.health.RemoveConnection(s.cfg.TenantID, s.cfg.ConnectionID)
		affected[s.cfg.TenantID] = true
	}
	// 连接被删除或重建时尽力写出已缓冲的读数，失败只记日志
	for tenantID := range affected {
		if removed[tenantID] {
			continue
		}
		if err := r.sink.Flush(ctx, tenantID); err != nil {
			r.logger.Warn("Failed to flush readings of stopped sessions", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	for _, tenantID := range dropped {
		if err := r.sink.DropTenant(ctx, tenantID); err != nil {
			r.logger.Warn("Failed to flush removed tenant", zap.String("tenant_id", tenantID), zap.Error(err))
		}
		r.pools.Evict(tenantID)
		r.health.RemoveTenant(tenantID)
		r.logger.Info("Tenant no longer active, sessions stopped", zap.String("tenant_id", tenantID))
	}

	started := r.startMissing(d)

	if started > 0 || len(stale) > 0 {
		r.logger.Info("Sessions reconciled",
			zap.Int("started", started),
			zap.Int("stopped", len(stale)),
			zap.Int("tenants_removed", len(dropped)),
			zap.Int("tenants_unreachable", len(d.unreachable)),
		)
	}
	return nil
}

// collectStale 从会话表中摘除需要停止的会话；路由器已停止时 ok=false
func (r *Router) collectStale(d *discovery) (stale []*session, dropped []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, nil, false
	}

	for tenantID, byID := range r.sessions {
		if !d.active[tenantID] {
			for _, s := range byID {
				stale = append(stale, s)
			}
			delete(r.sessions, tenantID)
			dropped = append(dropped, tenantID)
			continue
		}
		if _, down := d.unreachable[tenantID]; down {
			// 本轮不可达，保留已有会话
			continue
		}
		want := d.connections[tenantID]
		for id, s := range byID {
			c, ok := want[id]
			if !ok || fingerprint(c) != s.fingerprint {
				stale = append(stale, s)
				delete(byID, id)
			}
		}
	}
	return stale, dropped, true
}

// startMissing 为尚未运行的连接启动会话
func (r *Router) startMissing(d *discovery) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return 0
	}

	started := 0
	for tenantID, want := range d.connections {
		byID, ok := r.sessions[tenantID]
		if !ok {
			byID = make(map[string]*session)
			r.sessions[tenantID] = byID
		}
		for id, c := range want {
			if _, running := byID[id]; running {
				continue
			}
			byID[id] = r.startSession(c)
			started++
		}
	}
	return started
}

// Run 启动时同步一次，之后按 RediscoveryInterval 周期同步，直到 ctx 结束
func (r *Router) Run(ctx context.Context) error {
	if err := r.Sync(ctx); err != nil {
		r.logger.Error("Initial discovery failed", zap.Error(err))
	}
	return r.Watch(ctx)
}

// Watch 只做周期同步，调用方已自行完成首次 Sync
func (r *Router) Watch(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.RediscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Sync(ctx); err != nil {
				r.logger.Error("Rediscovery failed, keeping current sessions", zap.Error(err))
			}
		}
	}
}

// Sessions 当前运行的会话数
func (r *Router) Sessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, byID := range r.sessions {
		n += len(byID)
	}
	return n
}

// StopIntake 停止所有会话的采集，适配器保持连接直到 DisconnectAll
func (r *Router) StopIntake() {
	r.mu.Lock()
	r.stopped = true
	var all []*session
	for _, byID := range r.sessions {
		for _, s := range byID {
			all = append(all, s)
		}
	}
	r.mu.Unlock()

	r.cancel()
	for _, s := range all {
		s.stop()
	}
	r.logger.Info("Intake stopped", zap.Int("sessions", len(all)))
}

// DisconnectAll 断开所有适配器
func (r *Router) DisconnectAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]map[string]*session)
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 64)
	)
	for _, byID := range sessions {
		for _, s := range byID {
			wg.Add(1)
			go func(s *session) {
				defer wg.Done()
				s.stop()
				if err := s.disconnect(r.cfg.DisconnectTimeout); err != nil {
					select {
					case errs <- err:
					default:
					}
				}
				r.health.SetConnection(s.cfg.TenantID, s.cfg.ConnectionID, s.cfg.ProtocolType, health.StateStopped, nil)
			}(s)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	close(errs)
	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}
