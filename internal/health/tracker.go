// Package health 记录每个租户与连接的运行状态，供 /status 查询并镜像到 Redis
package health

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConnectionState 连接会话状态
type ConnectionState string

const (
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDegraded      ConnectionState = "degraded"
	StateMisconfigured ConnectionState = "misconfigured"
	StateStopped       ConnectionState = "stopped"
)

const (
	statusOK          = "ok"
	statusUnreachable = "unreachable"
	statusDegraded    = "degraded"
)

// ConnectionStatus 单个连接的状态
type ConnectionStatus struct {
	TenantID            string          `json:"tenant_id"`
	ConnectionID        string          `json:"connection_id"`
	Protocol            string          `json:"protocol"`
	State               ConnectionState `json:"state"`
	LastError           string          `json:"last_error,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastReadingAt       *time.Time      `json:"last_reading_at,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// TenantStatus 租户状态，Discovery: ok|unreachable，Storage: ok|degraded
type TenantStatus struct {
	TenantID    string             `json:"tenant_id"`
	Discovery   string             `json:"discovery"`
	Storage     string             `json:"storage"`
	LastError   string             `json:"last_error,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
	Connections []ConnectionStatus `json:"connections,omitempty"`
}

// KeyPrefix Redis 镜像键前缀
const KeyPrefix = "scada:health:"

// Tracker 状态表
type Tracker struct {
	mu      sync.RWMutex
	tenants map[string]*TenantStatus
	conns   map[string]map[string]*ConnectionStatus

	kv     KVStore // 可为 nil
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker 创建状态表，kv 为 nil 时不镜像
func NewTracker(kv KVStore, ttl time.Duration, logger *zap.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Tracker{
		tenants: make(map[string]*TenantStatus),
		conns:   make(map[string]map[string]*ConnectionStatus),
		kv:      kv,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

func (t *Tracker) tenantLocked(tenantID string) *TenantStatus {
	ts, ok := t.tenants[tenantID]
	if !ok {
		ts = &TenantStatus{TenantID: tenantID, Discovery: statusOK, Storage: statusOK}
		t.tenants[tenantID] = ts
	}
	return ts
}

func (t *Tracker) connLocked(tenantID, connectionID string) *ConnectionStatus {
	t.tenantLocked(tenantID)
	m, ok := t.conns[tenantID]
	if !ok {
		m = make(map[string]*ConnectionStatus)
		t.conns[tenantID] = m
	}
	cs, ok := m[connectionID]
	if !ok {
		cs = &ConnectionStatus{TenantID: tenantID, ConnectionID: connectionID}
		m[connectionID] = cs
	}
	return cs
}

// SetConnection 更新连接状态；err 非空时累加连续失败次数，进入 connected 时清零
func (t *Tracker) SetConnection(tenantID, connectionID, protocol string, state ConnectionState, err error) {
	t.mu.Lock()
	cs := t.connLocked(tenantID, connectionID)
	changed := cs.State != state || err != nil
	cs.Protocol = protocol
	cs.State = state
	cs.UpdatedAt = t.now()
	if err != nil {
		cs.ConsecutiveFailures++
		cs.LastError = err.Error()
	} else if state == StateConnected {
		cs.ConsecutiveFailures = 0
	}
	t.mu.Unlock()

	if changed {
		t.mirror(tenantID)
	}
}

// ReadingReceived 记录最近一次收到读数的时间，不触发镜像
func (t *Tracker) ReadingReceived(tenantID, connectionID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs := t.connLocked(tenantID, connectionID)
	at = at.UTC()
	cs.LastReadingAt = &at
}

// SetDiscovery 记录租户库发现结果，err 为 nil 表示可达
func (t *Tracker) SetDiscovery(tenantID string, err error) {
	t.mu.Lock()
	ts := t.tenantLocked(tenantID)
	prev := ts.Discovery
	if err != nil {
		ts.Discovery = statusUnreachable
		ts.LastError = err.Error()
	} else {
		ts.Discovery = statusOK
	}
	ts.UpdatedAt = t.now()
	changed := prev != ts.Discovery || err != nil
	t.mu.Unlock()

	if changed {
		t.mirror(tenantID)
	}
}

// SetStorage 记录租户写库结果，err 为 nil 表示正常
func (t *Tracker) SetStorage(tenantID string, err error) {
	t.mu.Lock()
	ts := t.tenantLocked(tenantID)
	prev := ts.Storage
	if err != nil {
		ts.Storage = statusDegraded
		ts.LastError = err.Error()
	} else {
		ts.Storage = statusOK
	}
	ts.UpdatedAt = t.now()
	changed := prev != ts.Storage || err != nil
	t.mu.Unlock()

	if changed {
		t.mirror(tenantID)
	}
}

// RemoveConnection 移除连接
func (t *Tracker) RemoveConnection(tenantID, connectionID string) {
	t.mu.Lock()
	if m, ok := t.conns[tenantID]; ok {
		delete(m, connectionID)
	}
	t.mu.Unlock()
	t.mirror(tenantID)
}

// RemoveTenant 移除租户及其全部连接
func (t *Tracker) RemoveTenant(tenantID string) {
	t.mu.Lock()
	delete(t.tenants, tenantID)
	delete(t.conns, tenantID)
	t.mu.Unlock()

	if t.kv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := t.kv.Del(ctx, KeyPrefix+tenantID); err != nil {
		t.logger.Debug("Failed to delete health mirror", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

func (t *Tracker) snapshotLocked(tenantID string) TenantStatus {
	ts := *t.tenants[tenantID]
	ts.Connections = make([]ConnectionStatus, 0, len(t.conns[tenantID]))
	for _, cs := range t.conns[tenantID] {
		c := *cs
		if cs.LastReadingAt != nil {
			at := *cs.LastReadingAt
			c.LastReadingAt = &at
		}
		ts.Connections = append(ts.Connections, c)
	}
	sort.Slice(ts.Connections, func(i, j int) bool {
		return ts.Connections[i].ConnectionID < ts.Connections[j].ConnectionID
	})
	return ts
}

// Tenant 单个租户的状态
func (t *Tracker) Tenant(tenantID string) (TenantStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.tenants[tenantID]; !ok {
		return TenantStatus{}, false
	}
	return t.snapshotLocked(tenantID), true
}

// Snapshot 所有租户的状态，按租户排序
func (t *Tracker) Snapshot() []TenantStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TenantStatus, 0, len(t.tenants))
	for id := range t.tenants {
		out = append(out, t.snapshotLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

// mirror 尽力写入 Redis，失败只记 debug
func (t *Tracker) mirror(tenantID string) {
	if t.kv == nil {
		return
	}
	ts, ok := t.Tenant(tenantID)
	if !ok {
		return
	}
	payload, err := json.Marshal(ts)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := t.kv.Set(ctx, KeyPrefix+tenantID, string(payload), t.ttl); err != nil {
		t.logger.Debug("Failed to mirror health status", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}
