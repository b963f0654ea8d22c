// Package broadcaster 把已入库批次的读数实时推送给下游订阅者
package broadcaster

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"wisefido-scada/internal/metrics"
	"wisefido-scada/internal/models"

	"go.uber.org/zap"
)

// Config 广播队列配置
type Config struct {
	QueueSize      int
	Workers        int
	PublishTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
}

// Broadcaster 有界队列 + worker，入队永不阻塞
type Broadcaster struct {
	cfg     Config
	pub     Publisher
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan models.ProtocolReading
	wg     sync.WaitGroup
}

// New 创建广播器并启动 worker
func New(cfg Config, pub Publisher, m *metrics.Metrics, logger *zap.Logger) *Broadcaster {
	cfg.applyDefaults()
	b := &Broadcaster{
		cfg:     cfg,
		pub:     pub,
		metrics: m,
		logger:  logger,
		queue:   make(chan models.ProtocolReading, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

// Publish 入队一条读数，队列满、已关闭或租户不符时返回 false
func (b *Broadcaster) Publish(tenantID string, r models.ProtocolReading) bool {
	if r.TenantID != tenantID {
		b.metrics.IncIsolationViolation("broadcaster")
		b.logger.Error("Refusing to broadcast reading from another tenant",
			zap.String("tenant_id", tenantID),
			zap.String("reading_tenant_id", r.TenantID),
			zap.String("tag_name", r.TagName),
		)
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}

	select {
	case b.queue <- r:
		return true
	default:
		b.metrics.IncBroadcastDropped(tenantID)
		return false
	}
}

// PublishBatch 入队整批，返回入队条数
func (b *Broadcaster) PublishBatch(tenantID string, batch []models.ProtocolReading) int {
	queued := 0
	for i := range batch {
		if b.Publish(tenantID, batch[i]) {
			queued++
		}
	}
	if dropped := len(batch) - queued; dropped > 0 {
		b.logger.Warn("Broadcast readings dropped",
			zap.String("tenant_id", tenantID),
			zap.Int("dropped", dropped),
		)
	}
	return queued
}

func (b *Broadcaster) worker() {
	defer b.wg.Done()
	for r := range b.queue {
		b.send(r)
	}
}

func (b *Broadcaster) send(r models.ProtocolReading) {
	payload, err := json.Marshal(r)
	if err != nil {
		b.logger.Error("Failed to encode reading", zap.String("tenant_id", r.TenantID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.PublishTimeout)
	defer cancel()

	if err := b.pub.Publish(ctx, r.TenantID, payload); err != nil {
		b.metrics.IncBroadcastDropped(r.TenantID)
		b.logger.Warn("Failed to publish reading",
			zap.String("tenant_id", r.TenantID),
			zap.String("well_id", r.WellID),
			zap.String("tag_name", r.TagName),
			zap.Error(err),
		)
		return
	}
	b.metrics.IncPublished(r.TenantID)
}

// Close 停止入队，等待队列排空后关闭传输
func (b *Broadcaster) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.logger.Warn("Broadcast queue not drained before shutdown", zap.Int("pending", len(b.queue)))
		return ctx.Err()
	}
	return b.pub.Close()
}
