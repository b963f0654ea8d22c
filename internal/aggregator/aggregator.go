// Package aggregator 按租户缓冲读数，按时间或数量触发批量刷新
package aggregator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"wisefido-scada/internal/metrics"
	"wisefido-scada/internal/models"

	"go.uber.org/zap"
)

// ErrClosed 聚合器已停止接收读数
var ErrClosed = errors.New("aggregator is closed")

// State 租户缓冲状态
type State int

const (
	StateEmpty State = iota
	StateAccumulating
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	default:
		return "empty"
	}
}

// BatchSink 接收刷新出来的批次（写库 + 广播）
// 批次只属于 tenantID 一个租户，同一租户的批次按刷新顺序串行送达
type BatchSink interface {
	HandleBatch(ctx context.Context, tenantID string, batch []models.ProtocolReading)
}

// Config 聚合配置
type Config struct {
	MaxBufferSize int           // 默认 10000
	FlushInterval time.Duration // 默认 5s
	FlushTimeout  time.Duration // 单批送达超时，默认 2m
}

func (c *Config) applyDefaults() {
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 10000
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 2 * time.Minute
	}
}

// Aggregator 多租户聚合器
type Aggregator struct {
	cfg     Config
	sink    BatchSink
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	buffers map[string]*tenantBuffer
	closed  bool
}

// tenantBuffer 单租户缓冲
// mu 只保护追加与交换；deliverMu 保证批次按交换顺序送达
type tenantBuffer struct {
	tenantID string

	mu         sync.Mutex
	active     []models.ProtocolReading
	pending    [][]models.ProtocolReading
	lastFlush  time.Time
	delivering bool
	removed    bool

	deliverMu sync.Mutex
	signal    chan struct{}
	stop      chan struct{}
	done      chan struct{}
}

// New 创建聚合器
func New(cfg Config, sink BatchSink, logger *zap.Logger, m *metrics.Metrics) *Aggregator {
	cfg.applyDefaults()
	return &Aggregator{
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		buffers: make(map[string]*tenantBuffer),
	}
}

// buffer 获取或创建租户缓冲，并启动该租户的定时刷新
func (a *Aggregator) buffer(tenantID string) (*tenantBuffer, error) {
	a.mu.RLock()
	b, ok := a.buffers[tenantID]
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return b, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if b, ok := a.buffers[tenantID]; ok {
		return b, nil
	}
	b = &tenantBuffer{
		tenantID:  tenantID,
		lastFlush: a.now(),
		signal:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	a.buffers[tenantID] = b
	go a.run(b)
	return b, nil
}

// AddReading 追加读数；达到 MaxBufferSize 时立即交换出批次，不等待送达
func (a *Aggregator) AddReading(r models.ProtocolReading) error {
	if r.TenantID == "" {
		return models.ErrMissingTenant
	}

	for {
		b, err := a.buffer(r.TenantID)
		if err != nil {
			return err
		}

		b.mu.Lock()
		if b.removed {
			// 租户缓冲刚被移除，重新获取
			b.mu.Unlock()
			continue
		}
		b.active = append(b.active, r)
		if len(b.active) >= a.cfg.MaxBufferSize {
			a.swapLocked(b)
		}
		n := len(b.active)
		b.mu.Unlock()

		a.metrics.SetBuffered(r.TenantID, n)
		return nil
	}
}

// swapLocked 把当前缓冲整体移入待送达队列并换上空缓冲
func (a *Aggregator) swapLocked(b *tenantBuffer) bool {
	if len(b.active) == 0 {
		return false
	}
	batch := b.active
	b.active = make([]models.ProtocolReading, 0, len(batch))
	b.pending = append(b.pending, batch)
	b.lastFlush = a.now()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return true
}

// run 租户刷新循环：定时交换，收到信号即送达
func (a *Aggregator) run(b *tenantBuffer) {
	defer close(b.done)

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-b.signal:
			a.deliverPending(context.Background(), b)
		case <-ticker.C:
			b.mu.Lock()
			a.swapLocked(b)
			b.mu.Unlock()
			a.metrics.SetBuffered(b.tenantID, 0)
			a.deliverPending(context.Background(), b)
		}
	}
}

// deliverPending 按 FIFO 顺序把待送达批次交给 sink
func (a *Aggregator) deliverPending(ctx context.Context, b *tenantBuffer) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.delivering = false
			b.mu.Unlock()
			return
		}
		batch := b.pending[0]
		b.pending[0] = nil
		b.pending = b.pending[1:]
		b.delivering = true
		b.mu.Unlock()

		deliverCtx, cancel := context.WithTimeout(ctx, a.cfg.FlushTimeout)
		a.sink.HandleBatch(deliverCtx, b.tenantID, batch)
		cancel()

		a.metrics.ObserveBatch(b.tenantID, len(batch))
		a.logger.Debug("Flushed tenant buffer",
			zap.String("tenant_id", b.tenantID),
			zap.Int("batch_size", len(batch)),
		)
	}
}

// Flush 立即刷新一个租户并等待送达
func (a *Aggregator) Flush(ctx context.Context, tenantID string) error {
	a.mu.RLock()
	b, ok := a.buffers[tenantID]
	a.mu.RUnlock()
	if !ok {
		return nil
	}

	b.mu.Lock()
	a.swapLocked(b)
	b.mu.Unlock()
	a.metrics.SetBuffered(tenantID, 0)

	a.deliverPending(ctx, b)
	return ctx.Err()
}

// RemoveTenant 最后刷新一次并停止该租户的刷新循环
func (a *Aggregator) RemoveTenant(ctx context.Context, tenantID string) error {
	a.mu.Lock()
	b, ok := a.buffers[tenantID]
	delete(a.buffers, tenantID)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	a.finish(ctx, b)
	return ctx.Err()
}

// finish 标记移除、交换剩余读数、停止循环、送达
func (a *Aggregator) finish(ctx context.Context, b *tenantBuffer) {
	b.mu.Lock()
	b.removed = true
	a.swapLocked(b)
	b.mu.Unlock()

	close(b.stop)
	<-b.done
	a.deliverPending(ctx, b)
	a.metrics.SetBuffered(b.tenantID, 0)
}

// Close 停止接收新读数，并对所有租户做最后一次刷新
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	buffers := make([]*tenantBuffer, 0, len(a.buffers))
	for _, b := range a.buffers {
		buffers = append(buffers, b)
	}
	a.buffers = make(map[string]*tenantBuffer)
	a.mu.Unlock()

	a.logger.Info("Flushing all tenant buffers", zap.Int("tenants", len(buffers)))

	var wg sync.WaitGroup
	for _, b := range buffers {
		wg.Add(1)
		go func(b *tenantBuffer) {
			defer wg.Done()
			a.finish(ctx, b)
		}(b)
	}
	wg.Wait()
	return ctx.Err()
}

// State 租户缓冲当前状态
func (a *Aggregator) State(tenantID string) State {
	a.mu.RLock()
	b, ok := a.buffers[tenantID]
	a.mu.RUnlock()
	if !ok {
		return StateEmpty
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.delivering || len(b.pending) > 0:
		return StateFlushing
	case len(b.active) == 0:
		return StateEmpty
	default:
		return StateAccumulating
	}
}

// Len 租户缓冲中尚未交换的读数数量
func (a *Aggregator) Len(tenantID string) int {
	a.mu.RLock()
	b, ok := a.buffers[tenantID]
	a.mu.RUnlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

// Snapshot 租户缓冲内容的副本
func (a *Aggregator) Snapshot(tenantID string) []models.ProtocolReading {
	a.mu.RLock()
	b, ok := a.buffers[tenantID]
	a.mu.RUnlock()
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.ProtocolReading(nil), b.active...)
}

// LastFlush 上次交换时间
func (a *Aggregator) LastFlush(tenantID string) time.Time {
	a.mu.RLock()
	b, ok := a.buffers[tenantID]
	a.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFlush
}

// Tenants 当前有缓冲的租户
func (a *Aggregator) Tenants() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.buffers))
	for id := range a.buffers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
