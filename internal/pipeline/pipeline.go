// Package pipeline 串起 校验 -> 聚合 -> {写库, 广播}
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"wisefido-scada/internal/aggregator"
	"wisefido-scada/internal/metrics"
	"wisefido-scada/internal/models"
	"wisefido-scada/internal/validator"
	"wisefido-scada/internal/writer"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BatchWriter 写库
type BatchWriter interface {
	WriteBatch(ctx context.Context, tenantID string, readings []models.ProtocolReading) error
}

// Fanout 广播
type Fanout interface {
	PublishBatch(tenantID string, batch []models.ProtocolReading) int
}

// Pipeline 读数处理管道，每个租户独立的校验器
type Pipeline struct {
	vcfg    validator.Config
	agg     *aggregator.Aggregator
	writer  BatchWriter
	fanout  Fanout // 可为 nil
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu         sync.RWMutex
	validators map[string]*validator.Validator
}

// New 创建管道
func New(vcfg validator.Config, acfg aggregator.Config, writer BatchWriter, fanout Fanout, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	p := &Pipeline{
		vcfg:       vcfg,
		writer:     writer,
		fanout:     fanout,
		metrics:    m,
		logger:     logger,
		validators: make(map[string]*validator.Validator),
	}
	p.agg = aggregator.New(acfg, p, logger, m)
	return p
}

func (p *Pipeline) validator(tenantID string) *validator.Validator {
	p.mu.RLock()
	v, ok := p.validators[tenantID]
	p.mu.RUnlock()
	if ok {
		return v
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok = p.validators[tenantID]; !ok {
		v = validator.New(p.vcfg)
		p.validators[tenantID] = v
	}
	return v
}

// Ingest 校验并缓存一条读数
// 被校验丢弃的读数不算错误，只计数；仅在租户缺失或管道已关闭时返回错误
func (p *Pipeline) Ingest(r models.ProtocolReading) error {
	if err := r.Check(); err != nil {
		return err
	}

	out := p.validator(r.TenantID).Validate(r)
	switch out.Kind {
	case validator.OutOfRange, validator.Duplicate:
		p.metrics.IncRejected(r.TenantID, out.Kind.String())
		p.logger.Debug("Reading rejected",
			zap.String("tenant_id", r.TenantID),
			zap.String("well_id", r.WellID),
			zap.String("tag_name", r.TagName),
			zap.Float64("value", r.Value),
			zap.String("reason", out.Kind.String()),
		)
		return nil
	case validator.Anomaly:
		p.metrics.IncAnomaly(r.TenantID)
		p.logger.Info("Anomalous reading kept as Uncertain",
			zap.String("tenant_id", r.TenantID),
			zap.String("well_id", r.WellID),
			zap.String("tag_name", r.TagName),
			zap.Float64("value", r.Value),
			zap.Float64("z_score", out.ZScore),
		)
	}

	if err := p.agg.AddReading(out.Reading); err != nil {
		return err
	}
	p.metrics.IncIngested(r.TenantID, r.SourceProtocol)
	return nil
}

// HandleBatch 并发写库与广播，实现 aggregator.BatchSink
func (p *Pipeline) HandleBatch(ctx context.Context, tenantID string, batch []models.ProtocolReading) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.writer.WriteBatch(gctx, tenantID, batch)
	})
	if p.fanout != nil {
		g.Go(func() error {
			p.fanout.PublishBatch(tenantID, batch)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var werr *writer.WriteError
		if errors.As(err, &werr) {
			// 写入器已记录并转入溢出存储
			return
		}
		p.logger.Error("Failed to handle batch",
			zap.String("tenant_id", tenantID),
			zap.Int("readings", len(batch)),
			zap.Error(err),
		)
	}
}

// Flush 立即刷新租户缓冲
func (p *Pipeline) Flush(ctx context.Context, tenantID string) error {
	return p.agg.Flush(ctx, tenantID)
}

// DropTenant 刷新并移除租户的缓冲与校验状态
func (p *Pipeline) DropTenant(ctx context.Context, tenantID string) error {
	err := p.agg.RemoveTenant(ctx, tenantID)

	p.mu.Lock()
	delete(p.validators, tenantID)
	p.mu.Unlock()

	p.metrics.ForgetTenant(tenantID)
	if err != nil {
		return fmt.Errorf("failed to drop tenant %s: %w", tenantID, err)
	}
	return nil
}

// Buffered 租户当前缓冲内容（副本）
func (p *Pipeline) Buffered(tenantID string) []models.ProtocolReading {
	return p.agg.Snapshot(tenantID)
}

// State 租户缓冲状态
func (p *Pipeline) State(tenantID string) aggregator.State {
	return p.agg.State(tenantID)
}

// Close 拒绝新读数并对所有租户做最后一次刷新
func (p *Pipeline) Close(ctx context.Context) error {
	return p.agg.Close(ctx)
}
