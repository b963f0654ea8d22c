// Package writer 批量写入租户时序库，失败批次转入溢出存储
package writer

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"wisefido-scada/internal/metrics"
	"wisefido-scada/internal/models"
	"wisefido-scada/internal/repository"
	"wisefido-scada/internal/spillover"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Pools 已建立的租户连接池
type Pools interface {
	Lookup(tenantID string) (*sql.DB, error)
}

// Inserter 批量写入
type Inserter interface {
	BulkInsert(ctx context.Context, db repository.Execer, tenantID string, readings []models.ProtocolReading) (int64, error)
}

// StorageReporter 租户存储健康状态，err 为 nil 表示恢复
type StorageReporter interface {
	SetStorage(tenantID string, err error)
}

// Config 写入重试配置
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SpillTimeout   time.Duration
	ReplayBatch    int
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.SpillTimeout <= 0 {
		c.SpillTimeout = 10 * time.Second
	}
	if c.ReplayBatch <= 0 {
		c.ReplayBatch = 50
	}
}

// Writer 时序写入器
type Writer struct {
	cfg     Config
	pools   Pools
	repo    Inserter
	spill   *spillover.Store // 可为 nil
	health  StorageReporter  // 可为 nil
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New 创建写入器
func New(cfg Config, pools Pools, repo Inserter, spill *spillover.Store, health StorageReporter, m *metrics.Metrics, logger *zap.Logger) *Writer {
	cfg.applyDefaults()
	return &Writer{
		cfg:     cfg,
		pools:   pools,
		repo:    repo,
		spill:   spill,
		health:  health,
		metrics: m,
		logger:  logger,
	}
}

// WriteBatch 写入一个租户批次
// 可重试错误按指数退避重试，耗尽或遇到不可重试错误时转入溢出存储并返回 *WriteError
func (w *Writer) WriteBatch(ctx context.Context, tenantID string, readings []models.ProtocolReading) error {
	batch := w.ownReadings(tenantID, readings)
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	attempts := 0
	var inserted int64

	op := func() error {
		attempts++
		db, err := w.pools.Lookup(tenantID)
		if err != nil {
			return err
		}
		n, err := w.repo.BulkInsert(ctx, db, tenantID, batch)
		if err != nil {
			if Classify(err) == ClassPermanent {
				return backoff.Permanent(err)
			}
			return err
		}
		inserted = n
		return nil
	}
	notify := func(err error, wait time.Duration) {
		w.logger.Warn("Write attempt failed, retrying",
			zap.String("tenant_id", tenantID),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, w.newBackOff(ctx), notify)
	if err == nil {
		w.metrics.ObserveWrite(tenantID, time.Since(start))
		if w.health != nil {
			w.health.SetStorage(tenantID, nil)
		}
		w.logger.Debug("Batch written",
			zap.String("tenant_id", tenantID),
			zap.Int("readings", len(batch)),
			zap.Int64("inserted", inserted),
			zap.Int("attempts", attempts),
		)
		return nil
	}

	class := Classify(err)
	w.metrics.IncWriteFailure(tenantID, class.String())
	if w.health != nil {
		w.health.SetStorage(tenantID, err)
	}
	w.logger.Error("Failed to write batch",
		zap.String("tenant_id", tenantID),
		zap.Int("readings", len(batch)),
		zap.Int("attempts", attempts),
		zap.String("class", class.String()),
		zap.Error(err),
	)

	werr := &WriteError{TenantID: tenantID, Class: class, Readings: len(batch), Err: err}
	werr.SpillID = w.spillBatch(tenantID, batch, err, class)
	return werr
}

// ownReadings 过滤掉不属于该租户的读数
func (w *Writer) ownReadings(tenantID string, readings []models.ProtocolReading) []models.ProtocolReading {
	for i := range readings {
		if readings[i].TenantID == tenantID {
			continue
		}
		// 存在越界读数时才复制
		out := make([]models.ProtocolReading, 0, len(readings))
		out = append(out, readings[:i]...)
		for _, r := range readings[i:] {
			if r.TenantID != tenantID {
				w.metrics.IncIsolationViolation("writer")
				w.logger.Error("Refusing reading from another tenant",
					zap.String("tenant_id", tenantID),
					zap.String("reading_tenant_id", r.TenantID),
					zap.String("well_id", r.WellID),
					zap.String("tag_name", r.TagName),
				)
				continue
			}
			out = append(out, r)
		}
		return out
	}
	return readings
}

func (w *Writer) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.MaxAttempts-1)), ctx)
}

// spillBatch 写入溢出存储，flush 的 ctx 可能已取消，这里使用独立超时
func (w *Writer) spillBatch(tenantID string, batch []models.ProtocolReading, cause error, class ErrorClass) string {
	if w.spill == nil {
		w.logger.Error("No spillover store configured, batch dropped",
			zap.String("tenant_id", tenantID),
			zap.Int("readings", len(batch)),
		)
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SpillTimeout)
	defer cancel()

	id, err := w.spill.Save(ctx, tenantID, batch, cause.Error(), class.String())
	if err != nil {
		w.logger.Error("Failed to spill batch, readings lost",
			zap.String("tenant_id", tenantID),
			zap.Int("readings", len(batch)),
			zap.Error(err),
		)
		return ""
	}
	w.metrics.IncSpilled(tenantID)
	w.refreshPending(ctx)
	return id
}

func (w *Writer) refreshPending(ctx context.Context) {
	if n, err := w.spill.Count(ctx); err == nil {
		w.metrics.SetSpilloverPending(n)
	}
}

// ReplaySpilled 重放溢出批次，成功后删除，返回成功重放的条目数
// 每轮按 (created_at, id) 翻过整张表：
//   - 不可重试类别的条目留给运维处理，不再重放
//   - 租户连接池不存在的条目跳过，不计入尝试次数
//   - 其余条目每轮只尝试一次，失败记录尝试次数后继续翻页；
//     同一租户本轮已失败时，其后续条目留到下一轮
func (w *Writer) ReplaySpilled(ctx context.Context) (int, error) {
	if w.spill == nil {
		return 0, nil
	}

	var (
		cursor                    spillover.Cursor
		replayed, failed, skipped int
		down                      = make(map[string]bool)
	)
	for ctx.Err() == nil {
		entries, err := w.spill.ListAfter(ctx, cursor, ClassPermanent.String(), w.cfg.ReplayBatch)
		if err != nil {
			return replayed, err
		}
		if len(entries) == 0 {
			break
		}
		cursor = entries[len(entries)-1].After()

		for _, e := range entries {
			if ctx.Err() != nil {
				break
			}
			if down[e.TenantID] {
				skipped++
				continue
			}
			db, err := w.pools.Lookup(e.TenantID)
			if err != nil {
				skipped++
				continue
			}
			if err := w.replayEntry(ctx, db, e); err != nil {
				failed++
				down[e.TenantID] = true
				w.logger.Warn("Failed to replay spilled batch",
					zap.String("spill_id", e.ID),
					zap.String("tenant_id", e.TenantID),
					zap.Int("attempts", e.Attempts+1),
					zap.Error(err),
				)
				if markErr := w.spill.MarkAttempt(ctx, e.ID, err); markErr != nil {
					w.logger.Warn("Failed to record replay attempt", zap.String("spill_id", e.ID), zap.Error(markErr))
				}
				continue
			}
			replayed++
		}
	}

	w.refreshPending(ctx)
	if replayed > 0 || failed > 0 {
		parked, _ := w.spill.CountClass(ctx, ClassPermanent.String())
		w.logger.Info("Spillover replay pass finished",
			zap.Int("replayed", replayed),
			zap.Int("failed", failed),
			zap.Int("skipped", skipped),
			zap.Int("parked_permanent", parked),
		)
	}
	return replayed, nil
}

func (w *Writer) replayEntry(ctx context.Context, db *sql.DB, e spillover.Entry) error {
	batch, err := w.spill.Load(ctx, e.ID)
	if err != nil {
		if errors.Is(err, spillover.ErrNotFound) {
			return nil
		}
		return err
	}
	if _, err := w.repo.BulkInsert(ctx, db, e.TenantID, w.ownReadings(e.TenantID, batch)); err != nil {
		return err
	}
	if w.health != nil {
		w.health.SetStorage(e.TenantID, nil)
	}
	return w.spill.Delete(ctx, e.ID)
}

// RunReplay 周期性重放溢出批次，直到 ctx 结束
func (w *Writer) RunReplay(ctx context.Context, interval time.Duration) {
	if w.spill == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("Starting spillover replay", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ReplaySpilled(ctx); err != nil {
				w.logger.Error("Failed to list spilled batches", zap.Error(err))
			}
		}
	}
}
