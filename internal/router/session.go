package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"wisefido-scada/internal/adapter"
	"wisefido-scada/internal/aggregator"
	"wisefido-scada/internal/health"
	"wisefido-scada/internal/models"
	"wisefido-scada/owl-common/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// session 单个连接的采集会话
type session struct {
	cfg         models.ConnectionConfig
	fingerprint string
	logger      *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	adapter adapter.ProtocolAdapter
}

func (s *session) setAdapter(a adapter.ProtocolAdapter) {
	s.mu.Lock()
	s.adapter = a
	s.mu.Unlock()
}

// stop 取消会话并等待 goroutine 退出，不断开适配器
func (s *session) stop() {
	s.cancel()
	<-s.done
}

// disconnect 断开当前适配器，可重复调用
func (s *session) disconnect(timeout time.Duration) error {
	s.mu.Lock()
	a := s.adapter
	s.adapter = nil
	s.mu.Unlock()
	if a == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.Disconnect(ctx); err != nil {
		s.logger.Warn("Failed to disconnect adapter", zap.Error(err))
		return err
	}
	return nil
}

// startSession 调用方持有 r.mu
func (r *Router) startSession(c models.ConnectionConfig) *session {
	ctx, cancel := context.WithCancel(r.base)
	s := &session{
		cfg:         c,
		fingerprint: fingerprint(c),
		logger:      logger.ForConnection(r.logger, c.TenantID, c.ConnectionID, c.ProtocolType),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go r.runSession(ctx, s)
	return s
}

// runSession 连接 -> 订阅 -> 轮询；轮询连续失败后重连，连接耗尽重试后进入降级冷却
func (r *Router) runSession(ctx context.Context, s *session) {
	defer close(s.done)
	c := s.cfg

	for ctx.Err() == nil {
		a, err := r.factory.CreateAdapter(c.ProtocolType)
		if err != nil {
			r.health.SetConnection(c.TenantID, c.ConnectionID, c.ProtocolType, health.StateMisconfigured, err)
			s.logger.Error("Failed to create adapter", zap.Error(err))
			return
		}
		s.setAdapter(a)

		if err := r.connect(ctx, s, a); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.health.SetConnection(c.TenantID, c.ConnectionID, c.ProtocolType, health.StateDegraded, err)
			s.logger.Warn("Connection degraded, cooling down",
				zap.Duration("cooldown", r.cfg.DegradedCooldown),
				zap.Error(err),
			)
			s.disconnect(r.cfg.DisconnectTimeout)
			sleep(ctx, r.cfg.DegradedCooldown)
			continue
		}

		if err := a.Subscribe(ctx, c.Tags); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.metrics.IncConnectionError(c.TenantID, a.Protocol())
			r.health.SetConnection(c.TenantID, c.ConnectionID, c.ProtocolType, health.StateDegraded, err)
			s.logger.Warn("Subscribe failed, reconnecting", zap.Error(err))
			s.disconnect(r.cfg.DisconnectTimeout)
			sleep(ctx, r.cfg.ConnectBackoff)
			continue
		}

		r.health.SetConnection(c.TenantID, c.ConnectionID, c.ProtocolType, health.StateConnected, nil)
		r.metrics.ConnectionUp(c.TenantID, a.Protocol())
		s.logger.Info("Session started", zap.Bool("push", a.PushCapable()), zap.Int("tags", len(c.Tags)))

		err = r.pollLoop(ctx, s, a)
		r.metrics.ConnectionDown(c.TenantID, a.Protocol())
		if err == nil || ctx.Err() != nil {
			// 停止采集：适配器留给 disconnect 处理
			return
		}

		r.health.SetConnection(c.TenantID, c.ConnectionID, c.ProtocolType, health.StateConnecting, err)
		s.logger.Warn("Too many consecutive poll failures, reconnecting", zap.Error(err))
		s.disconnect(r.cfg.DisconnectTimeout)
	}
}

// connect 有上限的指数退避重连
func (r *Router) connect(ctx context.Context, s *session, a adapter.ProtocolAdapter) error {
	c := s.cfg
	r.health.SetConnection(c.TenantID, c.ConnectionID, c.ProtocolType, health.StateConnecting, nil)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.ConnectBackoff
	b.MaxInterval = r.cfg.ConnectMaxBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		return a.Connect(ctx, c)
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.IncConnectionError(c.TenantID, a.Protocol())
		r.health.SetConnection(c.TenantID, c.ConnectionID, c.ProtocolType, health.StateConnecting, err)
		s.logger.Warn("Connect failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.ConnectMaxAttempts-1)), ctx), notify)
	if err != nil && ctx.Err() == nil {
		r.metrics.IncConnectionError(c.TenantID, a.Protocol())
	}
	return err
}

// pollLoop 拉取型按 PollInterval 轮询，推送型按 PushDrainInterval 取缓冲
// ctx 结束返回 nil，连续失败达到上限返回最后一次错误
func (r *Router) pollLoop(ctx context.Context, s *session, a adapter.ProtocolAdapter) error {
	c := s.cfg
	interval := r.cfg.PollInterval
	if c.PollInterval > 0 {
		interval = c.PollInterval
	}
	if a.PushCapable() {
		interval = r.cfg.PushDrainInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		readings, err := a.Poll(ctx)
		if stop := r.deliver(s, readings); stop {
			return nil
		}

		switch {
		case err == nil:
			if failures > 0 {
				r.health.SetConnection(c.TenantID, c.ConnectionID, c.ProtocolType, health.StateConnected, nil)
			}
			failures = 0
		case ctx.Err() != nil:
			return nil
		default:
			failures++
			r.metrics.IncConnectionError(c.TenantID, a.Protocol())
			r.health.SetConnection(c.TenantID, c.ConnectionID, c.ProtocolType, health.StateConnected, err)
			s.logger.Warn("Poll failed", zap.Int("consecutive_failures", failures), zap.Error(err))
			if failures >= r.cfg.MaxPollFailures {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// deliver 送入管道；管道已关闭时返回 true
func (r *Router) deliver(s *session, readings []models.ProtocolReading) bool {
	if len(readings) == 0 {
		return false
	}
	c := s.cfg
	var last time.Time
	for _, rd := range readings {
		if rd.TenantID != c.TenantID {
			r.metrics.IncIsolationViolation("router")
			s.logger.Error("Adapter produced reading for another tenant", zap.String("reading_tenant_id", rd.TenantID))
			continue
		}
		if err := r.sink.Ingest(rd); err != nil {
			if errors.Is(err, aggregator.ErrClosed) {
				return true
			}
			s.logger.Warn("Failed to ingest reading", zap.String("tag_name", rd.TagName), zap.Error(err))
			continue
		}
		if rd.Timestamp.After(last) {
			last = rd.Timestamp
		}
	}
	if !last.IsZero() {
		r.health.ReadingReceived(c.TenantID, c.ConnectionID, last)
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
