package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"wisefido-scada/internal/models"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"
)

// defaultPushBuffer 推送型适配器的缓冲上限，超出后丢弃最旧的读数
const defaultPushBuffer = 10000

// OPCUAAdapter OPC-UA 适配器（推送型，基于订阅 + 监控项）
type OPCUAAdapter struct {
	logger     *zap.Logger
	now        func() time.Time
	maxPending int

	mu      sync.Mutex
	conn    models.ConnectionConfig
	client  *opcua.Client
	sub     *opcua.Subscription
	cancel  context.CancelFunc
	done    chan struct{}
	handles map[uint32]models.TagMapping
	pending []models.ProtocolReading
	dropped uint64
}

// NewOPCUAAdapter 创建 OPC-UA 适配器
func NewOPCUAAdapter(logger *zap.Logger) *OPCUAAdapter {
	return &OPCUAAdapter{
		logger:     logger,
		now:        time.Now,
		maxPending: defaultPushBuffer,
		handles:    make(map[uint32]models.TagMapping),
	}
}

func (a *OPCUAAdapter) Protocol() string  { return ProtocolOPCUA }
func (a *OPCUAAdapter) PushCapable() bool { return true }

// clientOptions 由连接配置生成客户端选项
func clientOptions(cfg models.ConnectionConfig) ([]opcua.Option, error) {
	mode := cfg.SecurityMode
	if mode == "" {
		mode = "None"
	}
	switch strings.ToLower(mode) {
	case "none", "sign", "signandencrypt":
	default:
		return nil, fmt.Errorf("unsupported security mode %q", cfg.SecurityMode)
	}
	policy := cfg.SecurityPolicy
	if policy == "" {
		policy = "None"
	}

	opts := []opcua.Option{
		opcua.SecurityModeString(mode),
		opcua.SecurityPolicy(policy),
		opcua.AutoReconnect(true),
		opcua.RequestTimeout(10 * time.Second),
	}
	if cert := cfg.Param("certificate_file", ""); cert != "" {
		opts = append(opts, opcua.CertificateFile(cert))
	}
	if key := cfg.Param("private_key_file", ""); key != "" {
		opts = append(opts, opcua.PrivateKeyFile(key))
	}
	if cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(cfg.Username, cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts, nil
}

// Connect 建立 OPC-UA 会话
func (a *OPCUAAdapter) Connect(ctx context.Context, cfg models.ConnectionConfig) error {
	opts, err := clientOptions(cfg)
	if err != nil {
		return &ConnectError{Protocol: ProtocolOPCUA, Endpoint: cfg.EndpointURL, Err: err}
	}

	client, err := opcua.NewClient(cfg.EndpointURL, opts...)
	if err != nil {
		return &ConnectError{Protocol: ProtocolOPCUA, Endpoint: cfg.EndpointURL, Err: err}
	}
	if err := client.Connect(ctx); err != nil {
		return &ConnectError{Protocol: ProtocolOPCUA, Endpoint: cfg.EndpointURL, Err: err}
	}

	a.mu.Lock()
	a.conn = cfg
	a.client = client
	a.mu.Unlock()

	a.logger.Info("OPC-UA session established", zap.String("endpoint", cfg.EndpointURL))
	return nil
}

// Subscribe 创建订阅并为每个点位登记监控项
func (a *OPCUAAdapter) Subscribe(ctx context.Context, tags []models.TagMapping) error {
	a.mu.Lock()
	client := a.client
	interval := a.conn.Param("publishing_interval", "1s")
	a.mu.Unlock()

	if client == nil {
		return &SubscribeError{Protocol: ProtocolOPCUA, Err: errNotConnected}
	}
	pubInterval, err := time.ParseDuration(interval)
	if err != nil {
		return &SubscribeError{Protocol: ProtocolOPCUA, Err: fmt.Errorf("invalid publishing_interval: %w", err)}
	}

	handles := make(map[uint32]models.TagMapping, len(tags))
	requests := make([]*ua.MonitoredItemCreateRequest, 0, len(tags))
	for i, tag := range tags {
		nodeID, err := ua.ParseNodeID(tag.Address)
		if err != nil {
			return &SubscribeError{Protocol: ProtocolOPCUA, Address: tag.Address, Err: err}
		}
		handle := uint32(i + 1)
		handles[handle] = tag
		requests = append(requests, opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle))
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 256)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: pubInterval}, notifyCh)
	if err != nil {
		return &SubscribeError{Protocol: ProtocolOPCUA, Err: err}
	}

	if len(requests) > 0 {
		resp, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, requests...)
		if err != nil {
			sub.Cancel(ctx)
			return &SubscribeError{Protocol: ProtocolOPCUA, Err: err}
		}
		for i, res := range resp.Results {
			if res.StatusCode != ua.StatusOK && i < len(tags) {
				sub.Cancel(ctx)
				return &SubscribeError{Protocol: ProtocolOPCUA, Address: tags[i].Address, Err: res.StatusCode}
			}
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	a.stopLoopLocked()
	a.sub = sub
	a.handles = handles
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.receive(loopCtx, notifyCh, done)
	return nil
}

// receive 把订阅通知搬进缓冲，直到被取消
func (a *OPCUAAdapter) receive(ctx context.Context, notifyCh <-chan *opcua.PublishNotificationData, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notifyCh:
			a.handleNotification(n)
		}
	}
}

// handleNotification 处理一条发布通知
func (a *OPCUAAdapter) handleNotification(n *opcua.PublishNotificationData) {
	if n == nil {
		return
	}
	if n.Error != nil {
		a.logger.Warn("OPC-UA subscription error", zap.Error(n.Error))
		return
	}

	dcn, ok := n.Value.(*ua.DataChangeNotification)
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, item := range dcn.MonitoredItems {
		if item == nil || item.Value == nil {
			continue
		}
		tag, ok := a.handles[item.ClientHandle]
		if !ok {
			continue
		}

		quality := opcuaQuality(item.Value.Status)
		value, ok := variantToFloat(item.Value.Value)
		if !ok {
			// 非数值类型的值无法入库，按 Bad 保留占位
			value = 0
			quality = models.QualityBad
		}

		ts := item.Value.SourceTimestamp
		if ts.IsZero() {
			ts = item.Value.ServerTimestamp
		}
		if ts.IsZero() {
			ts = a.now()
		}

		a.pending = append(a.pending, a.conn.Reading(tag, ts, tag.Apply(value), quality, ProtocolOPCUA))
	}

	if over := len(a.pending) - a.maxPending; over > 0 {
		a.pending = append(a.pending[:0:0], a.pending[over:]...)
		a.dropped += uint64(over)
		a.logger.Warn("OPC-UA notification buffer overflow, dropping oldest",
			zap.Int("dropped", over),
			zap.Uint64("dropped_total", a.dropped),
		)
	}
}

// Poll 非阻塞地取出已缓冲的通知
func (a *OPCUAAdapter) Poll(ctx context.Context) ([]models.ProtocolReading, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return nil, &PollError{Protocol: ProtocolOPCUA, Err: errNotConnected}
	}
	out := a.pending
	a.pending = nil
	return out, nil
}

func (a *OPCUAAdapter) stopLoopLocked() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.done = nil
}

// Disconnect 取消订阅并关闭会话，重复调用无副作用
func (a *OPCUAAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	client, sub, done := a.client, a.sub, a.done
	a.stopLoopLocked()
	a.client = nil
	a.sub = nil
	a.pending = nil
	a.mu.Unlock()

	if done != nil {
		<-done
	}
	if sub != nil {
		if err := sub.Cancel(ctx); err != nil {
			a.logger.Debug("Failed to cancel OPC-UA subscription", zap.Error(err))
		}
	}
	if client == nil {
		return nil
	}
	if err := client.Close(ctx); err != nil {
		return &DisconnectError{Protocol: ProtocolOPCUA, Err: err}
	}
	return nil
}

// opcuaQuality 按 StatusCode 严重度位映射质量：00 Good，01 Uncertain，1x Bad
func opcuaQuality(code ua.StatusCode) models.Quality {
	switch uint32(code) & 0xC0000000 {
	case 0:
		return models.QualityGood
	case 0x40000000:
		return models.QualityUncertain
	default:
		return models.QualityBad
	}
}

// variantToFloat 数值型 Variant 转 float64
func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}
	switch x := v.Value().(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
