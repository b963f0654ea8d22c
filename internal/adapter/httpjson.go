package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"wisefido-scada/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// gatewayReadResponse 网关 /read 响应（IoT Gateway 读格式）
type gatewayReadResponse struct {
	ReadResults []gatewayReadResult `json:"readResults"`
}

type gatewayReadResult struct {
	ID     string          `json:"id"`
	Status bool            `json:"s"`
	Reason string          `json:"r"`
	Value  json.RawMessage `json:"v"`
	Time   int64           `json:"t"` // 毫秒
}

// HTTPJSONAdapter 边缘网关 REST 适配器（拉取型，每个点位一次请求）
type HTTPJSONAdapter struct {
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	conn   models.ConnectionConfig
	client *resty.Client
	tags   []models.TagMapping
}

// NewHTTPJSONAdapter 创建网关适配器
func NewHTTPJSONAdapter(logger *zap.Logger) *HTTPJSONAdapter {
	return &HTTPJSONAdapter{logger: logger, now: time.Now}
}

func (a *HTTPJSONAdapter) Protocol() string  { return ProtocolHTTPJSON }
func (a *HTTPJSONAdapter) PushCapable() bool { return false }

// Connect 创建 HTTP 客户端并探测网关是否可达、认证是否通过
func (a *HTTPJSONAdapter) Connect(ctx context.Context, cfg models.ConnectionConfig) error {
	if !strings.HasPrefix(cfg.EndpointURL, "http://") && !strings.HasPrefix(cfg.EndpointURL, "https://") {
		return &ConnectError{Protocol: ProtocolHTTPJSON, Endpoint: cfg.EndpointURL,
			Err: fmt.Errorf("endpoint must be an http(s) URL")}
	}
	timeout, err := time.ParseDuration(cfg.Param("timeout", "5s"))
	if err != nil {
		return &ConnectError{Protocol: ProtocolHTTPJSON, Endpoint: cfg.EndpointURL, Err: fmt.Errorf("invalid timeout: %w", err)}
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.EndpointURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if cfg.Username != "" {
		client.SetBasicAuth(cfg.Username, cfg.Password)
	}

	resp, err := client.R().SetContext(ctx).Get(cfg.Param("probe_path", "/browse"))
	if err != nil {
		return &ConnectError{Protocol: ProtocolHTTPJSON, Endpoint: cfg.EndpointURL, Err: err}
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return &ConnectError{Protocol: ProtocolHTTPJSON, Endpoint: cfg.EndpointURL,
			Err: fmt.Errorf("authentication rejected: %s", resp.Status())}
	}

	a.mu.Lock()
	a.conn = cfg
	a.client = client
	a.mu.Unlock()
	return nil
}

// Subscribe 拉取型协议只记录点位
func (a *HTTPJSONAdapter) Subscribe(ctx context.Context, tags []models.TagMapping) error {
	for _, t := range tags {
		if strings.TrimSpace(t.Address) == "" {
			return &SubscribeError{Protocol: ProtocolHTTPJSON, Address: t.Address, Err: fmt.Errorf("empty tag id")}
		}
	}
	a.mu.Lock()
	a.tags = append([]models.TagMapping(nil), tags...)
	a.mu.Unlock()
	return nil
}

// Poll 逐个点位读取
func (a *HTTPJSONAdapter) Poll(ctx context.Context) ([]models.ProtocolReading, error) {
	a.mu.Lock()
	client, conn, tags := a.client, a.conn, a.tags
	a.mu.Unlock()

	if client == nil {
		return nil, &PollError{Protocol: ProtocolHTTPJSON, Err: errNotConnected}
	}

	readings := make([]models.ProtocolReading, 0, len(tags))
	var firstErr error
	for _, tag := range tags {
		r, err := a.readTag(ctx, client, conn, tag)
		if err != nil {
			if firstErr == nil {
				firstErr = &PollError{Protocol: ProtocolHTTPJSON, Address: tag.Address, Err: err}
			}
			a.logger.Warn("Gateway read failed", zap.String("address", tag.Address), zap.Error(err))
			continue
		}
		readings = append(readings, r)
	}

	if len(readings) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return readings, nil
}

func (a *HTTPJSONAdapter) readTag(ctx context.Context, client *resty.Client, conn models.ConnectionConfig, tag models.TagMapping) (models.ProtocolReading, error) {
	resp, err := client.R().
		SetContext(ctx).
		SetQueryParam("ids", tag.Address).
		SetResult(&gatewayReadResponse{}).
		Get(conn.Param("read_path", "/read"))
	if err != nil {
		return models.ProtocolReading{}, err
	}
	if resp.IsError() {
		return models.ProtocolReading{}, fmt.Errorf("gateway returned %s", resp.Status())
	}

	body, ok := resp.Result().(*gatewayReadResponse)
	if !ok {
		return models.ProtocolReading{}, fmt.Errorf("unexpected response body")
	}
	for _, res := range body.ReadResults {
		if res.ID != tag.Address {
			continue
		}
		ts := a.now()
		if res.Time > 0 {
			ts = time.UnixMilli(res.Time)
		}
		if !res.Status {
			return conn.Reading(tag, ts, 0, models.QualityBad, ProtocolHTTPJSON), nil
		}
		v, err := gatewayValue(res.Value)
		if err != nil {
			return models.ProtocolReading{}, fmt.Errorf("tag %s: %w", tag.Address, err)
		}
		return conn.Reading(tag, ts, tag.Apply(v), models.QualityGood, ProtocolHTTPJSON), nil
	}
	return models.ProtocolReading{}, fmt.Errorf("tag %s missing from response", tag.Address)
}

// gatewayValue 网关值可以是数字、布尔或数字字符串
func gatewayValue(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	}
	return 0, fmt.Errorf("non-numeric value %s", string(raw))
}

// Disconnect 释放客户端，重复调用无副作用
func (a *HTTPJSONAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.GetClient().CloseIdleConnections()
	}
	a.client = nil
	a.tags = nil
	return nil
}
