package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"wisefido-scada/internal/models"
	"wisefido-scada/owl-common/config"
	ownmqtt "wisefido-scada/owl-common/mqtt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// mqttSession owl-common MQTT 客户端中用到的方法
type mqttSession interface {
	Subscribe(topic string, qos byte, handler ownmqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
	Disconnect()
	IsConnected() bool
}

type mqttDialer func(cfg *config.MQTTConfig, logger *zap.Logger) (mqttSession, error)

func dialMQTT(cfg *config.MQTTConfig, logger *zap.Logger) (mqttSession, error) {
	c, err := ownmqtt.NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// mqttTopicTag topic 上的一个点位；Field 非空时从 JSON 对象中取该字段
type mqttTopicTag struct {
	tag   models.TagMapping
	field string
}

// MQTTAdapter MQTT 适配器（推送型）
// 点位地址为 topic，或 topic#field 表示从 JSON 负载中取某个字段
type MQTTAdapter struct {
	logger     *zap.Logger
	dial       mqttDialer
	now        func() time.Time
	maxPending int

	mu      sync.Mutex
	conn    models.ConnectionConfig
	session mqttSession
	qos     byte
	topics  map[string][]mqttTopicTag
	pending []models.ProtocolReading
}

// NewMQTTAdapter 创建 MQTT 适配器
func NewMQTTAdapter(logger *zap.Logger) *MQTTAdapter {
	return &MQTTAdapter{
		logger:     logger,
		dial:       dialMQTT,
		now:        time.Now,
		maxPending: defaultPushBuffer,
		topics:     make(map[string][]mqttTopicTag),
	}
}

func (a *MQTTAdapter) Protocol() string  { return ProtocolMQTT }
func (a *MQTTAdapter) PushCapable() bool { return true }

// Connect 连接 broker
func (a *MQTTAdapter) Connect(ctx context.Context, cfg models.ConnectionConfig) error {
	qos, err := strconv.Atoi(cfg.Param("qos", "1"))
	if err != nil || qos < 0 || qos > 2 {
		return &ConnectError{Protocol: ProtocolMQTT, Endpoint: cfg.EndpointURL,
			Err: fmt.Errorf("invalid qos %q", cfg.Param("qos", ""))}
	}

	clientID := cfg.Param("client_id", "")
	if clientID == "" {
		clientID = "scada-" + cfg.ConnectionID + "-" + uuid.NewString()[:8]
	}
	timeout := 10 * time.Second
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left > 0 && left < timeout {
			timeout = left
		}
	}

	session, err := a.dial(&config.MQTTConfig{
		Broker:         cfg.EndpointURL,
		ClientID:       clientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		QoS:            byte(qos),
		CleanSession:   true,
		ConnectTimeout: timeout,
	}, a.logger)
	if err != nil {
		return &ConnectError{Protocol: ProtocolMQTT, Endpoint: cfg.EndpointURL, Err: err}
	}

	a.mu.Lock()
	a.conn = cfg
	a.session = session
	a.qos = byte(qos)
	a.mu.Unlock()
	return nil
}

// splitTopicField 拆分 topic#field；"a/#" 这类通配符不拆
func splitTopicField(addr string) (string, string) {
	idx := strings.LastIndex(addr, "#")
	if idx <= 0 || addr[idx-1] == '/' || idx == len(addr)-1 {
		return addr, ""
	}
	return addr[:idx], addr[idx+1:]
}

// validTopicFilter 检查 MQTT 订阅过滤器：+ 独占一级，# 只能是最后一级
func validTopicFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return false
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return false
		}
	}
	return true
}

// topicMatches 按 MQTT 规则判断具体 topic 是否匹配过滤器
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	// $SYS 等系统主题不被首级通配符匹配
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, level := range fl {
		if level == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if level != "+" && level != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

// Subscribe 为每个订阅过滤器登记处理函数，过滤器可含 + / # 通配符
func (a *MQTTAdapter) Subscribe(ctx context.Context, tags []models.TagMapping) error {
	a.mu.Lock()
	session, qos := a.session, a.qos
	a.mu.Unlock()
	if session == nil {
		return &SubscribeError{Protocol: ProtocolMQTT, Err: errNotConnected}
	}

	topics := make(map[string][]mqttTopicTag)
	for _, tag := range tags {
		topic, field := splitTopicField(tag.Address)
		if topic == "" {
			return &SubscribeError{Protocol: ProtocolMQTT, Address: tag.Address, Err: errors.New("empty topic")}
		}
		if !validTopicFilter(topic) {
			return &SubscribeError{Protocol: ProtocolMQTT, Address: tag.Address, Err: errors.New("invalid topic filter")}
		}
		topics[topic] = append(topics[topic], mqttTopicTag{tag: tag, field: field})
	}

	a.mu.Lock()
	a.topics = topics
	a.mu.Unlock()

	for filter := range topics {
		filter := filter
		handler := func(topic string, payload []byte) error {
			return a.handleMessage(filter, topic, payload)
		}
		if err := session.Subscribe(filter, qos, handler); err != nil {
			return &SubscribeError{Protocol: ProtocolMQTT, Address: filter, Err: err}
		}
	}
	return nil
}

// mqttPayload JSON 负载
type mqttPayload struct {
	Value     *float64        `json:"value"`
	Quality   json.RawMessage `json:"quality"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// handleMessage 解析 filter 订阅收到的消息并放入缓冲
// topic 为消息的具体主题，重叠的过滤器各自只处理自己的点位
func (a *MQTTAdapter) handleMessage(filter, topic string, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, ok := a.topics[filter]
	if !ok || !topicMatches(filter, topic) {
		return nil
	}

	now := a.now()
	for _, e := range entries {
		value, quality, ts, err := parseMQTTPayload(payload, e.field, now)
		if err != nil {
			return fmt.Errorf("tag %s: %w", e.tag.TagName, err)
		}
		a.pending = append(a.pending, a.conn.Reading(e.tag, ts, e.tag.Apply(value), quality, ProtocolMQTT))
	}

	if over := len(a.pending) - a.maxPending; over > 0 {
		a.pending = append(a.pending[:0:0], a.pending[over:]...)
		a.logger.Warn("MQTT message buffer overflow, dropping oldest", zap.Int("dropped", over))
	}
	return nil
}

// parseMQTTPayload 支持纯数字、{"value","quality","timestamp"} 以及按字段取值的 JSON 对象
func parseMQTTPayload(payload []byte, field string, now time.Time) (float64, models.Quality, time.Time, error) {
	text := strings.TrimSpace(string(payload))
	if field == "" {
		if v, err := strconv.ParseFloat(text, 64); err == nil {
			return v, models.QualityGood, now, nil
		}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return 0, "", time.Time{}, fmt.Errorf("failed to parse payload: %w", err)
	}

	var p mqttPayload
	if field != "" {
		raw, ok := obj[field]
		if !ok {
			return 0, "", time.Time{}, fmt.Errorf("field %q not in payload", field)
		}
		// 字段本身可以是数字或 {"value",...} 对象
		var v float64
		if err := json.Unmarshal(raw, &v); err == nil {
			p.Value = &v
			p.Quality = obj["quality"]
			p.Timestamp = obj["timestamp"]
		} else if err := json.Unmarshal(raw, &p); err != nil {
			return 0, "", time.Time{}, fmt.Errorf("field %q: %w", field, err)
		}
	} else if err := json.Unmarshal([]byte(text), &p); err != nil {
		return 0, "", time.Time{}, fmt.Errorf("failed to parse payload: %w", err)
	}

	if p.Value == nil {
		return 0, "", time.Time{}, errors.New("payload has no value")
	}
	return *p.Value, parseMQTTQuality(p.Quality), parseMQTTTimestamp(p.Timestamp, now), nil
}

// parseMQTTQuality 接受质量名称或 OPC-DA 数值码（>=192 Good，64..191 Uncertain）
func parseMQTTQuality(raw json.RawMessage) models.Quality {
	if len(raw) == 0 || string(raw) == "null" {
		return models.QualityGood
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return models.ParseQuality(s)
	}
	var code int
	if err := json.Unmarshal(raw, &code); err == nil {
		switch {
		case code >= 192:
			return models.QualityGood
		case code >= 64:
			return models.QualityUncertain
		}
	}
	return models.QualityBad
}

// parseMQTTTimestamp 接受 RFC3339 字符串、秒或毫秒；无法解析时使用接收时间
func parseMQTTTimestamp(raw json.RawMessage, now time.Time) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return now
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
		return now
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(int64(n))
		}
		return time.Unix(int64(n), 0)
	}
	return now
}

// Poll 非阻塞地取出已缓冲的消息
func (a *MQTTAdapter) Poll(ctx context.Context) ([]models.ProtocolReading, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, &PollError{Protocol: ProtocolMQTT, Err: errNotConnected}
	}
	out := a.pending
	a.pending = nil
	// 连接断开后先交出已缓冲的读数，下一次轮询再报错以触发重连
	if len(out) == 0 && !a.session.IsConnected() {
		return nil, &PollError{Protocol: ProtocolMQTT, Err: errors.New("broker connection lost")}
	}
	return out, nil
}

// Disconnect 取消订阅并断开，重复调用无副作用
func (a *MQTTAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	session := a.session
	topics := make([]string, 0, len(a.topics))
	for t := range a.topics {
		topics = append(topics, t)
	}
	a.session = nil
	a.topics = make(map[string][]mqttTopicTag)
	a.pending = nil
	a.mu.Unlock()

	if session == nil {
		return nil
	}
	var err error
	if len(topics) > 0 {
		err = session.Unsubscribe(topics...)
	}
	session.Disconnect()
	if err != nil {
		return &DisconnectError{Protocol: ProtocolMQTT, Err: err}
	}
	return nil
}
