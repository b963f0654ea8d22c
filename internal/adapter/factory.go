package adapter

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Constructor 适配器构造函数
type Constructor func(logger *zap.Logger) ProtocolAdapter

// Factory 协议类型到适配器实现的唯一注册表
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	names        map[string]string
	logger       *zap.Logger
}

// NewFactory 创建工厂并注册内置协议
func NewFactory(logger *zap.Logger) *Factory {
	f := &Factory{
		constructors: make(map[string]Constructor),
		names:        make(map[string]string),
		logger:       logger,
	}
	f.Register(ProtocolOPCUA, func(l *zap.Logger) ProtocolAdapter { return NewOPCUAAdapter(l) })
	f.Register(ProtocolModbusTCP, func(l *zap.Logger) ProtocolAdapter { return NewModbusTCPAdapter(l) })
	f.Register(ProtocolModbusRTU, func(l *zap.Logger) ProtocolAdapter { return NewModbusRTUAdapter(l) })
	f.Register(ProtocolMQTT, func(l *zap.Logger) ProtocolAdapter { return NewMQTTAdapter(l) })
	f.Register(ProtocolHTTPJSON, func(l *zap.Logger) ProtocolAdapter { return NewHTTPJSONAdapter(l) })
	return f
}

// normalize "Modbus-TCP" / "modbus_tcp" / "MODBUS TCP" 视为同一协议
func normalize(protocolType string) string {
	r := strings.NewReplacer("-", "", "_", "", " ", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(protocolType)))
}

// Register 注册（或覆盖）协议实现
func (f *Factory) Register(protocolType string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := normalize(protocolType)
	f.constructors[key] = c
	f.names[key] = protocolType
}

// CreateAdapter 按协议类型创建适配器，未知类型返回 UnsupportedProtocolError
func (f *Factory) CreateAdapter(protocolType string) (ProtocolAdapter, error) {
	f.mu.RLock()
	c, ok := f.constructors[normalize(protocolType)]
	f.mu.RUnlock()
	if !ok || protocolType == "" {
		return nil, &UnsupportedProtocolError{ProtocolType: protocolType, Supported: f.Supported()}
	}
	return c(f.logger.With(zap.String("protocol", protocolType))), nil
}

// IsSupported 协议类型是否已注册
func (f *Factory) IsSupported(protocolType string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.constructors[normalize(protocolType)]
	return ok
}

// Supported 已注册的协议名称（排序后）
func (f *Factory) Supported() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.names))
	for _, n := range f.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
