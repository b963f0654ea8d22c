package models

import "time"

// TenantStatusSuspended 被暂停的租户不参与采集
const TenantStatusSuspended = "SUSPENDED"

// Tenant 主注册库中的租户记录
type Tenant struct {
	TenantID    string
	DatabaseURL string
	Status      string
}

// TagMapping 协议地址到语义点位的映射
// Address: OPC-UA node id / Modbus 寄存器号 / MQTT topic / 网关 tag id
type TagMapping struct {
	MappingID    string
	ConnectionID string
	Address      string
	WellID       string
	TagName      string
	DataType     string
	Unit         string
	Scale        float64 // 0 视为 1
	Offset       float64
}

// Apply 原始值换算为工程值 raw*Scale+Offset
func (t TagMapping) Apply(raw float64) float64 {
	scale := t.Scale
	if scale == 0 {
		scale = 1
	}
	return raw*scale + t.Offset
}

// ConnectionConfig 一个设备端点
type ConnectionConfig struct {
	ConnectionID   string
	TenantID       string
	WellID         string
	ProtocolType   string
	EndpointURL    string
	Username       string
	Password       string
	SecurityMode   string
	SecurityPolicy string
	Params         map[string]string // 协议相关参数（unit_id、baud_rate、qos 等）
	PollInterval   time.Duration     // 0 表示使用全局默认
	IsEnabled      bool
	Tags           []TagMapping
}

// Param 读取协议参数，缺省返回 def
func (c ConnectionConfig) Param(key, def string) string {
	if v, ok := c.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Reading 按映射构造读数，时间统一为 UTC
func (c ConnectionConfig) Reading(tag TagMapping, ts time.Time, value float64, quality Quality, protocol string) ProtocolReading {
	wellID := tag.WellID
	if wellID == "" {
		wellID = c.WellID
	}
	return ProtocolReading{
		Timestamp:      ts.UTC(),
		TenantID:       c.TenantID,
		WellID:         wellID,
		TagName:        tag.TagName,
		Value:          value,
		Quality:        quality,
		SourceProtocol: protocol,
		ConnectionID:   c.ConnectionID,
	}
}
