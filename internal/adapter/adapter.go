// Package adapter 工业协议适配层
// 每种协议一个实现，统一输出 models.ProtocolReading，由 Factory 按协议类型创建
package adapter

import (
	"context"
	"errors"
	"fmt"

	"wisefido-scada/internal/models"
)

// 协议名称（写入 ProtocolReading.SourceProtocol）
const (
	ProtocolOPCUA     = "OPC-UA"
	ProtocolModbusTCP = "Modbus-TCP"
	ProtocolModbusRTU = "Modbus-RTU"
	ProtocolMQTT      = "MQTT"
	ProtocolHTTPJSON  = "HTTP-JSON"
)

// ProtocolAdapter 单个设备连接的协议适配器
type ProtocolAdapter interface {
	// Protocol 协议名称
	Protocol() string
	// PushCapable 是否由服务端推送（订阅型）
	PushCapable() bool
	// Connect 建立会话
	Connect(ctx context.Context, cfg models.ConnectionConfig) error
	// Subscribe 登记点位；拉取型协议只记录点位，不报错
	Subscribe(ctx context.Context, tags []models.TagMapping) error
	// Poll 返回自上次调用以来的新读数；推送型协议非阻塞地取出缓冲
	Poll(ctx context.Context) ([]models.ProtocolReading, error)
	// Disconnect 释放会话，幂等
	Disconnect(ctx context.Context) error
}

// ConnectError 连接失败（端点不可达、认证失败、安全模式不支持）
type ConnectError struct {
	Protocol string
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s connect to %s failed: %v", e.Protocol, e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SubscribeError 订阅失败
type SubscribeError struct {
	Protocol string
	Address  string
	Err      error
}

func (e *SubscribeError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("%s subscribe failed: %v", e.Protocol, e.Err)
	}
	return fmt.Sprintf("%s subscribe %s failed: %v", e.Protocol, e.Address, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// PollError 轮询失败
type PollError struct {
	Protocol string
	Address  string
	Err      error
}

func (e *PollError) Error() string {
	if e.Address == "" {
		return fmt.Sprintf("%s poll failed: %v", e.Protocol, e.Err)
	}
	return fmt.Sprintf("%s poll %s failed: %v", e.Protocol, e.Address, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

// DisconnectError 断开失败
type DisconnectError struct {
	Protocol string
	Err      error
}

func (e *DisconnectError) Error() string {
	return fmt.Sprintf("%s disconnect failed: %v", e.Protocol, e.Err)
}

func (e *DisconnectError) Unwrap() error { return e.Err }

// UnsupportedProtocolError 未注册的协议类型
type UnsupportedProtocolError struct {
	ProtocolType string
	Supported    []string
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("unsupported protocol type %q (supported: %v)", e.ProtocolType, e.Supported)
}

// errNotConnected 未连接时调用 Poll/Subscribe
var errNotConnected = errors.New("adapter is not connected")
