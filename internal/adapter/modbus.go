package adapter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"wisefido-scada/internal/models"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"
)

// registerTable Modicon 地址表
type registerTable int

const (
	tableCoil registerTable = iota
	tableDiscreteInput
	tableInputRegister
	tableHoldingRegister
)

// modbusTransport goburrow 客户端中用到的读方法
type modbusTransport interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	Close() error
}

type modbusDialer func(cfg models.ConnectionConfig, timeout time.Duration) (modbusTransport, error)

// goburrowTransport 把 handler 的 Close 挂到 modbus.Client 上
type goburrowTransport struct {
	modbus.Client
	closer io.Closer
}

func (t *goburrowTransport) Close() error { return t.closer.Close() }

// modbusPoint 已解析的点位
type modbusPoint struct {
	tag    models.TagMapping
	table  registerTable
	offset uint16
}

// ModbusAdapter Modbus TCP / RTU 适配器（拉取型，无质量概念，一律 Good）
type ModbusAdapter struct {
	protocol string
	dial     modbusDialer
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	conn      models.ConnectionConfig
	transport modbusTransport
	points    []modbusPoint
	wordSwap  bool
}

// NewModbusTCPAdapter 创建 Modbus-TCP 适配器
func NewModbusTCPAdapter(logger *zap.Logger) *ModbusAdapter {
	return &ModbusAdapter{protocol: ProtocolModbusTCP, dial: dialModbusTCP, logger: logger, now: time.Now}
}

// NewModbusRTUAdapter 创建 Modbus-RTU 适配器
func NewModbusRTUAdapter(logger *zap.Logger) *ModbusAdapter {
	return &ModbusAdapter{protocol: ProtocolModbusRTU, dial: dialModbusRTU, logger: logger, now: time.Now}
}

func (a *ModbusAdapter) Protocol() string  { return a.protocol }
func (a *ModbusAdapter) PushCapable() bool { return false }

// Connect 建立 TCP 连接或打开串口
func (a *ModbusAdapter) Connect(ctx context.Context, cfg models.ConnectionConfig) error {
	if mode := strings.ToLower(cfg.SecurityMode); mode != "" && mode != "none" {
		return &ConnectError{Protocol: a.protocol, Endpoint: cfg.EndpointURL,
			Err: fmt.Errorf("security mode %q is not supported by Modbus", cfg.SecurityMode)}
	}
	order := strings.ToUpper(cfg.Param("word_order", "ABCD"))
	if order != "ABCD" && order != "CDAB" {
		return &ConnectError{Protocol: a.protocol, Endpoint: cfg.EndpointURL,
			Err: fmt.Errorf("unknown word_order %q", order)}
	}

	timeout := 5 * time.Second
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left > 0 && left < timeout {
			timeout = left
		}
	}

	t, err := a.dial(cfg, timeout)
	if err != nil {
		return &ConnectError{Protocol: a.protocol, Endpoint: cfg.EndpointURL, Err: err}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.transport != nil {
		a.transport.Close()
	}
	a.conn = cfg
	a.transport = t
	a.wordSwap = order == "CDAB"

	a.logger.Info("Modbus session established", zap.String("endpoint", cfg.EndpointURL))
	return nil
}

// Subscribe Modbus 没有订阅，只解析并记录点位
func (a *ModbusAdapter) Subscribe(ctx context.Context, tags []models.TagMapping) error {
	points := make([]modbusPoint, 0, len(tags))
	for _, tag := range tags {
		table, offset, err := parseModbusAddress(tag.Address)
		if err != nil {
			return &SubscribeError{Protocol: a.protocol, Address: tag.Address, Err: err}
		}
		if (table == tableCoil || table == tableDiscreteInput) && tag.DataType != "" && tag.DataType != "bool" {
			return &SubscribeError{Protocol: a.protocol, Address: tag.Address,
				Err: fmt.Errorf("data type %q is not valid for a bit address", tag.DataType)}
		}
		if _, err := registerCount(tag.DataType); err != nil {
			return &SubscribeError{Protocol: a.protocol, Address: tag.Address, Err: err}
		}
		points = append(points, modbusPoint{tag: tag, table: table, offset: offset})
	}

	a.mu.Lock()
	a.points = points
	a.mu.Unlock()
	return nil
}

// Poll 每个点位一次读请求；部分点位失败只记录告警，全部失败才返回 PollError
func (a *ModbusAdapter) Poll(ctx context.Context) ([]models.ProtocolReading, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.transport == nil {
		return nil, &PollError{Protocol: a.protocol, Err: errNotConnected}
	}

	readings := make([]models.ProtocolReading, 0, len(a.points))
	var firstErr error
	for _, p := range a.points {
		if err := ctx.Err(); err != nil {
			return readings, &PollError{Protocol: a.protocol, Err: err}
		}

		raw, err := a.read(p)
		if err != nil {
			if firstErr == nil {
				firstErr = &PollError{Protocol: a.protocol, Address: p.tag.Address, Err: err}
			}
			a.logger.Warn("Modbus read failed",
				zap.String("address", p.tag.Address),
				zap.String("tag_name", p.tag.TagName),
				zap.Error(err),
			)
			continue
		}
		readings = append(readings, a.conn.Reading(p.tag, a.now(), p.tag.Apply(raw), models.QualityGood, a.protocol))
	}

	if len(readings) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return readings, nil
}

func (a *ModbusAdapter) read(p modbusPoint) (float64, error) {
	switch p.table {
	case tableCoil, tableDiscreteInput:
		var (
			b   []byte
			err error
		)
		if p.table == tableCoil {
			b, err = a.transport.ReadCoils(p.offset, 1)
		} else {
			b, err = a.transport.ReadDiscreteInputs(p.offset, 1)
		}
		if err != nil {
			return 0, err
		}
		if len(b) < 1 {
			return 0, errors.New("short response")
		}
		return float64(b[0] & 0x01), nil
	}

	count, _ := registerCount(p.tag.DataType)
	var (
		b   []byte
		err error
	)
	if p.table == tableHoldingRegister {
		b, err = a.transport.ReadHoldingRegisters(p.offset, count)
	} else {
		b, err = a.transport.ReadInputRegisters(p.offset, count)
	}
	if err != nil {
		return 0, err
	}
	return decodeRegisters(b, p.tag.DataType, a.wordSwap)
}

// Disconnect 关闭连接，重复调用无副作用
func (a *ModbusAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.transport == nil {
		return nil
	}
	err := a.transport.Close()
	a.transport = nil
	if err != nil {
		return &DisconnectError{Protocol: a.protocol, Err: err}
	}
	return nil
}

// parseModbusAddress 解析 Modicon 地址（40001 / 400001 形式，1 起始）
func parseModbusAddress(addr string) (registerTable, uint16, error) {
	addr = strings.TrimSpace(addr)
	if len(addr) != 5 && len(addr) != 6 {
		return 0, 0, fmt.Errorf("invalid Modbus address %q: expected 5 or 6 digits", addr)
	}
	n, err := strconv.Atoi(addr[1:])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid Modbus address %q: %w", addr, err)
	}
	if n < 1 || n > 65536 {
		return 0, 0, fmt.Errorf("invalid Modbus address %q: register out of range", addr)
	}

	var table registerTable
	switch addr[0] {
	case '0':
		table = tableCoil
	case '1':
		table = tableDiscreteInput
	case '3':
		table = tableInputRegister
	case '4':
		table = tableHoldingRegister
	default:
		return 0, 0, fmt.Errorf("invalid Modbus address %q: unknown table %c", addr, addr[0])
	}
	return table, uint16(n - 1), nil
}

// registerCount 数据类型占用的寄存器数量
func registerCount(dataType string) (uint16, error) {
	switch strings.ToLower(dataType) {
	case "", "uint16", "int16", "bool":
		return 1, nil
	case "uint32", "int32", "float32":
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported Modbus data type %q", dataType)
	}
}

// decodeRegisters 大端字节序解码；wordSwap 为 CDAB 字序
func decodeRegisters(b []byte, dataType string, wordSwap bool) (float64, error) {
	count, err := registerCount(dataType)
	if err != nil {
		return 0, err
	}
	if len(b) < int(count)*2 {
		return 0, fmt.Errorf("short response: got %d bytes, want %d", len(b), count*2)
	}

	switch strings.ToLower(dataType) {
	case "", "uint16":
		return float64(binary.BigEndian.Uint16(b)), nil
	case "int16":
		return float64(int16(binary.BigEndian.Uint16(b))), nil
	case "bool":
		if binary.BigEndian.Uint16(b) != 0 {
			return 1, nil
		}
		return 0, nil
	}

	v := binary.BigEndian.Uint32(b[:4])
	if wordSwap {
		v = v<<16 | v>>16
	}
	switch strings.ToLower(dataType) {
	case "uint32":
		return float64(v), nil
	case "int32":
		return float64(int32(v)), nil
	default:
		return float64(math.Float32frombits(v)), nil
	}
}

func unitID(cfg models.ConnectionConfig) (byte, error) {
	n, err := strconv.Atoi(cfg.Param("unit_id", "1"))
	if err != nil || n < 0 || n > 247 {
		return 0, fmt.Errorf("invalid unit_id %q", cfg.Param("unit_id", ""))
	}
	return byte(n), nil
}

// tcpAddress 接受 tcp://host:port 或 host:port，默认端口 502
func tcpAddress(endpoint string) (string, error) {
	host := endpoint
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
		}
		host = u.Host
	}
	if host == "" {
		return "", fmt.Errorf("invalid endpoint %q: missing host", endpoint)
	}
	if !strings.Contains(host, ":") {
		host += ":502"
	}
	return host, nil
}

func dialModbusTCP(cfg models.ConnectionConfig, timeout time.Duration) (modbusTransport, error) {
	addr, err := tcpAddress(cfg.EndpointURL)
	if err != nil {
		return nil, err
	}
	unit, err := unitID(cfg)
	if err != nil {
		return nil, err
	}

	handler := modbus.NewTCPClientHandler(addr)
	handler.Timeout = timeout
	handler.SlaveId = unit
	if err := handler.Connect(); err != nil {
		return nil, err
	}
	return &goburrowTransport{Client: modbus.NewClient(handler), closer: handler}, nil
}

func dialModbusRTU(cfg models.ConnectionConfig, timeout time.Duration) (modbusTransport, error) {
	device := strings.TrimPrefix(cfg.EndpointURL, "rtu://")
	if device == "" {
		return nil, errors.New("missing serial device path")
	}
	unit, err := unitID(cfg)
	if err != nil {
		return nil, err
	}
	baud, err := strconv.Atoi(cfg.Param("baud_rate", "9600"))
	if err != nil {
		return nil, fmt.Errorf("invalid baud_rate: %w", err)
	}
	dataBits, err := strconv.Atoi(cfg.Param("data_bits", "8"))
	if err != nil {
		return nil, fmt.Errorf("invalid data_bits: %w", err)
	}
	stopBits, err := strconv.Atoi(cfg.Param("stop_bits", "1"))
	if err != nil {
		return nil, fmt.Errorf("invalid stop_bits: %w", err)
	}

	handler := modbus.NewRTUClientHandler(device)
	handler.BaudRate = baud
	handler.DataBits = dataBits
	handler.Parity = strings.ToUpper(cfg.Param("parity", "N"))
	handler.StopBits = stopBits
	handler.SlaveId = unit
	handler.Timeout = timeout
	if err := handler.Connect(); err != nil {
		return nil, err
	}
	return &goburrowTransport{Client: modbus.NewClient(handler), closer: handler}, nil
}
