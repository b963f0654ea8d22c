package adapter

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"wisefido-scada/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockModbusTransport 是 modbusTransport 的 mock 实现
type MockModbusTransport struct {
	mock.Mock
}

func (m *MockModbusTransport) ReadCoils(address, quantity uint16) ([]byte, error) {
	args := m.Called(address, quantity)
	return bytesArg(args, 0), args.Error(1)
}

func (m *MockModbusTransport) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	args := m.Called(address, quantity)
	return bytesArg(args, 0), args.Error(1)
}

func (m *MockModbusTransport) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	args := m.Called(address, quantity)
	return bytesArg(args, 0), args.Error(1)
}

func (m *MockModbusTransport) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	args := m.Called(address, quantity)
	return bytesArg(args, 0), args.Error(1)
}

func (m *MockModbusTransport) Close() error {
	return m.Called().Error(0)
}

func bytesArg(args mock.Arguments, i int) []byte {
	if args.Get(i) == nil {
		return nil
	}
	return args.Get(i).([]byte)
}

func newTestModbus(t *testing.T, transport *MockModbusTransport) *ModbusAdapter {
	t.Helper()
	a := NewModbusTCPAdapter(zap.NewNop())
	a.dial = func(cfg models.ConnectionConfig, timeout time.Duration) (modbusTransport, error) {
		return transport, nil
	}
	a.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

func modbusConn() models.ConnectionConfig {
	return models.ConnectionConfig{
		ConnectionID: "conn-1",
		TenantID:     "tenant-a",
		WellID:       "WELL-7",
		ProtocolType: "Modbus-TCP",
		EndpointURL:  "tcp://10.0.0.5:502",
		IsEnabled:    true,
	}
}

// 40001 映射 oil_rate，寄存器值 250，一次轮询得到 250.0 / Good / Modbus-TCP
func TestModbus_HappyPath(t *testing.T) {
	transport := new(MockModbusTransport)
	transport.On("ReadHoldingRegisters", uint16(0), uint16(1)).Return([]byte{0x00, 0xFA}, nil)
	transport.On("Close").Return(nil)

	a := newTestModbus(t, transport)
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx, modbusConn()))
	require.NoError(t, a.Subscribe(ctx, []models.TagMapping{
		{Address: "40001", TagName: "oil_rate", DataType: "uint16", Unit: "bbl/d"},
	}))

	readings, err := a.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, readings, 1)

	r := readings[0]
	assert.Equal(t, 250.0, r.Value)
	assert.Equal(t, models.QualityGood, r.Quality)
	assert.Equal(t, "Modbus-TCP", r.SourceProtocol)
	assert.Equal(t, "tenant-a", r.TenantID)
	assert.Equal(t, "WELL-7", r.WellID)
	assert.Equal(t, "oil_rate", r.TagName)

	require.NoError(t, a.Disconnect(ctx))
	require.NoError(t, a.Disconnect(ctx))
	transport.AssertNumberOfCalls(t, "Close", 1)
}

func TestModbus_Float32AndWordOrder(t *testing.T) {
	bits := math.Float32bits(1234.5)
	abcd := make([]byte, 4)
	binary.BigEndian.PutUint32(abcd, bits)
	cdab := []byte{abcd[2], abcd[3], abcd[0], abcd[1]}

	transport := new(MockModbusTransport)
	transport.On("ReadInputRegisters", uint16(9), uint16(2)).Return(cdab, nil)

	a := newTestModbus(t, transport)
	cfg := modbusConn()
	cfg.Params = map[string]string{"word_order": "CDAB"}
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx, cfg))
	require.NoError(t, a.Subscribe(ctx, []models.TagMapping{
		{Address: "30010", TagName: "casing_pressure", DataType: "float32", Scale: 2},
	}))

	readings, err := a.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.InDelta(t, 2469.0, readings[0].Value, 0.001)
}

func TestModbus_CoilAndPartialFailure(t *testing.T) {
	transport := new(MockModbusTransport)
	transport.On("ReadCoils", uint16(4), uint16(1)).Return([]byte{0x01}, nil)
	transport.On("ReadHoldingRegisters", uint16(99), uint16(1)).Return(nil, errors.New("illegal data address"))

	a := newTestModbus(t, transport)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx, modbusConn()))
	require.NoError(t, a.Subscribe(ctx, []models.TagMapping{
		{Address: "00005", TagName: "pump_running", DataType: "bool"},
		{Address: "40100", TagName: "bad_tag"},
	}))

	// 部分点位失败时仍返回成功的读数
	readings, err := a.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 1.0, readings[0].Value)
}

func TestModbus_AllReadsFail(t *testing.T) {
	transport := new(MockModbusTransport)
	transport.On("ReadHoldingRegisters", uint16(0), uint16(1)).Return(nil, errors.New("i/o timeout"))

	a := newTestModbus(t, transport)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx, modbusConn()))
	require.NoError(t, a.Subscribe(ctx, []models.TagMapping{{Address: "40001", TagName: "oil_rate"}}))

	_, err := a.Poll(ctx)
	var pe *PollError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "40001", pe.Address)
}

func TestModbus_ConnectErrors(t *testing.T) {
	a := NewModbusTCPAdapter(zap.NewNop())
	a.dial = func(cfg models.ConnectionConfig, timeout time.Duration) (modbusTransport, error) {
		return nil, errors.New("connection refused")
	}

	err := a.Connect(context.Background(), modbusConn())
	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ProtocolModbusTCP, ce.Protocol)

	cfg := modbusConn()
	cfg.SecurityMode = "SignAndEncrypt"
	err = a.Connect(context.Background(), cfg)
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Error(), "security mode")
}

func TestModbus_SubscribeRejectsBadAddress(t *testing.T) {
	a := newTestModbus(t, new(MockModbusTransport))
	err := a.Subscribe(context.Background(), []models.TagMapping{{Address: "50001", TagName: "x"}})
	var se *SubscribeError
	require.True(t, errors.As(err, &se))

	err = a.Subscribe(context.Background(), []models.TagMapping{{Address: "00001", TagName: "x", DataType: "float32"}})
	require.True(t, errors.As(err, &se))
}

func TestParseModbusAddress(t *testing.T) {
	tests := []struct {
		addr   string
		table  registerTable
		offset uint16
		ok     bool
	}{
		{"40001", tableHoldingRegister, 0, true},
		{"400001", tableHoldingRegister, 0, true},
		{"465536", tableHoldingRegister, 65535, true},
		{"30010", tableInputRegister, 9, true},
		{"10001", tableDiscreteInput, 0, true},
		{"00017", tableCoil, 16, true},
		{"40000", 0, 0, false},
		{"4001", 0, 0, false},
		{"2x001", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tt := range tests {
		table, offset, err := parseModbusAddress(tt.addr)
		if !tt.ok {
			assert.Error(t, err, tt.addr)
			continue
		}
		require.NoError(t, err, tt.addr)
		assert.Equal(t, tt.table, table, tt.addr)
		assert.Equal(t, tt.offset, offset, tt.addr)
	}
}

func TestDecodeRegisters(t *testing.T) {
	v, err := decodeRegisters([]byte{0xFF, 0x38}, "int16", false)
	require.NoError(t, err)
	assert.Equal(t, -200.0, v)

	v, err = decodeRegisters([]byte{0x00, 0x01, 0x00, 0x02}, "uint32", false)
	require.NoError(t, err)
	assert.Equal(t, float64(65538), v)

	v, err = decodeRegisters([]byte{0x00, 0x02, 0x00, 0x01}, "uint32", true)
	require.NoError(t, err)
	assert.Equal(t, float64(65538), v)

	_, err = decodeRegisters([]byte{0x00}, "uint16", false)
	assert.Error(t, err)
}

func TestTCPAddress(t *testing.T) {
	addr, err := tcpAddress("tcp://10.0.0.5:1502")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:1502", addr)

	addr, err = tcpAddress("plc.local")
	require.NoError(t, err)
	assert.Equal(t, "plc.local:502", addr)

	_, err = tcpAddress("tcp://")
	assert.Error(t, err)
}
