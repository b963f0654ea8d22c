package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"wisefido-scada/internal/models"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOPCUAQuality(t *testing.T) {
	assert.Equal(t, models.QualityGood, opcuaQuality(ua.StatusOK))
	assert.Equal(t, models.QualityUncertain, opcuaQuality(ua.StatusCode(0x40000000)))
	assert.Equal(t, models.QualityBad, opcuaQuality(ua.StatusBadNodeIDUnknown))
	assert.Equal(t, models.QualityBad, opcuaQuality(ua.StatusCode(0xC0000000)))
}

func TestVariantToFloat(t *testing.T) {
	for _, in := range []interface{}{float64(1.5), float32(1.5)} {
		v, ok := variantToFloat(ua.MustVariant(in))
		require.True(t, ok)
		assert.Equal(t, 1.5, v)
	}
	v, ok := variantToFloat(ua.MustVariant(int32(-7)))
	require.True(t, ok)
	assert.Equal(t, -7.0, v)

	v, ok = variantToFloat(ua.MustVariant(true))
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	_, ok = variantToFloat(ua.MustVariant("text"))
	assert.False(t, ok)
	_, ok = variantToFloat(nil)
	assert.False(t, ok)
}

func newNotifiedOPCUA() *OPCUAAdapter {
	a := NewOPCUAAdapter(zap.NewNop())
	a.conn = models.ConnectionConfig{ConnectionID: "c-ua", TenantID: "tenant-a", WellID: "WELL-1"}
	a.handles = map[uint32]models.TagMapping{
		1: {Address: "ns=2;s=Well1.TubingPressure", TagName: "tubing_pressure"},
		2: {Address: "ns=2;s=Well1.OilRate", TagName: "oil_rate"},
	}
	return a
}

func TestOPCUA_HandleNotification(t *testing.T) {
	a := newNotifiedOPCUA()
	ts := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	a.handleNotification(&opcua.PublishNotificationData{
		Value: &ua.DataChangeNotification{
			MonitoredItems: []*ua.MonitoredItemNotification{
				{ClientHandle: 1, Value: &ua.DataValue{Value: ua.MustVariant(1200.5), Status: ua.StatusOK, SourceTimestamp: ts}},
				{ClientHandle: 2, Value: &ua.DataValue{Value: ua.MustVariant(float32(310)), Status: ua.StatusCode(0x40920000)}},
				{ClientHandle: 99, Value: &ua.DataValue{Value: ua.MustVariant(1.0)}},
				{ClientHandle: 1, Value: &ua.DataValue{Value: ua.MustVariant("oops"), Status: ua.StatusOK}},
			},
		},
	})

	// Poll 需要已建立会话，这里直接读取缓冲
	require.Len(t, a.pending, 3)

	assert.Equal(t, 1200.5, a.pending[0].Value)
	assert.Equal(t, models.QualityGood, a.pending[0].Quality)
	assert.Equal(t, ts, a.pending[0].Timestamp)
	assert.Equal(t, "OPC-UA", a.pending[0].SourceProtocol)
	assert.Equal(t, "tenant-a", a.pending[0].TenantID)

	assert.Equal(t, models.QualityUncertain, a.pending[1].Quality)
	assert.Equal(t, models.QualityBad, a.pending[2].Quality)
}

func TestOPCUA_HandleNotificationIgnoresErrors(t *testing.T) {
	a := newNotifiedOPCUA()
	a.handleNotification(nil)
	a.handleNotification(&opcua.PublishNotificationData{Error: errors.New("session closed")})
	a.handleNotification(&opcua.PublishNotificationData{Value: &ua.StatusChangeNotification{}})
	assert.Empty(t, a.pending)
}

func TestOPCUA_BufferOverflowDropsOldest(t *testing.T) {
	a := newNotifiedOPCUA()
	a.maxPending = 2

	for i := 0; i < 3; i++ {
		a.handleNotification(&opcua.PublishNotificationData{
			Value: &ua.DataChangeNotification{
				MonitoredItems: []*ua.MonitoredItemNotification{
					{ClientHandle: 2, Value: &ua.DataValue{Value: ua.MustVariant(float64(i)), Status: ua.StatusOK}},
				},
			},
		})
	}
	require.Len(t, a.pending, 2)
	assert.Equal(t, 1.0, a.pending[0].Value)
	assert.Equal(t, 2.0, a.pending[1].Value)
	assert.Equal(t, uint64(1), a.dropped)
}

func TestOPCUA_ClientOptions(t *testing.T) {
	_, err := clientOptions(models.ConnectionConfig{SecurityMode: "Rot13"})
	assert.Error(t, err)

	opts, err := clientOptions(models.ConnectionConfig{Username: "op", Password: "pw"})
	require.NoError(t, err)
	assert.NotEmpty(t, opts)
}

func TestOPCUA_SubscribeRequiresSession(t *testing.T) {
	a := NewOPCUAAdapter(zap.NewNop())
	err := a.Subscribe(context.Background(), []models.TagMapping{{Address: "ns=2;s=X"}})
	var se *SubscribeError
	assert.True(t, errors.As(err, &se))
}
