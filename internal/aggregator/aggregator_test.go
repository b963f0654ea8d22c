package aggregator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"wisefido-scada/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type deliveredBatch struct {
	tenantID string
	readings []models.ProtocolReading
	at       time.Time
}

// recordingSink 记录送达的批次；gate 非空时阻塞直到被关闭
type recordingSink struct {
	mu      sync.Mutex
	batches []deliveredBatch
	gate    chan struct{}
}

func (s *recordingSink) HandleBatch(ctx context.Context, tenantID string, batch []models.ProtocolReading) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, deliveredBatch{tenantID: tenantID, readings: batch, at: time.Now()})
}

func (s *recordingSink) snapshot() []deliveredBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]deliveredBatch(nil), s.batches...)
}

func (s *recordingSink) count() int {
	n := 0
	for _, b := range s.snapshot() {
		n += len(b.readings)
	}
	return n
}

func testReading(tenant string, i int) models.ProtocolReading {
	return models.ProtocolReading{
		Timestamp:      time.Unix(int64(i), 0).UTC(),
		TenantID:       tenant,
		WellID:         "WELL-1",
		TagName:        "oil_rate",
		Value:          float64(i),
		Quality:        models.QualityGood,
		SourceProtocol: "Modbus-TCP",
	}
}

// max_buffer_size=3 时第三条读数立即触发刷新，缓冲随即为空
func TestAggregator_SizeTriggeredFlush(t *testing.T) {
	sink := &recordingSink{}
	agg := New(Config{MaxBufferSize: 3, FlushInterval: time.Hour}, sink, zap.NewNop(), nil)
	defer agg.Close(context.Background())

	for i := 0; i < 2; i++ {
		require.NoError(t, agg.AddReading(testReading("tenant-a", i)))
	}
	assert.Equal(t, 2, agg.Len("tenant-a"))
	assert.Equal(t, StateAccumulating, agg.State("tenant-a"))

	require.NoError(t, agg.AddReading(testReading("tenant-a", 2)))
	assert.Equal(t, 0, agg.Len("tenant-a"))

	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)
	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "tenant-a", batches[0].tenantID)
	assert.Eventually(t, func() bool { return agg.State("tenant-a") == StateEmpty }, time.Second, 5*time.Millisecond)
}

// 低速率下读数在 FlushInterval 内被刷新
func TestAggregator_TimeBasedFlushBound(t *testing.T) {
	sink := &recordingSink{}
	interval := 50 * time.Millisecond
	agg := New(Config{MaxBufferSize: 1000, FlushInterval: interval}, sink, zap.NewNop(), nil)
	defer agg.Close(context.Background())

	added := time.Now()
	require.NoError(t, agg.AddReading(testReading("tenant-a", 1)))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 2*time.Millisecond)
	batches := sink.snapshot()
	// 留出调度余量
	assert.LessOrEqual(t, batches[0].at.Sub(added), interval+100*time.Millisecond)
	assert.False(t, agg.LastFlush("tenant-a").IsZero())
}

func TestAggregator_FIFOWithinTenant(t *testing.T) {
	sink := &recordingSink{}
	agg := New(Config{MaxBufferSize: 4, FlushInterval: 10 * time.Millisecond}, sink, zap.NewNop(), nil)

	for i := 0; i < 103; i++ {
		require.NoError(t, agg.AddReading(testReading("tenant-a", i)))
		if i%17 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	require.NoError(t, agg.Close(context.Background()))

	var values []float64
	for _, b := range sink.snapshot() {
		for _, r := range b.readings {
			values = append(values, r.Value)
		}
	}
	require.Len(t, values, 103)
	for i, v := range values {
		assert.Equal(t, float64(i), v)
	}
}

func TestAggregator_TenantIsolation(t *testing.T) {
	sink := &recordingSink{}
	agg := New(Config{MaxBufferSize: 5, FlushInterval: 20 * time.Millisecond}, sink, zap.NewNop(), nil)

	var wg sync.WaitGroup
	for _, tenant := range []string{"tenant-a", "tenant-b", "tenant-c"} {
		wg.Add(1)
		go func(tenant string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				agg.AddReading(testReading(tenant, i))
			}
		}(tenant)
	}
	wg.Wait()
	require.NoError(t, agg.Close(context.Background()))

	perTenant := map[string]int{}
	for _, b := range sink.snapshot() {
		for _, r := range b.readings {
			require.Equal(t, b.tenantID, r.TenantID)
		}
		perTenant[b.tenantID] += len(b.readings)
	}
	assert.Equal(t, map[string]int{"tenant-a": 50, "tenant-b": 50, "tenant-c": 50}, perTenant)
}

func TestAggregator_AddDoesNotBlockDuringFlush(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	agg := New(Config{MaxBufferSize: 2, FlushInterval: time.Hour}, sink, zap.NewNop(), nil)

	require.NoError(t, agg.AddReading(testReading("tenant-a", 0)))
	require.NoError(t, agg.AddReading(testReading("tenant-a", 1)))
	require.Eventually(t, func() bool { return agg.State("tenant-a") == StateFlushing }, time.Second, time.Millisecond)

	// sink 被阻塞时仍可继续追加
	done := make(chan struct{})
	go func() {
		for i := 2; i < 5; i++ {
			agg.AddReading(testReading("tenant-a", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AddReading blocked while a flush was in progress")
	}

	close(sink.gate)
	require.NoError(t, agg.Close(context.Background()))
	assert.Equal(t, 5, sink.count())
}

func TestAggregator_CloseFlushesAndRejects(t *testing.T) {
	sink := &recordingSink{}
	agg := New(Config{MaxBufferSize: 100, FlushInterval: time.Hour}, sink, zap.NewNop(), nil)

	for i := 0; i < 7; i++ {
		require.NoError(t, agg.AddReading(testReading(fmt.Sprintf("tenant-%d", i%2), i)))
	}
	require.NoError(t, agg.Close(context.Background()))
	assert.Equal(t, 7, sink.count())

	assert.ErrorIs(t, agg.AddReading(testReading("tenant-0", 99)), ErrClosed)
	assert.NoError(t, agg.Close(context.Background()))
}

func TestAggregator_RemoveTenantFinalFlush(t *testing.T) {
	sink := &recordingSink{}
	agg := New(Config{MaxBufferSize: 100, FlushInterval: time.Hour}, sink, zap.NewNop(), nil)
	defer agg.Close(context.Background())

	require.NoError(t, agg.AddReading(testReading("tenant-a", 1)))
	require.NoError(t, agg.AddReading(testReading("tenant-b", 2)))

	require.NoError(t, agg.RemoveTenant(context.Background(), "tenant-a"))
	assert.Equal(t, []string{"tenant-b"}, agg.Tenants())
	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, "tenant-a", batches[0].tenantID)

	// 移除后再追加会重新创建缓冲
	require.NoError(t, agg.AddReading(testReading("tenant-a", 3)))
	assert.Equal(t, 1, agg.Len("tenant-a"))
}

func TestAggregator_Flush(t *testing.T) {
	sink := &recordingSink{}
	agg := New(Config{MaxBufferSize: 100, FlushInterval: time.Hour}, sink, zap.NewNop(), nil)
	defer agg.Close(context.Background())

	require.NoError(t, agg.AddReading(testReading("tenant-a", 1)))
	require.NoError(t, agg.Flush(context.Background(), "tenant-a"))
	assert.Equal(t, 1, sink.count())
	assert.NoError(t, agg.Flush(context.Background(), "unknown"))
}

func TestAggregator_RejectsMissingTenant(t *testing.T) {
	agg := New(Config{}, &recordingSink{}, zap.NewNop(), nil)
	defer agg.Close(context.Background())

	r := testReading("", 1)
	assert.ErrorIs(t, agg.AddReading(r), models.ErrMissingTenant)
}
