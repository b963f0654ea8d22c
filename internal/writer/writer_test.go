package writer

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wisefido-scada/internal/metrics"
	"wisefido-scada/internal/models"
	"wisefido-scada/internal/repository"
	"wisefido-scada/internal/spillover"
	"wisefido-scada/internal/tenantdb"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakePools 固定的租户连接池
type fakePools map[string]*sql.DB

func (p fakePools) Lookup(tenantID string) (*sql.DB, error) {
	db, ok := p[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tenantdb.ErrUnknownTenant, tenantID)
	}
	return db, nil
}

// captureInserter 记录写入的批次
type captureInserter struct {
	mu      sync.Mutex
	batches map[string][][]models.ProtocolReading
	err     error
}

func (c *captureInserter) BulkInsert(ctx context.Context, db repository.Execer, tenantID string, readings []models.ProtocolReading) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if c.batches == nil {
		c.batches = make(map[string][][]models.ProtocolReading)
	}
	c.batches[tenantID] = append(c.batches[tenantID], readings)
	return int64(len(readings)), nil
}

// healthRecorder 记录最近一次存储状态
type healthRecorder struct {
	mu   sync.Mutex
	last map[string]error
}

func (h *healthRecorder) SetStorage(tenantID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		h.last = make(map[string]error)
	}
	h.last[tenantID] = err
}

func (h *healthRecorder) get(tenantID string) (error, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	err, ok := h.last[tenantID]
	return err, ok
}

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func openSpill(t *testing.T) *spillover.Store {
	t.Helper()
	s, err := spillover.Open(context.Background(), filepath.Join(t.TempDir(), "spill.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func batchFor(tenantID string, n int) []models.ProtocolReading {
	out := make([]models.ProtocolReading, n)
	for i := range out {
		out[i] = models.ProtocolReading{
			Timestamp:      time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
			TenantID:       tenantID,
			WellID:         "WELL-1",
			TagName:        "oil_rate",
			Value:          float64(200 + i),
			Quality:        models.QualityGood,
			SourceProtocol: "Modbus-TCP",
		}
	}
	return out
}

func TestWriteBatch_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO scada_readings").
		WithArgs("tenant-a", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	health := &healthRecorder{}
	w := New(fastConfig(), fakePools{"tenant-a": db}, repository.NewReadingRepository(), nil, health, nil, zap.NewNop())

	require.NoError(t, w.WriteBatch(context.Background(), "tenant-a", batchFor("tenant-a", 3)))
	assert.NoError(t, mock.ExpectationsWereMet())

	got, ok := health.get("tenant-a")
	assert.True(t, ok)
	assert.NoError(t, got)
}

func TestWriteBatch_RefusesOtherTenantReadings(t *testing.T) {
	ins := &captureInserter{}
	m := metrics.New(prometheus.NewRegistry())
	w := New(fastConfig(), fakePools{"tenant-a": nil}, ins, nil, nil, m, zap.NewNop())

	batch := batchFor("tenant-a", 2)
	batch = append(batch, batchFor("tenant-b", 1)...)

	require.NoError(t, w.WriteBatch(context.Background(), "tenant-a", batch))

	require.Len(t, ins.batches["tenant-a"], 1)
	written := ins.batches["tenant-a"][0]
	assert.Len(t, written, 2)
	for _, r := range written {
		assert.Equal(t, "tenant-a", r.TenantID)
	}
	assert.Empty(t, ins.batches["tenant-b"])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IsolationViolations.WithLabelValues("writer")))
}

func TestWriteBatch_OnlyForeignReadingsWritesNothing(t *testing.T) {
	ins := &captureInserter{}
	w := New(fastConfig(), fakePools{"tenant-a": nil}, ins, nil, nil, nil, zap.NewNop())

	require.NoError(t, w.WriteBatch(context.Background(), "tenant-a", batchFor("tenant-b", 4)))
	assert.Empty(t, ins.batches)
}

func TestWriteBatch_RetriesTransientError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO scada_readings").WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	mock.ExpectExec("INSERT INTO scada_readings").WillReturnError(&pq.Error{Code: "40001", Message: "serialization failure"})
	mock.ExpectExec("INSERT INTO scada_readings").WillReturnResult(sqlmock.NewResult(0, 2))

	spill := openSpill(t)
	w := New(fastConfig(), fakePools{"tenant-a": db}, repository.NewReadingRepository(), spill, nil, nil, zap.NewNop())

	require.NoError(t, w.WriteBatch(context.Background(), "tenant-a", batchFor("tenant-a", 2)))
	assert.NoError(t, mock.ExpectationsWereMet())

	n, err := spill.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteBatch_PermanentErrorSpillsWithoutRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO scada_readings").WillReturnError(&pq.Error{Code: "22003", Message: "numeric value out of range"})

	spill := openSpill(t)
	health := &healthRecorder{}
	m := metrics.New(prometheus.NewRegistry())
	w := New(fastConfig(), fakePools{"tenant-a": db}, repository.NewReadingRepository(), spill, health, m, zap.NewNop())

	err = w.WriteBatch(context.Background(), "tenant-a", batchFor("tenant-a", 5))
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	var werr *WriteError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, ClassPermanent, werr.Class)
	assert.Equal(t, 5, werr.Readings)
	assert.NotEmpty(t, werr.SpillID)

	var pqErr *pq.Error
	assert.True(t, errors.As(err, &pqErr))

	entries, err := spill.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tenant-a", entries[0].TenantID)
	assert.Equal(t, 5, entries[0].ReadingCount)
	assert.Equal(t, "permanent", entries[0].ErrorClass)

	stored, ok := health.get("tenant-a")
	assert.True(t, ok)
	assert.Error(t, stored)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WriteFailures.WithLabelValues("tenant-a", "permanent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpilledBatches.WithLabelValues("tenant-a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpilloverPending))
}

func TestWriteBatch_ExhaustedRetriesSpill(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO scada_readings").WillReturnError(&pq.Error{Code: "53300", Message: "too many connections"})
	}

	spill := openSpill(t)
	w := New(fastConfig(), fakePools{"tenant-a": db}, repository.NewReadingRepository(), spill, nil, nil, zap.NewNop())

	err = w.WriteBatch(context.Background(), "tenant-a", batchFor("tenant-a", 2))
	var werr *WriteError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, ClassTransient, werr.Class)
	assert.NoError(t, mock.ExpectationsWereMet())

	n, err := spill.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWriteBatch_UnknownTenantPoolIsTransient(t *testing.T) {
	spill := openSpill(t)
	w := New(fastConfig(), fakePools{}, &captureInserter{}, spill, nil, nil, zap.NewNop())

	err := w.WriteBatch(context.Background(), "tenant-gone", batchFor("tenant-gone", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, tenantdb.ErrUnknownTenant)

	var werr *WriteError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, ClassTransient, werr.Class)
	assert.NotEmpty(t, werr.SpillID)
}

func TestWriteBatch_CancelledContextStillSpills(t *testing.T) {
	spill := openSpill(t)
	ins := &captureInserter{err: &pq.Error{Code: "08001"}}
	w := New(Config{MaxAttempts: 5, InitialBackoff: time.Second}, fakePools{"tenant-a": nil}, ins, spill, nil, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteBatch(ctx, "tenant-a", batchFor("tenant-a", 3))
	require.Error(t, err)

	n, err := spill.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReplaySpilled(t *testing.T) {
	spill := openSpill(t)
	ctx := context.Background()

	_, err := spill.Save(ctx, "tenant-a", batchFor("tenant-a", 3), "connection refused", "transient")
	require.NoError(t, err)
	_, err = spill.Save(ctx, "tenant-b", batchFor("tenant-b", 2), "connection refused", "transient")
	require.NoError(t, err)

	ins := &captureInserter{}
	// tenant-b 连接池尚未建立
	w := New(fastConfig(), fakePools{"tenant-a": nil}, ins, spill, nil, nil, zap.NewNop())

	replayed, err := w.ReplaySpilled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	require.Len(t, ins.batches["tenant-a"], 1)
	assert.Len(t, ins.batches["tenant-a"][0], 3)

	// 没有连接池的条目保留，不计尝试次数
	entries, err := spill.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tenant-b", entries[0].TenantID)
	assert.Equal(t, 0, entries[0].Attempts)
}

func TestReplaySpilled_StuckEntriesDoNotBlockOtherTenants(t *testing.T) {
	spill := openSpill(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := spill.Save(ctx, "tenant-gone", batchFor("tenant-gone", 1), "connection refused", "transient")
		require.NoError(t, err)
		_, err = spill.Save(ctx, "tenant-bad", batchFor("tenant-bad", 1), "numeric field overflow", "permanent")
		require.NoError(t, err)
	}
	_, err := spill.Save(ctx, "tenant-live", batchFor("tenant-live", 2), "connection refused", "transient")
	require.NoError(t, err)

	ins := &captureInserter{}
	cfg := fastConfig()
	cfg.ReplayBatch = 3
	w := New(cfg, fakePools{"tenant-live": nil, "tenant-bad": nil}, ins, spill, nil, nil, zap.NewNop())

	replayed, err := w.ReplaySpilled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	require.Len(t, ins.batches["tenant-live"], 1)
	assert.Empty(t, ins.batches["tenant-bad"], "permanent batches stay parked")

	n, err := spill.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	parked, err := spill.CountClass(ctx, "permanent")
	require.NoError(t, err)
	assert.Equal(t, 3, parked)
}

func TestReplaySpilled_FailingTenantTriedOncePerPass(t *testing.T) {
	spill := openSpill(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := spill.Save(ctx, "tenant-down", batchFor("tenant-down", 1), "connection refused", "transient")
		require.NoError(t, err)
	}
	_, err := spill.Save(ctx, "tenant-up", batchFor("tenant-up", 1), "connection refused", "transient")
	require.NoError(t, err)

	ins := &selectiveInserter{fail: map[string]error{"tenant-down": &pq.Error{Code: "08006"}}}
	cfg := fastConfig()
	cfg.ReplayBatch = 2
	w := New(cfg, fakePools{"tenant-down": nil, "tenant-up": nil}, ins, spill, nil, nil, zap.NewNop())

	replayed, err := w.ReplaySpilled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	assert.Equal(t, 1, ins.calls["tenant-down"])

	entries, err := spill.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	attempts := 0
	for _, e := range entries {
		assert.Equal(t, "tenant-down", e.TenantID)
		attempts += e.Attempts
	}
	assert.Equal(t, 1, attempts)
}

// selectiveInserter 按租户返回错误
type selectiveInserter struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func (s *selectiveInserter) BulkInsert(ctx context.Context, db repository.Execer, tenantID string, readings []models.ProtocolReading) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[tenantID]++
	if err := s.fail[tenantID]; err != nil {
		return 0, err
	}
	return int64(len(readings)), nil
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"connection exception", &pq.Error{Code: "08006"}, ClassTransient},
		{"insufficient resources", &pq.Error{Code: "53300"}, ClassTransient},
		{"admin shutdown", &pq.Error{Code: "57P01"}, ClassTransient},
		{"serialization failure", &pq.Error{Code: "40001"}, ClassTransient},
		{"deadlock", &pq.Error{Code: "40P01"}, ClassTransient},
		{"data exception", &pq.Error{Code: "22P02"}, ClassPermanent},
		{"not null violation", &pq.Error{Code: "23502"}, ClassPermanent},
		{"undefined table", &pq.Error{Code: "42P01"}, ClassPermanent},
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"unknown tenant", fmt.Errorf("lookup: %w", tenantdb.ErrUnknownTenant), ClassTransient},
		{"other", errors.New("boom"), ClassPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
