package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChuLiYu/roko-router/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector(prometheus.NewRegistry())
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector(t)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.tasksReceived, "tasksReceived counter should be initialized")
	assert.NotNil(t, collector.tasksAdmitted, "tasksAdmitted counter should be initialized")
	assert.NotNil(t, collector.tasksDeferred, "tasksDeferred counter should be initialized")
	assert.NotNil(t, collector.taskResults, "taskResults counter should be initialized")
	assert.NotNil(t, collector.dispatchLatency, "dispatchLatency histogram should be initialized")
	assert.NotNil(t, collector.ledgerUsage, "ledgerUsage gauge should be initialized")
	assert.NotNil(t, collector.ledgerCapacity, "ledgerCapacity gauge should be initialized")
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()

	collector1 := NewCollector(reg)
	require.NotNil(t, collector1)

	// Second collector on the same registry panics on duplicate registration
	assert.Panics(t, func() {
		NewCollector(reg)
	}, "Creating a second collector on one registry should panic")

	// A fresh registry is fine
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
	})
}

func TestTaskCounters(t *testing.T) {
	c := newTestCollector(t)

	c.RecordReceived(types.MarketAnalysis)
	c.RecordReceived(types.MarketAnalysis)
	c.RecordReceived(types.InfraredScan)
	c.RecordAdmitted(types.MarketAnalysis)
	c.RecordDeferred(types.InfraredScan)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasksReceived.WithLabelValues("market_analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksReceived.WithLabelValues("infrared_scan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksAdmitted.WithLabelValues("market_analysis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasksDeferred.WithLabelValues("infrared_scan")))
}

func TestRecordResult(t *testing.T) {
	c := newTestCollector(t)

	c.RecordResult(types.VisualProcessing, types.ResultSuccess, 120*time.Millisecond)
	c.RecordResult(types.VisualProcessing, types.ResultFailure, 10*time.Millisecond)
	c.RecordResult(types.VisualProcessing, types.ResultSuccess, 80*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.taskResults.WithLabelValues("visual_processing", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskResults.WithLabelValues("visual_processing", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.dispatchLatency))
}

func TestSetLedger(t *testing.T) {
	c := newTestCollector(t)

	usage := types.ResourceVector{types.AcceleratorMemory: 3.0, types.ConcurrentTaskSlots: 2}
	capacity := types.ResourceVector{types.AcceleratorMemory: 8.0, types.ConcurrentTaskSlots: 5}
	c.SetLedger(usage, capacity)

	assert.Equal(t, 3.0, testutil.ToFloat64(c.ledgerUsage.WithLabelValues("accelerator_memory")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.ledgerCapacity.WithLabelValues("concurrent_task_slots")))

	c.SetLedger(types.ResourceVector{types.AcceleratorMemory: 0}, nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.ledgerUsage.WithLabelValues("accelerator_memory")))
}

func TestRecordReleaseError(t *testing.T) {
	c := newTestCollector(t)
	c.RecordReleaseError()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.releaseErrors))
}

func TestHandler(t *testing.T) {
	c := newTestCollector(t)
	c.RecordDeferred(types.InfraredScan)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `roko_tasks_deferred_total{task_type="infrared_scan"} 1`)
}

func TestServer_ServesAndShutsDown(t *testing.T) {
	c := newTestCollector(t)
	c.RecordReceived(types.MarketAnalysis)

	srv := NewServer(0, c.Handler())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(lis) }()

	url := "http://" + lis.Addr().String() + "/metrics"
	resp, err := http.Get(url)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `roko_tasks_received_total{task_type="market_analysis"} 1`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-serveErr:
		assert.True(t, errors.Is(err, http.ErrServerClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}

	// 連接埠已釋放
	_, err = http.Get(url)
	assert.Error(t, err)
}

func TestNewServer_RoutesOnlyMetrics(t *testing.T) {
	srv := NewServer(9090, newTestCollector(t).Handler())
	assert.Equal(t, ":9090", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c := newTestCollector(t)

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			c.RecordReceived(types.PatternRecognition)
			c.RecordAdmitted(types.PatternRecognition)
			c.RecordResult(types.PatternRecognition, types.ResultNotImplemented, time.Millisecond)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	assert.Equal(t, 100.0, testutil.ToFloat64(c.tasksReceived.WithLabelValues("pattern_recognition")))
}
