package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_IncrementCounter(t *testing.T) {
	registry := NewRegistry()

	registry.IncrementCounter("test_counter", nil, "Test counter")

	counters := registry.GetAllMetrics().Counters
	if counter, exists := counters["test_counter"]; !exists {
		t.Fatal("Expected counter 'test_counter' to exist")
	} else if counter.Value != 1 {
		t.Fatalf("Expected counter value to be 1, got %f", counter.Value)
	}

	labels := map[string]string{"status": "success"}
	registry.IncrementCounter("labeled_counter", labels, "Labeled counter")
	registry.IncrementCounter("labeled_counter", labels, "Labeled counter")

	counters = registry.GetAllMetrics().Counters
	labeledKey := "labeled_counter_status:success"
	if counter, exists := counters[labeledKey]; !exists {
		t.Fatal("Expected labeled counter to exist")
	} else if counter.Value != 2 {
		t.Fatalf("Expected labeled counter value to be 2, got %f", counter.Value)
	}
}

func TestRegistry_AddToCounter(t *testing.T) {
	registry := NewRegistry()

	registry.AddToCounter("test_add_counter", 5.5, nil, "Test add counter")
	registry.AddToCounter("test_add_counter", 2.5, nil, "Test add counter")
	registry.AddToCounter("test_add_counter", -1, nil, "Test add counter")

	counter, exists := registry.GetAllMetrics().Counters["test_add_counter"]
	require.True(t, exists)
	assert.Equal(t, 8.0, counter.Value)
}

func TestRegistry_LabelSetMustBeConsistent(t *testing.T) {
	registry := NewRegistry()

	registry.IncrementCounter("sends_total", map[string]string{"result": "ok"}, "")
	registry.IncrementCounter("sends_total", map[string]string{"other": "x"}, "")

	counters := registry.GetAllMetrics().Counters
	assert.Contains(t, counters, "sends_total_result:ok")
	assert.NotContains(t, counters, "sends_total_other:x")
}

func TestRegistry_RecordTimer(t *testing.T) {
	registry := NewRegistry()

	for i := 1; i <= 20; i++ {
		registry.RecordTimer("plugin_duration", time.Duration(i)*time.Millisecond, nil, "Plugin duration")
	}

	timer, exists := registry.GetAllMetrics().Timers["plugin_duration"]
	require.True(t, exists)
	assert.Equal(t, int64(20), timer.Count)
	assert.Equal(t, 1.0, timer.Min)
	assert.Equal(t, 20.0, timer.Max)
	assert.InDelta(t, 10.5, timer.Average, 0.001)
	assert.GreaterOrEqual(t, timer.P99, timer.P95)
	assert.Equal(t, 20.0, timer.P95)
}

func TestRegistry_SetGauge(t *testing.T) {
	registry := NewRegistry()

	registry.SetGauge("backlog", 10, map[string]string{"status": "pending"}, "Backlog")
	registry.SetGauge("backlog", 3, map[string]string{"status": "pending"}, "Backlog")

	gauge, exists := registry.GetAllMetrics().Gauges["backlog_status:pending"]
	require.True(t, exists)
	assert.Equal(t, 3.0, gauge.Value)
	assert.Equal(t, Gauge, gauge.Type)
}

func TestRegistry_MetricKeyIsOrderIndependent(t *testing.T) {
	registry := NewRegistry()

	a := registry.metricKey("m", map[string]string{"b": "2", "a": "1"})
	b := registry.metricKey("m", map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, "m_a:1_b:2", a)
	assert.Equal(t, a, b)
	assert.Equal(t, "m", registry.metricKey("m", nil))
}

func TestRegistry_Handler(t *testing.T) {
	registry := NewRegistry()
	registry.IncrementCounter("messages_ingested_total", map[string]string{"result": "stored"}, "Ingested payloads")
	registry.RecordTimer("send", 20*time.Millisecond, nil, "Send latency")

	srv := httptest.NewServer(registry.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.True(t, strings.Contains(text, `ax_monitor_messages_ingested_total{result="stored"} 1`), text)
	assert.Contains(t, text, "ax_monitor_send_seconds_count 1")
	assert.Contains(t, text, "go_goroutines")
}

func TestGlobalRegistry(t *testing.T) {
	IncrementCounter("global_test", nil, "Global test")
	AddToCounter("global_add", 5.0, nil, "Global add test")
	RecordTimer("global_timer", 50*time.Millisecond, nil, "Global timer test")
	SetGauge("global_gauge", 123.45, nil, "Global gauge test")

	metrics := GetAllMetrics()

	assert.Contains(t, metrics.Counters, "global_test")
	assert.Contains(t, metrics.Counters, "global_add")
	assert.Contains(t, metrics.Timers, "global_timer")
	assert.Contains(t, metrics.Gauges, "global_gauge")
	assert.GreaterOrEqual(t, metrics.UptimeMs, int64(0))
	assert.NotZero(t, metrics.Timestamp)
}

func TestCopyLabels(t *testing.T) {
	original := map[string]string{
		"key1": "value1",
		"key2": "value2",
	}

	copied := copyLabels(original)
	assert.Equal(t, original, copied)

	copied["key3"] = "value3"
	assert.NotContains(t, original, "key3")
	assert.Nil(t, copyLabels(nil))
}
