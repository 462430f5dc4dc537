package infra

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Ingest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordIngested("binance", 3)
	m.RecordIngested("binance", 2)
	m.RecordIngested("kraken", 1)
	m.RecordIngestError("kraken", "read")

	if got := testutil.ToFloat64(m.ticksIngested.WithLabelValues("binance")); got != 5 {
		t.Errorf("Expected 5 binance ticks, got %v", got)
	}
	if got := testutil.ToFloat64(m.ingestErrors.WithLabelValues("kraken", "read")); got != 1 {
		t.Errorf("Expected 1 kraken read error, got %v", got)
	}
}

func TestMetrics_Drops(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordDrop(DropThrottled)
	m.RecordDrop(DropThrottled)
	m.RecordDrop(DropUnmapped)
	m.RecordEmitted()

	if got := testutil.ToFloat64(m.normDropped.WithLabelValues(DropThrottled)); got != 2 {
		t.Errorf("Expected 2 throttled, got %v", got)
	}
	if got := testutil.ToFloat64(m.normEmitted); got != 1 {
		t.Errorf("Expected 1 emitted, got %v", got)
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := NewMetrics(nil)

	m.IncrementConnections()
	m.IncrementConnections()
	m.IncrementConnections()
	m.DecrementConnections()

	if got := testutil.ToFloat64(m.gatewayConns); got != 2 {
		t.Errorf("Expected 2 connections, got %v", got)
	}
}

func TestMetrics_Writer(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordWrite(500, 12*time.Millisecond)
	m.RecordWriteFailure()

	if got := testutil.ToFloat64(m.writerRows); got != 500 {
		t.Errorf("Expected 500 rows, got %v", got)
	}
	if got := testutil.ToFloat64(m.writerFailures); got != 1 {
		t.Errorf("Expected 1 failure, got %v", got)
	}
	if n := testutil.CollectAndCount(m.writerLatency); n != 1 {
		t.Errorf("Expected 1 latency series, got %d", n)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordSent(4)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), "tickstream_gateway_ticks_total 4") {
		t.Errorf("Expected gateway ticks in exposition, got:\n%s", body)
	}
}
