package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func value(t *testing.T, metric prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := metric.Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if pb.Counter != nil {
		return pb.Counter.GetValue()
	}
	return pb.Gauge.GetValue()
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.FrameReceived("socket")
	m.ReconnectScheduled()
	m.ConnectionState("open")
	m.SendFailed("dispatch")
	m.PendingTimedOut()
	m.DuplicateSkipped()
	m.MessageAppended()
	m.HistoryLoaded(nil)
	m.RelayRequest("history", 200)
	m.RelayEventStored()
	m.RelaySubscribers(1)
}

func TestCollectorsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.FrameReceived("stream")
	m.FrameReceived("stream")
	if got := value(t, m.framesReceived.WithLabelValues("stream")); got != 2 {
		t.Fatalf("frames = %v, want 2", got)
	}

	m.ConnectionState("connecting")
	m.ConnectionState("open")
	if got := value(t, m.connectionState.WithLabelValues("open")); got != 1 {
		t.Fatalf("open gauge = %v, want 1", got)
	}
	if got := value(t, m.connectionState.WithLabelValues("connecting")); got != 0 {
		t.Fatalf("connecting gauge = %v, want 0", got)
	}

	m.HistoryLoaded(errors.New("boom"))
	if got := value(t, m.historyLoads.WithLabelValues("error")); got != 1 {
		t.Fatalf("history errors = %v, want 1", got)
	}

	m.RelayRequest("post", 429)
	if got := value(t, m.relayRequests.WithLabelValues("post", "4xx")); got != 1 {
		t.Fatalf("relay 4xx = %v, want 1", got)
	}
}
