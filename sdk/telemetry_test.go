package speechwire

import (
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func TestTelemetryReceivedMessagesCapped(t *testing.T) {
	l := NewServiceTelemetryListener("req", "src", "node")
	for i := 0; i < 80; i++ {
		l.RecordReceivedMessage("speech.hypothesis")
	}
	doc := l.GetTelemetry()

	var parsed struct {
		ReceivedMessages map[string][]string `json:"ReceivedMessages"`
	}
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := len(parsed.ReceivedMessages["speech.hypothesis"]); got != maxReceivedMessageStamps {
		t.Fatalf("stamps = %d, want capped at %d", got, maxReceivedMessageStamps)
	}
}

func TestTelemetryFlushIsOneShot(t *testing.T) {
	l := NewServiceTelemetryListener("req", "src", "node")
	l.RecordReceivedMessage("turn.start")
	l.PhraseReceived(time.Now().Add(-120 * time.Millisecond))

	if !l.HasTelemetry() {
		t.Fatalf("expected pending telemetry")
	}
	first := l.GetTelemetry()
	if !strings.Contains(first, "turn.start") || !strings.Contains(first, "PhraseLatencyMs") {
		t.Fatalf("first flush = %s", first)
	}
	if l.HasTelemetry() {
		t.Fatalf("flush should clear pending telemetry")
	}
	second := l.GetTelemetry()
	if strings.Contains(second, "turn.start") {
		t.Fatalf("second flush repeated content: %s", second)
	}
}

func TestTelemetryZeroAudioTimeSkipsLatency(t *testing.T) {
	l := NewServiceTelemetryListener("req", "src", "node")
	l.PhraseReceived(time.Time{})
	l.HypothesisReceived(time.Time{})
	if l.HasTelemetry() {
		t.Fatalf("unbuffered offsets must not record latency")
	}
}

func TestTelemetryConnectionMetricFromEvents(t *testing.T) {
	l := NewServiceTelemetryListener("req", "src", "node")
	now := time.Now()
	l.OnEvent(SessionEvent{Name: eventConnectionStart, SessionID: "conn-1", At: now})
	l.OnEvent(SessionEvent{Name: eventConnectionEstablished, SessionID: "conn-1", At: now.Add(30 * time.Millisecond)})

	doc := l.GetTelemetry()
	var parsed struct {
		Metrics []struct {
			Name  string `json:"Name"`
			ID    string `json:"Id"`
			Start string `json:"Start"`
			End   string `json:"End"`
			Error string `json:"Error"`
		} `json:"Metrics"`
	}
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed.Metrics) != 1 {
		t.Fatalf("metrics = %+v", parsed.Metrics)
	}
	m := parsed.Metrics[0]
	if m.Name != "Connection" || m.ID != "conn-1" || m.Start == "" || m.End == "" || m.Error != "" {
		t.Fatalf("connection metric = %+v", m)
	}
}

func TestTelemetryDisposedStopsAccumulating(t *testing.T) {
	l := NewServiceTelemetryListener("req", "src", "node")
	l.Dispose()
	l.RecordReceivedMessage("turn.start")
	l.OnEvent(SessionEvent{Name: eventConnectionStart, At: time.Now()})
	if l.HasTelemetry() {
		t.Fatalf("disposed listener accumulated telemetry")
	}
}
