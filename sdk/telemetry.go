package speechwire

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/voxa-labs/speechwire/pkg/core"
)

// Keep at most this many receive timestamps per path so long dictation
// sessions cannot grow the telemetry document without bound.
const maxReceivedMessageStamps = 50

type telemetryMetric struct {
	Name                     string  `json:"Name,omitempty"`
	ID                       string  `json:"Id,omitempty"`
	Start                    string  `json:"Start,omitempty"`
	End                      string  `json:"End,omitempty"`
	Error                    string  `json:"Error,omitempty"`
	PhraseLatencyMs          []int64 `json:"PhraseLatencyMs,omitempty"`
	FirstHypothesisLatencyMs []int64 `json:"FirstHypothesisLatencyMs,omitempty"`
}

type telemetryDocument struct {
	ReceivedMessages map[string][]string `json:"ReceivedMessages"`
	Metrics          []telemetryMetric   `json:"Metrics"`
}

// ServiceTelemetryListener accumulates per-request telemetry: when each
// message path was received, connection and microphone lifecycle metrics,
// and phrase/hypothesis latencies. GetTelemetry flushes and clears, so each
// document is reported once.
type ServiceTelemetryListener struct {
	requestID     string
	audioSourceID string
	audioNodeID   string

	mu               sync.Mutex
	disposed         bool
	receivedMessages map[string][]string
	metrics          []telemetryMetric
	connection       *telemetryMetric
	microphone       *telemetryMetric
	listeningTrigger *telemetryMetric
	phraseLatency    []int64
	firstHypLatency  []int64
}

// NewServiceTelemetryListener creates a listener scoped to one request.
func NewServiceTelemetryListener(requestID, audioSourceID, audioNodeID string) *ServiceTelemetryListener {
	return &ServiceTelemetryListener{
		requestID:        requestID,
		audioSourceID:    audioSourceID,
		audioNodeID:      audioNodeID,
		receivedMessages: make(map[string][]string),
	}
}

// connectionErrorText renders a failed connection attempt as the short error
// name telemetry uses, with the transport reason appended when present.
func connectionErrorText(ev SessionEvent) string {
	name := core.ConnectionErrorName(ev.StatusCode)
	if ev.Error != "" {
		return name + " " + ev.Error
	}
	return name
}

func telemetryStamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// OnEvent folds a lifecycle event into the pending metrics.
func (l *ServiceTelemetryListener) OnEvent(ev SessionEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return
	}

	stamp := telemetryStamp(ev.At)
	switch ev.Name {
	case eventRecognitionTriggered:
		l.listeningTrigger = &telemetryMetric{Name: "ListeningTrigger", Start: stamp}
	case eventListeningStarted:
		if l.listeningTrigger != nil {
			l.listeningTrigger.End = stamp
			l.metrics = append(l.metrics, *l.listeningTrigger)
			l.listeningTrigger = nil
		}
	case eventAudioNodeAttaching:
		l.microphone = &telemetryMetric{Name: "Microphone", Start: stamp}
	case eventAudioNodeAttached:
		// End is recorded at detach; an attached node is still in use.
	case eventAudioNodeError:
		if l.microphone != nil {
			l.microphone.Error = ev.Error
			l.microphone.End = stamp
			l.metrics = append(l.metrics, *l.microphone)
			l.microphone = nil
		}
	case eventAudioNodeDetached:
		if l.microphone != nil {
			l.microphone.End = stamp
			l.metrics = append(l.metrics, *l.microphone)
			l.microphone = nil
		}
	case eventConnectionStart:
		l.connection = &telemetryMetric{Name: "Connection", ID: ev.SessionID, Start: stamp}
	case eventConnectionEstablished:
		if l.connection != nil {
			l.connection.End = stamp
			l.metrics = append(l.metrics, *l.connection)
			l.connection = nil
		}
	case eventConnectionErrored:
		if l.connection != nil {
			l.connection.End = stamp
			l.connection.Error = connectionErrorText(ev)
			l.metrics = append(l.metrics, *l.connection)
			l.connection = nil
		}
	}
}

// RecordReceivedMessage notes the arrival time of a frame on path.
func (l *ServiceTelemetryListener) RecordReceivedMessage(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disposed {
		return
	}
	stamps := l.receivedMessages[path]
	if len(stamps) < maxReceivedMessageStamps {
		l.receivedMessages[path] = append(stamps, telemetryStamp(time.Now()))
	}
}

// PhraseReceived records final-phrase latency relative to when the audio at
// the phrase offset was read. A zero audio time means the offset was not
// buffered and no latency is recorded.
func (l *ServiceTelemetryListener) PhraseReceived(audioReceivedAt time.Time) {
	if audioReceivedAt.IsZero() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.disposed {
		l.phraseLatency = append(l.phraseLatency, time.Since(audioReceivedAt).Milliseconds())
	}
}

// HypothesisReceived records first-hypothesis latency.
func (l *ServiceTelemetryListener) HypothesisReceived(audioReceivedAt time.Time) {
	if audioReceivedAt.IsZero() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.disposed {
		l.firstHypLatency = append(l.firstHypLatency, time.Since(audioReceivedAt).Milliseconds())
	}
}

// HasTelemetry reports whether a flush would produce any content.
func (l *ServiceTelemetryListener) HasTelemetry() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.receivedMessages) > 0 || len(l.metrics) > 0 ||
		len(l.phraseLatency) > 0 || len(l.firstHypLatency) > 0
}

// GetTelemetry renders and clears the pending telemetry document.
func (l *ServiceTelemetryListener) GetTelemetry() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	metrics := l.metrics
	if len(l.phraseLatency) > 0 {
		metrics = append(metrics, telemetryMetric{PhraseLatencyMs: l.phraseLatency})
	}
	if len(l.firstHypLatency) > 0 {
		metrics = append(metrics, telemetryMetric{FirstHypothesisLatencyMs: l.firstHypLatency})
	}
	doc := telemetryDocument{
		ReceivedMessages: l.receivedMessages,
		Metrics:          metrics,
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return ""
	}

	l.receivedMessages = make(map[string][]string)
	l.metrics = nil
	l.phraseLatency = nil
	l.firstHypLatency = nil

	return string(data)
}

// Dispose stops accumulation. Idempotent.
func (l *ServiceTelemetryListener) Dispose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disposed = true
}
