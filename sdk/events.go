package speechwire

import (
	"time"

	"github.com/voxa-labs/speechwire/pkg/core"
)

// ResultReason classifies a recognition result.
type ResultReason string

const (
	ReasonRecognizingSpeech  ResultReason = "RecognizingSpeech"
	ReasonRecognizedSpeech   ResultReason = "RecognizedSpeech"
	ReasonNoMatch            ResultReason = "NoMatch"
	ReasonCanceled           ResultReason = "Canceled"
	ReasonSynthesizingAudio  ResultReason = "SynthesizingAudio"
	ReasonSynthesisCompleted ResultReason = "SynthesizingAudioCompleted"
)

// RecognitionResult is a single hypothesis or phrase from the service.
// Offsets and durations are in 100-nanosecond ticks from the start of the
// audio stream.
type RecognitionResult struct {
	ResultID     string
	Reason       ResultReason
	Text         string
	Offset       uint64
	Duration     uint64
	Language     string
	ErrorDetails string
	// JSON holds the raw service payload for detailed consumers.
	JSON string
}

// CancellationDetails explains why a recognition was canceled.
type CancellationDetails struct {
	Reason    core.CancellationReason
	ErrorCode core.CancellationErrorCode
	Details   string
}

// SessionEventArgs accompanies session lifecycle callbacks.
type SessionEventArgs struct {
	SessionID string
}

// RecognitionEventArgs accompanies speech start/end detection callbacks.
type RecognitionEventArgs struct {
	SessionID string
	Offset    uint64
}

// SpeechRecognitionEventArgs accompanies hypothesis and phrase callbacks.
type SpeechRecognitionEventArgs struct {
	SessionID string
	Offset    uint64
	Result    *RecognitionResult
}

// CancellationEventArgs accompanies the Canceled callback.
type CancellationEventArgs struct {
	SessionID    string
	RequestID    string
	Reason       core.CancellationReason
	ErrorCode    core.CancellationErrorCode
	ErrorDetails string
}

// RecognizerCallbacks is the user-facing event surface of a recognizer.
// Every field is optional. Callbacks are invoked from the engine's internal
// goroutines; panics raised by user handlers are contained so they cannot
// tear down the receive loop.
type RecognizerCallbacks struct {
	SessionStarted      func(SessionEventArgs)
	SessionStopped      func(SessionEventArgs)
	SpeechStartDetected func(RecognitionEventArgs)
	SpeechEndDetected   func(RecognitionEventArgs)
	Recognizing         func(SpeechRecognitionEventArgs)
	Recognized          func(SpeechRecognitionEventArgs)
	Canceled            func(CancellationEventArgs)
}

// Internal session event names, recorded by the telemetry listener and
// forwarded to the process-wide event sink when one is registered.
const (
	eventRecognitionTriggered  = "RecognitionTriggeredEvent"
	eventListeningStarted      = "ListeningStartedEvent"
	eventConnectingToService   = "ConnectingToServiceEvent"
	eventRecognitionStarted    = "RecognitionStartedEvent"
	eventAudioNodeAttaching    = "AudioStreamNodeAttachingEvent"
	eventAudioNodeAttached     = "AudioStreamNodeAttachedEvent"
	eventAudioNodeDetached     = "AudioStreamNodeDetachedEvent"
	eventAudioNodeError        = "AudioStreamNodeErrorEvent"
	eventConnectionStart       = "ConnectionStartEvent"
	eventConnectionEstablished = "ConnectionEstablishedEvent"
	eventConnectionErrored     = "ConnectionEstablishErrorEvent"
	eventConnectionClosed      = "ConnectionClosedEvent"
)

// SessionEvent is an internal lifecycle event.
type SessionEvent struct {
	Name      string
	RequestID string
	SessionID string
	At        time.Time
	// StatusCode and Error are set on connection error events.
	StatusCode int
	Error      string
}

// EventSink observes internal lifecycle events.
type EventSink func(SessionEvent)
