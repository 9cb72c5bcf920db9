package speechwire

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errTurnOverlap = errors.New("another turn started before current completed")

// turnCompletion is a one-shot gate for the current service turn. It is
// created signaled so callers never wait when no turn is in flight.
type turnCompletion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newTurnCompletion(signaled bool) *turnCompletion {
	t := &turnCompletion{done: make(chan struct{})}
	if signaled {
		// Consume the Once so a later resolve or reject is a no-op.
		t.resolve()
	}
	return t
}

func (t *turnCompletion) resolve() {
	t.once.Do(func() { close(t.done) })
}

func (t *turnCompletion) reject(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *turnCompletion) wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestSession tracks the state of one recognition against one service
// session: identifiers, byte counters, turn boundaries, and the telemetry
// listener's lifecycle.
//
// The request id changes on every turn; the session id is bound to the
// connection. The recognition number is a generation counter: loops capture
// it at start and exit once it no longer matches, which is how a new
// StartNewRecognition cancels the loops of the previous one.
type RequestSession struct {
	mu sync.Mutex

	audioSourceID string
	requestID     string
	audioNodeID   string
	sessionID     string
	authFetchID   string

	isDisposed          bool
	isAudioNodeDetached bool
	isRecognizing       bool
	isSpeechEnded       bool
	inTurn              bool
	hypothesisReceived  bool

	turnStartAudioOffset uint64
	lastRecoOffset       uint64
	bytesSent            int64
	recognitionBytesSent int64
	recogNumber          int
	connectionAttempts   int

	turnGate  *turnCompletion
	telemetry *ServiceTelemetryListener
	audioNode *ReplayableAudioNode

	eventSink EventSink
}

// NewRequestSession creates a session for audioSourceID. The event sink is
// optional.
func NewRequestSession(audioSourceID string, sink EventSink) *RequestSession {
	return &RequestSession{
		audioSourceID: audioSourceID,
		requestID:     newNoDashGUID(),
		audioNodeID:   newNoDashGUID(),
		// Not in a turn yet, so the gate starts signaled.
		turnGate:  newTurnCompletion(true),
		eventSink: sink,
	}
}

func (s *RequestSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *RequestSession) RequestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestID
}

func (s *RequestSession) AudioNodeID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioNodeID
}

func (s *RequestSession) IsSpeechEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSpeechEnded
}

func (s *RequestSession) IsRecognizing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRecognizing
}

func (s *RequestSession) IsDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isDisposed
}

// CurrentTurnAudioOffset is the tick offset of the current turn's first
// audio byte within the overall stream. Service offsets are relative to the
// turn; adding this converts them to stream offsets.
func (s *RequestSession) CurrentTurnAudioOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnStartAudioOffset
}

func (s *RequestSession) RecogNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recogNumber
}

func (s *RequestSession) NumConnectionAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionAttempts
}

// BytesSent counts audio bytes sent on the current connection. Reset each
// time a connection is established.
func (s *RequestSession) BytesSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesSent
}

// RecognitionBytesSent counts audio bytes sent for the current recognition.
// Reset each time a recognition starts.
func (s *RequestSession) RecognitionBytesSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recognitionBytesSent
}

// WaitForTurnCompletion blocks until the current turn completes. It returns
// an error when the turn gate was rejected by an overlapping turn.
func (s *RequestSession) WaitForTurnCompletion(ctx context.Context) error {
	s.mu.Lock()
	gate := s.turnGate
	s.mu.Unlock()
	return gate.wait(ctx)
}

// StartNewRecognition resets per-recognition state and bumps the generation
// counter, invalidating any loops still running for the previous one.
func (s *RequestSession) StartNewRecognition() {
	s.mu.Lock()
	s.recognitionBytesSent = 0
	s.isSpeechEnded = false
	s.isRecognizing = true
	s.turnStartAudioOffset = 0
	s.lastRecoOffset = 0
	s.recogNumber++
	s.telemetry = NewServiceTelemetryListener(s.requestID, s.audioSourceID, s.audioNodeID)
	s.mu.Unlock()
	s.onEvent(eventRecognitionTriggered)
}

// OnAudioSourceAttachCompleted records the attached node. An attach error
// finalizes the recognition locally.
func (s *RequestSession) OnAudioSourceAttachCompleted(ctx context.Context, node *ReplayableAudioNode, attachErr error) error {
	s.mu.Lock()
	s.audioNode = node
	s.isAudioNodeDetached = false
	s.mu.Unlock()
	if attachErr != nil {
		return s.onComplete(ctx)
	}
	s.onEvent(eventListeningStarted)
	return nil
}

// OnPreConnectionStart binds the session to the connection about to be
// dialed.
func (s *RequestSession) OnPreConnectionStart(authFetchID, connectionID string) {
	s.mu.Lock()
	s.authFetchID = authFetchID
	s.sessionID = connectionID
	s.mu.Unlock()
	s.onEvent(eventConnectingToService)
}

// OnAuthCompleted finalizes locally when credential fetch failed.
func (s *RequestSession) OnAuthCompleted(ctx context.Context, authErr error) error {
	if authErr != nil {
		return s.onComplete(ctx)
	}
	return nil
}

// OnConnectionEstablishCompleted reacts to the outcome of a connection
// attempt: 200 rewinds the audio node and resets the connection byte
// counter; 403 is terminal and finalizes locally. Other codes are left to
// the retry policy.
func (s *RequestSession) OnConnectionEstablishCompleted(ctx context.Context, statusCode int, reason string) error {
	if statusCode == 200 {
		s.onEvent(eventRecognitionStarted)
		s.mu.Lock()
		node := s.audioNode
		s.turnStartAudioOffset = s.lastRecoOffset
		s.bytesSent = 0
		s.mu.Unlock()
		if node != nil {
			node.Replay()
		}
		return nil
	}
	if statusCode == 403 {
		return s.onComplete(ctx)
	}
	return nil
}

// OnServiceTurnStartResponse opens a new turn gate. A turn starting while
// another is still open rejects the old gate; the rejection is observable
// only by a caller already waiting on it.
func (s *RequestSession) OnServiceTurnStartResponse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnGate != nil && s.inTurn {
		s.turnGate.reject(errTurnOverlap)
	}
	s.inTurn = true
	s.turnGate = newTurnCompletion(false)
}

// OnServiceTurnEndResponse signals the turn gate. In single-shot mode, or
// once speech has ended, the recognition finalizes; otherwise the session
// rolls over into the next turn, replaying unconfirmed audio.
func (s *RequestSession) OnServiceTurnEndResponse(ctx context.Context, continuous bool) error {
	s.mu.Lock()
	s.turnGate.resolve()
	s.inTurn = false
	speechEnded := s.isSpeechEnded
	node := s.audioNode
	if !continuous || speechEnded {
		s.mu.Unlock()
		return s.onComplete(ctx)
	}
	s.turnStartAudioOffset = s.lastRecoOffset
	s.mu.Unlock()
	if node != nil {
		node.Replay()
	}
	return nil
}

// OnSpeechContext regenerates the request id; a new context message starts
// a new turn as far as the service is concerned.
func (s *RequestSession) OnSpeechContext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestID = newNoDashGUID()
}

// OnHypothesis records first-hypothesis latency once per phrase.
func (s *RequestSession) OnHypothesis(offset uint64) {
	s.mu.Lock()
	if s.hypothesisReceived {
		s.mu.Unlock()
		return
	}
	s.hypothesisReceived = true
	telemetry := s.telemetry
	node := s.audioNode
	s.mu.Unlock()
	if telemetry != nil && node != nil {
		telemetry.HypothesisReceived(node.FindTimeAtOffset(offset))
	}
}

// OnPhraseRecognized records phrase latency and confirms audio up to offset.
func (s *RequestSession) OnPhraseRecognized(offset uint64) {
	s.mu.Lock()
	telemetry := s.telemetry
	node := s.audioNode
	s.mu.Unlock()
	if telemetry != nil && node != nil {
		telemetry.PhraseReceived(node.FindTimeAtOffset(offset))
	}
	s.OnServiceRecognized(offset)
}

// OnServiceRecognized marks service progress: audio up to offset is
// confirmed, buffered audio before it can be dropped, and the connection
// retry budget resets.
func (s *RequestSession) OnServiceRecognized(offset uint64) {
	s.mu.Lock()
	s.lastRecoOffset = offset
	s.hypothesisReceived = false
	node := s.audioNode
	s.connectionAttempts = 0
	s.mu.Unlock()
	if node != nil {
		node.ShrinkBuffers(offset)
	}
}

// OnAudioSent advances both byte counters.
func (s *RequestSession) OnAudioSent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesSent += int64(n)
	s.recognitionBytesSent += int64(n)
}

// OnRetryConnection counts a connection attempt.
func (s *RequestSession) OnRetryConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionAttempts++
}

// OnSpeechEnded marks the audio source as exhausted.
func (s *RequestSession) OnSpeechEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isSpeechEnded = true
}

// OnStopRecognizing finalizes the recognition locally.
func (s *RequestSession) OnStopRecognizing(ctx context.Context) error {
	return s.onComplete(ctx)
}

// GetTelemetry returns the pending telemetry document, or empty when there
// is none.
func (s *RequestSession) GetTelemetry() string {
	s.mu.Lock()
	telemetry := s.telemetry
	s.mu.Unlock()
	if telemetry == nil || !telemetry.HasTelemetry() {
		return ""
	}
	return telemetry.GetTelemetry()
}

// Dispose releases the session and detaches the audio node. Idempotent.
func (s *RequestSession) Dispose() {
	s.mu.Lock()
	if s.isDisposed {
		s.mu.Unlock()
		return
	}
	s.isDisposed = true
	s.isRecognizing = false
	telemetry := s.telemetry
	s.mu.Unlock()
	if telemetry != nil {
		telemetry.Dispose()
	}
	_ = s.detachAudioNode(context.Background())
}

func (s *RequestSession) onEvent(name string) {
	s.mu.Lock()
	ev := SessionEvent{
		Name:      name,
		RequestID: s.requestID,
		SessionID: s.sessionID,
		At:        time.Now(),
	}
	telemetry := s.telemetry
	sink := s.eventSink
	s.mu.Unlock()
	if telemetry != nil {
		telemetry.OnEvent(ev)
	}
	if sink != nil {
		sink(ev)
	}
}

func (s *RequestSession) onConnectionEvent(name string, statusCode int, errText string) {
	s.mu.Lock()
	ev := SessionEvent{
		Name:       name,
		RequestID:  s.requestID,
		SessionID:  s.sessionID,
		At:         time.Now(),
		StatusCode: statusCode,
		Error:      errText,
	}
	telemetry := s.telemetry
	sink := s.eventSink
	s.mu.Unlock()
	if telemetry != nil {
		telemetry.OnEvent(ev)
	}
	if sink != nil {
		sink(ev)
	}
}

func (s *RequestSession) onComplete(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRecognizing {
		s.mu.Unlock()
		return nil
	}
	s.isRecognizing = false
	s.mu.Unlock()
	return s.detachAudioNode(ctx)
}

func (s *RequestSession) detachAudioNode(ctx context.Context) error {
	s.mu.Lock()
	if s.isAudioNodeDetached {
		s.mu.Unlock()
		return nil
	}
	s.isAudioNodeDetached = true
	node := s.audioNode
	s.mu.Unlock()
	if node == nil {
		return nil
	}
	s.onEvent(eventAudioNodeDetached)
	return node.Detach(ctx)
}
