package speechwire

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxa-labs/speechwire/pkg/core"
	"github.com/voxa-labs/speechwire/pkg/protocol"
	"github.com/voxa-labs/speechwire/pkg/transport"
)

// connectionFuture is a one-shot promise for an established connection.
// Loops that need the connection await the same future, so a reconnect in
// progress is shared rather than raced.
type connectionFuture struct {
	once sync.Once
	done chan struct{}
	conn transport.Connection
	err  error
}

func newConnectionFuture() *connectionFuture {
	return &connectionFuture{done: make(chan struct{})}
}

func (f *connectionFuture) resolve(conn transport.Connection, err error) {
	f.once.Do(func() {
		f.conn = conn
		f.err = err
		close(f.done)
	})
}

func (f *connectionFuture) await(ctx context.Context) (transport.Connection, error) {
	select {
	case <-f.done:
		return f.conn, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failed reports whether the future resolved with an error.
func (f *connectionFuture) failed() bool {
	select {
	case <-f.done:
		return f.err != nil
	default:
		return false
	}
}

// ServiceMessageEvent is an inbound frame no handler claimed.
type ServiceMessageEvent struct {
	Path    string
	Payload []byte
}

// SessionBehavior customizes the engine for a scenario. All hooks are
// optional except ProcessMessage and CancelRecognition, which every
// scenario supplies.
type SessionBehavior struct {
	// ProcessMessage handles paths beyond the engine's common set. It
	// returns true when the message was consumed.
	ProcessMessage func(ctx context.Context, msg *protocol.Message) (bool, error)
	// CancelRecognition builds the scenario's canceled result and delivers
	// it to the user surface.
	CancelRecognition func(sessionID, requestID string, reason core.CancellationReason, code core.CancellationErrorCode, details string)
	// ConfigureConnection replaces the default post-connect handshake
	// (speech.config then speech.context).
	ConfigureConnection func(ctx context.Context, conn transport.Connection) error
	// ReceiveLoop replaces the engine's receive loop entirely.
	ReceiveLoop func(ctx context.Context) error
	// Recognize replaces StartRecognizing entirely.
	Recognize func(ctx context.Context, success func(*RecognitionResult), fail func(error)) error
	// OnDisconnect runs during Disconnect, before the connection closes.
	OnDisconnect func(ctx context.Context) error
}

// Recognizer drives one audio source against the speech service: it owns
// the connection lifecycle, the receive loop, and the paced audio send
// loop. Scenario adapters specialize it through SessionBehavior.
type Recognizer struct {
	processCfg *ProcessConfig
	config     *RecognizerConfig
	auth       AuthProvider
	factory    ConnectionFactory
	source     AudioSource
	behavior   SessionBehavior
	callbacks  RecognizerCallbacks
	logger     *slog.Logger

	grammar       *DynamicGrammarBuilder
	speechContext *SpeechContext
	serviceConfig *SpeechServiceConfig

	session *RequestSession

	mu            sync.Mutex
	connFut       *connectionFuture
	configuredFut *connectionFuture
	successCb     func(*RecognitionResult)
	errorCb       func(error)
	mustReportEOS bool
	isLiveAudio   bool

	disposed atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc

	serviceEvents chan ServiceMessageEvent
}

// NewRecognizer wires an engine together. processCfg may be nil for the
// defaults; behavior hooks may be left nil for plain dispatch.
func NewRecognizer(processCfg *ProcessConfig, config *RecognizerConfig, auth AuthProvider, factory ConnectionFactory, source AudioSource, behavior SessionBehavior, callbacks RecognizerCallbacks, sink EventSink) *Recognizer {
	if processCfg == nil {
		processCfg = NewProcessConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	grammar := &DynamicGrammarBuilder{}
	r := &Recognizer{
		processCfg:    processCfg,
		config:        config,
		auth:          auth,
		factory:       factory,
		source:        source,
		behavior:      behavior,
		callbacks:     callbacks,
		logger:        processCfg.logger(),
		grammar:       grammar,
		speechContext: NewSpeechContext(grammar),
		serviceConfig: NewSpeechServiceConfig(),
		session:       NewRequestSession(source.ID(), sink),
		ctx:           ctx,
		cancel:        cancel,
		serviceEvents: make(chan ServiceMessageEvent, 16),
	}
	return r
}

// Session exposes the request session, mainly for scenario adapters and
// telemetry consumers.
func (r *Recognizer) Session() *RequestSession { return r.session }

// Grammar exposes the dynamic grammar builder for phrase hints.
func (r *Recognizer) Grammar() *DynamicGrammarBuilder { return r.grammar }

// Context exposes the per-turn speech context.
func (r *Recognizer) Context() *SpeechContext { return r.speechContext }

// ServiceEvents delivers frames no handler claimed. The channel is buffered
// and drops when full; missing a generic event never stalls the engine.
func (r *Recognizer) ServiceEvents() <-chan ServiceMessageEvent { return r.serviceEvents }

func (r *Recognizer) maxRetryCount() int {
	if r.processCfg.MaxRetryCount < 0 {
		return 0
	}
	return r.processCfg.MaxRetryCount
}

// Connect establishes (or reuses) a connection without starting a
// recognition.
func (r *Recognizer) Connect(ctx context.Context) error {
	_, err := r.connectImpl(ctx)
	return err
}

// Disconnect cancels any in-flight recognition locally and drops the
// connection.
func (r *Recognizer) Disconnect(ctx context.Context) error {
	r.cancelRecognitionLocal(ctx, core.CancellationError, core.ErrNone, "Disconnecting")
	if r.behavior.OnDisconnect != nil {
		if err := r.behavior.OnDisconnect(ctx); err != nil {
			return err
		}
	}
	return r.closeConnection()
}

func (r *Recognizer) closeConnection() error {
	r.mu.Lock()
	fut := r.connFut
	r.connFut = nil
	r.configuredFut = nil
	r.mu.Unlock()
	if fut == nil {
		return nil
	}
	conn, err := fut.await(r.ctx)
	if err != nil || conn == nil {
		return nil
	}
	return conn.Close()
}

// Dispose tears the recognizer down. Idempotent.
func (r *Recognizer) Dispose(reason string) error {
	if r.disposed.Swap(true) {
		return nil
	}
	if reason != "" {
		r.emitServiceEvent(ServiceMessageEvent{Path: "disposed", Payload: []byte(reason)})
	}
	err := r.closeConnection()
	r.session.Dispose()
	r.cancel()
	return err
}

func (r *Recognizer) isDisposed() bool { return r.disposed.Load() }

// StartRecognizing begins a recognition. The success callback fires at most
// once, on the first final phrase; the fail callback fires when the
// recognition ends in an error instead.
func (r *Recognizer) StartRecognizing(ctx context.Context, success func(*RecognitionResult), fail func(error)) error {
	if r.behavior.Recognize != nil {
		return r.behavior.Recognize(ctx, success, fail)
	}

	r.mu.Lock()
	// Force config and context retransmission for the new recognition.
	r.configuredFut = nil
	r.successCb = success
	r.errorCb = fail
	r.mu.Unlock()

	r.session.StartNewRecognition()

	// Kick the connection off concurrently with the audio attach.
	connReady := make(chan error, 1)
	go func() {
		_, err := r.connectImpl(r.ctx)
		connReady <- err
	}()

	node, attachErr := r.attachAudio(ctx)
	if err := r.session.OnAudioSourceAttachCompleted(ctx, node, attachErr); err != nil {
		r.logger.Warn("audio attach completion failed", "error", err)
	}
	if attachErr != nil {
		return attachErr
	}

	select {
	case err := <-connReady:
		if err != nil {
			if cb := r.takeErrorCallback(); cb != nil {
				r.invokeUserCallback(func() { cb(err) })
			}
			r.cancelRecognitionLocal(ctx, core.CancellationError, core.ErrConnectionFailure, err.Error())
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if r.callbacks.SessionStarted != nil {
		r.invokeUserCallback(func() {
			r.callbacks.SessionStarted(SessionEventArgs{SessionID: r.session.SessionID()})
		})
	}

	go r.receiveLoop()
	go func() {
		if err := r.sendAudio(r.ctx, node); err != nil {
			if cb := r.takeErrorCallback(); cb != nil {
				r.invokeUserCallback(func() { cb(err) })
			}
			r.cancelRecognitionLocal(r.ctx, core.CancellationError, core.ErrRuntimeError, err.Error())
		}
	}()
	return nil
}

func (r *Recognizer) attachAudio(ctx context.Context) (*ReplayableAudioNode, error) {
	r.session.onEvent(eventAudioNodeAttaching)
	streamNode, err := r.source.Attach(ctx, r.session.AudioNodeID())
	if err != nil {
		r.session.onConnectionEvent(eventAudioNodeError, 0, err.Error())
		return nil, err
	}
	format, err := r.source.Format(ctx)
	if err != nil {
		return nil, err
	}
	r.session.onEvent(eventAudioNodeAttached)
	r.mu.Lock()
	r.isLiveAudio = r.source.IsLive()
	r.mu.Unlock()
	r.serviceConfig.SetAudioSource(format, sourceTypeName(r.source))
	return NewReplayableAudioNode(streamNode, format), nil
}

func sourceTypeName(source AudioSource) string {
	if source.IsLive() {
		return "Microphones"
	}
	return "Stream"
}

// StopRecognizing ends the recognition: turns the source off, flushes the
// final empty audio frame, waits for the service to close the turn, and
// disposes the session regardless of how the wait went.
func (r *Recognizer) StopRecognizing(ctx context.Context) error {
	if !r.session.IsRecognizing() {
		return nil
	}
	defer r.session.Dispose()

	if err := r.source.TurnOff(ctx); err != nil {
		r.logger.Warn("audio source turn-off failed", "error", err)
	}
	if err := r.sendFinalAudio(ctx); err != nil {
		r.logger.Warn("final audio frame failed", "error", err)
	}
	if err := r.session.OnStopRecognizing(ctx); err != nil {
		return err
	}
	return r.session.WaitForTurnCompletion(ctx)
}

func (r *Recognizer) sendFinalAudio(ctx context.Context) error {
	conn, err := r.fetchConnection(ctx)
	if err != nil {
		return err
	}
	return conn.Send(ctx, protocol.NewBinaryMessage(protocol.PathAudio, r.session.RequestID(), nil))
}

// SendNetworkMessage sends a caller-supplied message on the current
// connection. String payloads go as JSON text frames, byte payloads as
// binary frames.
func (r *Recognizer) SendNetworkMessage(ctx context.Context, path string, payload any) error {
	conn, err := r.fetchConnection(ctx)
	if err != nil {
		return err
	}
	switch body := payload.(type) {
	case string:
		return conn.Send(ctx, protocol.NewTextMessage(path, r.session.RequestID(), []byte(body)))
	case []byte:
		return conn.Send(ctx, protocol.NewBinaryMessage(path, r.session.RequestID(), body))
	default:
		return fmt.Errorf("unsupported payload type %T", payload)
	}
}

// connectImpl returns the shared raw-connection future, creating it (and
// the dial attempt behind it) when none is cached.
func (r *Recognizer) connectImpl(ctx context.Context) (transport.Connection, error) {
	r.mu.Lock()
	fut := r.connFut
	if fut == nil || fut.failed() {
		fut = newConnectionFuture()
		r.connFut = fut
		go func() {
			conn, err := r.retryableConnect(r.ctx)
			fut.resolve(conn, err)
		}()
	}
	r.mu.Unlock()
	return fut.await(ctx)
}

// fetchConnection returns the configured-connection future: a connection
// that has had speech.config, speech.context, and the wave format header
// sent on it.
func (r *Recognizer) fetchConnection(ctx context.Context) (transport.Connection, error) {
	r.mu.Lock()
	fut := r.configuredFut
	if fut == nil {
		fut = newConnectionFuture()
		r.configuredFut = fut
		go func() {
			conn, err := r.configureConnection(r.ctx)
			fut.resolve(conn, err)
		}()
	}
	r.mu.Unlock()
	return fut.await(ctx)
}

func (r *Recognizer) configureConnection(ctx context.Context) (transport.Connection, error) {
	conn, err := r.connectImpl(ctx)
	if err != nil {
		return nil, err
	}
	if r.behavior.ConfigureConnection != nil {
		if err := r.behavior.ConfigureConnection(ctx, conn); err != nil {
			return nil, err
		}
		return conn, nil
	}
	if err := r.sendSpeechServiceConfig(ctx, conn); err != nil {
		return nil, err
	}
	if err := r.sendPrePayloadJSON(ctx, conn, false); err != nil {
		return nil, err
	}
	return conn, nil
}

// retryableConnect dials until a connection is accepted or the retry budget
// is exhausted. An abnormal closure (1006) on a previous attempt switches
// the credential fetch to the expiry path. There is deliberately no delay
// between attempts; pacing is the caller's concern.
func (r *Recognizer) retryableConnect(ctx context.Context) (transport.Connection, error) {
	isUnAuthorized := false
	authFetchID := newNoDashGUID()
	connectionID := r.session.SessionID()
	if connectionID == "" {
		connectionID = newNoDashGUID()
	}
	r.session.OnPreConnectionStart(authFetchID, connectionID)

	lastStatusCode := 0
	lastReason := ""

	for r.session.NumConnectionAttempts() <= r.maxRetryCount() {
		r.session.OnRetryConnection()

		var auth AuthInfo
		var err error
		if isUnAuthorized {
			auth, err = r.auth.FetchOnExpiry(ctx, authFetchID)
		} else {
			auth, err = r.auth.Fetch(ctx, authFetchID)
		}
		if cErr := r.session.OnAuthCompleted(ctx, err); cErr != nil {
			r.logger.Warn("auth completion failed", "error", cErr)
		}
		if err != nil {
			return nil, &core.Error{Code: core.ErrAuthenticationFailure, Message: "credential fetch failed", Err: err}
		}

		conn, err := r.factory.Create(r.config, auth, connectionID)
		if err != nil {
			return nil, core.NewRuntimeError(err)
		}

		r.session.onConnectionEvent(eventConnectionStart, 0, "")
		result, err := conn.Open(ctx)
		if err != nil {
			return nil, err
		}

		if result.StatusCode == protocol.StatusOK {
			r.session.onConnectionEvent(eventConnectionEstablished, result.StatusCode, "")
			if cErr := r.session.OnConnectionEstablishCompleted(ctx, result.StatusCode, ""); cErr != nil {
				r.logger.Warn("connection establish completion failed", "error", cErr)
			}
			go r.watchConnectionClose(conn)
			return conn, nil
		}

		r.session.onConnectionEvent(eventConnectionErrored, result.StatusCode, result.Reason)
		r.logger.Debug("connection attempt failed",
			"attempt", r.session.NumConnectionAttempts(),
			"status", result.StatusCode,
			"reason", result.Reason)
		if result.StatusCode == protocol.StatusAbnormal && !isUnAuthorized {
			isUnAuthorized = true
		}
		lastStatusCode = result.StatusCode
		lastReason = result.Reason
		_ = conn.Close()
	}

	if cErr := r.session.OnConnectionEstablishCompleted(ctx, lastStatusCode, lastReason); cErr != nil {
		r.logger.Warn("connection establish completion failed", "error", cErr)
	}
	return nil, core.NewConnectionError(fmt.Sprintf("Unable to contact server. StatusCode: %d, %s Reason: %s",
		lastStatusCode, r.config.Endpoint, lastReason))
}

// watchConnectionClose invalidates the cached futures when the connection
// drops, and cancels locally for terminal close codes or an exhausted retry
// budget. Other drops are left for the loops to reconnect around.
func (r *Recognizer) watchConnectionClose(conn transport.Connection) {
	info, ok := <-conn.Closed()
	if !ok || r.isDisposed() {
		return
	}
	r.session.onConnectionEvent(eventConnectionClosed, info.StatusCode, info.Reason)
	r.invalidateConnection()

	switch info.StatusCode {
	case 1002, 1003, 1007, 4000:
		code := core.ErrConnectionFailure
		if info.StatusCode == 1007 {
			code = core.ErrBadRequestParameters
		}
		r.cancelRecognitionLocal(r.ctx, core.CancellationError, code,
			fmt.Sprintf("%s websocket error code: %d", info.Reason, info.StatusCode))
	default:
		if r.session.NumConnectionAttempts() > r.maxRetryCount() {
			r.cancelRecognitionLocal(r.ctx, core.CancellationError, core.ErrConnectionFailure,
				fmt.Sprintf("%s websocket error code: %d", info.Reason, info.StatusCode))
		}
	}
}

func (r *Recognizer) invalidateConnection() {
	r.mu.Lock()
	r.connFut = nil
	r.configuredFut = nil
	r.mu.Unlock()
}

func (r *Recognizer) sendSpeechServiceConfig(ctx context.Context, conn transport.Connection) error {
	// A config message opens a fresh interaction with the service, so the
	// request id rolls here too, not only on per-turn context sends.
	r.session.OnSpeechContext()
	doc, err := r.serviceConfig.Serialize(r.processCfg.TelemetryEnabled)
	if err != nil {
		return err
	}
	return conn.Send(ctx, protocol.NewTextMessage(protocol.PathSpeechConfig, r.session.RequestID(), []byte(doc)))
}

// sendPrePayloadJSON sends the speech.context document followed by the wave
// format header, optionally rolling the request id first: a new context
// message is a new turn to the service, and every turn's audio stream opens
// with its own header.
func (r *Recognizer) sendPrePayloadJSON(ctx context.Context, conn transport.Connection, newRequestID bool) error {
	if newRequestID {
		r.session.OnSpeechContext()
	}
	doc, err := r.speechContext.ToJSON()
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, protocol.NewTextMessage(protocol.PathSpeechContext, r.session.RequestID(), []byte(doc))); err != nil {
		return err
	}
	return r.sendWaveHeader(ctx, conn)
}

// sendWaveHeader opens the audio stream for the current turn. The header
// describes the PCM layout and is not counted against the byte counters.
func (r *Recognizer) sendWaveHeader(ctx context.Context, conn transport.Connection) error {
	format, err := r.source.Format(ctx)
	if err != nil {
		return err
	}
	header, err := format.Header()
	if err != nil {
		return err
	}
	return conn.Send(ctx, protocol.NewBinaryMessage(protocol.PathAudio, r.session.RequestID(), header))
}

func (r *Recognizer) sendTelemetryData(ctx context.Context) error {
	if !r.processCfg.TelemetryEnabled || r.isDisposed() {
		return nil
	}
	data := r.session.GetTelemetry()
	if data == "" {
		return nil
	}
	if sink := r.processCfg.TelemetrySink; sink != nil {
		r.invokeUserCallback(func() { sink(r.session.RequestID(), data) })
	}
	conn, err := r.fetchConnection(ctx)
	if err != nil {
		return err
	}
	return conn.Send(ctx, protocol.NewTextMessage(protocol.PathTelemetry, r.session.RequestID(), []byte(data)))
}

// cancelRecognitionLocal finalizes a recognition on the client side without
// waiting for the service, then hands the scenario its chance to report.
func (r *Recognizer) cancelRecognitionLocal(ctx context.Context, reason core.CancellationReason, code core.CancellationErrorCode, details string) {
	if !r.session.IsRecognizing() {
		return
	}
	if err := r.session.OnStopRecognizing(ctx); err != nil {
		r.logger.Warn("stop recognizing failed", "error", err)
	}
	if r.behavior.CancelRecognition != nil {
		r.behavior.CancelRecognition(r.session.SessionID(), r.session.RequestID(), reason, code, details)
	}
}

// takeSuccessCallback returns the stored success callback at most once. The
// pair is cleared together so a recognition delivers exactly one terminal
// notification, success or failure.
func (r *Recognizer) takeSuccessCallback() func(*RecognitionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := r.successCb
	r.successCb = nil
	r.errorCb = nil
	return cb
}

func (r *Recognizer) takeErrorCallback() func(error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb := r.errorCb
	r.errorCb = nil
	r.successCb = nil
	return cb
}

// invokeUserCallback contains panics from user handlers so they cannot tear
// down engine loops.
func (r *Recognizer) invokeUserCallback(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("user callback panicked", "panic", rec)
		}
	}()
	fn()
}

func (r *Recognizer) emitServiceEvent(ev ServiceMessageEvent) {
	select {
	case r.serviceEvents <- ev:
	default:
	}
}

// receiveLoop processes inbound frames for the life of the recognition.
// Read and fetch failures end the loop without reporting; the close watcher
// and the turn bookkeeping own user-visible error delivery.
func (r *Recognizer) receiveLoop() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Debug("receive loop ended by panic", "panic", rec)
		}
	}()
	if r.behavior.ReceiveLoop != nil {
		if err := r.behavior.ReceiveLoop(r.ctx); err != nil {
			r.logger.Debug("receive loop ended", "error", err)
		}
		return
	}
	for {
		if r.isDisposed() {
			return
		}
		conn, err := r.fetchConnection(r.ctx)
		if err != nil {
			return
		}
		msg, err := conn.Read(r.ctx)
		if err != nil {
			return
		}
		if msg == nil {
			continue
		}
		stop, err := r.dispatchMessage(r.ctx, msg)
		if err != nil {
			r.logger.Debug("message dispatch failed", "path", msg.Path, "error", err)
			return
		}
		if stop {
			return
		}
	}
}

func (r *Recognizer) dispatchMessage(ctx context.Context, msg *protocol.Message) (stop bool, err error) {
	if tel := r.sessionTelemetry(); tel != nil {
		tel.RecordReceivedMessage(msg.Path)
	}

	// Frames for a superseded request are dropped without comment. A frame
	// with no X-RequestId at all cannot be matched to the current turn, so
	// it is dropped the same way.
	if !strings.EqualFold(msg.RequestID, r.session.RequestID()) {
		return false, nil
	}

	switch msg.Path {
	case protocol.PathTurnStart:
		if start, perr := parseJSON[turnStartPayload](msg.Body); perr == nil && start.Context.ServiceTag != "" {
			r.logger.Debug("turn started", "serviceTag", start.Context.ServiceTag)
		}
		r.mu.Lock()
		r.mustReportEOS = true
		r.mu.Unlock()
		r.session.OnServiceTurnStartResponse()
		return false, nil

	case protocol.PathSpeechStartDetected:
		detected, perr := parseJSON[speechDetected](msg.Body)
		if perr != nil {
			return false, nil
		}
		if r.callbacks.SpeechStartDetected != nil {
			r.invokeUserCallback(func() {
				r.callbacks.SpeechStartDetected(RecognitionEventArgs{
					SessionID: r.session.SessionID(),
					Offset:    detected.Offset,
				})
			})
		}
		return false, nil

	case protocol.PathSpeechEndDetected:
		body := msg.Body
		if len(body) == 0 {
			body = []byte("{\"Offset\": 0}")
		}
		detected, perr := parseJSON[speechDetected](body)
		if perr != nil {
			return false, nil
		}
		if r.callbacks.SpeechEndDetected != nil {
			r.invokeUserCallback(func() {
				r.callbacks.SpeechEndDetected(RecognitionEventArgs{
					SessionID: r.session.SessionID(),
					Offset:    detected.Offset + r.session.CurrentTurnAudioOffset(),
				})
			})
		}
		return false, nil

	case protocol.PathTurnEnd:
		return r.onTurnEnd(ctx)

	default:
		if r.behavior.ProcessMessage != nil {
			handled, perr := r.behavior.ProcessMessage(ctx, msg)
			if perr != nil {
				return false, perr
			}
			if handled {
				return false, nil
			}
		}
		r.emitServiceEvent(ServiceMessageEvent{Path: msg.Path, Payload: msg.Body})
		return false, nil
	}
}

func (r *Recognizer) sessionTelemetry() *ServiceTelemetryListener {
	r.session.mu.Lock()
	defer r.session.mu.Unlock()
	return r.session.telemetry
}

func (r *Recognizer) onTurnEnd(ctx context.Context) (stop bool, err error) {
	if terr := r.sendTelemetryData(ctx); terr != nil {
		r.logger.Debug("telemetry send failed", "error", terr)
	}

	r.mu.Lock()
	mustReport := r.mustReportEOS
	r.mu.Unlock()
	if r.session.IsSpeechEnded() && mustReport {
		r.mu.Lock()
		r.mustReportEOS = false
		r.mu.Unlock()
		r.cancelRecognitionLocal(ctx, core.CancellationEndOfStream, core.ErrNone, "")
	}

	sessionStops := !r.config.Continuous || r.session.IsSpeechEnded()
	if terr := r.session.OnServiceTurnEndResponse(ctx, r.config.Continuous); terr != nil {
		r.logger.Warn("turn end handling failed", "error", terr)
	}

	if sessionStops || !r.session.IsRecognizing() {
		if r.callbacks.SessionStopped != nil {
			r.invokeUserCallback(func() {
				r.callbacks.SessionStopped(SessionEventArgs{SessionID: r.session.SessionID()})
			})
		}
		return true, nil
	}

	// Continuous mode: roll into the next turn on the same recognition.
	conn, ferr := r.fetchConnection(ctx)
	if ferr != nil {
		return false, ferr
	}
	return false, r.sendPrePayloadJSON(ctx, conn, true)
}

// sendAudio streams the audio node to the service. The first
// FastLaneDuration worth of audio goes unthrottled; after that, sends are
// paced against the stream's byte rate so a file does not arrive faster
// than the service meters it.
func (r *Recognizer) sendAudio(ctx context.Context, node *ReplayableAudioNode) error {
	format, err := r.source.Format(ctx)
	if err != nil {
		return err
	}

	startRecogNumber := r.session.RecogNumber()
	fastLaneBytes := int64(format.AvgBytesPerSec()) / 1000 * r.processCfg.FastLaneDuration.Milliseconds()
	nextSendTime := time.Now()

	aborted := func() bool {
		return r.isDisposed() ||
			r.session.IsSpeechEnded() ||
			!r.session.IsRecognizing() ||
			r.session.RecogNumber() != startRecogNumber
	}

	for {
		if aborted() {
			return nil
		}

		conn, err := r.fetchConnection(ctx)
		if err != nil {
			return err
		}

		chunk, err := node.Read(ctx)
		if err != nil {
			return err
		}

		if chunk == nil || chunk.IsEnd {
			r.mu.Lock()
			live := r.isLiveAudio
			r.mu.Unlock()
			if !live {
				r.session.OnSpeechEnded()
			}
			// The empty frame tells the service the audio stream is done.
			if err := conn.Send(ctx, protocol.NewBinaryMessage(protocol.PathAudio, r.session.RequestID(), nil)); err != nil {
				r.onAudioSendFailed(ctx, err)
			}
			return nil
		}

		payload := chunk.Buffer
		if r.session.BytesSent() > fastLaneBytes {
			if delay := time.Until(nextSendTime); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				}
			}
		}
		// Throttle to twice real time from here on.
		nextSendTime = time.Now().Add(
			time.Duration(len(payload)) * time.Second / time.Duration(format.AvgBytesPerSec()*2))

		if aborted() {
			return nil
		}

		if err := conn.Send(ctx, protocol.NewBinaryMessage(protocol.PathAudio, r.session.RequestID(), payload)); err != nil {
			r.onAudioSendFailed(ctx, err)
			return nil
		}
		r.session.OnAudioSent(len(payload))
	}
}

// onAudioSendFailed treats a failed audio write as the end of the turn; the
// close watcher decides whether the failure is terminal.
func (r *Recognizer) onAudioSendFailed(ctx context.Context, err error) {
	r.logger.Debug("audio send failed", "error", err)
	if terr := r.session.OnServiceTurnEndResponse(ctx, r.config.Continuous); terr != nil {
		r.logger.Debug("turn end after send failure failed", "error", terr)
	}
}
