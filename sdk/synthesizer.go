package speechwire

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/voxa-labs/speechwire/pkg/core"
	"github.com/voxa-labs/speechwire/pkg/protocol"
	"github.com/voxa-labs/speechwire/pkg/transport"
)

// SynthesizerConfig describes one synthesizer.
type SynthesizerConfig struct {
	Endpoint string
	Language string
	Voice    string
	// OutputFormat is the service format name, e.g.
	// "riff-16khz-16bit-mono-pcm".
	OutputFormat string
	// AudioFormat describes the PCM layout of OutputFormat, used to compute
	// result durations. Nil skips duration computation.
	AudioFormat *AudioFormat
	Parameters  map[string]string
}

// WordBoundaryEventArgs accompanies word and sentence boundary callbacks.
type WordBoundaryEventArgs struct {
	AudioOffset  uint64
	Duration     uint64
	Text         string
	TextOffset   int
	WordLength   int
	BoundaryType MetadataType
}

// BookmarkEventArgs accompanies bookmark callbacks.
type BookmarkEventArgs struct {
	AudioOffset uint64
	Text        string
}

// VisemeEventArgs accompanies viseme callbacks. Animation carries the full
// accumulated animation, delivered once per group on its last chunk.
type VisemeEventArgs struct {
	AudioOffset uint64
	VisemeID    int
	Animation   string
}

// SynthesizerCallbacks is the user-facing event surface of a synthesizer.
// Metadata options in the synthesis context are derived from which
// callbacks are set.
type SynthesizerCallbacks struct {
	SynthesisStarted   func(*SynthesisResult)
	Synthesizing       func(*SynthesisResult)
	SynthesisCompleted func(*SynthesisResult)
	SynthesisCanceled  func(CancellationEventArgs)
	WordBoundary       func(WordBoundaryEventArgs)
	BookmarkReached    func(BookmarkEventArgs)
	VisemeReceived     func(VisemeEventArgs)
}

// SynthesisConnectionFactory builds connections for synthesis endpoints.
type SynthesisConnectionFactory interface {
	Create(config *SynthesizerConfig, auth AuthInfo, connectionID string) (transport.Connection, error)
}

// WebsocketSynthesisConnectionFactory is the production factory.
type WebsocketSynthesisConnectionFactory struct{}

func (WebsocketSynthesisConnectionFactory) Create(config *SynthesizerConfig, auth AuthInfo, connectionID string) (transport.Connection, error) {
	url := config.Endpoint
	headers := make(map[string][]string)
	headers[auth.HeaderName] = []string{auth.Token}
	headers["X-ConnectionId"] = []string{connectionID}
	return transport.NewWebsocketConnection(connectionID, url, headers), nil
}

// Synthesizer drives text-to-speech requests: connect, send context and
// SSML, then stream audio and metadata back until the turn ends.
type Synthesizer struct {
	processCfg *ProcessConfig
	config     *SynthesizerConfig
	auth       AuthProvider
	factory    SynthesisConnectionFactory
	callbacks  SynthesizerCallbacks
	logger     *slog.Logger

	serviceConfig *SpeechServiceConfig
	turn          *SynthesisTurn

	mu             sync.Mutex
	connFut        *connectionFuture
	isSynthesizing bool
	successCb      func(*SynthesisResult)
	errorCb        func(error)
	sessionID      string

	disposed atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSynthesizer wires a synthesizer together. processCfg may be nil for
// the defaults.
func NewSynthesizer(processCfg *ProcessConfig, config *SynthesizerConfig, auth AuthProvider, factory SynthesisConnectionFactory, callbacks SynthesizerCallbacks) *Synthesizer {
	if processCfg == nil {
		processCfg = NewProcessConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synthesizer{
		processCfg:    processCfg,
		config:        config,
		auth:          auth,
		factory:       factory,
		callbacks:     callbacks,
		logger:        processCfg.logger(),
		serviceConfig: NewSpeechServiceConfig(),
		turn:          &SynthesisTurn{},
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Turn exposes the synthesis turn tracker.
func (s *Synthesizer) Turn() *SynthesisTurn { return s.turn }

// Speak synthesizes text. When isSSML is false the text is wrapped in an
// SSML document using the configured voice. The success callback fires once
// with the completed result; fail fires instead when the turn errors.
func (s *Synthesizer) Speak(ctx context.Context, text string, isSSML bool, destination AudioDestination, success func(*SynthesisResult), fail func(error)) error {
	if s.disposed.Load() {
		return fmt.Errorf("synthesizer is disposed")
	}

	s.mu.Lock()
	if s.isSynthesizing {
		s.mu.Unlock()
		return fmt.Errorf("a synthesis is already in flight")
	}
	s.isSynthesizing = true
	s.successCb = success
	s.errorCb = fail
	s.mu.Unlock()

	ssml := text
	if !isSSML {
		ssml = s.buildSSML(text)
	}
	requestID := newNoDashGUID()
	s.turn.StartNewSynthesis(requestID, text, isSSML, destination)

	conn, err := s.fetchConnection(ctx)
	if err != nil {
		s.cancelSynthesis(core.ErrConnectionFailure, err.Error())
		return nil
	}

	if err := s.sendSynthesisContext(ctx, conn, requestID); err != nil {
		s.cancelSynthesis(core.ErrConnectionFailure, err.Error())
		return nil
	}
	ssmlMsg := protocol.NewTextMessage(protocol.PathSSML, requestID, []byte(ssml))
	ssmlMsg.ContentType = protocol.ContentTypeSSML
	if err := conn.Send(ctx, ssmlMsg); err != nil {
		s.cancelSynthesis(core.ErrConnectionFailure, err.Error())
		return nil
	}

	go s.receiveLoop()
	return nil
}

// StopSpeaking asks the service to stop the current synthesis.
func (s *Synthesizer) StopSpeaking(ctx context.Context) error {
	conn, err := s.fetchConnection(ctx)
	if err != nil {
		return err
	}
	return conn.Send(ctx, protocol.NewTextMessage(protocol.PathSynthesisControl,
		s.turn.RequestID(), []byte(`{"action":"stop"}`)))
}

// Dispose tears the synthesizer down. Idempotent.
func (s *Synthesizer) Dispose() error {
	if s.disposed.Swap(true) {
		return nil
	}
	s.turn.Dispose()
	s.cancel()
	s.mu.Lock()
	fut := s.connFut
	s.connFut = nil
	s.mu.Unlock()
	if fut != nil {
		if conn, err := fut.await(context.Background()); err == nil && conn != nil {
			return conn.Close()
		}
	}
	return nil
}

func (s *Synthesizer) buildSSML(text string) string {
	lang := s.config.Language
	if lang == "" {
		lang = "en-US"
	}
	escaped := xmlEscape(text)
	if s.config.Voice == "" {
		return fmt.Sprintf("<speak version='1.0' xml:lang='%s'>%s</speak>", lang, escaped)
	}
	return fmt.Sprintf("<speak version='1.0' xml:lang='%s'><voice xml:lang='%s' name='%s'>%s</voice></speak>",
		lang, lang, s.config.Voice, escaped)
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"\"", "&quot;",
	"'", "&apos;",
)

func xmlEscape(s string) string { return xmlEscaper.Replace(s) }

type synthesisMetadataOptions struct {
	BookmarkEnabled         bool `json:"bookmarkEnabled"`
	SentenceBoundaryEnabled bool `json:"sentenceBoundaryEnabled"`
	VisemeEnabled           bool `json:"visemeEnabled"`
	WordBoundaryEnabled     bool `json:"wordBoundaryEnabled"`
}

type synthesisContextDoc struct {
	Synthesis struct {
		Audio struct {
			MetadataOptions synthesisMetadataOptions `json:"metadataOptions"`
			OutputFormat    string                   `json:"outputFormat"`
		} `json:"audio"`
	} `json:"synthesis"`
}

func (s *Synthesizer) sendSynthesisContext(ctx context.Context, conn transport.Connection, requestID string) error {
	var doc synthesisContextDoc
	doc.Synthesis.Audio.MetadataOptions = synthesisMetadataOptions{
		BookmarkEnabled:         s.callbacks.BookmarkReached != nil,
		SentenceBoundaryEnabled: s.callbacks.WordBoundary != nil,
		VisemeEnabled:           s.callbacks.VisemeReceived != nil,
		WordBoundaryEnabled:     s.callbacks.WordBoundary != nil,
	}
	doc.Synthesis.Audio.OutputFormat = s.config.OutputFormat
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return conn.Send(ctx, protocol.NewTextMessage(protocol.PathSynthesisContext, requestID, data))
}

func (s *Synthesizer) fetchConnection(ctx context.Context) (transport.Connection, error) {
	s.mu.Lock()
	fut := s.connFut
	if fut == nil || fut.failed() {
		fut = newConnectionFuture()
		s.connFut = fut
		go func() {
			conn, err := s.connect(s.ctx)
			fut.resolve(conn, err)
		}()
	}
	s.mu.Unlock()
	return fut.await(ctx)
}

// connect dials with a single credential-refresh retry on 403, the
// synthesis channel's narrower policy compared to the recognizer's bounded
// loop.
func (s *Synthesizer) connect(ctx context.Context) (transport.Connection, error) {
	isUnAuthorized := false
	for {
		authFetchID := newNoDashGUID()
		var auth AuthInfo
		var err error
		if isUnAuthorized {
			auth, err = s.auth.FetchOnExpiry(ctx, authFetchID)
		} else {
			auth, err = s.auth.Fetch(ctx, authFetchID)
		}
		if err != nil {
			return nil, &core.Error{Code: core.ErrAuthenticationFailure, Message: "credential fetch failed", Err: err}
		}

		connectionID := newNoDashGUID()
		conn, err := s.factory.Create(s.config, auth, connectionID)
		if err != nil {
			return nil, core.NewRuntimeError(err)
		}

		result, err := conn.Open(ctx)
		if err != nil {
			return nil, err
		}
		if result.StatusCode == protocol.StatusOK {
			s.mu.Lock()
			s.sessionID = connectionID
			s.mu.Unlock()
			go s.watchConnectionClose(conn)
			if err := s.sendSpeechServiceConfig(ctx, conn); err != nil {
				return nil, err
			}
			return conn, nil
		}
		_ = conn.Close()
		if result.StatusCode == protocol.StatusForbidden && !isUnAuthorized {
			isUnAuthorized = true
			continue
		}
		return nil, core.NewConnectionError(fmt.Sprintf("Unable to contact server. StatusCode: %d, %s Reason: %s",
			result.StatusCode, s.config.Endpoint, result.Reason))
	}
}

func (s *Synthesizer) sendSpeechServiceConfig(ctx context.Context, conn transport.Connection) error {
	doc, err := s.serviceConfig.Serialize(s.processCfg.TelemetryEnabled)
	if err != nil {
		return err
	}
	return conn.Send(ctx, protocol.NewTextMessage(protocol.PathSpeechConfig, s.turn.RequestID(), []byte(doc)))
}

func (s *Synthesizer) watchConnectionClose(conn transport.Connection) {
	info, ok := <-conn.Closed()
	if !ok || s.disposed.Load() {
		return
	}
	s.mu.Lock()
	s.connFut = nil
	synthesizing := s.isSynthesizing
	s.mu.Unlock()
	if synthesizing {
		s.cancelSynthesis(core.ErrorCodeForStatus(info.StatusCode),
			fmt.Sprintf("%s websocket error code: %d", info.Reason, info.StatusCode))
	}
}

func (s *Synthesizer) receiveLoop() {
	for {
		if s.disposed.Load() {
			return
		}
		conn, err := s.fetchConnection(s.ctx)
		if err != nil {
			s.cancelSynthesis(core.ErrConnectionFailure, err.Error())
			return
		}
		msg, err := conn.Read(s.ctx)
		if err != nil {
			// A dead read outside a turn just ends the loop.
			s.mu.Lock()
			synthesizing := s.isSynthesizing
			s.mu.Unlock()
			if synthesizing {
				s.cancelSynthesis(core.ErrConnectionFailure, err.Error())
			}
			return
		}
		if msg == nil || !strings.EqualFold(msg.RequestID, s.turn.RequestID()) {
			continue
		}
		if done := s.dispatchMessage(msg); done {
			return
		}
	}
}

func (s *Synthesizer) dispatchMessage(msg *protocol.Message) bool {
	switch msg.Path {
	case protocol.PathTurnStart:
		if s.callbacks.SynthesisStarted != nil {
			s.invokeUserCallback(func() {
				s.callbacks.SynthesisStarted(&SynthesisResult{
					ResultID: s.turn.RequestID(),
					Reason:   ReasonSynthesizingAudio,
				})
			})
		}
		return false

	case protocol.PathResponse:
		if err := s.turn.OnServiceResponseMessage(msg.Body); err != nil {
			s.logger.Debug("bad response payload", "error", err)
		}
		return false

	case protocol.PathAudioResponse:
		if msg.Type != protocol.BinaryMessage || msg.StreamID != s.turn.StreamID() {
			return false
		}
		s.turn.OnAudioChunkReceived(msg.Body)
		if s.callbacks.Synthesizing != nil {
			s.invokeUserCallback(func() {
				s.callbacks.Synthesizing(&SynthesisResult{
					ResultID:  s.turn.RequestID(),
					Reason:    ReasonSynthesizingAudio,
					AudioData: msg.Body,
				})
			})
		}
		return false

	case protocol.PathAudioMetadata:
		s.onAudioMetadata(msg.Body)
		return false

	case protocol.PathTurnEnd:
		result := s.turn.OnServiceTurnEndResponse(s.config.AudioFormat)
		s.mu.Lock()
		s.isSynthesizing = false
		s.mu.Unlock()
		if s.callbacks.SynthesisCompleted != nil {
			s.invokeUserCallback(func() { s.callbacks.SynthesisCompleted(result) })
		}
		if cb := s.takeSuccessCallback(); cb != nil {
			s.invokeUserCallback(func() { cb(result) })
		}
		return true

	default:
		return false
	}
}

func (s *Synthesizer) onAudioMetadata(body []byte) {
	payload, err := parseJSON[audioMetadataPayload](body)
	if err != nil {
		return
	}
	for _, entry := range payload.Metadata {
		switch entry.Type {
		case MetaWordBoundary, MetaSentenceBoundary:
			textOffset, wordLength := s.turn.TextOffset(entry.Data.Text.Text, entry.Type == MetaSentenceBoundary)
			if s.callbacks.WordBoundary != nil {
				args := WordBoundaryEventArgs{
					AudioOffset:  entry.Data.Offset,
					Duration:     entry.Data.Duration,
					Text:         entry.Data.Text.Text,
					TextOffset:   textOffset,
					WordLength:   wordLength,
					BoundaryType: entry.Type,
				}
				s.invokeUserCallback(func() { s.callbacks.WordBoundary(args) })
			}
		case MetaBookmark:
			if s.callbacks.BookmarkReached != nil {
				args := BookmarkEventArgs{AudioOffset: entry.Data.Offset, Text: entry.Data.Bookmark}
				s.invokeUserCallback(func() { s.callbacks.BookmarkReached(args) })
			}
		case MetaViseme:
			s.turn.OnVisemeMetadataReceived(entry.Data.AnimationChunk)
			if entry.Data.IsLastAnimation && s.callbacks.VisemeReceived != nil {
				args := VisemeEventArgs{
					AudioOffset: entry.Data.Offset,
					VisemeID:    entry.Data.VisemeID,
					Animation:   s.turn.GetAndClearVisemeAnimation(),
				}
				s.invokeUserCallback(func() { s.callbacks.VisemeReceived(args) })
			}
		case MetaSessionEnd:
			s.turn.OnSessionEnd()
		}
	}
}

func (s *Synthesizer) cancelSynthesis(code core.CancellationErrorCode, details string) {
	s.mu.Lock()
	wasSynthesizing := s.isSynthesizing
	s.isSynthesizing = false
	sessionID := s.sessionID
	s.mu.Unlock()
	if !wasSynthesizing {
		return
	}
	if s.callbacks.SynthesisCanceled != nil {
		s.invokeUserCallback(func() {
			s.callbacks.SynthesisCanceled(CancellationEventArgs{
				SessionID:    sessionID,
				RequestID:    s.turn.RequestID(),
				Reason:       core.CancellationError,
				ErrorCode:    code,
				ErrorDetails: details,
			})
		})
	}
	if cb := s.takeErrorCallback(); cb != nil {
		s.invokeUserCallback(func() { cb(&core.Error{Code: code, Message: details}) })
	}
}

func (s *Synthesizer) takeSuccessCallback() func(*SynthesisResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb := s.successCb
	s.successCb = nil
	return cb
}

func (s *Synthesizer) takeErrorCallback() func(error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb := s.errorCb
	s.errorCb = nil
	return cb
}

func (s *Synthesizer) invokeUserCallback(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Warn("user callback panicked", "panic", rec)
		}
	}()
	fn()
}
