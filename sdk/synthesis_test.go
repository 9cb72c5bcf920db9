package speechwire

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxa-labs/speechwire/pkg/protocol"
	"github.com/voxa-labs/speechwire/pkg/transport"
)

type fakeSynthesisFactory struct {
	factory fakeFactory
}

func (f *fakeSynthesisFactory) Create(_ *SynthesizerConfig, _ AuthInfo, connectionID string) (transport.Connection, error) {
	return f.factory.Create(nil, AuthInfo{}, connectionID)
}

func newTestSynthesizer(factory *fakeSynthesisFactory, callbacks SynthesizerCallbacks) *Synthesizer {
	cfg := &SynthesizerConfig{
		Endpoint:     "wss://tts.test/synthesize",
		Language:     "en-US",
		Voice:        "en-US-TestNeural",
		OutputFormat: "riff-16khz-16bit-mono-pcm",
		AudioFormat:  DefaultAudioFormat(),
	}
	return NewSynthesizer(testProcessConfig(), cfg, SubscriptionKeyAuth{Key: "key"}, factory, callbacks)
}

type bufferDestination struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (d *bufferDestination) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.Write(p)
}

func (d *bufferDestination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func TestSpeakFlow(t *testing.T) {
	factory := &fakeSynthesisFactory{}
	var mu sync.Mutex
	var boundaries []WordBoundaryEventArgs
	started := make(chan struct{}, 1)
	callbacks := SynthesizerCallbacks{
		SynthesisStarted: func(*SynthesisResult) {
			select {
			case started <- struct{}{}:
			default:
			}
		},
		WordBoundary: func(args WordBoundaryEventArgs) {
			mu.Lock()
			boundaries = append(boundaries, args)
			mu.Unlock()
		},
	}
	s := newTestSynthesizer(factory, callbacks)
	defer s.Dispose()

	dest := &bufferDestination{}
	results := make(chan *SynthesisResult, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Speak(ctx, "hello world", false, dest,
		func(r *SynthesisResult) { results <- r },
		func(err error) { t.Errorf("synthesis failed: %v", err) })
	if err != nil {
		t.Fatalf("speak: %v", err)
	}

	conn := factory.factory.lastConnection()
	if conn == nil {
		t.Fatalf("no connection created")
	}
	if !waitFor(2*time.Second, func() bool {
		return len(conn.sentOnPath(protocol.PathSpeechConfig)) == 1 &&
			len(conn.sentOnPath(protocol.PathSynthesisContext)) == 1 &&
			len(conn.sentOnPath(protocol.PathSSML)) == 1
	}) {
		t.Fatalf("handshake incomplete; sent %+v", conn.sentMessages())
	}

	ssml := conn.sentOnPath(protocol.PathSSML)[0]
	if ssml.ContentType != protocol.ContentTypeSSML {
		t.Fatalf("ssml content type = %q", ssml.ContentType)
	}
	if !strings.Contains(ssml.TextBody(), "en-US-TestNeural") || !strings.Contains(ssml.TextBody(), "hello world") {
		t.Fatalf("ssml body = %q", ssml.TextBody())
	}

	reqID := s.Turn().RequestID()
	conn.push(textMsg(protocol.PathTurnStart, reqID, `{"context":{}}`))
	conn.push(textMsg(protocol.PathResponse, reqID, `{"audio":{"type":"inline","streamId":"stream-1"}}`))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("synthesis started never fired")
	}

	// Audio on the announced stream is accepted; a foreign stream is not.
	good := protocol.NewBinaryMessage(protocol.PathAudioResponse, reqID, []byte{1, 2, 3, 4})
	good.StreamID = "stream-1"
	conn.push(good)
	rogue := protocol.NewBinaryMessage(protocol.PathAudioResponse, reqID, []byte{9, 9, 9})
	rogue.StreamID = "stream-2"
	conn.push(rogue)

	conn.push(textMsg(protocol.PathAudioMetadata, reqID,
		`{"Metadata":[{"Type":"WordBoundary","Data":{"Offset":500,"Duration":2500,"text":{"Text":"hello","Length":5,"BoundaryType":"WordBoundary"}}}]}`))
	conn.push(textMsg(protocol.PathTurnEnd, reqID, `{}`))

	select {
	case result := <-results:
		if !bytes.Equal(result.AudioData, []byte{1, 2, 3, 4}) {
			t.Fatalf("audio = %v, want the gated stream only", result.AudioData)
		}
		if result.Reason != ReasonSynthesisCompleted {
			t.Fatalf("reason = %q", result.Reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no completion result")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(boundaries) != 1 || boundaries[0].Text != "hello" || boundaries[0].AudioOffset != 500 {
		t.Fatalf("boundaries = %+v", boundaries)
	}
	dest.mu.Lock()
	defer dest.mu.Unlock()
	if !dest.closed || dest.buf.Len() != 4 {
		t.Fatalf("destination closed=%v len=%d", dest.closed, dest.buf.Len())
	}
}

func TestSpeakRejectsConcurrentSynthesis(t *testing.T) {
	factory := &fakeSynthesisFactory{}
	s := newTestSynthesizer(factory, SynthesizerCallbacks{})
	defer s.Dispose()

	ctx := context.Background()
	if err := s.Speak(ctx, "one", false, nil, nil, nil); err != nil {
		t.Fatalf("first speak: %v", err)
	}
	if err := s.Speak(ctx, "two", false, nil, nil, nil); err == nil {
		t.Fatalf("expected second speak to be rejected while first is in flight")
	}
}

func TestStopSpeakingSendsControlMessage(t *testing.T) {
	factory := &fakeSynthesisFactory{}
	s := newTestSynthesizer(factory, SynthesizerCallbacks{})
	defer s.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.StopSpeaking(ctx); err != nil {
		t.Fatalf("stop speaking: %v", err)
	}
	conn := factory.factory.lastConnection()
	control := conn.sentOnPath(protocol.PathSynthesisControl)
	if len(control) != 1 {
		t.Fatalf("control messages = %d, want 1", len(control))
	}
	if got := control[0].TextBody(); got != `{"action":"stop"}` {
		t.Fatalf("control body = %q", got)
	}
}

func TestVisemeAnimationAccumulatesUntilLast(t *testing.T) {
	factory := &fakeSynthesisFactory{}
	visemes := make(chan VisemeEventArgs, 2)
	s := newTestSynthesizer(factory, SynthesizerCallbacks{
		VisemeReceived: func(args VisemeEventArgs) { visemes <- args },
	})
	defer s.Dispose()

	s.turn.StartNewSynthesis("req1", "hi", false, nil)
	s.onAudioMetadata([]byte(`{"Metadata":[
		{"Type":"Viseme","Data":{"Offset":0,"VisemeId":1,"AnimationChunk":"part1-","IsLastAnimation":false}},
		{"Type":"Viseme","Data":{"Offset":100,"VisemeId":2,"AnimationChunk":"part2","IsLastAnimation":true}}
	]}`))

	select {
	case args := <-visemes:
		if args.Animation != "part1-part2" {
			t.Fatalf("animation = %q, want accumulated chunks", args.Animation)
		}
		if args.VisemeID != 2 {
			t.Fatalf("viseme id = %d", args.VisemeID)
		}
	case <-time.After(time.Second):
		t.Fatalf("viseme never delivered")
	}
	select {
	case extra := <-visemes:
		t.Fatalf("unexpected second viseme event %+v", extra)
	default:
	}
}

func TestSynthesisTurnTextOffsets(t *testing.T) {
	turn := &SynthesisTurn{}
	turn.StartNewSynthesis("req1", "the cat and the hat", false, nil)

	offset, length := turn.TextOffset("the", false)
	if offset != 0 || length != 3 {
		t.Fatalf("first 'the' at %d/%d, want 0/3", offset, length)
	}
	offset, _ = turn.TextOffset("cat", false)
	if offset != 4 {
		t.Fatalf("'cat' at %d, want 4", offset)
	}
	// The cursor advanced past the first match, so the second "the" is found.
	offset, _ = turn.TextOffset("the", false)
	if offset != 12 {
		t.Fatalf("second 'the' at %d, want 12", offset)
	}
	offset, _ = turn.TextOffset("missing", false)
	if offset != -1 {
		t.Fatalf("missing word at %d, want -1", offset)
	}
}

func TestBuildSSMLEscapesText(t *testing.T) {
	factory := &fakeSynthesisFactory{}
	s := newTestSynthesizer(factory, SynthesizerCallbacks{})
	defer s.Dispose()

	ssml := s.buildSSML(`5 < 6 & "seven"`)
	if strings.Contains(ssml, `5 < 6`) {
		t.Fatalf("unescaped markup in %q", ssml)
	}
	if !strings.Contains(ssml, "5 &lt; 6 &amp; &quot;seven&quot;") {
		t.Fatalf("escaped text missing from %q", ssml)
	}
}
