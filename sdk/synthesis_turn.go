package speechwire

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

// MetadataType tags entries of an audio.metadata frame.
type MetadataType string

const (
	MetaWordBoundary     MetadataType = "WordBoundary"
	MetaSentenceBoundary MetadataType = "SentenceBoundary"
	MetaBookmark         MetadataType = "Bookmark"
	MetaViseme           MetadataType = "Viseme"
	MetaSessionEnd       MetadataType = "SessionEnd"
)

type metadataText struct {
	Text         string `json:"Text"`
	Length       int    `json:"Length"`
	BoundaryType string `json:"BoundaryType"`
}

type synthesisMetadata struct {
	Type MetadataType `json:"Type"`
	Data struct {
		Offset          uint64       `json:"Offset"`
		Duration        uint64       `json:"Duration"`
		Text            metadataText `json:"text"`
		Bookmark        string       `json:"Bookmark"`
		VisemeID        int          `json:"VisemeId"`
		AnimationChunk  string       `json:"AnimationChunk"`
		IsLastAnimation bool         `json:"IsLastAnimation"`
	} `json:"Data"`
}

type audioMetadataPayload struct {
	Metadata []synthesisMetadata `json:"Metadata"`
}

type synthesisResponsePayload struct {
	Audio struct {
		Type     string `json:"type"`
		StreamID string `json:"streamId"`
	} `json:"audio"`
}

// SynthesisResult is the outcome of one Speak call.
type SynthesisResult struct {
	ResultID      string
	Reason        ResultReason
	AudioData     []byte
	AudioDuration time.Duration
	ErrorDetails  string
}

// AudioDestination receives synthesized audio as it streams in. Optional;
// the turn always accumulates the full audio for the final result.
type AudioDestination interface {
	Write(p []byte) (int, error)
	Close() error
}

// SynthesisTurn tracks one synthesis request: the stream id that gates
// audio frames, received audio, and the text cursor used to translate
// service character offsets into caller text offsets.
type SynthesisTurn struct {
	mu sync.Mutex

	requestID string
	streamID  string
	rawText   string
	isSSML    bool

	receivedAudio   bytes.Buffer
	destination     AudioDestination
	inTurn          bool
	allDataReceived bool

	nextSearchTextIndex     int
	nextSearchSentenceIndex int

	visemeAnimations []string
}

// RequestID returns the current request id.
func (t *SynthesisTurn) RequestID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requestID
}

// StreamID returns the stream id announced by the service's response
// message, empty until then.
func (t *SynthesisTurn) StreamID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamID
}

// InTurn reports whether a synthesis is in flight.
func (t *SynthesisTurn) InTurn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inTurn
}

// StartNewSynthesis resets the turn for a new request.
func (t *SynthesisTurn) StartNewSynthesis(requestID, text string, isSSML bool, destination AudioDestination) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requestID = requestID
	t.rawText = text
	t.isSSML = isSSML
	t.destination = destination
	t.streamID = ""
	t.receivedAudio.Reset()
	t.inTurn = true
	t.allDataReceived = false
	t.nextSearchTextIndex = 0
	t.nextSearchSentenceIndex = 0
	t.visemeAnimations = nil
}

// OnServiceResponseMessage records the stream id that subsequent audio
// frames must carry.
func (t *SynthesisTurn) OnServiceResponseMessage(body []byte) error {
	resp, err := parseJSON[synthesisResponsePayload](body)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if resp.Audio.StreamID != "" {
		t.streamID = resp.Audio.StreamID
	}
	return nil
}

// OnAudioChunkReceived appends an audio frame, forwarding it to the
// destination when one is attached.
func (t *SynthesisTurn) OnAudioChunkReceived(data []byte) {
	t.mu.Lock()
	t.receivedAudio.Write(data)
	dest := t.destination
	t.mu.Unlock()
	if dest != nil {
		_, _ = dest.Write(data)
	}
}

// TextOffset locates word within the source text starting from the cursor,
// advancing the cursor past it. SSML inputs search the whole document so
// offsets skip over markup. Returns the rune offset and the word length.
func (t *SynthesisTurn) TextOffset(word string, sentenceBoundary bool) (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cursor := t.nextSearchTextIndex
	if sentenceBoundary {
		cursor = t.nextSearchSentenceIndex
	}
	idx := strings.Index(t.rawText[min(cursor, len(t.rawText)):], word)
	if idx < 0 {
		return -1, len([]rune(word))
	}
	byteOffset := min(cursor, len(t.rawText)) + idx
	runeOffset := len([]rune(t.rawText[:byteOffset]))
	next := byteOffset + len(word)
	if sentenceBoundary {
		t.nextSearchSentenceIndex = next
	} else {
		t.nextSearchTextIndex = next
	}
	return runeOffset, len([]rune(word))
}

// OnVisemeMetadataReceived accumulates animation chunks until the last one
// arrives.
func (t *SynthesisTurn) OnVisemeMetadataReceived(chunk string) {
	if chunk == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.visemeAnimations = append(t.visemeAnimations, chunk)
}

// GetAndClearVisemeAnimation flushes the accumulated animation.
func (t *SynthesisTurn) GetAndClearVisemeAnimation() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	joined := strings.Join(t.visemeAnimations, "")
	t.visemeAnimations = nil
	return joined
}

// OnSessionEnd marks that all audio and metadata has arrived.
func (t *SynthesisTurn) OnSessionEnd() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allDataReceived = true
}

// AllReceivedAudio returns a copy of the audio received so far.
func (t *SynthesisTurn) AllReceivedAudio() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, t.receivedAudio.Len())
	copy(out, t.receivedAudio.Bytes())
	return out
}

// OnServiceTurnEndResponse closes the turn and assembles the final result.
func (t *SynthesisTurn) OnServiceTurnEndResponse(format *AudioFormat) *SynthesisResult {
	t.mu.Lock()
	audio := make([]byte, t.receivedAudio.Len())
	copy(audio, t.receivedAudio.Bytes())
	requestID := t.requestID
	dest := t.destination
	t.inTurn = false
	t.mu.Unlock()

	if dest != nil {
		_ = dest.Close()
	}

	var duration time.Duration
	if format != nil && format.AvgBytesPerSec() > 0 {
		duration = time.Duration(len(audio)) * time.Second / time.Duration(format.AvgBytesPerSec())
	}
	return &SynthesisResult{
		ResultID:      requestID,
		Reason:        ReasonSynthesisCompleted,
		AudioData:     audio,
		AudioDuration: duration,
	}
}

// Dispose releases the turn.
func (t *SynthesisTurn) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inTurn = false
	t.receivedAudio.Reset()
}
