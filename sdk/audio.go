package speechwire

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const ticksPerSecond = 10_000_000 // offsets are 100-nanosecond ticks

// AudioFormat describes the PCM stream sent to the service.
type AudioFormat struct {
	SampleRate    int
	BitsPerSample int
	Channels      int
}

// DefaultAudioFormat is 16 kHz 16-bit mono PCM, the service's preferred
// input format.
func DefaultAudioFormat() *AudioFormat {
	return &AudioFormat{SampleRate: 16000, BitsPerSample: 16, Channels: 1}
}

// AvgBytesPerSec returns the stream's byte rate.
func (f *AudioFormat) AvgBytesPerSec() int {
	return f.SampleRate * f.BitsPerSample / 8 * f.Channels
}

// DurationTicks converts a byte count into 100-ns ticks of audio.
func (f *AudioFormat) DurationTicks(bytes int) uint64 {
	return uint64(bytes) * ticksPerSecond / uint64(f.AvgBytesPerSec())
}

type memWriteSeeker struct {
	buf []byte
	pos int
}

func (w *memWriteSeeker) Write(p []byte) (int, error) {
	if need := w.pos + len(p); need > len(w.buf) {
		w.buf = append(w.buf, make([]byte, need-len(w.buf))...)
	}
	copy(w.buf[w.pos:], p)
	w.pos += len(p)
	return len(p), nil
}

func (w *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var next int
	switch whence {
	case io.SeekStart:
		next = int(offset)
	case io.SeekCurrent:
		next = w.pos + int(offset)
	case io.SeekEnd:
		next = len(w.buf) + int(offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative seek position %d", next)
	}
	w.pos = next
	return int64(next), nil
}

// Header renders the RIFF/WAVE header describing this format. It is sent as
// the first frame on the audio path of every turn.
func (f *AudioFormat) Header() ([]byte, error) {
	var ws memWriteSeeker
	enc := wav.NewEncoder(&ws, f.SampleRate, f.BitsPerSample, f.Channels, 1)
	empty := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		SourceBitDepth: f.BitsPerSample,
	}
	if err := enc.Write(empty); err != nil {
		return nil, fmt.Errorf("encode wave header: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalize wave header: %w", err)
	}
	return ws.buf, nil
}

// AudioChunk is one read from an audio stream. IsEnd marks stream
// exhaustion; an end chunk carries no data.
type AudioChunk struct {
	Buffer       []byte
	IsEnd        bool
	TimeReceived time.Time
}

// AudioStreamNode is one attached reader over an audio source.
type AudioStreamNode interface {
	ID() string
	Read(ctx context.Context) (*AudioChunk, error)
	Detach(ctx context.Context) error
}

// AudioSource produces audio stream nodes. Live sources (microphones) never
// end on their own; non-live sources (files, push streams) do, and their
// exhaustion ends the recognition.
type AudioSource interface {
	ID() string
	TurnOn(ctx context.Context) error
	Attach(ctx context.Context, audioNodeID string) (AudioStreamNode, error)
	Format(ctx context.Context) (*AudioFormat, error)
	TurnOff(ctx context.Context) error
	IsLive() bool
}

// PushAudioSource is an in-memory audio source fed by the caller.
type PushAudioSource struct {
	id     string
	format *AudioFormat

	mu     sync.Mutex
	chunks chan []byte
	closed bool
}

// NewPushAudioSource creates a push source. A nil format means the default
// 16 kHz 16-bit mono.
func NewPushAudioSource(format *AudioFormat) *PushAudioSource {
	if format == nil {
		format = DefaultAudioFormat()
	}
	return &PushAudioSource{
		id:     newNoDashGUID(),
		format: format,
		chunks: make(chan []byte, 256),
	}
}

// Write queues PCM data for the attached node. The data is copied.
func (s *PushAudioSource) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("audio source %s is closed", s.id)
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case s.chunks <- buf:
		return nil
	default:
		return fmt.Errorf("audio source %s buffer full", s.id)
	}
}

// CloseStream marks the end of the audio; attached readers see an end chunk
// after draining queued data.
func (s *PushAudioSource) CloseStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.chunks)
	}
}

func (s *PushAudioSource) ID() string { return s.id }

func (s *PushAudioSource) IsLive() bool { return false }

func (s *PushAudioSource) TurnOn(context.Context) error { return nil }

func (s *PushAudioSource) TurnOff(context.Context) error { return nil }

func (s *PushAudioSource) Format(context.Context) (*AudioFormat, error) {
	return s.format, nil
}

func (s *PushAudioSource) Attach(_ context.Context, audioNodeID string) (AudioStreamNode, error) {
	return &pushStreamNode{id: audioNodeID, source: s}, nil
}

type pushStreamNode struct {
	id     string
	source *PushAudioSource
}

func (n *pushStreamNode) ID() string { return n.id }

func (n *pushStreamNode) Read(ctx context.Context) (*AudioChunk, error) {
	select {
	case buf, ok := <-n.source.chunks:
		if !ok {
			return &AudioChunk{IsEnd: true, TimeReceived: time.Now()}, nil
		}
		return &AudioChunk{Buffer: buf, TimeReceived: time.Now()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *pushStreamNode) Detach(context.Context) error { return nil }

// WavFileAudioSource streams a RIFF/WAVE file as PCM chunks. The stream ends
// when the file runs out, which ends the recognition.
type WavFileAudioSource struct {
	id   string
	path string

	mu      sync.Mutex
	file    *os.File
	decoder *wav.Decoder
	format  *AudioFormat
}

// NewWavFileAudioSource creates a source over the wave file at path. The file
// is opened lazily on first use.
func NewWavFileAudioSource(path string) *WavFileAudioSource {
	return &WavFileAudioSource{id: newNoDashGUID(), path: path}
}

func (s *WavFileAudioSource) ID() string { return s.id }

func (s *WavFileAudioSource) IsLive() bool { return false }

func (s *WavFileAudioSource) TurnOn(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open()
}

func (s *WavFileAudioSource) open() error {
	if s.decoder != nil {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open audio file: %w", err)
	}
	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		f.Close()
		return fmt.Errorf("%s is not a valid wave file", s.path)
	}
	s.file = f
	s.decoder = dec
	s.format = &AudioFormat{
		SampleRate:    int(dec.SampleRate),
		BitsPerSample: int(dec.BitDepth),
		Channels:      int(dec.NumChans),
	}
	return nil
}

func (s *WavFileAudioSource) Format(context.Context) (*AudioFormat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return nil, err
	}
	return s.format, nil
}

func (s *WavFileAudioSource) TurnOff(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.decoder = nil
	return err
}

func (s *WavFileAudioSource) Attach(_ context.Context, audioNodeID string) (AudioStreamNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.open(); err != nil {
		return nil, err
	}
	return &wavFileNode{id: audioNodeID, source: s}, nil
}

// 200 ms of audio per read at 16 kHz mono.
const wavReadSamples = 3200

type wavFileNode struct {
	id     string
	source *WavFileAudioSource
}

func (n *wavFileNode) ID() string { return n.id }

func (n *wavFileNode) Read(ctx context.Context) (*AudioChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := n.source
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decoder == nil {
		return &AudioChunk{IsEnd: true, TimeReceived: time.Now()}, nil
	}
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: s.format.Channels, SampleRate: s.format.SampleRate},
		Data:   make([]int, wavReadSamples*s.format.Channels),
	}
	read, err := s.decoder.PCMBuffer(buf)
	if err != nil {
		return nil, fmt.Errorf("read audio file: %w", err)
	}
	if read == 0 {
		return &AudioChunk{IsEnd: true, TimeReceived: time.Now()}, nil
	}
	return &AudioChunk{
		Buffer:       pcmBytes(buf.Data[:read], s.format.BitsPerSample),
		TimeReceived: time.Now(),
	}, nil
}

func (n *wavFileNode) Detach(context.Context) error { return nil }

// pcmBytes packs decoded samples back into little-endian PCM.
func pcmBytes(samples []int, bitDepth int) []byte {
	width := bitDepth / 8
	out := make([]byte, len(samples)*width)
	for i, sample := range samples {
		for b := 0; b < width; b++ {
			out[i*width+b] = byte(sample >> (8 * b))
		}
	}
	return out
}

type replayBuffer struct {
	chunk      *AudioChunk
	startTicks uint64
	endTicks   uint64
}

// ReplayableAudioNode buffers everything read through it so that audio can
// be resent after a reconnect. Offsets are 100-ns ticks, matching the
// offsets the service reports in its results.
type ReplayableAudioNode struct {
	inner  AudioStreamNode
	format *AudioFormat

	mu               sync.Mutex
	buffers          []replayBuffer
	bufferedTicks    uint64
	replay           bool
	replayOffset     uint64
	lastShrinkOffset uint64
}

// NewReplayableAudioNode wraps node with replay buffering.
func NewReplayableAudioNode(node AudioStreamNode, format *AudioFormat) *ReplayableAudioNode {
	return &ReplayableAudioNode{inner: node, format: format}
}

func (r *ReplayableAudioNode) ID() string { return r.inner.ID() }

// Read returns buffered audio while replaying, then falls through to the
// wrapped node.
func (r *ReplayableAudioNode) Read(ctx context.Context) (*AudioChunk, error) {
	r.mu.Lock()
	if r.replay {
		for _, b := range r.buffers {
			if b.endTicks <= r.replayOffset {
				continue
			}
			chunk := b.chunk
			if r.replayOffset > b.startTicks && b.endTicks > b.startTicks {
				// Resume mid-chunk, aligned down to a sample boundary.
				skip := int(uint64(len(b.chunk.Buffer)) * (r.replayOffset - b.startTicks) / (b.endTicks - b.startTicks))
				sample := r.format.BitsPerSample / 8 * r.format.Channels
				skip -= skip % sample
				chunk = &AudioChunk{Buffer: b.chunk.Buffer[skip:], TimeReceived: b.chunk.TimeReceived}
			}
			r.replayOffset = b.endTicks
			r.mu.Unlock()
			return chunk, nil
		}
		r.replay = false
	}
	r.mu.Unlock()

	chunk, err := r.inner.Read(ctx)
	if err != nil {
		return nil, err
	}
	if chunk != nil && !chunk.IsEnd && len(chunk.Buffer) > 0 {
		r.mu.Lock()
		start := r.bufferedTicks
		end := start + r.format.DurationTicks(len(chunk.Buffer))
		r.buffers = append(r.buffers, replayBuffer{chunk: chunk, startTicks: start, endTicks: end})
		r.bufferedTicks = end
		r.mu.Unlock()
	}
	return chunk, nil
}

func (r *ReplayableAudioNode) Detach(ctx context.Context) error {
	r.mu.Lock()
	r.buffers = nil
	r.mu.Unlock()
	return r.inner.Detach(ctx)
}

// Replay rewinds the node to the last confirmed offset so buffered audio is
// resent on the next reads.
func (r *ReplayableAudioNode) Replay() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buffers) > 0 {
		r.replay = true
		r.replayOffset = r.lastShrinkOffset
	}
}

// ShrinkBuffers drops audio the service has confirmed up to offset.
func (r *ReplayableAudioNode) ShrinkBuffers(offset uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastShrinkOffset = offset
	kept := r.buffers[:0]
	for _, b := range r.buffers {
		if b.endTicks > offset {
			kept = append(kept, b)
		}
	}
	r.buffers = kept
}

// FindTimeAtOffset returns the wall-clock time at which the audio at offset
// was read, or the zero time when the offset is not buffered.
func (r *ReplayableAudioNode) FindTimeAtOffset(offset uint64) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.buffers {
		if offset >= b.startTicks && offset < b.endTicks {
			return b.chunk.TimeReceived
		}
	}
	return time.Time{}
}
