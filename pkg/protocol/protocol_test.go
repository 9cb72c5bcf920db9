package protocol

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func TestTextMessageEncodeDecode(t *testing.T) {
	msg := NewTextMessage(PathSpeechContext, "abc123", []byte(`{"key":"value"}`))
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	text := string(data)
	if !strings.Contains(text, "Path: speech.context\r\n") {
		t.Fatalf("missing path header: %q", text)
	}
	if !strings.Contains(text, "X-RequestId: abc123\r\n") {
		t.Fatalf("missing request id header: %q", text)
	}
	if !strings.Contains(text, "X-Timestamp: ") {
		t.Fatalf("missing timestamp header: %q", text)
	}
	if !strings.HasSuffix(text, "\r\n\r\n"+`{"key":"value"}`) {
		t.Fatalf("body not separated by blank line: %q", text)
	}

	decoded, err := DecodeText(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Path != PathSpeechContext || decoded.RequestID != "abc123" {
		t.Fatalf("decoded = %+v", decoded)
	}
	if decoded.ContentType != ContentTypeJSON {
		t.Fatalf("content type = %q", decoded.ContentType)
	}
	if string(decoded.Body) != `{"key":"value"}` {
		t.Fatalf("body = %q", decoded.Body)
	}
}

func TestBinaryMessageEncodeDecode(t *testing.T) {
	payload := []byte{0, 1, 2, 3, 4}
	msg := NewBinaryMessage(PathAudio, "req1", payload)
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	headerLen := int(binary.BigEndian.Uint16(data))
	if headerLen <= 0 || 2+headerLen >= len(data) {
		t.Fatalf("implausible header length %d for frame of %d", headerLen, len(data))
	}
	if !bytes.Equal(data[2+headerLen:], payload) {
		t.Fatalf("payload mismatch")
	}

	decoded, err := DecodeBinary(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Path != PathAudio || decoded.RequestID != "req1" {
		t.Fatalf("decoded = %+v", decoded)
	}
	if !bytes.Equal(decoded.Body, payload) {
		t.Fatalf("body = %v", decoded.Body)
	}
}

func TestEmptyBinaryBodyMarksEndOfStream(t *testing.T) {
	msg := NewBinaryMessage(PathAudio, "req1", nil)
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeBinary(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Body) != 0 {
		t.Fatalf("expected empty body, got %d bytes", len(decoded.Body))
	}
}

func TestDecodeTextNormalizesPathCase(t *testing.T) {
	raw := "Path: Turn.Start\r\nX-RequestId: r1\r\n\r\n{}"
	decoded, err := DecodeText([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Path != "turn.start" {
		t.Fatalf("path = %q, want lowercased", decoded.Path)
	}
}

func TestDecodeTextRejectsMissingTerminator(t *testing.T) {
	if _, err := DecodeText([]byte("Path: audio\r\nno-blank-line")); err == nil {
		t.Fatalf("expected error for missing header terminator")
	}
}

func TestDecodeBinaryRejectsTruncatedFrames(t *testing.T) {
	if _, err := DecodeBinary([]byte{0}); err == nil {
		t.Fatalf("expected error for frame shorter than length prefix")
	}
	if _, err := DecodeBinary([]byte{0xFF, 0xFF, 'P'}); err == nil {
		t.Fatalf("expected error for truncated header block")
	}
}

func TestStreamIDHeaderRoundTrip(t *testing.T) {
	msg := NewBinaryMessage(PathAudio, "req1", []byte{1})
	msg.StreamID = "stream-42"
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeBinary(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.StreamID != "stream-42" {
		t.Fatalf("stream id = %q", decoded.StreamID)
	}
}
