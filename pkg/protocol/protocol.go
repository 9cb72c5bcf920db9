// Package protocol defines the wire message format used by the speech
// service: text and binary frames carrying a MIME-style header block
// (Path, X-RequestId, X-Timestamp, ...) followed by a payload.
package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// MessageType distinguishes text frames (JSON payloads) from binary frames
// (audio payloads).
type MessageType int

const (
	TextMessage MessageType = iota
	BinaryMessage
)

// Header names used in the message header block.
const (
	HeaderPath          = "Path"
	HeaderRequestID     = "X-RequestId"
	HeaderStreamID      = "X-StreamId"
	HeaderTimestamp     = "X-Timestamp"
	HeaderContentType   = "Content-Type"
	HeaderConnectionID  = "X-ConnectionId"
	HeaderAuthorization = "Authorization"
)

// Outbound message paths.
const (
	PathSpeechConfig     = "speech.config"
	PathSpeechContext    = "speech.context"
	PathAudio            = "audio"
	PathSynthesisContext = "synthesis.context"
	PathSSML             = "ssml"
	PathSynthesisControl = "synthesis.control"
	PathTelemetry        = "telemetry"
)

// Inbound message paths.
const (
	PathTurnStart           = "turn.start"
	PathTurnEnd             = "turn.end"
	PathSpeechStartDetected = "speech.startdetected"
	PathSpeechEndDetected   = "speech.enddetected"
	PathSpeechHypothesis    = "speech.hypothesis"
	PathSpeechFragment      = "speech.fragment"
	PathSpeechPhrase        = "speech.phrase"
	PathResponse            = "response"
	PathAudioResponse       = "audio"
	PathAudioMetadata       = "audio.metadata"
)

// Content types.
const (
	ContentTypeJSON = "application/json"
	ContentTypeSSML = "application/ssml+xml"
)

// Connection status codes. 200 means the connection is usable; 1006 is the
// abnormal-closure code that signals an expired credential; the 4xx values
// mirror HTTP semantics.
const (
	StatusOK           = 200
	StatusUnauthorized = 401
	StatusForbidden    = 403
	StatusAbnormal     = 1006
	StatusBadPayload   = 1007
)

// Message is a single frame exchanged with the service.
type Message struct {
	Type        MessageType
	Path        string
	RequestID   string
	StreamID    string
	ContentType string
	Timestamp   string
	Body        []byte
}

// NewTextMessage builds an outbound JSON text frame.
func NewTextMessage(path, requestID string, body []byte) *Message {
	return &Message{
		Type:        TextMessage,
		Path:        path,
		RequestID:   requestID,
		ContentType: ContentTypeJSON,
		Body:        body,
	}
}

// NewBinaryMessage builds an outbound binary frame. A nil or empty body is
// meaningful on the audio path: it marks the end of the audio stream.
func NewBinaryMessage(path, requestID string, body []byte) *Message {
	return &Message{
		Type:      BinaryMessage,
		Path:      path,
		RequestID: requestID,
		Body:      body,
	}
}

// TextBody returns the payload as a string.
func (m *Message) TextBody() string {
	return string(m.Body)
}

func (m *Message) headerBlock() string {
	var b strings.Builder
	ts := m.Timestamp
	if ts == "" {
		ts = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	}
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderPath, m.Path)
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderRequestID, m.RequestID)
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderTimestamp, ts)
	if m.ContentType != "" {
		fmt.Fprintf(&b, "%s: %s\r\n", HeaderContentType, m.ContentType)
	}
	if m.StreamID != "" {
		fmt.Fprintf(&b, "%s: %s\r\n", HeaderStreamID, m.StreamID)
	}
	return b.String()
}

// Encode serializes the message into the bytes sent on the socket. Text
// frames are "headers\r\nbody"; binary frames prefix the header block with
// its big-endian uint16 length.
func (m *Message) Encode() ([]byte, error) {
	headers := m.headerBlock()
	switch m.Type {
	case TextMessage:
		out := make([]byte, 0, len(headers)+2+len(m.Body))
		out = append(out, headers...)
		out = append(out, '\r', '\n')
		out = append(out, m.Body...)
		return out, nil
	case BinaryMessage:
		if len(headers) > 0xFFFF {
			return nil, fmt.Errorf("protocol: header block too large (%d bytes)", len(headers))
		}
		out := make([]byte, 2, 2+len(headers)+len(m.Body))
		binary.BigEndian.PutUint16(out, uint16(len(headers)))
		out = append(out, headers...)
		out = append(out, m.Body...)
		return out, nil
	default:
		return nil, fmt.Errorf("protocol: unknown message type %d", m.Type)
	}
}

func parseHeaders(block string, m *Message) {
	for _, line := range strings.Split(block, "\r\n") {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch name {
		case HeaderPath:
			m.Path = strings.ToLower(value)
		case HeaderRequestID:
			m.RequestID = value
		case HeaderStreamID:
			m.StreamID = value
		case HeaderTimestamp:
			m.Timestamp = value
		case HeaderContentType:
			m.ContentType = value
		}
	}
}

// DecodeText parses an inbound text frame.
func DecodeText(data []byte) (*Message, error) {
	headers, body, ok := strings.Cut(string(data), "\r\n\r\n")
	if !ok {
		return nil, fmt.Errorf("protocol: text frame missing header terminator")
	}
	m := &Message{Type: TextMessage, Body: []byte(body)}
	parseHeaders(headers+"\r\n", m)
	return m, nil
}

// DecodeBinary parses an inbound binary frame.
func DecodeBinary(data []byte) (*Message, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("protocol: binary frame shorter than header length prefix")
	}
	headerLen := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+headerLen {
		return nil, fmt.Errorf("protocol: binary frame truncated (header length %d, frame %d)", headerLen, len(data))
	}
	m := &Message{Type: BinaryMessage, Body: data[2+headerLen:]}
	parseHeaders(string(data[2:2+headerLen]), m)
	return m, nil
}
