package speechwire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voxa-labs/speechwire/pkg/protocol"
	"github.com/voxa-labs/speechwire/pkg/transport"
)

type fakeConnection struct {
	id         string
	openResult transport.OpenResult
	sendErr    error

	mu      sync.Mutex
	sent    []*protocol.Message
	inbound chan *protocol.Message
	closed  chan transport.CloseInfo
	done    chan struct{}
	isDone  bool
}

func newFakeConnection(id string, openResult transport.OpenResult) *fakeConnection {
	return &fakeConnection{
		id:         id,
		openResult: openResult,
		inbound:    make(chan *protocol.Message, 64),
		closed:     make(chan transport.CloseInfo, 1),
		done:       make(chan struct{}),
	}
}

func (f *fakeConnection) ID() string { return f.id }

func (f *fakeConnection) Open(context.Context) (transport.OpenResult, error) {
	return f.openResult, nil
}

func (f *fakeConnection) Send(_ context.Context, msg *protocol.Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConnection) Read(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-f.inbound:
		return msg, nil
	case <-f.done:
		return nil, fmt.Errorf("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConnection) Closed() <-chan transport.CloseInfo { return f.closed }

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isDone {
		f.isDone = true
		close(f.done)
	}
	return nil
}

// dropWith simulates the server closing the socket with a close code.
func (f *fakeConnection) dropWith(info transport.CloseInfo) {
	f.closed <- info
	f.Close()
}

func (f *fakeConnection) push(msg *protocol.Message) {
	f.inbound <- msg
}

func (f *fakeConnection) sentMessages() []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeConnection) sentOnPath(path string) []*protocol.Message {
	var out []*protocol.Message
	for _, msg := range f.sentMessages() {
		if msg.Path == path {
			out = append(out, msg)
		}
	}
	return out
}

// fakeFactory hands out fake connections, one scripted open result per
// attempt. Attempts beyond the script succeed with 200.
type fakeFactory struct {
	mu          sync.Mutex
	openResults []transport.OpenResult
	created     []*fakeConnection
}

func (f *fakeFactory) Create(_ *RecognizerConfig, _ AuthInfo, connectionID string) (transport.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := transport.OpenResult{StatusCode: 200}
	if len(f.created) < len(f.openResults) {
		result = f.openResults[len(f.created)]
	}
	conn := newFakeConnection(connectionID, result)
	f.created = append(f.created, conn)
	return conn, nil
}

func (f *fakeFactory) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) lastConnection() *fakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

func textMsg(path, requestID, body string) *protocol.Message {
	return protocol.NewTextMessage(path, requestID, []byte(body))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func testProcessConfig() *ProcessConfig {
	cfg := NewProcessConfig()
	cfg.TelemetryEnabled = true
	return cfg
}
