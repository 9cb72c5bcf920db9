// Package transport provides the connection abstraction the speech engines
// run over, plus the websocket implementation used in production.
package transport

import (
	"context"

	"github.com/voxa-labs/speechwire/pkg/protocol"
)

// OpenResult reports the outcome of a connection attempt. StatusCode 200
// means the connection is usable; any other code is surfaced to the caller's
// retry policy rather than returned as an error.
type OpenResult struct {
	StatusCode int
	Reason     string
}

// CloseInfo reports why an established connection went away.
type CloseInfo struct {
	StatusCode int
	Reason     string
}

// Connection is a single duplex message channel to the service.
//
// Open must be called exactly once. Read returns the next inbound frame,
// blocking until one arrives, the connection drops, or ctx is done. Closed
// delivers exactly one CloseInfo once the connection has terminated.
type Connection interface {
	ID() string
	Open(ctx context.Context) (OpenResult, error)
	Send(ctx context.Context, msg *protocol.Message) error
	Read(ctx context.Context) (*protocol.Message, error)
	Closed() <-chan CloseInfo
	Close() error
}
