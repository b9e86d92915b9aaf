// Package broker provides the dashboard API integrations: the snapshot
// fetcher over HTTP and the push channel over WebSocket.
package broker

import (
	"context"
	"time"

	"chainsync/internal/models"
)

// Fetcher defines the pull side of market data.
type Fetcher interface {
	// Resolve maps a free-text query to one instrument. It returns
	// errors.ErrNotFound when nothing matches.
	Resolve(ctx context.Context, query string) (models.Instrument, error)
	// ListExpiries returns the expiries for an instrument. An empty set is
	// not an error.
	ListExpiries(ctx context.Context, inst models.Instrument) (models.ExpirySet, error)
	// FetchSnapshot returns the chain for one expiry. It returns
	// errors.ErrUnavailable when the upstream has no live chain.
	FetchSnapshot(ctx context.Context, inst models.Instrument, expiry string) (models.Snapshot, error)
}

// Connector opens push channel subscriptions.
type Connector interface {
	// Open starts a subscription scoped to the instrument's id and segment
	// tag. Invalid targets fail synchronously with errors.ErrInvalidTarget
	// and produce no events.
	Open(inst models.Instrument, listener Listener) (StreamHandle, error)
}

// Listener receives the events of one handle, serially.
type Listener func(StreamEvent)

// StreamHandle is one push channel subscription.
type StreamHandle interface {
	ID() string
	Target() string
	State() HandleState
	// Close is idempotent and safe in any state.
	Close() error
	// Done is closed once the handle has emitted Disconnected.
	Done() <-chan struct{}
}

// HandleState is the lifecycle state of a stream handle.
type HandleState int

const (
	HandleIdle HandleState = iota
	HandleConnecting
	HandleOpen
	HandleClosed
)

func (s HandleState) String() string {
	switch s {
	case HandleIdle:
		return "idle"
	case HandleConnecting:
		return "connecting"
	case HandleOpen:
		return "open"
	case HandleClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamEventKind identifies a push channel event.
type StreamEventKind int

const (
	EventConnected StreamEventKind = iota
	EventData
	EventDisconnected
)

func (k StreamEventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventData:
		return "data"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// StreamEvent is emitted by a handle to its listener.
type StreamEvent struct {
	Kind     StreamEventKind
	HandleID string
	// Table is the decoded chain for EventData.
	Table *models.OptionChainTable
	Raw   []byte
	// Err is set on EventDisconnected when the close was not requested.
	Err error
	At  time.Time
}
