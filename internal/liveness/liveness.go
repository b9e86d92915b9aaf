// Package liveness derives whether displayed chain data is live.
package liveness

import "chainsync/internal/models"

// StreamState is the push channel state as far as liveness is concerned.
type StreamState int

const (
	StreamClosed StreamState = iota
	StreamOpen
)

func (s StreamState) String() string {
	if s == StreamOpen {
		return "open"
	}
	return "closed"
}

// Compute returns Live only while the stream is open and a snapshot or
// stream payload has been accepted for the current selection.
func Compute(stream StreamState, accepted bool) models.Liveness {
	if stream == StreamOpen && accepted {
		return models.LivenessLive
	}
	return models.LivenessStale
}

// Tracker accumulates the facts Compute needs. It is not safe for
// concurrent use; the reconciler owns it on its loop goroutine.
type Tracker struct {
	stream   StreamState
	accepted bool
}

// Reset forgets accepted data after an instrument or expiry change.
// Stream state is kept: an expiry change does not touch the channel.
func (t *Tracker) Reset() {
	t.accepted = false
}

// StreamOpened records a Connected event.
func (t *Tracker) StreamOpened() {
	t.stream = StreamOpen
}

// StreamClosed records a Disconnected event or an explicit close.
func (t *Tracker) StreamClosed() {
	t.stream = StreamClosed
}

// Accepted records that live data was applied to the table.
func (t *Tracker) Accepted() {
	t.accepted = true
}

// Stream returns the last recorded stream state.
func (t *Tracker) Stream() StreamState {
	return t.stream
}

// Status returns the current liveness.
func (t *Tracker) Status() models.Liveness {
	return Compute(t.stream, t.accepted)
}
