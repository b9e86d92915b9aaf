package models

import "time"

// Phase represents the reconciler state machine phase.
type Phase string

const (
	PhaseUninitialized Phase = "UNINITIALIZED"
	PhaseLoading       Phase = "LOADING"
	PhaseReady         Phase = "READY"
	// PhaseEmpty is terminal for the current selection: the query did not
	// resolve, and nothing from a previous selection is retained.
	PhaseEmpty Phase = "EMPTY"
)

// Liveness tells whether the displayed data comes from an active push
// subscription or from a last-known snapshot.
type Liveness string

const (
	LivenessUnknown Liveness = "UNKNOWN"
	LivenessLive    Liveness = "LIVE"
	LivenessStale   Liveness = "STALE"
)

// TableSource records where the current table came from.
type TableSource string

const (
	SourceNone      TableSource = ""
	SourceSnapshot  TableSource = "SNAPSHOT"
	SourceStream    TableSource = "STREAM"
	SourceLastKnown TableSource = "LAST_KNOWN"
)

// ErrorKind is the classified failure a selection ended with.
type ErrorKind string

const (
	ErrorNone             ErrorKind = ""
	ErrorNotFound         ErrorKind = "NOT_FOUND"
	ErrorUnavailable      ErrorKind = "UNAVAILABLE"
	ErrorTransportFailure ErrorKind = "TRANSPORT_FAILURE"
	ErrorConnectionLost   ErrorKind = "CONNECTION_LOST"
)

// SyncState is the read model the presentation layer renders.
type SyncState struct {
	Phase      Phase
	Query      string
	Instrument *Instrument
	Expiries   ExpirySet
	Expiry     string
	Table      *OptionChainTable
	Source     TableSource
	Liveness   Liveness
	Err        ErrorKind
	// Selection is the token of the selection this state belongs to.
	Selection uint64
	UpdatedAt time.Time
}

// Clone returns a copy safe to hand to another goroutine.
func (s SyncState) Clone() SyncState {
	out := s
	if s.Instrument != nil {
		inst := *s.Instrument
		out.Instrument = &inst
	}
	out.Expiries = s.Expiries.Clone()
	out.Table = s.Table.Clone()
	return out
}

// IsLoading reports whether a fetch for the selection is outstanding.
func (s SyncState) IsLoading() bool {
	return s.Phase == PhaseLoading
}
