// Package models provides domain models for the option chain client.
package models

import "strings"

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
	MCX Exchange = "MCX" // Commodity
)

// Segment is the coarse segment code the search index groups instruments by.
type Segment string

const (
	SegmentIndex      Segment = "I"
	SegmentEquity     Segment = "E"
	SegmentDerivative Segment = "D"
)

// Instrument represents a resolved, tradeable instrument.
// It is immutable once resolved.
type Instrument struct {
	ID            string   `json:"security_id"`
	Name          string   `json:"name"`
	TradingSymbol string   `json:"trading_symbol"`
	Exchange      Exchange `json:"exchange"`
	Segment       Segment  `json:"segment"`
	// SegmentTag is the exchange-segment tag the chain and stream
	// endpoints are scoped by, e.g. IDX_I or NSE_EQ.
	SegmentTag string `json:"exchange_segment"`
}

// Key returns the identity the push channel is scoped by.
func (i Instrument) Key() string {
	return i.ID + ":" + i.SegmentTag
}

// IsZero reports whether the instrument is unset.
func (i Instrument) IsZero() bool {
	return i.ID == ""
}

// ExpirySet is an ordered sequence of expiry labels for one instrument.
// Upstream order is preserved; by convention it is ascending.
type ExpirySet []string

// First returns the nearest expiry, or "" when the set is empty.
func (e ExpirySet) First() string {
	if len(e) == 0 {
		return ""
	}
	return e[0]
}

// Contains reports whether label is in the set.
func (e ExpirySet) Contains(label string) bool {
	label = strings.TrimSpace(label)
	for _, x := range e {
		if x == label {
			return true
		}
	}
	return false
}

// Clone returns a copy that does not share backing storage.
func (e ExpirySet) Clone() ExpirySet {
	if e == nil {
		return nil
	}
	out := make(ExpirySet, len(e))
	copy(out, e)
	return out
}
