// Package store provides persistence for last-known option chains.
package store

import (
	"context"
	"time"

	"chainsync/internal/models"
)

// ChainStore keeps the most recent accepted table per (instrument, expiry).
// It backs the "last available data" view when the upstream has no live
// chain.
type ChainStore interface {
	// SaveChain replaces the stored table for the instrument and expiry.
	SaveChain(ctx context.Context, inst models.Instrument, expiry string, table *models.OptionChainTable) error
	// LastChain returns the stored table and when it was saved. It returns
	// errors.ErrNotFound when nothing is stored.
	LastChain(ctx context.Context, inst models.Instrument, expiry string) (*models.OptionChainTable, time.Time, error)
	// ListChains returns the stored entries, most recent first.
	ListChains(ctx context.Context) ([]ChainEntry, error)
	// Prune removes entries saved before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// ChainEntry describes one stored table.
type ChainEntry struct {
	SecurityID string    `json:"security_id"`
	SegmentTag string    `json:"exchange_segment"`
	Name       string    `json:"name"`
	Expiry     string    `json:"expiry"`
	Strikes    int       `json:"strikes"`
	SavedAt    time.Time `json:"saved_at"`
}
