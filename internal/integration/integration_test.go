// Package integration runs the reconciler against a real upstream over
// HTTP and WebSocket.
package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainsync/internal/broker"
	"chainsync/internal/models"
	"chainsync/internal/reconciler"
	"chainsync/internal/store"
	"chainsync/internal/upstream"
)

const fixtures = `
instruments:
  - security_id: "13"
    symbol_name: NIFTY
    trading_symbol: NIFTY
    exchange: NSE
    segment: I
    attribute: IDX_I
    stream_expiry: "2025-01-30"
    expiries:
      - expiry: "2025-01-30"
        chain:
          - strike: 23000
            ce: {oi: 125000, last_price: 412.35}
            pe: {oi: 98000, last_price: 61.2}
          - strike: 23100
            ce: {oi: 88000, last_price: 341.5}
      - expiry: "2025-02-27"
        chain:
          - strike: 23500
            ce: {oi: 56000, last_price: 331.45}
            pe: {oi: 47000, last_price: 401.3}
`

const (
	jan = "2025-01-30"
	feb = "2025-02-27"
)

type env struct {
	srv *upstream.Server
	r   *reconciler.Reconciler
}

func setup(t *testing.T, chains store.ChainStore) *env {
	t.Helper()

	fx, err := upstream.ParseFixtures([]byte(fixtures))
	require.NoError(t, err)
	srv := upstream.New(fx, upstream.WithPushInterval(50*time.Millisecond))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	fetcher, err := broker.NewHTTPFetcher(broker.HTTPFetcherConfig{
		BaseURL: ts.URL + "/api",
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)
	connector := broker.NewWSConnector(broker.WSConnectorConfig{
		BaseURL:          "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/option_chain",
		HandshakeTimeout: 2 * time.Second,
	})

	opts := []reconciler.Option{reconciler.WithFetchTimeout(5 * time.Second)}
	if chains != nil {
		opts = append(opts, reconciler.WithStore(chains))
	}
	r := reconciler.New(fetcher, connector, opts...)
	r.Start(context.Background())
	t.Cleanup(r.Stop)

	return &env{srv: srv, r: r}
}

func (e *env) waitFor(t *testing.T, desc string, pred func(models.SyncState) bool) models.SyncState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := e.r.WaitFor(ctx, pred)
	require.NoError(t, err, "waiting for %s; last state %+v", desc, e.r.State())
	return s
}

func (e *env) selectLive(t *testing.T, query string) models.SyncState {
	t.Helper()
	token := e.r.SelectInstrument(query)
	return e.waitFor(t, "live chain", func(s models.SyncState) bool {
		return s.Selection == token && s.Phase == models.PhaseReady && s.Liveness == models.LivenessLive
	})
}

func TestLiveAfterConnected(t *testing.T) {
	e := setup(t, nil)

	s := e.selectLive(t, "NIFTY")
	require.NotNil(t, s.Instrument)
	assert.Equal(t, "13", s.Instrument.ID)
	assert.Equal(t, "IDX_I", s.Instrument.SegmentTag)
	assert.Equal(t, models.ExpirySet{jan, feb}, s.Expiries)
	assert.Equal(t, jan, s.Expiry)
	assert.Equal(t, 2, s.Table.Len())
	assert.Equal(t, models.ErrorNone, s.Err)

	s = e.waitFor(t, "stream payload", func(s models.SyncState) bool {
		return s.Source == models.SourceStream
	})
	row, ok := s.Table.Row(23100)
	require.True(t, ok)
	assert.Nil(t, row.Put)
	assert.Equal(t, 1, e.srv.StreamCount())
}

func TestExpirySwitchKeepsStream(t *testing.T) {
	e := setup(t, nil)
	e.selectLive(t, "NIFTY")
	require.Eventually(t, func() bool { return e.srv.StreamCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	token := e.r.SelectExpiry(feb)
	s := e.waitFor(t, "feb chain", func(s models.SyncState) bool {
		return s.Selection == token && s.Phase == models.PhaseReady && s.Expiry == feb
	})
	assert.Equal(t, models.LivenessLive, s.Liveness)

	// No new subscription is made for an expiry change.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, e.srv.StreamCount())
}

func TestDroppedStreamGoesStale(t *testing.T) {
	e := setup(t, nil)
	e.selectLive(t, "NIFTY")
	require.Eventually(t, func() bool { return e.srv.StreamCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, e.srv.DropStreams())

	s := e.waitFor(t, "stale after drop", func(s models.SyncState) bool {
		return s.Liveness == models.LivenessStale
	})
	assert.Equal(t, models.ErrorConnectionLost, s.Err)
	assert.Equal(t, 2, s.Table.Len(), "the last table stays on screen")

	// Nothing reconnects on its own.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, e.srv.StreamCount())
	assert.Equal(t, models.LivenessStale, e.r.State().Liveness)

	// An explicit expiry selection subscribes again.
	token := e.r.SelectExpiry(jan)
	e.waitFor(t, "live after reselect", func(s models.SyncState) bool {
		return s.Selection == token && s.Liveness == models.LivenessLive
	})
}

func TestNoticeKeepsStaleUntilStreamData(t *testing.T) {
	e := setup(t, nil)
	e.srv.SetChain("13", "IDX_I", jan, nil)
	e.srv.SetStreaming("13", "IDX_I", false)

	token := e.r.SelectInstrument("NIFTY")
	s := e.waitFor(t, "unavailable chain", func(s models.SyncState) bool {
		return s.Selection == token && s.Phase == models.PhaseReady
	})
	assert.Equal(t, models.ErrorUnavailable, s.Err)
	assert.Equal(t, 0, s.Table.Len())

	require.Eventually(t, func() bool { return e.srv.StreamCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	s = e.r.State()
	assert.Equal(t, models.LivenessStale, s.Liveness, "notices are not data")
	assert.Equal(t, 0, s.Table.Len())

	e.srv.SetChain("13", "IDX_I", jan, models.NewOptionChainTable(
		models.OptionChainRow{Strike: 23000, Call: &models.OptionSide{OpenInterest: 1, LastPrice: 2}},
	))
	e.srv.SetStreaming("13", "IDX_I", true)

	s = e.waitFor(t, "live from stream", func(s models.SyncState) bool {
		return s.Liveness == models.LivenessLive
	})
	assert.Equal(t, models.SourceStream, s.Source)
	assert.Equal(t, models.ErrorNone, s.Err)
	assert.Equal(t, 1, s.Table.Len())
}

func TestLastKnownFallback(t *testing.T) {
	chains, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chains.db"))
	require.NoError(t, err)
	t.Cleanup(func() { chains.Close() })

	e := setup(t, chains)
	e.selectLive(t, "NIFTY")

	require.Eventually(t, func() bool {
		table, _, err := chains.LastChain(context.Background(),
			models.Instrument{ID: "13", SegmentTag: "IDX_I"}, jan)
		return err == nil && table.Len() > 0
	}, 2*time.Second, 20*time.Millisecond)

	e.srv.SetChain("13", "IDX_I", jan, nil)
	e.srv.SetStreaming("13", "IDX_I", false)

	token := e.r.SelectInstrument("NIFTY")
	s := e.waitFor(t, "last known chain", func(s models.SyncState) bool {
		return s.Selection == token && s.Phase == models.PhaseReady
	})
	assert.Equal(t, models.SourceLastKnown, s.Source)
	assert.Equal(t, models.ErrorUnavailable, s.Err)
	assert.Equal(t, models.LivenessStale, s.Liveness)
	assert.Greater(t, s.Table.Len(), 0)
}

func TestUnknownInstrument(t *testing.T) {
	e := setup(t, nil)

	token := e.r.SelectInstrument("DOES-NOT-EXIST")
	s := e.waitFor(t, "empty", func(s models.SyncState) bool {
		return s.Selection == token && s.Phase == models.PhaseEmpty
	})
	assert.Equal(t, models.ErrorNotFound, s.Err)
	assert.Nil(t, s.Instrument)
	assert.Equal(t, 0, e.srv.StreamCount())
}
