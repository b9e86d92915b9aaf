package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainsync/internal/broker"
	apperrors "chainsync/internal/errors"
	"chainsync/internal/models"
)

const testFixtures = `
instruments:
  - security_id: "13"
    symbol_name: NIFTY
    trading_symbol: NIFTY
    exchange: NSE
    segment: I
    attribute: IDX_I
    expiries:
      - expiry: "2025-01-30"
        chain:
          - strike: 100
            ce: {oi: 10, last_price: 5}
      - expiry: "2025-02-27"
  - security_id: "500"
    symbol_name: ABC LTD
    trading_symbol: ABC
    exchange: BSE
    segment: E
    attribute: BSE_EQ
  - security_id: "501"
    symbol_name: ABC LTD
    trading_symbol: ABC
    exchange: NSE
    segment: E
    attribute: NSE_EQ
  - security_id: "X-9"
    symbol_name: ABCD HOLDINGS
    exchange: NSE
    segment: E
    attribute: NSE_EQ
`

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	fx, err := ParseFixtures([]byte(testFixtures))
	require.NoError(t, err)

	s := New(fx, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestDefaultFixtures(t *testing.T) {
	fx, err := DefaultFixtures()
	require.NoError(t, err)
	assert.NotEmpty(t, fx.Instruments)
}

func TestParseFixtures_Validation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing id", `instruments: [{attribute: NSE_EQ}]`},
		{"missing attribute", `instruments: [{security_id: "1"}]`},
		{"duplicate instrument", `instruments: [{security_id: "1", attribute: A}, {security_id: "1", attribute: A}]`},
		{"duplicate expiry", `instruments: [{security_id: "1", attribute: A, expiries: [{expiry: x}, {expiry: x}]}]`},
		{"unknown stream expiry", `instruments: [{security_id: "1", attribute: A, stream_expiry: y, expiries: [{expiry: x}]}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFixtures([]byte(tt.doc))
			require.Error(t, err)
			var verr *apperrors.ValidationError
			assert.True(t, apperrors.As(err, &verr), "expected a validation error, got %v", err)
		})
	}

	_, err := ParseFixtures([]byte("instruments: [unterminated"))
	assert.Error(t, err)
}

func TestLoadFixtures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testFixtures), 0o600))

	fx, err := LoadFixtures(path)
	require.NoError(t, err)
	assert.Len(t, fx.Instruments, 4)

	_, err = LoadFixtures(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSearch_ExactBeforePartialAndRanked(t *testing.T) {
	_, ts := newTestServer(t)

	var rows []map[string]interface{}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/search/?query=abc", &rows))

	// Exact matches on ABC hide the ABCD partial match; NSE ranks first.
	require.Len(t, rows, 2)
	assert.Equal(t, "NSE", rows[0]["exchange"])
	assert.Equal(t, "BSE", rows[1]["exchange"])
	assert.Equal(t, float64(501), rows[0]["security_id"], "numeric ids are sent as numbers")

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/search/?query=abcd", &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "X-9", rows[0]["security_id"])
	assert.Equal(t, "N/A", rows[0]["trading_symbol"])

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/search/?query=zzz", &rows))
	assert.Empty(t, rows)

	assert.Equal(t, http.StatusUnprocessableEntity, getJSON(t, ts.URL+"/api/search/?query=", nil))
}

func TestExpiries(t *testing.T) {
	_, ts := newTestServer(t)

	var expiries []string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/get_expiry_list/?security_id=13&exchange_segment=IDX_I", &expiries))
	assert.Equal(t, []string{"2025-01-30", "2025-02-27"}, expiries)

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/get_expiry_list/?security_id=13&exchange_segment=NSE_EQ", &expiries))
	assert.Empty(t, expiries)
}

func TestChainEnvelope(t *testing.T) {
	_, ts := newTestServer(t)

	var body struct {
		SecurityID  int                        `json:"security_id"`
		OptionChain map[string]json.RawMessage `json:"option_chain"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/get_option_chain/?security_id=13&exchange_segment=IDX_I", &body))
	assert.Equal(t, 13, body.SecurityID)
	require.Contains(t, body.OptionChain, "2025-01-30")
	assert.NotContains(t, body.OptionChain, "2025-02-27", "expiries without a chain are left out")

	table, err := broker.DecodeChain(body.OptionChain["2025-01-30"])
	require.NoError(t, err)
	assert.Equal(t, []float64{100}, table.Strikes())

	assert.Equal(t, http.StatusNotFound,
		getJSON(t, ts.URL+"/api/get_option_chain/?security_id=500&exchange_segment=BSE_EQ", nil),
		"instruments without expiries are not found")
}

func TestFetcherAgainstServer(t *testing.T) {
	s, ts := newTestServer(t)

	f, err := broker.NewHTTPFetcher(broker.HTTPFetcherConfig{BaseURL: ts.URL + "/api"})
	require.NoError(t, err)
	ctx := context.Background()

	inst, err := f.Resolve(ctx, "ABC")
	require.NoError(t, err)
	assert.Equal(t, "501", inst.ID)
	assert.Equal(t, "NSE_EQ", inst.SegmentTag)

	_, err = f.Resolve(ctx, "nothing-like-this")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	nifty, err := f.Resolve(ctx, "nifty")
	require.NoError(t, err)

	expiries, err := f.ListExpiries(ctx, nifty)
	require.NoError(t, err)
	assert.Equal(t, models.ExpirySet{"2025-01-30", "2025-02-27"}, expiries)

	snap, err := f.FetchSnapshot(ctx, nifty, "2025-01-30")
	require.NoError(t, err)
	assert.True(t, snap.Live)
	row, ok := snap.Table.Row(100)
	require.True(t, ok)
	require.NotNil(t, row.Call)
	assert.Equal(t, int64(10), row.Call.OpenInterest)
	assert.Nil(t, row.Put)

	_, err = f.FetchSnapshot(ctx, nifty, "2025-02-27")
	assert.True(t, apperrors.Is(err, apperrors.ErrUnavailable))

	_, err = f.FetchSnapshot(ctx, inst, "2025-01-30")
	assert.True(t, apperrors.Is(err, apperrors.ErrUnavailable), "404 is unavailable, not a transport failure")

	s.SetChain("13", "IDX_I", "2025-02-27", models.NewOptionChainTable(models.OptionChainRow{Strike: 200}))
	snap, err = f.FetchSnapshot(ctx, nifty, "2025-02-27")
	require.NoError(t, err)
	assert.Equal(t, []float64{200}, snap.Table.Strikes())
}

func dialStream(t *testing.T, ts *httptest.Server, id, segment string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/option_chain/" + id + "/" + segment
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPayload(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func TestStream_PushesChainAndNotice(t *testing.T) {
	s, ts := newTestServer(t, WithPushInterval(20*time.Millisecond))

	conn := dialStream(t, ts, "13", "IDX_I")
	table, err := broker.DecodeChain(readPayload(t, conn))
	require.NoError(t, err)
	assert.Equal(t, []float64{100}, table.Strikes())

	s.SetStreaming("13", "IDX_I", false)
	sawNotice := false
	for i := 0; i < 50 && !sawNotice; i++ {
		sawNotice = strings.Contains(string(readPayload(t, conn)), noLiveDataMessage)
	}
	assert.True(t, sawNotice, "stream should switch to the no-data notice")

	unknown := dialStream(t, ts, "999", "NSE_EQ")
	assert.Contains(t, string(readPayload(t, unknown)), noLiveDataMessage)
}

func TestStream_DropAndClose(t *testing.T) {
	s, ts := newTestServer(t, WithPushInterval(20*time.Millisecond))

	conn := dialStream(t, ts, "13", "IDX_I")
	readPayload(t, conn)
	require.Eventually(t, func() bool { return s.StreamCount() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, s.DropStreams())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.False(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "drop must not look like a clean close")
			break
		}
	}

	s.Close()
	assert.Equal(t, 0, s.StreamCount())

	// New connections are refused once closed.
	late := dialStream(t, ts, "13", "IDX_I")
	require.NoError(t, late.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := late.ReadMessage()
	assert.Error(t, err)
}

func TestFetcherPing(t *testing.T) {
	_, ts := newTestServer(t)

	f, err := broker.NewHTTPFetcher(broker.HTTPFetcherConfig{BaseURL: ts.URL + "/api"})
	require.NoError(t, err)
	assert.NoError(t, f.Ping(context.Background()))

	bad, err := broker.NewHTTPFetcher(broker.HTTPFetcherConfig{BaseURL: ts.URL + "/nope"})
	require.NoError(t, err)
	assert.Error(t, bad.Ping(context.Background()))
}
