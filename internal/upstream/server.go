// Package upstream is a development stand-in for the dashboard backend. It
// serves search, expiry and chain lookups plus the option chain push
// channel from a fixture set, in the same shapes the real backend uses.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chainsync/internal/broker"
	"chainsync/internal/logging"
	"chainsync/internal/models"
)

const (
	defaultPushInterval = 2 * time.Second
	writeWait           = 5 * time.Second
	shutdownTimeout     = 5 * time.Second
	noLiveDataMessage   = "No live data available"
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPushInterval sets how often the stream endpoint pushes the chain.
func WithPushInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pushInterval = d
		}
	}
}

type instrumentEntry struct {
	fixture      InstrumentFixture
	expiries     models.ExpirySet
	chains       map[string]*models.OptionChainTable
	streamExpiry string
	streaming    bool
}

// Server serves the fixture set over HTTP and websocket.
type Server struct {
	mu          sync.RWMutex
	instruments []*instrumentEntry
	byKey       map[string]*instrumentEntry

	router       *mux.Router
	upgrader     websocket.Upgrader
	pushInterval time.Duration
	logger       zerolog.Logger

	connMu   sync.Mutex
	conns    map[*websocket.Conn]struct{}
	streams  sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a server over fx.
func New(fx *Fixtures, opts ...Option) *Server {
	s := &Server{
		byKey:        make(map[string]*instrumentEntry),
		pushInterval: defaultPushInterval,
		logger:       zerolog.Nop(),
		conns:        make(map[*websocket.Conn]struct{}),
		done:         make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.WithComponent(s.logger, "upstream")

	for _, f := range fx.Instruments {
		entry := &instrumentEntry{
			fixture:   f,
			chains:    make(map[string]*models.OptionChainTable),
			streaming: true,
		}
		for _, e := range f.Expiries {
			entry.expiries = append(entry.expiries, e.Expiry)
			if t := e.table(); t != nil {
				entry.chains[e.Expiry] = t
				if entry.streamExpiry == "" {
					entry.streamExpiry = e.Expiry
				}
			}
		}
		if f.StreamExpiry != "" {
			entry.streamExpiry = f.StreamExpiry
		}
		s.instruments = append(s.instruments, entry)
		s.byKey[f.key()] = entry
	}

	s.router = mux.NewRouter()
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/search/", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/get_expiry_list/", s.handleExpiries).Methods(http.MethodGet)
	api.HandleFunc("/get_option_chain/", s.handleChain).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/option_chain/{security_id}/{exchange_segment}", s.handleStream)

	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Upstream listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("Upstream stopped")
	return nil
}

// Close ends every push loop and waits for them to exit.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.DropStreams()
	s.streams.Wait()
}

// SetChain replaces the chain served for one expiry. A nil table makes it
// unavailable.
func (s *Server) SetChain(securityID, segmentTag, expiry string, table *models.OptionChainTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byKey[securityID+":"+segmentTag]
	if !ok {
		return
	}
	if table == nil {
		delete(entry.chains, expiry)
		return
	}
	entry.chains[expiry] = table.Clone()
}

// SetStreaming turns the pushed chain on or off for an instrument. While
// off the stream sends the no-data notice.
func (s *Server) SetStreaming(securityID, segmentTag string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.byKey[securityID+":"+segmentTag]; ok {
		entry.streaming = on
	}
}

// DropStreams closes every open push connection without a close frame and
// returns how many were dropped.
func (s *Server) DropStreams() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	n := len(s.conns)
	for c := range s.conns {
		c.Close()
		delete(s.conns, c)
	}
	return n
}

// StreamCount returns the number of open push connections.
func (s *Server) StreamCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "chainsync upstream running"})
}

// searchRow mirrors the backend's search result row. Numeric ids are sent
// as JSON numbers, like the backend does.
type searchRow struct {
	SecurityID    interface{} `json:"security_id"`
	SymbolName    string      `json:"symbol_name"`
	TradingSymbol string      `json:"trading_symbol"`
	Exchange      string      `json:"exchange"`
	Segment       string      `json:"segment"`
	Attribute     string      `json:"attribute"`
	Alias         string      `json:"alias"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("query")))
	if query == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "query is required")
		return
	}

	s.mu.RLock()
	matches := s.search(query)
	s.mu.RUnlock()

	rows := make([]searchRow, 0, len(matches))
	for _, f := range matches {
		rows = append(rows, searchRow{
			SecurityID:    wireID(f.SecurityID),
			SymbolName:    orNA(f.SymbolName),
			TradingSymbol: orNA(f.TradingSymbol),
			Exchange:      f.Exchange,
			Segment:       f.Segment,
			Attribute:     f.Attribute,
			Alias:         f.Alias,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

// search returns exact matches when there are any, otherwise substring
// matches. Results are ordered NSE, BSE, others, then by segment I, E, D.
func (s *Server) search(query string) []InstrumentFixture {
	var exact, partial []InstrumentFixture
	for _, e := range s.instruments {
		f := e.fixture
		fields := []string{strings.ToUpper(f.SymbolName), strings.ToUpper(f.TradingSymbol), strings.ToUpper(f.Alias)}
		isExact, isPartial := false, false
		for _, v := range fields {
			if v == "" {
				continue
			}
			if v == query {
				isExact = true
			}
			if strings.Contains(v, query) {
				isPartial = true
			}
		}
		switch {
		case isExact:
			exact = append(exact, f)
		case isPartial:
			partial = append(partial, f)
		}
	}

	out := partial
	if len(exact) > 0 {
		out = exact
	}
	sort.SliceStable(out, func(i, j int) bool {
		if a, b := exchangeRank(out[i].Exchange), exchangeRank(out[j].Exchange); a != b {
			return a < b
		}
		return segmentRank(out[i].Segment) < segmentRank(out[j].Segment)
	})
	return out
}

func exchangeRank(exchange string) int {
	switch exchange {
	case "NSE":
		return 1
	case "BSE":
		return 2
	default:
		return 3
	}
}

func segmentRank(segment string) int {
	switch segment {
	case "I":
		return 1
	case "E":
		return 2
	case "D":
		return 3
	default:
		return 4
	}
}

func (s *Server) lookup(r *http.Request) (*instrumentEntry, bool) {
	q := r.URL.Query()
	entry, ok := s.byKey[q.Get("security_id")+":"+q.Get("exchange_segment")]
	return entry, ok
}

func (s *Server) handleExpiries(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	entry, ok := s.lookup(r)
	var expiries models.ExpirySet
	if ok {
		expiries = entry.expiries.Clone()
	}
	s.mu.RUnlock()

	if expiries == nil {
		expiries = models.ExpirySet{}
	}
	writeJSON(w, http.StatusOK, expiries)
}

// handleChain answers in the backend's envelope: the chain keyed by
// expiry, each nested under "oc" as the broker returns it.
func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	expiry := q.Get("expiry")

	s.mu.RLock()
	entry, ok := s.lookup(r)
	if !ok || len(entry.expiries) == 0 {
		s.mu.RUnlock()
		writeDetail(w, http.StatusNotFound, "No expiry dates found for given scrip")
		return
	}
	selected := entry.expiries
	if expiry != "" {
		selected = models.ExpirySet{expiry}
	}
	byExpiry := make(map[string]json.RawMessage, len(selected))
	for _, e := range selected {
		table, ok := entry.chains[e]
		if !ok {
			continue
		}
		raw, err := broker.EncodeChain(table)
		if err != nil {
			s.mu.RUnlock()
			writeDetail(w, http.StatusInternalServerError, err.Error())
			return
		}
		byExpiry[e] = nestOC(raw)
	}
	s.mu.RUnlock()

	body := map[string]interface{}{
		"security_id":      wireID(q.Get("security_id")),
		"exchange_segment": q.Get("exchange_segment"),
		"option_chain":     nil,
	}
	if len(byExpiry) > 0 {
		body["option_chain"] = byExpiry
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := vars["security_id"] + ":" + vars["exchange_segment"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("target", key).Msg("Stream upgrade failed")
		return
	}
	if !s.track(conn) {
		conn.Close()
		return
	}

	s.logger.Info().Str("target", key).Msg("Stream client connected")
	go s.push(conn, key)
}

// track registers a connection's push loop. It fails once Close has begun.
func (s *Server) track(conn *websocket.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	s.streams.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, conn)
}

// push sends the instrument's live chain immediately and then on every
// tick, or the no-data notice when there is none, until the client goes
// away or the server closes.
func (s *Server) push(conn *websocket.Conn, key string) {
	defer s.streams.Done()
	defer func() {
		s.untrack(conn)
		conn.Close()
		s.logger.Info().Str("target", key).Msg("Stream client disconnected")
	}()

	// The read side only drains control frames and notices the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	for {
		payload, err := s.livePayload(key)
		if err != nil {
			s.logger.Error().Err(err).Str("target", key).Msg("Failed to encode chain")
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}

		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Server) livePayload(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.byKey[key]
	if !ok || !entry.streaming {
		return json.Marshal(map[string]string{"message": noLiveDataMessage})
	}
	table, ok := entry.chains[entry.streamExpiry]
	if !ok {
		return json.Marshal(map[string]string{"message": noLiveDataMessage})
	}
	raw, err := broker.EncodeChain(table)
	if err != nil {
		return nil, err
	}
	return nestOC(raw), nil
}

func nestOC(raw json.RawMessage) json.RawMessage {
	out, _ := json.Marshal(map[string]json.RawMessage{"oc": raw})
	return out
}

// wireID sends numeric ids as numbers.
func wireID(id string) interface{} {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
