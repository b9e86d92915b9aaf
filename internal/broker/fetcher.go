package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "chainsync/internal/errors"
	"chainsync/internal/logging"
	"chainsync/internal/models"
	"chainsync/internal/resilience"
)

const maxResponseBytes = 8 << 20

// HTTPFetcherConfig holds configuration for the snapshot fetcher.
type HTTPFetcherConfig struct {
	// BaseURL is the API root, e.g. http://127.0.0.1:8000/api.
	BaseURL string
	// PreferredExchange wins the tie-break when a search returns several
	// candidates.
	PreferredExchange models.Exchange
	Timeout           time.Duration
	// Breaker is optional.
	Breaker    *resilience.CircuitBreaker
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// HTTPFetcher implements Fetcher against the dashboard REST API.
// It keeps no cache between calls and never retries on its own.
type HTTPFetcher struct {
	baseURL   string
	preferred models.Exchange
	client    *http.Client
	breaker   *resilience.CircuitBreaker
	logger    zerolog.Logger
}

// NewHTTPFetcher creates a new snapshot fetcher.
func NewHTTPFetcher(cfg HTTPFetcherConfig) (*HTTPFetcher, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if u, err := url.Parse(base); err != nil || u.Host == "" {
		return nil, apperrors.NewValidationError("base_url", cfg.BaseURL, "must be an absolute URL")
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	preferred := cfg.PreferredExchange
	if preferred == "" {
		preferred = models.NSE
	}

	return &HTTPFetcher{
		baseURL:   base,
		preferred: preferred,
		client:    client,
		breaker:   cfg.Breaker,
		logger:    logging.WithComponent(cfg.Logger, "fetcher"),
	}, nil
}

// PickCandidate applies the resolution tie-break: the first candidate on
// the preferred exchange, otherwise the first candidate in upstream order.
// No other ranking is applied.
func PickCandidate(candidates []models.Instrument, preferred models.Exchange) (models.Instrument, bool) {
	if len(candidates) == 0 {
		return models.Instrument{}, false
	}
	for _, c := range candidates {
		if c.Exchange == preferred {
			return c, true
		}
	}
	return candidates[0], true
}

// Resolve implements Fetcher.
func (f *HTTPFetcher) Resolve(ctx context.Context, query string) (models.Instrument, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return models.Instrument{}, apperrors.ErrNotFound
	}

	var rows []searchCandidate
	found, err := f.getJSON(ctx, "search", "search/", url.Values{"query": {query}}, &rows)
	if err != nil {
		return models.Instrument{}, err
	}
	if !found {
		return models.Instrument{}, apperrors.Wrapf(apperrors.ErrNotFound, "query %q", query)
	}

	candidates := make([]models.Instrument, 0, len(rows))
	for _, r := range rows {
		if r.SecurityID == "" {
			continue
		}
		candidates = append(candidates, r.instrument())
	}

	inst, ok := PickCandidate(candidates, f.preferred)
	if !ok {
		return models.Instrument{}, apperrors.Wrapf(apperrors.ErrNotFound, "query %q", query)
	}

	f.logger.Debug().
		Str("query", query).
		Str("security_id", inst.ID).
		Str("exchange", string(inst.Exchange)).
		Int("candidates", len(candidates)).
		Msg("Instrument resolved")

	return inst, nil
}

// Ping checks that the API answers its status endpoint.
func (f *HTTPFetcher) Ping(ctx context.Context) error {
	var status map[string]interface{}
	found, err := f.getJSON(ctx, "status", "status", url.Values{}, &status)
	if err != nil {
		return err
	}
	if !found {
		return apperrors.NewFetchError("status", f.baseURL+"/status", http.StatusNotFound, apperrors.ErrNotFound)
	}
	return nil
}

// ListExpiries implements Fetcher.
func (f *HTTPFetcher) ListExpiries(ctx context.Context, inst models.Instrument) (models.ExpirySet, error) {
	var expiries []string
	found, err := f.getJSON(ctx, "expiries", "get_expiry_list/", instrumentParams(inst), &expiries)
	if err != nil {
		return nil, err
	}
	if !found || len(expiries) == 0 {
		return models.ExpirySet{}, nil
	}

	out := make(models.ExpirySet, 0, len(expiries))
	for _, e := range expiries {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out, nil
}

type chainEnvelope struct {
	OptionChain json.RawMessage `json:"option_chain"`
}

// FetchSnapshot implements Fetcher.
func (f *HTTPFetcher) FetchSnapshot(ctx context.Context, inst models.Instrument, expiry string) (models.Snapshot, error) {
	params := instrumentParams(inst)
	if expiry != "" {
		params.Set("expiry", expiry)
	}

	var env chainEnvelope
	found, err := f.getJSON(ctx, "chain", "get_option_chain/", params, &env)
	if err != nil {
		return models.Snapshot{}, err
	}
	if !found || isNullJSON(env.OptionChain) {
		return models.Snapshot{}, apperrors.ErrUnavailable
	}

	table, err := decodeChainForExpiry(env.OptionChain, expiry)
	if err != nil {
		return models.Snapshot{}, apperrors.NewFetchError("chain", inst.Key(), 0, err)
	}
	if table.Len() == 0 {
		return models.Snapshot{}, apperrors.ErrUnavailable
	}

	return models.Snapshot{Table: table, Live: true}, nil
}

// decodeChainForExpiry accepts either a bare chain or a mapping keyed by
// expiry, the shape the backend uses when it serves several expiries.
func decodeChainForExpiry(raw json.RawMessage, expiry string) (*models.OptionChainTable, error) {
	table, err := DecodeChain(raw)
	if err == nil || !apperrors.Is(err, errNotChain) {
		return table, err
	}

	var byExpiry map[string]json.RawMessage
	if jerr := json.Unmarshal(raw, &byExpiry); jerr != nil {
		return nil, err
	}
	sub, ok := byExpiry[expiry]
	if !ok {
		return models.NewOptionChainTable(), nil
	}
	return DecodeChain(sub)
}

func instrumentParams(inst models.Instrument) url.Values {
	return url.Values{
		"security_id":      {inst.ID},
		"exchange_segment": {inst.SegmentTag},
	}
}

func isNullJSON(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

// getJSON performs a GET and decodes the body into out. A 404 is reported
// as found=false rather than an error; every other failure becomes a
// FetchError.
func (f *HTTPFetcher) getJSON(ctx context.Context, op, path string, params url.Values, out interface{}) (bool, error) {
	target := f.baseURL + "/" + path + "?" + params.Encode()

	found := true
	call := func(ctx context.Context) error {
		start := time.Now()
		status, err := f.do(ctx, target, out)
		logging.LogAPICall(f.logger, http.MethodGet, target, time.Since(start), err)
		if err != nil {
			return apperrors.NewFetchError(op, target, status, err)
		}
		if status == http.StatusNotFound {
			found = false
		}
		return nil
	}

	var err error
	if f.breaker != nil {
		err = f.breaker.Execute(ctx, call)
		if apperrors.Is(err, apperrors.ErrCircuitOpen) {
			err = apperrors.NewFetchError(op, target, 0, err)
		}
	} else {
		err = call(ctx)
	}
	return found, err
}

func (f *HTTPFetcher) do(ctx context.Context, target string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
}

var _ Fetcher = (*HTTPFetcher)(nil)
