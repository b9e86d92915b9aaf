package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"chainsync/internal/models"
)

// errNotChain marks a payload that is valid JSON but not a chain mapping,
// e.g. the upstream's {"message": "No live data available"} notice.
var errNotChain = errors.New("payload is not an option chain")

// securityID accepts the upstream id as either a JSON number or string.
type securityID string

func (s *securityID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = securityID(strings.TrimSpace(str))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("security_id: %w", err)
	}
	*s = securityID(n.String())
	return nil
}

// searchCandidate is one row of the search endpoint's response.
type searchCandidate struct {
	SecurityID    securityID `json:"security_id"`
	SymbolName    string     `json:"symbol_name"`
	TradingSymbol string     `json:"trading_symbol"`
	Exchange      string     `json:"exchange"`
	Segment       string     `json:"segment"`
	Attribute     string     `json:"attribute"`
	Alias         string     `json:"alias"`
}

func (c searchCandidate) instrument() models.Instrument {
	name := c.Alias
	if name == "" || name == "N/A" {
		name = c.SymbolName
	}
	return models.Instrument{
		ID:            string(c.SecurityID),
		Name:          name,
		TradingSymbol: c.TradingSymbol,
		Exchange:      models.Exchange(c.Exchange),
		Segment:       models.Segment(c.Segment),
		SegmentTag:    c.Attribute,
	}
}

type wireSide struct {
	OI        float64 `json:"oi"`
	LastPrice float64 `json:"last_price"`
}

type wireRow struct {
	CE *wireSide `json:"ce"`
	PE *wireSide `json:"pe"`
}

func (w *wireSide) side() *models.OptionSide {
	if w == nil {
		return nil
	}
	return &models.OptionSide{OpenInterest: int64(w.OI), LastPrice: w.LastPrice}
}

// DecodeChain decodes a strike-keyed chain mapping. The raw broker shape
// that nests the mapping under "oc" and the REST envelope that nests it
// under "option_chain" are accepted as well.
func DecodeChain(raw []byte) (*models.OptionChainTable, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return models.NewOptionChainTable(), nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decoding chain: %w", err)
	}
	for _, key := range []string{"oc", "option_chain"} {
		if nested, ok := fields[key]; ok {
			return DecodeChain(nested)
		}
	}

	rows := make([]models.OptionChainRow, 0, len(fields))
	for key, value := range fields {
		strike, err := strconv.ParseFloat(strings.TrimSpace(key), 64)
		if err == nil && (math.IsNaN(strike) || math.IsInf(strike, 0)) {
			err = fmt.Errorf("non-finite strike")
		}
		if err != nil {
			return nil, fmt.Errorf("%w: key %q", errNotChain, key)
		}
		var wr wireRow
		if err := json.Unmarshal(value, &wr); err != nil {
			return nil, fmt.Errorf("decoding strike %s: %w", key, err)
		}
		rows = append(rows, models.OptionChainRow{
			Strike: strike,
			Call:   wr.CE.side(),
			Put:    wr.PE.side(),
		})
	}
	return models.NewOptionChainTable(rows...), nil
}

// EncodeChain renders a table in the wire shape DecodeChain reads.
func EncodeChain(t *models.OptionChainTable) ([]byte, error) {
	out := make(map[string]wireRow, t.Len())
	for _, r := range t.Rows() {
		var wr wireRow
		if r.Call != nil {
			wr.CE = &wireSide{OI: float64(r.Call.OpenInterest), LastPrice: r.Call.LastPrice}
		}
		if r.Put != nil {
			wr.PE = &wireSide{OI: float64(r.Put.OpenInterest), LastPrice: r.Put.LastPrice}
		}
		out[strconv.FormatFloat(r.Strike, 'f', -1, 64)] = wr
	}
	return json.Marshal(out)
}
