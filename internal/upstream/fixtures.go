package upstream

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "chainsync/internal/errors"
	"chainsync/internal/models"
)

//go:embed fixtures/default.yaml
var defaultFixtures []byte

// Fixtures is the data set the development upstream serves.
type Fixtures struct {
	Instruments []InstrumentFixture `yaml:"instruments"`
}

// InstrumentFixture is one searchable instrument with its chains.
type InstrumentFixture struct {
	SecurityID    string `yaml:"security_id"`
	SymbolName    string `yaml:"symbol_name"`
	TradingSymbol string `yaml:"trading_symbol"`
	Exchange      string `yaml:"exchange"`
	Segment       string `yaml:"segment"`
	Attribute     string `yaml:"attribute"`
	Alias         string `yaml:"alias"`
	// StreamExpiry selects the chain pushed on the stream. Empty means the
	// first expiry that has one.
	StreamExpiry string          `yaml:"stream_expiry"`
	Expiries     []ExpiryFixture `yaml:"expiries"`
}

// ExpiryFixture is the chain for one expiry. A missing chain is served as
// unavailable.
type ExpiryFixture struct {
	Expiry string          `yaml:"expiry"`
	Chain  []StrikeFixture `yaml:"chain"`
}

// StrikeFixture is one chain row. Omitted sides are absent.
type StrikeFixture struct {
	Strike float64      `yaml:"strike"`
	CE     *SideFixture `yaml:"ce"`
	PE     *SideFixture `yaml:"pe"`
}

// SideFixture is one side of a row.
type SideFixture struct {
	OI        int64   `yaml:"oi"`
	LastPrice float64 `yaml:"last_price"`
}

// DefaultFixtures returns the built-in data set.
func DefaultFixtures() (*Fixtures, error) {
	return ParseFixtures(defaultFixtures)
}

// LoadFixtures reads a YAML fixture file.
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixtures: %w", err)
	}
	return ParseFixtures(data)
}

// ParseFixtures decodes and validates a YAML fixture document.
func ParseFixtures(data []byte) (*Fixtures, error) {
	var fx Fixtures
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parsing fixtures: %w", err)
	}
	if err := fx.Validate(); err != nil {
		return nil, err
	}
	return &fx, nil
}

// Validate checks identities are present and unique.
func (f *Fixtures) Validate() error {
	seen := make(map[string]bool, len(f.Instruments))
	for i, inst := range f.Instruments {
		field := fmt.Sprintf("instruments[%d]", i)
		if strings.TrimSpace(inst.SecurityID) == "" {
			return apperrors.NewValidationError(field+".security_id", inst.SecurityID, "required")
		}
		if strings.TrimSpace(inst.Attribute) == "" {
			return apperrors.NewValidationError(field+".attribute", inst.Attribute, "required")
		}
		key := inst.key()
		if seen[key] {
			return apperrors.NewValidationError(field, key, "duplicate instrument")
		}
		seen[key] = true

		labels := make(map[string]bool, len(inst.Expiries))
		for j, e := range inst.Expiries {
			if strings.TrimSpace(e.Expiry) == "" {
				return apperrors.NewValidationError(fmt.Sprintf("%s.expiries[%d]", field, j), e.Expiry, "label required")
			}
			if labels[e.Expiry] {
				return apperrors.NewValidationError(fmt.Sprintf("%s.expiries[%d]", field, j), e.Expiry, "duplicate expiry")
			}
			labels[e.Expiry] = true
		}
		if inst.StreamExpiry != "" && !labels[inst.StreamExpiry] {
			return apperrors.NewValidationError(field+".stream_expiry", inst.StreamExpiry, "not in expiries")
		}
	}
	return nil
}

func (i InstrumentFixture) key() string {
	return i.SecurityID + ":" + i.Attribute
}

func (i InstrumentFixture) instrument() models.Instrument {
	return models.Instrument{
		ID:            i.SecurityID,
		Name:          i.SymbolName,
		TradingSymbol: i.TradingSymbol,
		Exchange:      models.Exchange(i.Exchange),
		Segment:       models.Segment(i.Segment),
		SegmentTag:    i.Attribute,
	}
}

func (e ExpiryFixture) table() *models.OptionChainTable {
	if len(e.Chain) == 0 {
		return nil
	}
	rows := make([]models.OptionChainRow, 0, len(e.Chain))
	for _, s := range e.Chain {
		rows = append(rows, models.OptionChainRow{
			Strike: s.Strike,
			Call:   s.CE.side(),
			Put:    s.PE.side(),
		})
	}
	return models.NewOptionChainTable(rows...)
}

func (s *SideFixture) side() *models.OptionSide {
	if s == nil {
		return nil
	}
	return &models.OptionSide{OpenInterest: s.OI, LastPrice: s.LastPrice}
}
