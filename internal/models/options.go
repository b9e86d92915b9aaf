package models

import "sort"

// OptionSide represents one side (call or put) of a strike.
type OptionSide struct {
	OpenInterest int64   `json:"oi"`
	LastPrice    float64 `json:"last_price"`
}

// OptionChainRow represents a single strike in the option chain.
// A nil Call or Put means the upstream feed omitted that side, which
// is not the same as a side that traded at zero.
type OptionChainRow struct {
	Strike float64
	Call   *OptionSide
	Put    *OptionSide
}

// Equal reports whether two rows carry the same strike and sides.
func (r OptionChainRow) Equal(o OptionChainRow) bool {
	return r.Strike == o.Strike && sideEqual(r.Call, o.Call) && sideEqual(r.Put, o.Put)
}

func sideEqual(a, b *OptionSide) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// OptionChainTable is the option chain for exactly one (instrument, expiry)
// pair, keyed by strike price.
type OptionChainTable struct {
	rows map[float64]OptionChainRow
}

// NewOptionChainTable builds a table from rows. A later row for the same
// strike replaces an earlier one.
func NewOptionChainTable(rows ...OptionChainRow) *OptionChainTable {
	t := &OptionChainTable{rows: make(map[float64]OptionChainRow, len(rows))}
	for _, r := range rows {
		t.rows[r.Strike] = cloneRow(r)
	}
	return t
}

// Len returns the number of strikes.
func (t *OptionChainTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rows)
}

// Row returns the row for a strike.
func (t *OptionChainTable) Row(strike float64) (OptionChainRow, bool) {
	if t == nil {
		return OptionChainRow{}, false
	}
	r, ok := t.rows[strike]
	if !ok {
		return OptionChainRow{}, false
	}
	return cloneRow(r), true
}

// Strikes returns all strikes in ascending order.
func (t *OptionChainTable) Strikes() []float64 {
	if t == nil {
		return nil
	}
	strikes := make([]float64, 0, len(t.rows))
	for s := range t.rows {
		strikes = append(strikes, s)
	}
	sort.Float64s(strikes)
	return strikes
}

// Rows returns all rows ordered by strike.
func (t *OptionChainTable) Rows() []OptionChainRow {
	strikes := t.Strikes()
	rows := make([]OptionChainRow, 0, len(strikes))
	for _, s := range strikes {
		rows = append(rows, cloneRow(t.rows[s]))
	}
	return rows
}

// Equal reports whether both tables hold the same rows.
func (t *OptionChainTable) Equal(o *OptionChainTable) bool {
	if t.Len() != o.Len() {
		return false
	}
	if t == nil || o == nil {
		return true
	}
	for s, r := range t.rows {
		or, ok := o.rows[s]
		if !ok || !r.Equal(or) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the table.
func (t *OptionChainTable) Clone() *OptionChainTable {
	if t == nil {
		return nil
	}
	c := &OptionChainTable{rows: make(map[float64]OptionChainRow, len(t.rows))}
	for s, r := range t.rows {
		c.rows[s] = cloneRow(r)
	}
	return c
}

func cloneRow(r OptionChainRow) OptionChainRow {
	out := OptionChainRow{Strike: r.Strike}
	if r.Call != nil {
		c := *r.Call
		out.Call = &c
	}
	if r.Put != nil {
		p := *r.Put
		out.Put = &p
	}
	return out
}

// Snapshot is the result of a one-shot chain fetch.
type Snapshot struct {
	Table *OptionChainTable
	// Live is set when the upstream served a current chain rather than
	// reporting that none is available.
	Live bool
}
