package cli

import (
	"io"
	"time"

	"github.com/olekukonko/tablewriter"

	"chainsync/internal/models"
)

var chainHeader = []string{"CALL OI", "CALL LTP", "STRIKE", "PUT LTP", "PUT OI"}

// ChainRows turns a table into display rows in ascending strike order.
// Absent sides render as N/A.
func ChainRows(t *models.OptionChainTable) [][]string {
	rows := make([][]string, 0, t.Len())
	for _, r := range t.Rows() {
		callOI, callLTP := sideCells(r.Call)
		putOI, putLTP := sideCells(r.Put)
		rows = append(rows, []string{callOI, callLTP, FormatStrike(r.Strike), putLTP, putOI})
	}
	return rows
}

func sideCells(s *models.OptionSide) (oi, ltp string) {
	if s == nil {
		return NotAvailable, NotAvailable
	}
	return FormatOI(s.OpenInterest), FormatPrice(s.LastPrice)
}

// RenderChain writes the table with tablewriter.
func RenderChain(w io.Writer, t *models.OptionChainTable) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(chainHeader)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_CENTER,
		tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT,
	})
	table.AppendBulk(ChainRows(t))
	table.Render()
}

// RenderState writes one full screen for a state: header, status line and
// the chain.
func RenderState(o *Output, s models.SyncState) {
	o.ClearScreen()

	switch {
	case s.Instrument != nil:
		name := s.Instrument.Name
		if name == "" {
			name = s.Instrument.TradingSymbol
		}
		o.Bold("%s  (%s %s, %s)", name, s.Instrument.Exchange, s.Instrument.SegmentTag, s.Instrument.ID)
	case s.Query != "":
		o.Bold("%s", s.Query)
	}

	if len(s.Expiries) > 0 {
		o.Printf("Expiries: %s\n", FormatExpiries(s.Expiries, s.Expiry))
	}

	status := o.LivenessStatus(s.Liveness)
	if tag := o.SourceTag(s.Source); tag != "" {
		status += "  " + tag
	}
	o.Printf("%s  %s\n", status, o.ColoredString(ColorDim, FormatTime(s.UpdatedAt)))
	if msg := FormatErrorKind(s.Err); msg != "" {
		o.Warning("%s", msg)
	}
	o.Println()

	switch {
	case s.IsLoading():
		o.Dim("Loading option chain...")
	case s.Phase == models.PhaseEmpty:
		o.Dim("No instrument selected.")
	case s.Table.Len() == 0:
		o.Dim("No option chain data.")
	default:
		RenderChain(o.Writer(), s.Table)
	}
}

// stateView is the JSON shape of a SyncState.
type stateView struct {
	Phase      models.Phase       `json:"phase"`
	Query      string             `json:"query,omitempty"`
	Instrument *models.Instrument `json:"instrument,omitempty"`
	Expiries   models.ExpirySet   `json:"expiries"`
	Expiry     string             `json:"expiry,omitempty"`
	Liveness   models.Liveness    `json:"liveness"`
	Status     string             `json:"status"`
	Source     models.TableSource `json:"source,omitempty"`
	Error      models.ErrorKind   `json:"error,omitempty"`
	Selection  uint64             `json:"selection"`
	UpdatedAt  time.Time          `json:"updated_at"`
	Chain      []rowView          `json:"chain"`
}

// rowView keeps absent sides as null.
type rowView struct {
	Strike float64   `json:"strike"`
	Call   *sideView `json:"call"`
	Put    *sideView `json:"put"`
}

type sideView struct {
	OI        int64   `json:"oi"`
	LastPrice float64 `json:"last_price"`
}

func newSideView(s *models.OptionSide) *sideView {
	if s == nil {
		return nil
	}
	return &sideView{OI: s.OpenInterest, LastPrice: s.LastPrice}
}

func newStateView(s models.SyncState) stateView {
	v := stateView{
		Phase:      s.Phase,
		Query:      s.Query,
		Instrument: s.Instrument,
		Expiries:   s.Expiries,
		Expiry:     s.Expiry,
		Liveness:   s.Liveness,
		Status:     statusText(s.Liveness),
		Source:     s.Source,
		Error:      s.Err,
		Selection:  s.Selection,
		UpdatedAt:  s.UpdatedAt,
		Chain:      make([]rowView, 0, s.Table.Len()),
	}
	if v.Expiries == nil {
		v.Expiries = models.ExpirySet{}
	}
	for _, r := range s.Table.Rows() {
		v.Chain = append(v.Chain, rowView{Strike: r.Strike, Call: newSideView(r.Call), Put: newSideView(r.Put)})
	}
	return v
}

func statusText(l models.Liveness) string {
	switch l {
	case models.LivenessLive:
		return StatusLive
	case models.LivenessStale:
		return StatusStale
	default:
		return StatusUnknown
	}
}
