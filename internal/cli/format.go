package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"chainsync/internal/models"
)

// NotAvailable is shown for an absent call or put side.
const NotAvailable = "N/A"

// Status line texts.
const (
	StatusLive    = "Live Data Streaming"
	StatusStale   = "Showing Last Available Data"
	StatusUnknown = "Loading..."
)

// formatIndianNumber formats an integer string in Indian numbering system.
// Indian system: 1,00,00,000 (1 crore) vs Western: 10,000,000
func formatIndianNumber(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}

	// First group of 3 from right (hundreds)
	result := s[n-3:]
	s = s[:n-3]

	// Then groups of 2 (thousands, lakhs, crores)
	for len(s) > 0 {
		if len(s) >= 2 {
			result = s[len(s)-2:] + "," + result
			s = s[:len(s)-2]
		} else {
			result = s + "," + result
			s = ""
		}
	}

	return result
}

// FormatOI formats open interest with Indian digit grouping.
func FormatOI(oi int64) string {
	if oi < 0 {
		return "-" + formatIndianNumber(strconv.FormatInt(-oi, 10))
	}
	return formatIndianNumber(strconv.FormatInt(oi, 10))
}

// FormatPrice formats a last traded price.
func FormatPrice(price float64) string {
	return fmt.Sprintf("%.2f", price)
}

// FormatStrike formats a strike without trailing zeros.
func FormatStrike(strike float64) string {
	return strconv.FormatFloat(strike, 'f', -1, 64)
}

// FormatTime formats a time in IST.
func FormatTime(t time.Time) string {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return t.Format("15:04:05")
	}
	return t.In(ist).Format("15:04:05")
}

// FormatDateTime formats a datetime in IST.
func FormatDateTime(t time.Time) string {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return t.Format("02-Jan-2006 15:04:05")
	}
	return t.In(ist).Format("02-Jan-2006 15:04:05")
}

// FormatErrorKind describes a selection failure for the status line.
func FormatErrorKind(kind models.ErrorKind) string {
	switch kind {
	case models.ErrorNotFound:
		return "Instrument not found"
	case models.ErrorUnavailable:
		return "No live option chain for this expiry"
	case models.ErrorTransportFailure:
		return "Upstream unreachable"
	case models.ErrorConnectionLost:
		return "Stream connection lost"
	default:
		return ""
	}
}

// FormatExpiries lists expiries, marking the selected one.
func FormatExpiries(expiries models.ExpirySet, selected string) string {
	parts := make([]string, 0, len(expiries))
	for _, e := range expiries {
		if e == selected {
			parts = append(parts, "["+e+"]")
		} else {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "  ")
}
