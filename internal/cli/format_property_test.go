package cli

import (
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var indianGrouping = regexp.MustCompile(`^(\d{1,2},)*\d{1,3}$`)

// FormatOI groups digits the Indian way and round-trips to the same value.
func TestProperty_FormatOIIndianGrouping(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("FormatOI uses Indian grouping and preserves the value", prop.ForAll(
		func(oi int64) bool {
			formatted := FormatOI(oi)

			digits := strings.TrimPrefix(formatted, "-")
			if (oi < 0) != (digits != formatted) {
				t.Logf("sign mismatch for %d: %s", oi, formatted)
				return false
			}
			if !indianGrouping.MatchString(digits) {
				t.Logf("invalid grouping for %d: %s", oi, formatted)
				return false
			}

			parsed, err := strconv.ParseInt(strings.ReplaceAll(formatted, ",", ""), 10, 64)
			if err != nil || parsed != oi {
				t.Logf("round trip failed for %d: %s", oi, formatted)
				return false
			}
			return true
		},
		gen.Int64Range(-1e12, 1e12),
	))

	properties.TestingRun(t)
}

func TestFormatIndianNumber(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0", "0"},
		{"999", "999"},
		{"1000", "1,000"},
		{"99999", "99,999"},
		{"100000", "1,00,000"},
		{"1234567", "12,34,567"},
		{"10000000", "1,00,00,000"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := formatIndianNumber(tt.input); got != tt.expected {
				t.Errorf("formatIndianNumber(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatStrikeAndPrice(t *testing.T) {
	if got := FormatStrike(24500); got != "24500" {
		t.Errorf("FormatStrike(24500) = %q", got)
	}
	if got := FormatStrike(102.5); got != "102.5" {
		t.Errorf("FormatStrike(102.5) = %q", got)
	}
	if got := FormatPrice(3.1); got != "3.10" {
		t.Errorf("FormatPrice(3.1) = %q", got)
	}
}

func TestFormatExpiries(t *testing.T) {
	got := FormatExpiries([]string{"2025-01-30", "2025-02-27"}, "2025-02-27")
	if got != "2025-01-30  [2025-02-27]" {
		t.Errorf("FormatExpiries = %q", got)
	}
}
