package broker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"chainsync/internal/models"
)

func TestSecurityID_AcceptsNumberAndString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`13`, "13"},
		{`"13"`, "13"},
		{`" 25 "`, "25"},
		{`null`, ""},
	}
	for _, tt := range tests {
		var id securityID
		if err := json.Unmarshal([]byte(tt.in), &id); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", tt.in, err)
		}
		if string(id) != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.in, id, tt.want)
		}
	}

	var id securityID
	if err := json.Unmarshal([]byte(`true`), &id); err == nil {
		t.Error("expected error for boolean security_id")
	}
}

func TestDecodeChain_AbsentSides(t *testing.T) {
	raw := []byte(`{
		"100": {"ce": {"oi": 10, "last_price": 5}, "pe": null},
		"110": {"pe": {"oi": 3, "last_price": 1.25}},
		"120": {}
	}`)

	table, err := DecodeChain(raw)
	if err != nil {
		t.Fatalf("DecodeChain failed: %v", err)
	}
	if table.Len() != 3 {
		t.Fatalf("Len = %d, want 3", table.Len())
	}

	r100, _ := table.Row(100)
	if r100.Call == nil || r100.Put != nil {
		t.Errorf("strike 100: %+v", r100)
	}
	r110, _ := table.Row(110)
	if r110.Call != nil || r110.Put == nil || r110.Put.LastPrice != 1.25 {
		t.Errorf("strike 110: %+v", r110)
	}
	r120, ok := table.Row(120)
	if !ok || r120.Call != nil || r120.Put != nil {
		t.Errorf("strike 120 should be present with both sides absent: %+v", r120)
	}

	strikes := table.Strikes()
	if strikes[0] != 100 || strikes[1] != 110 || strikes[2] != 120 {
		t.Errorf("Strikes not ascending: %v", strikes)
	}
}

func TestDecodeChain_NestedOC(t *testing.T) {
	table, err := DecodeChain([]byte(`{"last_price": 24000, "oc": {"24000.000000": {"ce": {"oi": 1, "last_price": 2}}}}`))
	if err != nil {
		t.Fatalf("DecodeChain failed: %v", err)
	}
	if _, ok := table.Row(24000); !ok {
		t.Error("expected strike 24000")
	}
}

func TestDecodeChain_NotChain(t *testing.T) {
	_, err := DecodeChain([]byte(`{"message": "No live data available"}`))
	if err == nil {
		t.Fatal("expected error for notice payload")
	}

	if _, err := DecodeChain([]byte(`[1, 2]`)); err == nil {
		t.Error("expected error for array payload")
	}

	table, err := DecodeChain([]byte(`{}`))
	if err != nil || table.Len() != 0 {
		t.Errorf("empty object: table=%v err=%v", table, err)
	}
}

func TestDecodeChain_RejectsNonFiniteStrikes(t *testing.T) {
	for _, key := range []string{"NaN", "Inf", "-Inf", "+Infinity"} {
		t.Run(key, func(t *testing.T) {
			payload := []byte(`{"` + key + `": {"ce": {"oi": 1, "last_price": 2}}}`)
			table, err := DecodeChain(payload)
			if !errors.Is(err, errNotChain) {
				t.Fatalf("DecodeChain(%s) = (%v, %v), want errNotChain", key, table, err)
			}
		})
	}
}

// genSide yields an absent side about a third of the time.
func genSide() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 2),
		gen.Int64Range(0, 10_000_000),
		gen.IntRange(0, 500_000),
	).Map(func(vals []interface{}) *models.OptionSide {
		if vals[0].(int) == 0 {
			return nil
		}
		return &models.OptionSide{
			OpenInterest: vals[1].(int64),
			LastPrice:    float64(vals[2].(int)) / 100,
		}
	})
}

// Property: a table survives the wire shape unchanged, including which
// sides are absent.
func TestProperty_ChainWireShapePreservesTable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	rowGen := gopter.CombineGens(
		gen.IntRange(1, 4000),
		genSide(),
		genSide(),
	).Map(func(vals []interface{}) models.OptionChainRow {
		call, _ := vals[1].(*models.OptionSide)
		put, _ := vals[2].(*models.OptionSide)
		return models.OptionChainRow{
			Strike: float64(vals[0].(int)) * 12.5,
			Call:   call,
			Put:    put,
		}
	})

	properties.Property("decode(encode(t)) equals t", prop.ForAll(
		func(rows []models.OptionChainRow) bool {
			table := models.NewOptionChainTable(rows...)
			raw, err := EncodeChain(table)
			if err != nil {
				return false
			}
			back, err := DecodeChain(raw)
			if err != nil {
				return false
			}
			return back.Equal(table)
		},
		gen.SliceOf(rowGen),
	))

	properties.TestingRun(t)
}
