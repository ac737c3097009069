package store

import (
	"testing"
	"time"
)

func TestSymbol(t *testing.T) {
	cases := map[string]string{
		"AAPL|2024-01-02": "AAPL",
		"NVDA":            "NVDA",
		"x|y|z":           "x",
	}
	for pk, want := range cases {
		if got := Symbol(pk); got != want {
			t.Errorf("Symbol(%q) = %q, want %q", pk, got, want)
		}
	}
}

func TestDateKey(t *testing.T) {
	d := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	got := dateKey("AAPL", d)
	want := "AAPL|2024-03-05"
	if got != want {
		t.Errorf("dateKey = %q, want %q", got, want)
	}
}

func TestYearKey(t *testing.T) {
	got := yearKey("AAPL", 2023)
	want := "AAPL|2023"
	if got != want {
		t.Errorf("yearKey = %q, want %q", got, want)
	}
}

func TestIsValidTableName(t *testing.T) {
	if !isValidTableName("price_history") {
		t.Error("expected valid")
	}
	if isValidTableName("bad; drop table x") {
		t.Error("expected invalid")
	}
	if isValidTableName("") {
		t.Error("expected invalid for empty")
	}
}

func TestDecodeAll(t *testing.T) {
	type row struct {
		X int `json:"x"`
	}
	raws := [][]byte{[]byte(`{"x":1}`), []byte(`{"x":2}`)}
	got, err := decodeAll[row](raws)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].X != 1 || got[1].X != 2 {
		t.Errorf("decodeAll = %+v", got)
	}
}

func TestErrNotFoundError(t *testing.T) {
	e := &ErrNotFound{Table: "t", Key: "k"}
	if e.Error() == "" {
		t.Error("expected non-empty error string")
	}
}
