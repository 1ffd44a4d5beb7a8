package price

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestPriceUnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Price
		wantErr bool
	}{
		{"zero", `"0"`, 0, false},
		{"one dollar", `"1"`, 1_000_000, false},
		{"kalshi four decimals", `"0.5600"`, 560_000, false},
		{"one cent", `"0.0100"`, 10_000, false},
		{"needs padding", `"0.1"`, 100_000, false},
		{"needs truncation", `"0.1234567"`, 123_456, false},
		{"raw number no quotes", `0.25`, 250_000, false},
		{"whole with frac", `"1.5"`, 1_500_000, false},
		{"negative pnl", `"-0.25"`, -250_000, false},
		{"null keeps zero", `null`, 0, false},
		{"empty string", `""`, 0, true},
		{"letters", `"0.5a"`, 0, true},
		{"only dot", `"."`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Price
			err := got.UnmarshalJSON([]byte(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr = %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPriceInStruct(t *testing.T) {
	type Ticker struct {
		YesBid Price `json:"yes_bid_dollars"`
	}

	var tk Ticker
	if err := json.Unmarshal([]byte(`{"yes_bid_dollars": "0.4200"}`), &tk); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if tk.YesBid != 420_000 {
		t.Errorf("got %d, want 420000", tk.YesBid)
	}
	if tk.YesBid.Cents() != 42 {
		t.Errorf("got %d cents, want 42", tk.YesBid.Cents())
	}
}

func TestFromCents(t *testing.T) {
	if got := FromCents(56); got != 560_000 {
		t.Errorf("got %d, want 560000", got)
	}
	if got := FromCents(56).String(); got != "0.560000" {
		t.Errorf("got %s, want 0.560000", got)
	}
	if got := Price(-250_000).String(); got != "-0.250000" {
		t.Errorf("got %s, want -0.250000", got)
	}
}

func BenchmarkPriceUnmarshalJSON(b *testing.B) {
	data := []byte(`"0.5600"`)
	var p Price

	for i := 0; i < b.N; i++ {
		_ = p.UnmarshalJSON(data)
	}
}
