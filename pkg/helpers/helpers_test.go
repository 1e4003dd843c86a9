package helpers

import (
	"math/big"
	"testing"
)

func TestConstantTimeCompare(t *testing.T) {
	tests := []struct {
		name string
		a    []byte
		b    []byte
		want bool
	}{
		{"equal", []byte{1, 2, 3}, []byte{1, 2, 3}, true},
		{"not equal", []byte{1, 2, 3}, []byte{1, 2, 4}, false},
		{"different length", []byte{1, 2}, []byte{1, 2, 3}, false},
		{"empty equal", []byte{}, []byte{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ConstantTimeCompare(tt.a, tt.b)
			if got != tt.want {
				t.Errorf("ConstantTimeCompare = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateSecureRandomLength(t *testing.T) {
	b, err := GenerateSecureRandom(16)
	if err != nil {
		t.Fatalf("GenerateSecureRandom: %v", err)
	}
	if len(b) != 16 {
		t.Fatalf("want 16 bytes, got %d", len(b))
	}
}

func TestFormatWinston(t *testing.T) {
	tests := []struct {
		winston string
		want    string
	}{
		{"1000000000000", "1"},
		{"500000000000", "0.5"},
		{"123456780000", "0.12345678"},
		{"1000000000", "0.001"},
		{"1", "0.000000000001"},
		{"0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			w, ok := new(big.Int).SetString(tt.winston, 10)
			if !ok {
				t.Fatalf("bad fixture %s", tt.winston)
			}
			got := FormatWinston(w)
			if got != tt.want {
				t.Errorf("FormatWinston(%s) = %s, want %s", tt.winston, got, tt.want)
			}
		})
	}
}

func TestParseWinston(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"1", "1000000000000", false},
		{"0.5", "500000000000", false},
		{"0.12345678", "123456780000", false},
		{"0", "0", false},
		{"invalid", "", true},
		{"1.2.3", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseWinston(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseWinston(%s) = %s, want %s", tt.input, got.String(), tt.want)
			}
		})
	}
}

func TestWinstonRoundtrip(t *testing.T) {
	amounts := []string{"1", "100", "12345678", "100000000", "999999999999999999999"}

	for _, amount := range amounts {
		w, _ := new(big.Int).SetString(amount, 10)
		formatted := FormatWinston(w)
		parsed, err := ParseWinston(formatted)
		if err != nil {
			t.Errorf("ParseWinston(%s) failed: %v", formatted, err)
			continue
		}
		if parsed.String() != amount {
			t.Errorf("roundtrip failed: %s -> %s -> %s", amount, formatted, parsed.String())
		}
	}
}
