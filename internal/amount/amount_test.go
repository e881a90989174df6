package amount

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"1.50", 1500000, true},
		{"0.000001", 1, true},
		{"1000", 1000000000, true},
		{"0", 0, true},
		{".5", 500000, true},
		{"1.1234567", 1123456, true}, // truncated, not rounded
		{"", 0, false},
		{"-1", 0, false},
		{"+1", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
		{".", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.Cmp(big.NewInt(tt.want)) != 0 {
			t.Errorf("Parse(%q) = %s, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParsePositive(t *testing.T) {
	if _, ok := ParsePositive("0"); ok {
		t.Error("ParsePositive(0) should fail")
	}
	if _, ok := ParsePositive("0.000000"); ok {
		t.Error("ParsePositive(0.000000) should fail")
	}
	v, ok := ParsePositive("0.000001")
	if !ok || v.Int64() != 1 {
		t.Errorf("ParsePositive(0.000001) = %v, %v", v, ok)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{1500000, "1.500000"},
		{1, "0.000001"},
		{0, "0.000000"},
		{-2500000, "-2.500000"},
	}
	for _, tt := range tests {
		if got := Format(big.NewInt(tt.in)); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := Format(nil); got != "0.000000" {
		t.Errorf("Format(nil) = %q", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"1.500000", "0.000001", "123456.789012"} {
		v, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(v); got != s {
			t.Errorf("Format(Parse(%q)) = %q", s, got)
		}
	}
}
