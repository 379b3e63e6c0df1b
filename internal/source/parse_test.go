package source

import (
	"testing"
	"time"
)

func TestParseTime(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "rfc3339", in: "2024-01-05T12:30:00Z", want: "2024-01-05T12:30:00Z"},
		{name: "iso without zone", in: "2024-01-05T12:30:00", want: "2024-01-05T12:30:00Z"},
		{name: "date only", in: "2024-01-05", want: "2024-01-05T00:00:00Z"},
		{name: "slash date", in: "05/01/2024 12:30:00", want: "2024-01-05T12:30:00Z"},
		{name: "epoch seconds", in: float64(1704456000), want: "2024-01-05T12:00:00Z"},
		{name: "epoch milliseconds", in: float64(1704456000000), want: "2024-01-05T12:00:00Z"},
		{name: "epoch string", in: "1704456000", want: "2024-01-05T12:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTime(tt.in)
			if got == nil {
				t.Fatalf("ParseTime(%v) = nil", tt.in)
			}
			if s := got.UTC().Format(time.RFC3339); s != tt.want {
				t.Errorf("ParseTime(%v) = %s, want %s", tt.in, s, tt.want)
			}
		})
	}

	if got := ParseTime(""); got != nil {
		t.Errorf("ParseTime(\"\") = %v, want nil", got)
	}
	if got := ParseTime("not a date"); got != nil {
		t.Errorf("ParseTime garbage = %v, want nil", got)
	}
}

func TestParseAmountMajor(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int64
	}{
		{name: "float", in: 19.99, want: 1999},
		{name: "int", in: 50, want: 5000},
		{name: "plain string", in: "19.99", want: 1999},
		{name: "comma decimal", in: "19,99", want: 1999},
		{name: "european thousands", in: "1.234,56", want: 123456},
		{name: "english thousands", in: "1,234.56", want: 123456},
		{name: "currency symbol", in: "$ 19.99", want: 1999},
		{name: "euro symbol", in: "19,99 €", want: 1999},
		{name: "negative", in: "-5,00", want: -500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmountMajor(tt.in)
			if err != nil {
				t.Fatalf("ParseAmountMajor(%v) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseAmountMajor(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}

	if _, err := ParseAmountMajor("abc"); err == nil {
		t.Error("expected error for non-numeric amount")
	}
}

func TestParseAmountMinor(t *testing.T) {
	got, err := ParseAmountMinor(float64(1999))
	if err != nil {
		t.Fatalf("ParseAmountMinor error = %v", err)
	}
	if got != 1999 {
		t.Errorf("ParseAmountMinor(1999) = %d, want 1999", got)
	}

	got, err = ParseAmountMinor("2500")
	if err != nil {
		t.Fatalf("ParseAmountMinor error = %v", err)
	}
	if got != 2500 {
		t.Errorf("ParseAmountMinor(\"2500\") = %d, want 2500", got)
	}
}
