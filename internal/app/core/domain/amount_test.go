package domain

import (
	"errors"
	"testing"
)

func TestFormatAmount(t *testing.T) {
	tests := map[int64]string{
		0:        "0.0000",
		1:        "0.0001",
		1234500:  "123.4500",
		-250000:  "-25.0000",
		10000000: "1000.0000",
	}
	for minor, want := range tests {
		if got := FormatAmount(minor); got != want {
			t.Errorf("FormatAmount(%d) = %s, want %s", minor, got, want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	got, err := ParseAmount("12.5")
	if err != nil || got != 125000 {
		t.Fatalf("ParseAmount = %d, %v", got, err)
	}
	for _, bad := range []string{"", "abc", "0", "-1", "0.00001"} {
		if _, err := ParseAmount(bad); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ParseAmount(%q) err = %v, want invalid amount", bad, err)
		}
	}
}
