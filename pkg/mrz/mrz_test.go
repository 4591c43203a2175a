package mrz

import (
	"encoding/hex"
	"errors"
	"testing"
)

// Check-digit vectors from ICAO Doc 9303-3 Section 4.9 and Doc 9303-11
// Appendix D.2.
var checkDigitVectors = []struct {
	field string
	want  byte
}{
	{"L898902C<", '3'},
	{"690806", '1'},
	{"940623", '6'},
	{"D23145890734", '9'},
	{"<<<<<<<<<", '0'},
	{"", '0'},
}

func TestCheckDigit(t *testing.T) {
	for _, v := range checkDigitVectors {
		if got := CheckDigit(v.field); got != v.want {
			t.Errorf("CheckDigit(%q) = %c, want %c", v.field, got, v.want)
		}
	}
}

// TestSeedICAOVector checks the worked example from ICAO Doc 9303-11
// Appendix D.2: the key seed for document L898902C3, born 690806,
// expires 940623.
func TestSeedICAOVector(t *testing.T) {
	k, err := ParseWithCheckDigits("L898902C<", '3', "690806", '1', "940623", '6')
	if err != nil {
		t.Fatalf("ParseWithCheckDigits: %v", err)
	}

	if got, want := k.Info(), "L898902C<369080619406236"; got != want {
		t.Fatalf("Info() = %q, want %q", got, want)
	}

	want, _ := hex.DecodeString("239AB9CB282DAF66231DC5A4DF6BFBAE")
	got := k.Seed()
	if !equalBytes(got, want) {
		t.Errorf("Seed() = %X, want %X", got, want)
	}
}

func TestSeedDeterministic(t *testing.T) {
	k1, err := Parse("L898902C", "690806", "940623")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	k2, err := Parse("L898902C<", "690806", "940623")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Short document numbers are padded with filler before derivation.
	if !equalBytes(k1.Seed(), k2.Seed()) {
		t.Errorf("padding changed seed: %X vs %X", k1.Seed(), k2.Seed())
	}
}

func TestParseWithCheckDigitsMismatch(t *testing.T) {
	cases := []struct {
		name                string
		docCD, dobCD, doeCD byte
	}{
		{"document", '4', '1', '6'},
		{"birth", '3', '2', '6'},
		{"expiry", '3', '1', '7'},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseWithCheckDigits("L898902C<", c.docCD, "690806", c.dobCD, "940623", c.doeCD)
			if !errors.Is(err, ErrCheckDigit) {
				t.Errorf("got %v, want ErrCheckDigit", err)
			}
		})
	}
}

func TestParseInvalidInput(t *testing.T) {
	if _, err := Parse("l898902c", "690806", "940623"); !errors.Is(err, ErrInvalidField) {
		t.Errorf("lowercase document number: got %v, want ErrInvalidField", err)
	}
	if _, err := Parse("L898902C", "69080", "940623"); !errors.Is(err, ErrInvalidDate) {
		t.Errorf("short birth date: got %v, want ErrInvalidDate", err)
	}
	if _, err := Parse("L898902C", "690806", "94O623"); !errors.Is(err, ErrInvalidDate) {
		t.Errorf("letter in expiry date: got %v, want ErrInvalidDate", err)
	}
	if _, err := Parse("", "690806", "940623"); !errors.Is(err, ErrInvalidField) {
		t.Errorf("empty document number: got %v, want ErrInvalidField", err)
	}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
