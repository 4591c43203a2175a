// Package mrz handles the Machine-Readable Zone fields that feed Basic
// Access Control key derivation.
//
// Only the three BAC-relevant fields are modeled: document number, date of
// birth and date of expiry, each protected by an ICAO check digit.
// See ICAO Doc 9303-3 Section 4.9 for the check-digit algorithm and
// Doc 9303-11 Section 4.3.2 for the key seed construction.
package mrz

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"regexp"
)

// Errors returned during MRZ validation.
var (
	// ErrCheckDigit indicates a field does not match its check digit.
	ErrCheckDigit = errors.New("mrz: check digit mismatch")

	// ErrInvalidField indicates a field contains characters outside 0-9A-Z<.
	ErrInvalidField = errors.New("mrz: invalid field characters")

	// ErrInvalidDate indicates a date field is not six digits (YYMMDD).
	ErrInvalidDate = errors.New("mrz: date must be six digits (YYMMDD)")
)

// SeedSize is the size of the BAC key seed (first 16 bytes of SHA-1).
const SeedSize = 16

var (
	fieldPattern = regexp.MustCompile(`^[0-9A-Z<]+$`)
	datePattern  = regexp.MustCompile(`^[0-9]{6}$`)
)

// Key holds the BAC-relevant MRZ fields with their check digits.
// Construct via Parse or ParseWithCheckDigits; the zero value is not valid.
type Key struct {
	documentNumber string
	documentCheck  byte
	birthDate      string
	birthCheck     byte
	expiryDate     string
	expiryCheck    byte
}

// Parse builds a Key from raw field values, computing the check digits.
//
// The document number must use the MRZ alphabet (0-9, A-Z, '<' filler) and
// is padded with '<' to the nine characters used in the MRZ if shorter.
// Dates are YYMMDD.
func Parse(documentNumber, birthDate, expiryDate string) (*Key, error) {
	if documentNumber == "" || !fieldPattern.MatchString(documentNumber) {
		return nil, fmt.Errorf("%w: document number %q", ErrInvalidField, documentNumber)
	}
	if !datePattern.MatchString(birthDate) {
		return nil, fmt.Errorf("%w: birth date %q", ErrInvalidDate, birthDate)
	}
	if !datePattern.MatchString(expiryDate) {
		return nil, fmt.Errorf("%w: expiry date %q", ErrInvalidDate, expiryDate)
	}

	for len(documentNumber) < 9 {
		documentNumber += "<"
	}

	return &Key{
		documentNumber: documentNumber,
		documentCheck:  CheckDigit(documentNumber),
		birthDate:      birthDate,
		birthCheck:     CheckDigit(birthDate),
		expiryDate:     expiryDate,
		expiryCheck:    CheckDigit(expiryDate),
	}, nil
}

// ParseWithCheckDigits builds a Key from raw field values and their printed
// check digits, validating each digit. A mismatch returns ErrCheckDigit:
// OCR errors must be surfaced to the caller before any chip I/O, never
// silently corrected.
func ParseWithCheckDigits(documentNumber string, documentCheck byte, birthDate string, birthCheck byte, expiryDate string, expiryCheck byte) (*Key, error) {
	k, err := Parse(documentNumber, birthDate, expiryDate)
	if err != nil {
		return nil, err
	}
	if k.documentCheck != documentCheck {
		return nil, fmt.Errorf("%w: document number (want %c, got %c)", ErrCheckDigit, k.documentCheck, documentCheck)
	}
	if k.birthCheck != birthCheck {
		return nil, fmt.Errorf("%w: birth date (want %c, got %c)", ErrCheckDigit, k.birthCheck, birthCheck)
	}
	if k.expiryCheck != expiryCheck {
		return nil, fmt.Errorf("%w: expiry date (want %c, got %c)", ErrCheckDigit, k.expiryCheck, expiryCheck)
	}
	return k, nil
}

// Info returns the MRZ information string used for key derivation:
// document number, birth date and expiry date, each followed by its
// check digit (ICAO Doc 9303-11 Section 4.3.2).
func (k *Key) Info() string {
	return k.documentNumber + string(k.documentCheck) +
		k.birthDate + string(k.birthCheck) +
		k.expiryDate + string(k.expiryCheck)
}

// Seed returns the 16-byte BAC key seed: the truncated SHA-1 of the MRZ
// information string.
func (k *Key) Seed() []byte {
	sum := sha1.Sum([]byte(k.Info()))
	return sum[:SeedSize]
}

// PasswordHash returns the full SHA-1 of the MRZ information string.
// PACE derives its password key from this value (Doc 9303-11 Section 4.4.2).
func (k *Key) PasswordHash() []byte {
	sum := sha1.Sum([]byte(k.Info()))
	return sum[:]
}

// CheckDigit computes the ICAO weighted modulo-10 check digit for a field.
//
// Weights cycle 7-3-1 over the characters; digits map to their value,
// letters A-Z map to 10-35, '<' and any other character contribute 0.
// Returns the ASCII digit '0'-'9'.
func CheckDigit(field string) byte {
	weights := [3]int{7, 3, 1}
	sum := 0
	for i := 0; i < len(field); i++ {
		c := field[i]
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'A' && c <= 'Z':
			v = int(c-'A') + 10
		default:
			v = 0
		}
		sum += v * weights[i%3]
	}
	return byte('0' + sum%10)
}
