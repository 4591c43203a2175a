package iso7816

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestCommandEncode(t *testing.T) {
	cases := []struct {
		name string
		cmd  Command
		want string
	}{
		{
			name: "select EF by identifier",
			cmd:  Command{CLA: 0x00, INS: InsSelect, P1: 0x02, P2: 0x0C, Data: []byte{0x01, 0x1E}, Le: NoLe},
			want: "00A4020C02011E",
		},
		{
			name: "get challenge",
			cmd:  Command{CLA: 0x00, INS: InsGetChallenge, Le: 8},
			want: "0084000008",
		},
		{
			name: "read binary le 256",
			cmd:  Command{CLA: 0x00, INS: InsReadBinary, P1: 0x00, P2: 0x00, Le: 256},
			want: "00B0000000",
		},
		{
			name: "case 1 no body",
			cmd:  Command{CLA: 0x00, INS: InsSelect, P1: 0x00, P2: 0x0C, Le: NoLe},
			want: "00A4000C",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := c.cmd.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if !bytes.Equal(got, mustHex(t, c.want)) {
				t.Errorf("Encode = %X, want %s", got, c.want)
			}
		})
	}
}

func TestCommandEncodeRejectsLongForm(t *testing.T) {
	cmd := Command{Data: make([]byte, 256), Le: NoLe}
	if _, err := cmd.Encode(); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("got %v, want ErrInvalidLength", err)
	}
}

func TestParseCommandRoundTrip(t *testing.T) {
	cases := []Command{
		{CLA: 0x0C, INS: InsSelect, P1: 0x02, P2: 0x0C, Data: mustHex(t, "011E"), Le: NoLe},
		{CLA: 0x00, INS: InsGetChallenge, Le: 8},
		{CLA: 0x00, INS: InsExternalAuth, Data: make([]byte, 0x28), Le: 256},
		{CLA: 0x10, INS: InsGeneralAuthenticate, P1: 0, P2: 0, Data: []byte{0x7C, 0x00}, Le: 256},
	}
	for _, want := range cases {
		raw, err := want.Encode()
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := ParseCommand(raw)
		if err != nil {
			t.Fatalf("ParseCommand(%X): %v", raw, err)
		}
		if diff := cmp.Diff(&want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestParseCommandMalformed(t *testing.T) {
	cases := []string{
		"",
		"00A402",       // short header
		"00A4020C05AA", // Lc larger than body
		"00A4020C02011E0000", // trailing junk
	}
	for _, c := range cases {
		if _, err := ParseCommand(mustHex(t, c)); err == nil {
			t.Errorf("ParseCommand(%s) succeeded, want error", c)
		}
	}
}

func TestParseResponse(t *testing.T) {
	r, err := ParseResponse(mustHex(t, "611C9000"))
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if r.SW != SWSuccess || !bytes.Equal(r.Data, mustHex(t, "611C")) {
		t.Errorf("got %X/%04X", r.Data, r.SW)
	}

	if _, err := ParseResponse([]byte{0x90}); !errors.Is(err, ErrTruncated) {
		t.Errorf("short response: got %v, want ErrTruncated", err)
	}

	if got := r.Encode(); !bytes.Equal(got, mustHex(t, "611C9000")) {
		t.Errorf("Encode = %X", got)
	}
}

func TestIsSuccess(t *testing.T) {
	cases := []struct {
		sw   uint16
		want bool
	}{
		{SWSuccess, true},
		{0x6110, true},
		{SWSecurityNotSatisfied, false},
		{SWAuthMethodBlocked, false},
		{SWFileNotFound, false},
	}
	for _, c := range cases {
		if got := IsSuccess(c.sw); got != c.want {
			t.Errorf("IsSuccess(%04X) = %v, want %v", c.sw, got, c.want)
		}
	}
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{INS: InsExternalAuth, SW: SWSecurityNotSatisfied}
	want := "iso7816: command 0x82 failed with SW=0x6982 (security status not satisfied)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
