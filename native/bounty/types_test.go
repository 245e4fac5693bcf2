package bounty

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseUnits(t *testing.T) {
	cases := []struct {
		input string
		want  uint64
	}{
		{"1", 1_000_000},
		{"1.5", 1_500_000},
		{"0.000001", 1},
		{".25", 250_000},
		{"3.", 3_000_000},
		{"2.1234569", 2_123_456},
		{" 7 ", 7_000_000},
		{"18446744073709.551615", ^uint64(0)},
	}
	for _, tc := range cases {
		got, err := ParseUnits(tc.input)
		if err != nil {
			t.Fatalf("ParseUnits(%q): %v", tc.input, err)
		}
		if got != tc.want {
			t.Fatalf("ParseUnits(%q) = %d, want %d", tc.input, got, tc.want)
		}
	}

	for _, bad := range []string{"", ".", "-1", "1e6", "1,5", "abc", "18446744073709.551616", "99999999999999999999"} {
		if _, err := ParseUnits(bad); err == nil {
			t.Fatalf("ParseUnits(%q) should fail", bad)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	cases := map[uint64]string{
		0:           "0",
		1:           "0.000001",
		1_500_000:   "1.5",
		2_000_000:   "2",
		123_456_789: "123.456789",
	}
	for amount, want := range cases {
		if got := FormatUnits(amount); got != want {
			t.Fatalf("FormatUnits(%d) = %q, want %q", amount, got, want)
		}
	}
}

func TestKeyHelpers(t *testing.T) {
	if got := KeyFor(" algorand ", "go-algorand", "42"); got != "algorand/go-algorand#42" {
		t.Fatalf("unexpected key %q", got)
	}
	if err := ValidateKey(""); err != ErrKeyRequired {
		t.Fatalf("expected ErrKeyRequired, got %v", err)
	}
	if err := ValidateKey(strings.Repeat("x", MaxKeyLength)); err != nil {
		t.Fatalf("max length key rejected: %v", err)
	}
	if err := ValidateKey(strings.Repeat("x", MaxKeyLength+1)); err != ErrKeyTooLong {
		t.Fatalf("expected ErrKeyTooLong, got %v", err)
	}
}

func TestPrincipalText(t *testing.T) {
	p := principal(0x42)
	if !strings.HasPrefix(p.String(), "algb1") {
		t.Fatalf("unexpected encoding %s", p)
	}
	parsed, err := ParsePrincipal(p.String())
	if err != nil || parsed != p {
		t.Fatalf("bech32 round trip failed: %v %s", err, parsed)
	}
	parsed, err = ParsePrincipal("0x" + strings.Repeat("42", 20))
	if err != nil || parsed != p {
		t.Fatalf("hex parse failed: %v %s", err, parsed)
	}
	if _, err := ParsePrincipal("cosmos1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqnrql8a"); err == nil {
		t.Fatalf("foreign prefix accepted")
	}

	type wrapper struct {
		Claimer Principal `json:"claimer"`
		Status  Status    `json:"status"`
	}
	encoded, err := json.Marshal(wrapper{Status: StatusClosed})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(encoded) != `{"claimer":"","status":"closed"}` {
		t.Fatalf("unexpected json %s", encoded)
	}
	var decoded wrapper
	if err := json.Unmarshal([]byte(`{"claimer":"`+p.String()+`","status":"claimed"}`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Claimer != p || decoded.Status != StatusClaimed {
		t.Fatalf("unexpected decode %+v", decoded)
	}
	if err := json.Unmarshal([]byte(`{"status":"pending"}`), &decoded); err == nil {
		t.Fatalf("unknown status accepted")
	}
}

func TestRecordStatus(t *testing.T) {
	var record *BountyRecord
	if record.Status() != StatusUnfunded || record.Remaining() != 0 {
		t.Fatalf("nil record should be unfunded")
	}
	record = &BountyRecord{Key: "k", TotalFunded: 10}
	if record.Status() != StatusOpen {
		t.Fatalf("expected open, got %s", record.Status())
	}
	record.IsClosed = true
	if record.Status() != StatusClosed {
		t.Fatalf("expected closed, got %s", record.Status())
	}
	record.IsClaimed = true
	record.TotalClaimed = 10
	if record.Status() != StatusClaimed || record.Remaining() != 0 {
		t.Fatalf("expected claimed with nothing remaining")
	}
}
