package protocol

import (
	"bytes"
	"testing"
)

func TestHandshakeDetector_Match(t *testing.T) {
	d := NewHandshakeDetector(DefaultHandshakePatterns())

	tests := []struct {
		name    string
		input   []byte
		want    bool
		wantLen int
	}{
		{"qconn banner", []byte{0x51, 0x43, 0x4F, 0x4E, 0x4E, 0x0D, 0x0A}, true, 7},
		{"qconn banner followed by json", []byte("QCONN\r\n{\"request_type\":\"x\"}"), true, 7},
		{"telnet preamble", []byte{0xFF, 0xFD, 0x22}, true, 3},
		{"telnet preamble with trailing bytes", []byte{0xFF, 0xFD, 0x22, 0x01}, true, 3},
		{"partial banner", []byte("QCON"), false, 0},
		{"banner not at start", []byte(" QCONN\r\n"), false, 0},
		{"json", []byte(`{"request_type":"GetProcesses"}`), false, 0},
		{"empty", nil, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := d.Match(tt.input)
			if ok != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.input, ok, tt.want)
			}
			if n != tt.wantLen {
				t.Errorf("Match(%q) length = %d, want %d", tt.input, n, tt.wantLen)
			}
			if d.Matches(tt.input) != tt.want {
				t.Errorf("Matches(%q) disagrees with Match", tt.input)
			}
		})
	}
}

func TestHandshakeDetector_FirstMatchWins(t *testing.T) {
	d := NewHandshakeDetector([][]byte{[]byte("AB"), []byte("ABC")})

	n, ok := d.Match([]byte("ABCD"))
	if !ok || n != 2 {
		t.Errorf("expected first pattern (len 2) to win, got ok=%v n=%d", ok, n)
	}
}

func TestHandshakeDetector_Partial(t *testing.T) {
	d := NewHandshakeDetector(DefaultHandshakePatterns())

	if !d.Partial([]byte("QC")) {
		t.Error("expected QC to be a partial banner")
	}
	if !d.Partial([]byte{0xFF}) {
		t.Error("expected 0xFF to be a partial telnet preamble")
	}
	if d.Partial([]byte("QCONN\r\n")) {
		t.Error("a complete pattern is not partial")
	}
	if d.Partial([]byte("QX")) {
		t.Error("QX is not a prefix of any pattern")
	}
	if d.Partial(nil) {
		t.Error("empty input is not partial")
	}
}

func TestHandshakeDetector_IgnoresEmptyPatterns(t *testing.T) {
	d := NewHandshakeDetector([][]byte{nil, {}, []byte("X")})

	if len(d.Patterns()) != 1 {
		t.Fatalf("expected 1 pattern, got %d", len(d.Patterns()))
	}
	if d.Matches([]byte("Y")) {
		t.Error("empty patterns must not match everything")
	}
}

func TestHandshakeDetector_CopiesPatterns(t *testing.T) {
	p := []byte("QCONN")
	d := NewHandshakeDetector([][]byte{p})
	p[0] = 'X'

	if !d.Matches([]byte("QCONN")) {
		t.Error("detector must not alias caller slices")
	}
}

func TestParsePattern(t *testing.T) {
	tests := []struct {
		input   string
		want    []byte
		wantErr bool
	}{
		{"fffd22", []byte{0xFF, 0xFD, 0x22}, false},
		{"ff:fd:22", []byte{0xFF, 0xFD, 0x22}, false},
		{"51 43 4F 4E 4E 0D 0A", []byte("QCONN\r\n"), false},
		{"", nil, true},
		{"zz", nil, true},
		{"fff", nil, true},
	}

	for _, tt := range tests {
		got, err := ParsePattern(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePattern(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("ParsePattern(%q) = %x, want %x", tt.input, got, tt.want)
		}
	}
}
