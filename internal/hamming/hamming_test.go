package hamming

import "testing"

func TestDistanceIdentical(t *testing.T) {
	b := make([]byte, Size)
	for i := range b {
		b[i] = byte(i)
	}
	c := Decode(b)
	if d := Distance(c, c); d != 0 {
		t.Fatalf("expected 0, got %d", d)
	}
}

func TestDistanceAllBitsFlipped(t *testing.T) {
	var a, b Code
	for i := range b {
		b[i] = ^a[i]
	}
	if d := Distance(a, b); d != 256 {
		t.Fatalf("expected 256, got %d", d)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw := make([]byte, Size)
	for i := range raw {
		raw[i] = byte(i * 7)
	}
	c := Decode(raw)
	out := Encode(c)
	for i := range raw {
		if raw[i] != out[i] {
			t.Fatalf("byte %d: want %d got %d", i, raw[i], out[i])
		}
	}
}

func TestMajorityCentroid(t *testing.T) {
	var a, b, c Code
	a[0] = 0b1111
	b[0] = 0b1110
	c[0] = 0b1100
	got := MajorityCentroid([]Code{a, b, c})
	// Bit 0 set in 1/3, bit1 in 2/3, bit2 in 3/3, bit3 in 3/3 -> majority 0b1110
	if got[0] != 0b1110 {
		t.Fatalf("want 0b1110, got %b", got[0])
	}
}
