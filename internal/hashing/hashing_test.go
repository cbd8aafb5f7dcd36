package hashing

import (
	"bytes"
	"testing"
)

func TestBlake3Deterministic(t *testing.T) {
	h, err := New(BLAKE3)
	if err != nil {
		t.Fatal(err)
	}
	a := h.Sum([]byte("hello"))
	b := h.Sum([]byte("hello"))
	if a != b {
		t.Fatalf("hash not deterministic: %s != %s", a, b)
	}
	if a == h.Sum([]byte("world")) {
		t.Fatal("different inputs hashed to the same digest")
	}
}

func TestSumReaderMatchesSum(t *testing.T) {
	h, err := New(SHA256)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("the quick brown fox")
	viaSum := h.Sum(data)
	viaReader, err := h.SumReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if viaSum != viaReader {
		t.Fatalf("Sum and SumReader disagree: %s != %s", viaSum, viaReader)
	}
}

func TestNewRejectsUnknownAlgorithm(t *testing.T) {
	if _, err := New("md5"); err == nil {
		t.Fatal("want error for unknown algorithm")
	}
}
