// Package hashing provides the content-hash functions used to deduplicate
// ingested images before they reach the descriptor extractor.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"lukechampine.com/blake3"
)

// Algorithm names a supported content-hash function.
type Algorithm string

const (
	BLAKE3 Algorithm = "blake3"
	SHA256 Algorithm = "sha256"
)

// Hasher computes a hex-encoded content hash of image bytes, used as the
// catalog's dedup key.
type Hasher interface {
	Name() Algorithm
	Sum(data []byte) string
	SumReader(r io.Reader) (string, error)
}

// New returns the Hasher for algo, or an error if algo is unrecognized.
func New(algo Algorithm) (Hasher, error) {
	switch algo {
	case BLAKE3, "":
		return blake3Hasher{}, nil
	case SHA256:
		return sha256Hasher{}, nil
	default:
		return nil, fmt.Errorf("hashing: unknown algorithm %q", algo)
	}
}

type blake3Hasher struct{}

func (blake3Hasher) Name() Algorithm { return BLAKE3 }

func (blake3Hasher) Sum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (blake3Hasher) SumReader(r io.Reader) (string, error) {
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type sha256Hasher struct{}

func (sha256Hasher) Name() Algorithm { return SHA256 }

func (sha256Hasher) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (sha256Hasher) SumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
