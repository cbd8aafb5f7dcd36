package imsearch

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := NewError(KindResource, "catalog.Put", "writing blob", inner)

	if !errors.Is(err, inner) {
		t.Fatal("want Error to unwrap to its wrapped cause")
	}
	if got := err.Error(); got != "catalog.Put: writing blob: disk full" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestErrorWithoutCause(t *testing.T) {
	err := NewError(KindInput, "search.Query", "k must be positive", nil)
	if got := err.Error(); got != "search.Query: k must be positive" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	original := NewError(KindConflict, "build.Run", "already running", nil)
	if wrapped := Wrap("build.Run", original); wrapped != error(original) {
		t.Fatal("want Wrap to return an existing *Error unchanged")
	}
}

func TestWrapPlainError(t *testing.T) {
	plain := fmt.Errorf("boom")
	wrapped := Wrap("ingest.Copy", plain)

	var e *Error
	if !As(wrapped, &e) {
		t.Fatal("want Wrap to produce a *Error")
	}
	if e.Kind != KindInternal {
		t.Fatalf("want KindInternal for an unclassified error, got %s", e.Kind)
	}
	if !errors.Is(wrapped, plain) {
		t.Fatal("want the wrapped error to still unwrap to the original")
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap("noop", nil); err != nil {
		t.Fatalf("want nil, got %v", err)
	}
}

func TestAsSkipsNonUnwrappable(t *testing.T) {
	var e *Error
	if As(errors.New("plain"), &e) {
		t.Fatal("want As to fail on an error with no Unwrap and no *Error in its chain")
	}
}
