package clearcachecmder

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewClearCacheCmdFlags(t *testing.T) {
	cmd := NewClearCacheCmd()
	if cmd.Use != "clear-cache" {
		t.Fatalf("want Use %q, got %q", "clear-cache", cmd.Use)
	}
	if cmd.Flags().Lookup("all") == nil {
		t.Fatal("want an --all flag")
	}
}

func TestAnyPathExists(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "live.jpg")
	if err := os.WriteFile(live, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "gone.jpg")

	if !anyPathExists([]string{missing, live}) {
		t.Fatal("want true when at least one path exists")
	}
	if anyPathExists([]string{missing}) {
		t.Fatal("want false when no path exists")
	}
	if anyPathExists(nil) {
		t.Fatal("want false for an empty path list")
	}
}
