package searchcmder

import "testing"

func TestNewSearchCmdFlags(t *testing.T) {
	cmd := NewSearchCmd()
	if cmd.Use != "search FILE" {
		t.Fatalf("want Use %q, got %q", "search FILE", cmd.Use)
	}
	for _, name := range []string{"nprobe", "knn", "ef-search", "distance", "k", "phash-threshold", "json"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("want a %q flag", name)
		}
	}
	if err := cmd.Args(cmd, nil); err == nil {
		t.Fatal("want an error with zero args")
	}
	if err := cmd.Args(cmd, []string{"query.jpg"}); err != nil {
		t.Fatalf("want one arg to be accepted, got %v", err)
	}
}

func TestFirstNonZero(t *testing.T) {
	if got := firstNonZero(0, 0, 5, 9); got != 5 {
		t.Fatalf("want 5, got %d", got)
	}
	if got := firstNonZero(0, 0); got != 0 {
		t.Fatalf("want 0 when every value is 0, got %d", got)
	}
}
