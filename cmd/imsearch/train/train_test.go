package traincmder

import "testing"

func TestNewTrainCmdFlags(t *testing.T) {
	cmd := NewTrainCmd()
	if cmd.Use != "train" {
		t.Fatalf("want Use %q, got %q", "train", cmd.Use)
	}
	for _, name := range []string{"num-buckets", "iterations"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("want a %q flag", name)
		}
	}
	if got, _ := cmd.Flags().GetInt("iterations"); got != 25 {
		t.Fatalf("want default iterations 25, got %d", got)
	}
}
