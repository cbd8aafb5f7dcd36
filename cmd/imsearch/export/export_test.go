package exportcmder

import "testing"

func TestNewExportCmdFlags(t *testing.T) {
	cmd := NewExportCmd()
	if cmd.Use != "export" {
		t.Fatalf("want Use %q, got %q", "export", cmd.Use)
	}
	for _, name := range []string{"count", "output"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("want a %q flag", name)
		}
	}
	if got, _ := cmd.Flags().GetString("output"); got != "train.bin" {
		t.Fatalf("want default output %q, got %q", "train.bin", got)
	}
}
