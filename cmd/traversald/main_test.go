package main

import (
	"bytes"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestScheduleCheckNormalizesLegacyForm(t *testing.T) {
	out, err := execute(t, "schedule", "check", "crawler:100:0-0", "--tz", "UTC")
	if err != nil {
		t.Fatalf("schedule check: %v", err)
	}
	for _, want := range []string{
		"normalized: crawler:100:300000:0-0",
		"retry:      5m0s",
		"runs now:   true",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestScheduleCheckRejectsMalformed(t *testing.T) {
	if _, err := execute(t, "schedule", "check", "crawler:ten:0-0"); err == nil {
		t.Fatal("expected an error for a malformed schedule")
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "traversald ") {
		t.Fatalf("version output = %q", out)
	}
}
