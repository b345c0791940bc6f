package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{" warn ", LevelWarn},
		{"error", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLogf_FiltersBelowMin(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	Logf(logger, LevelWarn, LevelInfo, "claim", "dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}

	Logf(logger, LevelWarn, LevelError, "claim", "claim_failed file=%s", "EMAIL_a.md")
	line := buf.String()
	if !strings.Contains(line, " ERROR claim: claim_failed file=EMAIL_a.md") {
		t.Errorf("unexpected line %q", line)
	}
}

func TestLogf_NilLogger(t *testing.T) {
	Logf(nil, LevelDebug, LevelError, "x", "no panic")
}
