package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestCLIHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelInfo).With("container", "web")

	logger.Debug("hidden")
	logger.WithGroup("build").Info("building configuration", "config", "/etc/web.nix", "error", errors.New("exit status 1"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record written at info level: %q", out)
	}
	if !strings.HasPrefix(out, "INFO ") {
		t.Fatalf("output = %q, want INFO prefix", out)
	}
	for _, want := range []string{
		"| building configuration",
		"container=web",
		"build.config=/etc/web.nix",
		`build.error="exit status 1"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestColorOnlyForTerminals(t *testing.T) {
	var buf bytes.Buffer
	if IsTerminal(&buf) {
		t.Fatalf("IsTerminal(buffer) = true")
	}
	New(&buf, Options{Level: slog.LevelWarn, Color: false}).Warn("careful")
	if !strings.HasPrefix(buf.String(), "WARN ") {
		t.Fatalf("output = %q, want plain label", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "WARNING", want: slog.LevelWarn},
		{in: "", want: slog.LevelInfo},
		{in: "error", want: slog.LevelError},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseLevel(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}

func TestEnsure(t *testing.T) {
	if Ensure(nil) != slog.Default() {
		t.Fatalf("Ensure(nil) did not return the default logger")
	}
	logger := NewJSON(&bytes.Buffer{}, nil)
	if Ensure(logger) != logger {
		t.Fatalf("Ensure(logger) replaced the logger")
	}
}
