package main

import (
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		" Info ":  slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"-4":      slog.LevelDebug,
		"8":       slog.LevelError,
	}
	for raw, want := range cases {
		got, err := parseLogLevel(raw)
		if err != nil {
			t.Fatalf("parseLogLevel(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", raw, got, want)
		}
	}

	if _, err := parseLogLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestSelectedLogLevelPrecedence(t *testing.T) {
	tests := []struct {
		flag, env, cfg string
		wantRaw        string
		wantSource     levelSource
	}{
		{"debug", "error", "warn", "debug", sourceFlag},
		{"", "warn", "info", "warn", sourceEnv},
		{" ", "", "error", "error", sourceConfig},
		{"", "", "", "", sourceDefault},
	}
	for _, tt := range tests {
		raw, source := selectedLogLevel(tt.flag, tt.env, tt.cfg)
		if raw != tt.wantRaw || source != tt.wantSource {
			t.Fatalf("selectedLogLevel(%q, %q, %q) = %q/%s, want %q/%s",
				tt.flag, tt.env, tt.cfg, raw, source, tt.wantRaw, tt.wantSource)
		}
	}
}

func TestConfigureLoggerForCLI(t *testing.T) {
	tests := []struct {
		name        string
		env         string
		flag        string
		cfg         string
		wantErr     bool
		wantWarning []string
	}{
		{name: "valid flag wins over bad env", env: "invalid", flag: "debug", cfg: "info"},
		{name: "bad flag is an error", flag: "verbose", cfg: "info", wantErr: true},
		{name: "bad env warns", env: "verbose", cfg: "info", wantWarning: []string{logLevelEnvKey, "defaulting to info"}},
		{name: "bad config warns", cfg: "verbose", wantWarning: []string{"invalid log_level", "defaulting to info"}},
		{name: "nothing set", cfg: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(logLevelEnvKey, tt.env)
			warning, err := configureLoggerForCLI(tt.flag, tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if warning != "" {
					t.Fatalf("expected no warning alongside error, got %q", warning)
				}
				return
			}
			if err != nil {
				t.Fatalf("configure logger: %v", err)
			}
			if len(tt.wantWarning) == 0 && warning != "" {
				t.Fatalf("expected no warning, got %q", warning)
			}
			for _, want := range tt.wantWarning {
				if !strings.Contains(warning, want) {
					t.Fatalf("warning %q does not mention %q", warning, want)
				}
			}
		})
	}
}
