package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"firestige.xyz/irqbridge/internal/config"
)

func restoreDefault(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestInitWithLevelFiltering(t *testing.T) {
	tests := []struct {
		level  string
		shown  []string
		hidden []string
	}{
		{"debug", []string{"dbg", "inf", "wrn", "err"}, nil},
		{"info", []string{"inf", "wrn", "err"}, []string{"dbg"}},
		{"WARNING", []string{"wrn", "err"}, []string{"dbg", "inf"}},
		{"error", []string{"err"}, []string{"dbg", "inf", "wrn"}},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			restoreDefault(t)
			var buf bytes.Buffer
			if err := InitWith(config.LogConfig{Level: tt.level, Format: "text"}, &buf); err != nil {
				t.Fatalf("InitWith: %v", err)
			}
			slog.Debug("dbg")
			slog.Info("inf")
			slog.Warn("wrn")
			slog.Error("err")

			out := buf.String()
			for _, m := range tt.shown {
				if !strings.Contains(out, "msg="+m) {
					t.Errorf("expected %q in output:\n%s", m, out)
				}
			}
			for _, m := range tt.hidden {
				if strings.Contains(out, "msg="+m) {
					t.Errorf("did not expect %q in output:\n%s", m, out)
				}
			}
		})
	}
}

func TestInitWithJSONConsole(t *testing.T) {
	restoreDefault(t)
	var buf bytes.Buffer
	if err := InitWith(config.LogConfig{Level: "info", Format: "json"}, &buf); err != nil {
		t.Fatalf("InitWith: %v", err)
	}
	slog.Info("ring flushed", "component", "bridge", "discarded", 2)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("console output is not one JSON record: %v\n%s", err, buf.String())
	}
	if rec["component"] != "bridge" || rec["discarded"] != float64(2) {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestInitWithFileOutput(t *testing.T) {
	restoreDefault(t)
	path := filepath.Join(t.TempDir(), "irqbridge.log")
	cfg := config.LogConfig{
		Level:  "info",
		Format: "text",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled:  true,
				Path:     path,
				Rotation: config.RotationConfig{MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1},
			},
		},
	}
	var console bytes.Buffer
	if err := InitWith(cfg, &console); err != nil {
		t.Fatalf("InitWith: %v", err)
	}
	slog.Info("handshake completed", "component", "client")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	for name, out := range map[string]string{"file": string(data), "console": console.String()} {
		if !strings.Contains(out, "component=client") {
			t.Errorf("%s output missing record: %q", name, out)
		}
	}
}

func TestInitWithRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LogConfig
	}{
		{"unknown level", config.LogConfig{Level: "verbose", Format: "text"}},
		{"unknown format", config.LogConfig{Level: "info", Format: "xml"}},
		{"file without path", config.LogConfig{
			Level:   "info",
			Format:  "text",
			Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{Enabled: true}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restoreDefault(t)
			before := slog.Default()
			if err := InitWith(tt.cfg, &bytes.Buffer{}); err == nil {
				t.Fatal("expected an error")
			}
			if slog.Default() != before {
				t.Error("default logger replaced despite the error")
			}
		})
	}
}
