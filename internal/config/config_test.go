package config_test

import (
	"os"
	"strings"
	"testing"

	"github.com/qtrace/qtrace/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "session-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
pid: 4242
attach_timeout_s: 10
tracers:
  - selector: "String#gsub"
  - selector: "Foo#bar(x, y)"
    slow: true
directives:
  - kind: firehose
  - kind: watch
    threshold_ms: 100
output:
  path: "/tmp/trace.log"
  append: true
display:
  show_duration: true
  prefix_spaces: 2
archive_path: "/tmp/trace.db"
control_addr: "127.0.0.1:9001"
`

func TestLoadConfigValid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.PID != 4242 {
		t.Errorf("PID = %d, want 4242", cfg.PID)
	}
	if cfg.AttachTimeoutS != 10 {
		t.Errorf("AttachTimeoutS = %d, want 10", cfg.AttachTimeoutS)
	}
	if len(cfg.Tracers) != 2 {
		t.Fatalf("len(Tracers) = %d, want 2", len(cfg.Tracers))
	}
	if len(cfg.Directives) != 2 || cfg.Directives[1].ThresholdMS != 100 {
		t.Errorf("Directives = %+v", cfg.Directives)
	}
	if !cfg.Tracers[1].Slow {
		t.Errorf("Tracers[1].Slow = false, want true")
	}
	if cfg.Output.Path != "/tmp/trace.log" || !cfg.Output.Append {
		t.Errorf("Output = %+v", cfg.Output)
	}
	if cfg.Display.Prefix() != "  " {
		t.Errorf("Prefix() = %q, want two spaces", cfg.Display.Prefix())
	}
	if cfg.ArchivePath != "/tmp/trace.db" {
		t.Errorf("ArchivePath = %q", cfg.ArchivePath)
	}
	if cfg.ControlAddr != "127.0.0.1:9001" {
		t.Errorf("ControlAddr = %q", cfg.ControlAddr)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTemp(t, "pid: 1\n")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AttachTimeoutS != 5 {
		t.Errorf("default AttachTimeoutS = %d, want 5", cfg.AttachTimeoutS)
	}
	if cfg.EvalTimeoutS != 15 {
		t.Errorf("default EvalTimeoutS = %d, want 15", cfg.EvalTimeoutS)
	}
	if cfg.ForkTimeoutS != 30 {
		t.Errorf("default ForkTimeoutS = %d, want 30", cfg.ForkTimeoutS)
	}
	if cfg.Output.Path != "-" {
		t.Errorf("default Output.Path = %q, want %q", cfg.Output.Path, "-")
	}
}

func TestLoadConfigRequiresPIDOrPIDs(t *testing.T) {
	path := writeTemp(t, "tracers:\n  - selector: \"Foo#bar\"\n")
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "pid or pids is required") {
		t.Fatalf("expected a pid-required error, got %v", err)
	}
}

func TestLoadConfigRejectsPIDAndPIDsTogether(t *testing.T) {
	path := writeTemp(t, "pid: 1\npids: [2, 3]\n")
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected a mutual-exclusion error, got %v", err)
	}
}

func TestLoadConfigRejectsUnknownDirectiveKind(t *testing.T) {
	path := writeTemp(t, "pid: 1\ndirectives:\n  - kind: bogus\n")
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "must be one of") {
		t.Fatalf("expected an invalid-kind error, got %v", err)
	}
}

func TestLoadConfigRejectsWatchWithoutThreshold(t *testing.T) {
	path := writeTemp(t, "pid: 1\ndirectives:\n  - kind: watch\n")
	_, err := config.LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "threshold_ms must be positive") {
		t.Fatalf("expected a missing-threshold error, got %v", err)
	}
}

func TestLoadConfigMultiplePIDs(t *testing.T) {
	path := writeTemp(t, "pids: [1, 2, 3]\n")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.TargetPIDs(); len(got) != 3 {
		t.Fatalf("TargetPIDs() = %v, want 3 entries", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := config.LoadConfig("/nonexistent/path.yaml")
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
