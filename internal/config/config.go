// Package config provides YAML session-descriptor loading and validation
// for the qtrace controller.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level session descriptor: one controller run, attached
// to one or more target PIDs, with a declarative set of tracers and
// directives to install immediately on attach.
type Config struct {
	// PID is a single target process id. Exactly one of PID or PIDs must be
	// set.
	PID int `yaml:"pid,omitempty"`

	// PIDs is a list of target process ids, each driving an independent
	// session.
	PIDs []int `yaml:"pids,omitempty"`

	// AttachTimeoutS bounds the detach wait at session end. Defaults to 5.
	// It is not applied to the attach handshake, which always waits at most
	// the session package's fixed 5-second attach timeout.
	AttachTimeoutS int `yaml:"attach_timeout_s"`

	// EvalTimeoutS bounds a one-shot eval request. Defaults to 15.
	EvalTimeoutS int `yaml:"eval_timeout_s"`

	// ForkTimeoutS bounds a one-shot fork request. Defaults to 30.
	ForkTimeoutS int `yaml:"fork_timeout_s"`

	// Directives lists the actions to perform immediately on attach, beyond
	// installing Tracers.
	Directives []Directive `yaml:"directives"`

	// Tracers is a list of tracer directives to install on attach, in the
	// selector syntax documented for the add command (e.g. "Foo#bar(x, y)").
	Tracers []TracerConfig `yaml:"tracers"`

	// Eval is an optional one-shot expression to evaluate on attach.
	Eval string `yaml:"eval,omitempty"`

	// Fork requests the target fork a paused sibling on attach.
	Fork bool `yaml:"fork,omitempty"`

	// Output controls where rendered trace lines are written.
	Output OutputConfig `yaml:"output"`

	// Display controls the renderer's cosmetic options.
	Display DisplayConfig `yaml:"display"`

	// ArchivePath, if set, enables persistence of rendered traces to a
	// local SQLite archive at this path.
	ArchivePath string `yaml:"archive_path,omitempty"`

	// LedgerPath, if set, enables the tamper-evident session ledger at
	// this path: every command sent and every attach/detach transition is
	// appended as a hash-chained audit record.
	LedgerPath string `yaml:"ledger_path,omitempty"`

	// ControlAddr, if set, enables the local control/status HTTP and
	// WebSocket surface on this address (e.g. "127.0.0.1:9001").
	ControlAddr string `yaml:"control_addr,omitempty"`

	// ControlPubKeyPath, if set, points to a PEM-encoded RSA public key
	// used to validate Bearer tokens on /api/v1/*. Leave unset to serve the
	// control surface without authentication, e.g. bound to localhost only.
	ControlPubKeyPath string `yaml:"control_pubkey_path,omitempty"`
}

// Directive is one attach-time action beyond installing a tracer selector.
type Directive struct {
	// Kind is one of "watch", "watchcpu", "firehose", "gc", "devmode".
	Kind string `yaml:"kind"`

	// ThresholdMS is the slow-call threshold, in milliseconds, for "watch"
	// and "watchcpu" directives. Required for those two kinds.
	ThresholdMS int `yaml:"threshold_ms,omitempty"`
}

// TracerConfig is one selector to install via the add command on attach.
type TracerConfig struct {
	// Selector is the method selector, e.g. "Foo#bar(x, y)". See the
	// session package's selector syntax documentation.
	Selector string `yaml:"selector"`

	// Slow restricts this tracer to reporting only calls that exceed the
	// session's watch/watchcpu threshold, instead of every call and return.
	Slow bool `yaml:"slow,omitempty"`
}

// OutputConfig selects the rendered-trace sink.
type OutputConfig struct {
	// Path is a filesystem path, or "-" for stdout. Defaults to "-".
	Path string `yaml:"path"`

	// Append opens Path in append mode rather than truncating it.
	Append bool `yaml:"append,omitempty"`
}

// DisplayConfig controls the renderer's cosmetic output options.
type DisplayConfig struct {
	ShowTime     bool `yaml:"show_time,omitempty"`
	ShowDuration bool `yaml:"show_duration"`
	PrefixSpaces int  `yaml:"prefix_spaces,omitempty"`
}

// Prefix returns the per-nesting-level indent string implied by
// PrefixSpaces.
func (d *DisplayConfig) Prefix() string {
	if d.PrefixSpaces <= 0 {
		return ""
	}
	return fmt.Sprintf("%*s", d.PrefixSpaces, "")
}

var validDirectiveKinds = map[string]bool{
	"watch":    true,
	"watchcpu": true,
	"firehose": true,
	"gc":       true,
	"devmode":  true,
}

// LoadConfig reads the YAML session descriptor at path, unmarshals it,
// applies defaults, and validates all required fields. It returns a typed
// error describing every validation failure encountered, not just the
// first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.AttachTimeoutS == 0 {
		cfg.AttachTimeoutS = 5
	}
	if cfg.EvalTimeoutS == 0 {
		cfg.EvalTimeoutS = 15
	}
	if cfg.ForkTimeoutS == 0 {
		cfg.ForkTimeoutS = 30
	}
	if cfg.Output.Path == "" {
		cfg.Output.Path = "-"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.PID == 0 && len(cfg.PIDs) == 0 {
		errs = append(errs, errors.New("pid or pids is required"))
	}
	if cfg.PID != 0 && len(cfg.PIDs) != 0 {
		errs = append(errs, errors.New("pid and pids are mutually exclusive"))
	}
	if cfg.AttachTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("attach_timeout_s %d must be positive", cfg.AttachTimeoutS))
	}
	if cfg.EvalTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("eval_timeout_s %d must be positive", cfg.EvalTimeoutS))
	}
	if cfg.ForkTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("fork_timeout_s %d must be positive", cfg.ForkTimeoutS))
	}

	for i, d := range cfg.Directives {
		prefix := fmt.Sprintf("directives[%d]", i)
		if !validDirectiveKinds[d.Kind] {
			errs = append(errs, fmt.Errorf("%s: kind %q must be one of: watch, watchcpu, firehose, gc, devmode", prefix, d.Kind))
			continue
		}
		if (d.Kind == "watch" || d.Kind == "watchcpu") && d.ThresholdMS <= 0 {
			errs = append(errs, fmt.Errorf("%s: threshold_ms must be positive for %s", prefix, d.Kind))
		}
	}

	for i, tr := range cfg.Tracers {
		if tr.Selector == "" {
			errs = append(errs, fmt.Errorf("tracers[%d]: selector must not be empty", i))
		}
	}

	return errors.Join(errs...)
}

// AttachTimeout returns AttachTimeoutS as a time.Duration.
func (c *Config) AttachTimeout() time.Duration { return time.Duration(c.AttachTimeoutS) * time.Second }

// EvalTimeout returns EvalTimeoutS as a time.Duration.
func (c *Config) EvalTimeout() time.Duration { return time.Duration(c.EvalTimeoutS) * time.Second }

// ForkTimeout returns ForkTimeoutS as a time.Duration.
func (c *Config) ForkTimeout() time.Duration { return time.Duration(c.ForkTimeoutS) * time.Second }

// TargetPIDs returns the full list of target PIDs this descriptor names,
// whether set via PID or PIDs.
func (c *Config) TargetPIDs() []int {
	if c.PID != 0 {
		return []int{c.PID}
	}
	return c.PIDs
}
