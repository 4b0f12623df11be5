// Package config loads trigcap.yaml.
//
// The file is checked against an embedded closed CUE schema first, so typos
// and out-of-range values are reported with their path, then decoded over
// Default() with yaml.v3. Keys left out keep their defaults.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/roach88/trigcap/internal/capture"
	"github.com/roach88/trigcap/internal/gpio"
)

//go:embed schema.cue
var schemaCUE string

// Backend names.
const (
	BackendGPhoto2 = "gphoto2"
	BackendMock    = "mock"
)

// Config is the complete runtime configuration.
type Config struct {
	GPIO      GPIO      `yaml:"gpio" json:"gpio"`
	Capture   Capture   `yaml:"capture" json:"capture"`
	Queue     Queue     `yaml:"queue" json:"queue"`
	Preflight Preflight `yaml:"preflight" json:"preflight"`
}

// GPIO selects the input lines and tunes the edge watcher.
type GPIO struct {
	Driver       string   `yaml:"driver" json:"driver"`
	Trigger      string   `yaml:"trigger" json:"trigger"`
	Enable       string   `yaml:"enable" json:"enable"`
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
	Debounce     Duration `yaml:"debounce" json:"debounce"`
	ReadRetries  int      `yaml:"read_retries" json:"read_retries"`
}

// Capture selects and tunes the camera backend.
type Capture struct {
	Backend   string   `yaml:"backend" json:"backend"`
	Command   string   `yaml:"command" json:"command"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
	Retries   int      `yaml:"retries" json:"retries"`
	BaseDelay Duration `yaml:"base_delay" json:"base_delay"`
	Extension string   `yaml:"extension" json:"extension"`
}

// Queue tunes the trigger backlog.
type Queue struct {
	WarnDepth int `yaml:"warn_depth" json:"warn_depth"`
}

// Preflight holds the thresholds checked before a run.
type Preflight struct {
	MinFree ByteSize `yaml:"min_free" json:"min_free"`
}

// Default returns the configuration used when no file is given. Pin names
// match the reference wiring: TRIGGER on GPIO17, ENABLE on GPIO27.
func Default() Config {
	return Config{
		GPIO: GPIO{
			Driver:       gpio.DriverPeriph,
			Trigger:      "GPIO17",
			Enable:       "GPIO27",
			PollInterval: Duration(gpio.DefaultPollInterval),
			Debounce:     Duration(gpio.DefaultDebounce),
			ReadRetries:  gpio.DefaultReadRetries,
		},
		Capture: Capture{
			Backend:   BackendGPhoto2,
			Command:   capture.DefaultCommand,
			Timeout:   Duration(capture.DefaultTimeout),
			Retries:   capture.DefaultRetries,
			BaseDelay: Duration(capture.DefaultBaseDelay),
			Extension: "jpg",
		},
		Queue: Queue{
			WarnDepth: 8,
		},
		Preflight: Preflight{
			MinFree: 2 * ByteSize(humanize.GByte),
		},
	}
}

// Load reads path, or returns Default() when path is empty.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse validates and decodes a YAML document.
func Parse(data []byte) (Config, error) {
	if err := validate(data); err != nil {
		return Config{}, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		// Blank or comment-only documents have no node to decode.
		if errors.Is(err, io.EOF) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// validate unifies the raw document with #Config.
func validate(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if !def.Exists() {
		return errors.New("config schema has no #Config")
	}

	doc := ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Problem is one reason a config document was rejected.
type Problem struct {
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// Problems splits an error returned by Parse or Load into one entry per
// schema violation. Errors that did not come from the schema yield a single
// entry without a path.
func Problems(err error) []Problem {
	if err == nil {
		return nil
	}
	var ce cueerrors.Error
	if !errors.As(err, &ce) {
		return []Problem{{Message: err.Error()}}
	}
	var out []Problem
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		out = append(out, Problem{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	return out
}

// WatcherConfig converts the gpio section for gpio.NewWatcher.
func (c Config) WatcherConfig() gpio.WatcherConfig {
	return gpio.WatcherConfig{
		PollInterval: c.GPIO.PollInterval.Std(),
		Debounce:     c.GPIO.Debounce.Std(),
		ReadRetries:  c.GPIO.ReadRetries,
	}
}

// Backend builds the configured capture backend.
func (c Config) Backend(opts ...BackendOption) (capture.Backend, error) {
	var o backendOptions
	for _, opt := range opts {
		opt(&o)
	}

	switch c.Capture.Backend {
	case BackendGPhoto2:
		return &capture.GPhoto2{
			Command:   c.Capture.Command,
			Timeout:   c.Capture.Timeout.Std(),
			Retries:   c.Capture.Retries,
			BaseDelay: c.Capture.BaseDelay.Std(),
			Logger:    o.logger,
		}, nil
	case BackendMock:
		return &capture.Mock{}, nil
	}
	return nil, fmt.Errorf("unknown capture backend %q", c.Capture.Backend)
}

// Duration is a time.Duration written as a Go duration string ("5ms").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler so JSON output stays
// readable.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ByteSize is a size written in human form ("2GB", "500 MiB").
type ByteSize uint64

func (b ByteSize) String() string {
	return humanize.Bytes(uint64(b))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	v, err := humanize.ParseBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = ByteSize(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}
