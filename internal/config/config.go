// Package config loads the static capture configuration. Values are read
// once at startup from an optional YAML file plus PATHLAT_* environment
// overrides; nothing is hot-reloaded.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Capture    CaptureConfig    `mapstructure:"capture"`
	Interfaces InterfacesConfig `mapstructure:"interfaces"`
	Correlate  CorrelateConfig  `mapstructure:"correlate"`
	Output     OutputConfig     `mapstructure:"output"`
	Log        LogConfig        `mapstructure:"log"`
}

// CaptureConfig describes what to look for in traffic.
type CaptureConfig struct {
	// SourcePort and RelayPort are the two ports of interest; they also
	// define the capture roles.
	SourcePort uint16 `mapstructure:"source_port"`
	RelayPort  uint16 `mapstructure:"relay_port"`

	// Marker is the literal byte pattern preceding the identifier.
	Marker string `mapstructure:"marker"`
	// IDLength is the fixed identifier length in bytes.
	IDLength int `mapstructure:"id_length"`
	// ScanWindow bounds how far into a payload the marker search goes.
	ScanWindow int `mapstructure:"scan_window"`
	// MinPayload skips segments with less TCP payload than this.
	MinPayload int `mapstructure:"min_payload"`

	RingCapacity  int `mapstructure:"ring_capacity"`
	DedupCapacity int `mapstructure:"dedup_capacity"`

	// BPFObject is the path to the compiled TC classifier. Empty selects
	// the userspace pcap backend instead.
	BPFObject string `mapstructure:"bpf_object"`
}

// InterfacesConfig controls which interfaces get capture hooks.
type InterfacesConfig struct {
	Kind           string        `mapstructure:"kind"`
	NamePattern    string        `mapstructure:"name_pattern"`
	RescanInterval time.Duration `mapstructure:"rescan_interval"`
}

// CorrelateConfig tunes pairing and retention.
type CorrelateConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	SanityCeiling time.Duration `mapstructure:"sanity_ceiling"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// OutputConfig selects measurement sinks.
type OutputConfig struct {
	// CSVPath, when set, appends measurements to a CSV file in addition to
	// the structured log.
	CSVPath       string        `mapstructure:"csv_path"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// LogConfig tunes the logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("capture.source_port", 8000)
	v.SetDefault("capture.relay_port", 8001)
	v.SetDefault("capture.marker", `"interval_id":"`)
	v.SetDefault("capture.id_length", 36)
	v.SetDefault("capture.scan_window", 200)
	v.SetDefault("capture.min_payload", 400)
	v.SetDefault("capture.ring_capacity", 4096)
	v.SetDefault("capture.dedup_capacity", 1024)
	v.SetDefault("capture.bpf_object", "")

	v.SetDefault("interfaces.kind", "veth")
	v.SetDefault("interfaces.name_pattern", "")
	v.SetDefault("interfaces.rescan_interval", "10s")

	v.SetDefault("correlate.retention", "60s")
	v.SetDefault("correlate.sanity_ceiling", "30s")
	v.SetDefault("correlate.sweep_interval", "5s")

	v.SetDefault("output.csv_path", "")
	v.SetDefault("output.stats_interval", "10s")

	v.SetDefault("log.level", "info")
}

// Load reads the configuration. file may be empty, in which case
// pathlat.yaml is searched for in the working directory and /etc/pathlat;
// a missing file just means defaults plus environment.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PATHLAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("pathlat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pathlat")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Capture.SourcePort == 0 || c.Capture.RelayPort == 0 {
		return fmt.Errorf("config: source_port and relay_port must be set")
	}
	if c.Capture.SourcePort == c.Capture.RelayPort {
		return fmt.Errorf("config: source_port and relay_port must differ")
	}
	if c.Capture.Marker == "" {
		return fmt.Errorf("config: marker must not be empty")
	}
	if c.Capture.IDLength < 1 || c.Capture.IDLength > 36 {
		return fmt.Errorf("config: id_length must be between 1 and 36, got %d", c.Capture.IDLength)
	}
	if c.Capture.ScanWindow < len(c.Capture.Marker) {
		return fmt.Errorf("config: scan_window %d is smaller than the marker", c.Capture.ScanWindow)
	}
	if c.Capture.RingCapacity < 1 {
		return fmt.Errorf("config: ring_capacity must be positive")
	}
	if c.Interfaces.RescanInterval <= 0 {
		return fmt.Errorf("config: rescan_interval must be positive")
	}
	if c.Correlate.Retention <= 0 || c.Correlate.SweepInterval <= 0 {
		return fmt.Errorf("config: retention and sweep_interval must be positive")
	}
	if c.Output.StatsInterval <= 0 {
		return fmt.Errorf("config: stats_interval must be positive")
	}
	if _, err := c.NamePattern(); err != nil {
		return err
	}
	return nil
}

// NamePattern compiles the optional interface name pattern; nil means no
// name restriction.
func (c *Config) NamePattern() (*regexp.Regexp, error) {
	if c.Interfaces.NamePattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(c.Interfaces.NamePattern)
	if err != nil {
		return nil, fmt.Errorf("config: invalid name_pattern: %w", err)
	}
	return re, nil
}
