// Package config carries the runtime configuration and the injected
// dependencies every operation runs against. Settings merge from defaults,
// the config file, drop-in snippets, the environment and the kernel command
// line, in that order.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/twpayne/go-vfs/v4"
	"gopkg.in/yaml.v3"
	mountUtils "k8s.io/mount-utils"

	"github.com/hotspot-os/provisioner/constants"
	"github.com/hotspot-os/provisioner/types"
)

// Duration is a time.Duration that unmarshals from yaml strings like "30m".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%q is not a duration: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("cannot decode duration: %w", err)
	}
	*d = Duration(ns)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	MinDiskSize   uint64   `yaml:"min_disk_size,omitempty" mapstructure:"min_disk_size"`
	MinImageSize  uint64   `yaml:"min_image_size,omitempty" mapstructure:"min_image_size"`
	ProbeURL      string   `yaml:"probe_url,omitempty" mapstructure:"probe_url"`
	Target        string   `yaml:"target,omitempty" mapstructure:"target"`
	Debug         bool     `yaml:"debug,omitempty" mapstructure:"debug"`
	GrowData      bool     `yaml:"grow_data,omitempty" mapstructure:"grow_data"`
	AttachTimeout Duration `yaml:"attach_timeout,omitempty" mapstructure:"attach_timeout"`
	StepTimeout   Duration `yaml:"step_timeout,omitempty" mapstructure:"step_timeout"`
	WriteTimeout  Duration `yaml:"write_timeout,omitempty" mapstructure:"write_timeout"`
	SnapshotBound Duration `yaml:"snapshot_bound,omitempty" mapstructure:"snapshot_bound"`
	RetryAttempts uint     `yaml:"retry_attempts,omitempty" mapstructure:"retry_attempts"`
	RetryDelay    Duration `yaml:"retry_delay,omitempty" mapstructure:"retry_delay"`

	Seed SeedConfig `yaml:"seed,omitempty" mapstructure:"seed"`

	Logger  types.HotspotLogger  `yaml:"-"`
	Fs      types.HotspotFS      `yaml:"-"`
	Mounter mountUtils.Interface `yaml:"-"`
	Runner  types.Runner         `yaml:"-"`
}

// SeedConfig is what the post-configure step writes onto a freshly written
// boot partition. Empty fields leave the image's own defaults alone.
type SeedConfig struct {
	Hostname string `yaml:"hostname,omitempty" mapstructure:"hostname"`
	Locale   string `yaml:"locale,omitempty" mapstructure:"locale"`
	Timezone string `yaml:"timezone,omitempty" mapstructure:"timezone"`
	WifiSSID string `yaml:"wifi_ssid,omitempty" mapstructure:"wifi_ssid"`
	WifiPSK  string `yaml:"wifi_psk,omitempty" mapstructure:"wifi_psk"`
}

type GenericOptions func(c *Config)

func WithFs(fs types.HotspotFS) GenericOptions {
	return func(c *Config) { c.Fs = fs }
}

func WithLogger(logger types.HotspotLogger) GenericOptions {
	return func(c *Config) { c.Logger = logger }
}

func WithMounter(mounter mountUtils.Interface) GenericOptions {
	return func(c *Config) { c.Mounter = mounter }
}

func WithRunner(runner types.Runner) GenericOptions {
	return func(c *Config) { c.Runner = runner }
}

// NewConfig returns a Config with defaults applied and every dependency
// usable. Options replace individual dependencies, anything not provided
// gets the real implementation.
func NewConfig(opts ...GenericOptions) *Config {
	c := &Config{
		MinDiskSize:   uint64(8 * constants.GB),
		MinImageSize:  uint64(300 * constants.MB),
		ProbeURL:      "http://connectivity-check.ubuntu.com",
		GrowData:      true,
		AttachTimeout: Duration(15 * time.Second),
		StepTimeout:   Duration(30 * time.Second),
		WriteTimeout:  Duration(30 * time.Minute),
		SnapshotBound: Duration(10 * time.Second),
		RetryAttempts: 3,
		RetryDelay:    Duration(time.Second),
		Logger:        types.NewHotspotLogger(constants.AppName, "info", false),
	}
	for _, o := range opts {
		o(c)
	}
	if c.Fs == nil {
		c.Fs = vfs.OSFS
	}
	if c.Mounter == nil {
		c.Mounter = mountUtils.New("")
	}
	if c.Runner == nil {
		c.Runner = types.RealRunner{Logger: &c.Logger}
	}
	return c
}

// Sanitize validates the merged configuration. All violations are reported
// together so an operator fixes the file in one pass.
func (c *Config) Sanitize() error {
	var errs *multierror.Error
	if c.MinDiskSize == 0 || c.MinImageSize == 0 {
		errs = multierror.Append(errs, fmt.Errorf("size minimums must be positive: %w", types.ErrValidationFailed))
	}
	if c.MinImageSize > c.MinDiskSize {
		errs = multierror.Append(errs, fmt.Errorf("minimum image size exceeds minimum disk size: %w", types.ErrValidationFailed))
	}
	if c.WriteTimeout.Std() <= 0 || c.StepTimeout.Std() <= 0 || c.AttachTimeout.Std() <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("timeouts must be positive: %w", types.ErrValidationFailed))
	}
	return errs.ErrorOrNil()
}
