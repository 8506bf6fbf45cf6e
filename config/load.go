package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hotspot-os/provisioner/constants"
)

// Load builds the effective configuration. Later sources win: defaults,
// config file, drop-in snippets, environment file, environment, kernel
// command line.
func Load(opts ...GenericOptions) (*Config, error) {
	c := NewConfig(opts...)

	if err := c.mergeFile(constants.ConfigFile); err != nil {
		return nil, err
	}
	if err := c.mergeDropIns(constants.ConfigDir); err != nil {
		return nil, err
	}
	c.mergeEnvFile(constants.EnvFile)
	c.mergeEnv()
	c.mergeCmdline(constants.ProcCmdline)

	if c.Debug {
		c.Logger.SetLevel("debug")
	}
	if err := c.Sanitize(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) mergeFile(path string) error {
	content, err := c.Fs.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.Logger.Logger.Warn().Err(err).Str("path", path).Msg("config file not readable")
		}
		return nil
	}
	if err := yaml.Unmarshal(content, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	c.Logger.Logger.Debug().Str("path", path).Msg("Merged config file")
	return nil
}

func (c *Config) mergeDropIns(dir string) error {
	entries, err := c.Fs.ReadDir(dir)
	if err != nil {
		return nil
	}
	// ReadDir returns entries sorted, drop-ins merge in lexical order.
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		if err := c.mergeFile(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// mergeEnvFile reads a systemd style environment file. Keys use the same
// names as environment variables and real environment variables win.
func (c *Config) mergeEnvFile(path string) {
	content, err := c.Fs.ReadFile(path)
	if err != nil {
		return
	}
	vals, err := godotenv.Unmarshal(string(content))
	if err != nil {
		c.Logger.Logger.Warn().Err(err).Str("path", path).Msg("environment file not parseable")
		return
	}
	for k, v := range vals {
		if strings.HasPrefix(k, constants.EnvPrefix) {
			c.setOption(strings.ToLower(strings.TrimPrefix(k, constants.EnvPrefix)), v)
		}
	}
}

func (c *Config) mergeEnv() {
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], constants.EnvPrefix) {
			continue
		}
		c.setOption(strings.ToLower(strings.TrimPrefix(parts[0], constants.EnvPrefix)), parts[1])
	}
}

// mergeCmdline picks up provisioner.* tokens from the kernel command line.
// A bare token like provisioner.debug counts as true.
func (c *Config) mergeCmdline(path string) {
	content, err := c.Fs.ReadFile(path)
	if err != nil {
		return
	}
	tokens, err := shlex.Split(string(content))
	if err != nil {
		c.Logger.Logger.Warn().Err(err).Str("path", path).Msg("kernel command line not parseable")
		return
	}
	for _, token := range tokens {
		if !strings.HasPrefix(token, constants.CmdlinePrefix) {
			continue
		}
		token = strings.TrimPrefix(token, constants.CmdlinePrefix)
		key, value, found := strings.Cut(token, "=")
		if !found {
			value = "true"
		}
		c.setOption(key, value)
	}
}

func (c *Config) setOption(key, value string) {
	if value == "" {
		return
	}
	switch key {
	case "debug":
		c.Debug = value == "true" || value == "1" || value == "yes"
	case "grow_data":
		c.GrowData = value == "true" || value == "1" || value == "yes"
	case "target":
		c.Target = value
	case "probe_url":
		c.ProbeURL = value
	case "min_disk_size":
		if n, err := strconv.ParseUint(value, 10, 64); err == nil {
			c.MinDiskSize = n
		}
	case "min_image_size":
		if n, err := strconv.ParseUint(value, 10, 64); err == nil {
			c.MinImageSize = n
		}
	case "write_timeout":
		c.setDuration(&c.WriteTimeout, value)
	case "step_timeout":
		c.setDuration(&c.StepTimeout, value)
	case "attach_timeout":
		c.setDuration(&c.AttachTimeout, value)
	case "retry_delay":
		c.setDuration(&c.RetryDelay, value)
	case "retry_attempts":
		if n, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.RetryAttempts = uint(n)
		}
	case "hostname":
		c.Seed.Hostname = value
	case "locale":
		c.Seed.Locale = value
	case "timezone":
		c.Seed.Timezone = value
	case "wifi_ssid":
		c.Seed.WifiSSID = value
	case "wifi_psk":
		c.Seed.WifiPSK = value
	default:
		c.Logger.Logger.Debug().Str("key", key).Msg("ignoring unknown config option")
	}
}

func (c *Config) setDuration(target *Duration, value string) {
	d, err := time.ParseDuration(value)
	if err != nil {
		c.Logger.Logger.Warn().Str("value", value).Msg("not a duration, keeping previous value")
		return
	}
	*target = Duration(d)
}
