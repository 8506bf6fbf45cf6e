package pipeline

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	"github.com/hotspot-os/provisioner/config"
	"github.com/hotspot-os/provisioner/constants"
	"github.com/hotspot-os/provisioner/resource"
)

// bootPartition is where the seed files land. Hotspot images keep their
// first boot configuration on the first partition, next to the manifest.
const bootPartition = 1

type wifiSeed struct {
	Wifi struct {
		SSID string `yaml:"ssid"`
		PSK  string `yaml:"psk,omitempty"`
	} `yaml:"wifi"`
}

// seedBootPartition writes the configured seed files onto a freshly written
// boot partition and returns how many files it touched. Writes are skipped
// when the partition already holds the desired content, so replaying the
// step leaves the partition byte for byte as it was.
func seedBootPartition(handle *resource.ImageHandle, seed config.SeedConfig) (int, error) {
	changed := 0
	put := func(name, content string) error {
		path := "/" + name
		current, err := handle.ReadFile(bootPartition, path)
		if err == nil && string(bytes.TrimRight(current, "\n")) == strings.TrimRight(content, "\n") {
			return nil
		}
		if err := handle.WriteFile(bootPartition, path, []byte(content)); err != nil {
			return fmt.Errorf("seeding %s: %w", name, err)
		}
		changed++
		return nil
	}

	if seed.Hostname != "" {
		if err := put(constants.HostnameFile, seed.Hostname+"\n"); err != nil {
			return changed, err
		}
	}
	if seed.Locale != "" {
		if err := put(constants.LocaleFile, "LANG="+seed.Locale+"\n"); err != nil {
			return changed, err
		}
	}
	if seed.Timezone != "" {
		if err := put(constants.TimezoneFile, seed.Timezone+"\n"); err != nil {
			return changed, err
		}
	}
	if seed.WifiSSID != "" {
		var w wifiSeed
		w.Wifi.SSID = seed.WifiSSID
		w.Wifi.PSK = seed.WifiPSK
		raw, err := yaml.Marshal(&w)
		if err != nil {
			return changed, err
		}
		if err := put(constants.NetworkFile, string(raw)); err != nil {
			return changed, err
		}
	}

	// cmdline.txt is only touched when the image ships one.
	current, err := handle.ReadFile(bootPartition, "/"+constants.CmdlineFile)
	if err != nil {
		return changed, nil
	}
	normalized, err := normalizeCmdline(string(bytes.TrimRight(current, "\n")), seed.Hostname)
	if err != nil {
		return changed, fmt.Errorf("rewriting %s: %w", constants.CmdlineFile, err)
	}
	if err := put(constants.CmdlineFile, normalized+"\n"); err != nil {
		return changed, err
	}
	return changed, nil
}

// normalizeCmdline deduplicates kernel arguments, keeping the last value of
// a repeated key at the key's first position, and pins the hostname argument
// when one is configured. The result is a fixed point, feeding it back in
// returns it unchanged.
func normalizeCmdline(line, hostname string) (string, error) {
	args, err := shlex.Split(line)
	if err != nil {
		return "", err
	}
	if hostname != "" {
		args = append(args, "systemd.hostname="+hostname)
	}
	order := make([]string, 0, len(args))
	values := map[string]string{}
	for _, arg := range args {
		key, _, _ := strings.Cut(arg, "=")
		// console may legitimately repeat, every other key keeps its last value.
		if key == "console" {
			key = arg
		}
		if _, seen := values[key]; !seen {
			order = append(order, key)
		}
		values[key] = arg
	}
	out := make([]string, 0, len(order))
	for _, key := range order {
		out = append(out, values[key])
	}
	return strings.Join(out, " "), nil
}
