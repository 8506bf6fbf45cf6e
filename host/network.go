package host

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/hotspot-os/provisioner/types"
)

// NetworkInfo is the reachability state of the board.
type NetworkInfo struct {
	DefaultRoute bool   `yaml:"default_route" json:"default_route"`
	Interface    string `yaml:"interface,omitempty" json:"interface,omitempty"`
	Gateway      string `yaml:"gateway,omitempty" json:"gateway,omitempty"`
	Online       bool   `yaml:"online" json:"online"`
}

// Network reports whether the board has a default route and, when probeURL
// is set, whether the network answers. The probe is bounded, a dead network
// delays the snapshot by a few seconds at most.
func Network(paths *Paths, probeURL string, logger *types.HotspotLogger) NetworkInfo {
	if logger == nil {
		l := types.NewNullLogger()
		logger = &l
	}
	info := NetworkInfo{}
	info.Interface, info.Gateway, info.DefaultRoute = defaultRoute(paths)
	if !info.DefaultRoute || probeURL == "" {
		return info
	}

	client := &http.Client{Timeout: 5 * time.Second}
	err := retry.Do(
		func() error {
			resp, err := client.Head(probeURL)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("unexpected status: %d", resp.StatusCode)
			}
			return nil
		}, retry.Delay(time.Second), retry.Attempts(3),
	)
	if err != nil {
		logger.Logger.Debug().Err(err).Str("url", probeURL).Msg("connectivity probe failed")
	}
	info.Online = err == nil
	return info
}

// defaultRoute scans the kernel routing table for a 0.0.0.0/0 entry.
func defaultRoute(paths *Paths) (iface, gateway string, ok bool) {
	content, err := os.ReadFile(paths.ProcRoute)
	if err != nil {
		return "", "", false
	}
	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		if i == 0 {
			continue // header
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if fields[1] == "00000000" {
			return fields[0], parseRouteIP(fields[2]), true
		}
	}
	return "", "", false
}

// parseRouteIP decodes the little-endian hex addresses of /proc/net/route.
func parseRouteIP(s string) string {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || v == 0 {
		return ""
	}
	return net.IPv4(byte(v), byte(v>>8), byte(v>>16), byte(v>>24)).String()
}
