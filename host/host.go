// Package host answers environment queries about the machine the
// provisioner runs on: board identity, clock and timezone state, locale and
// network reachability. Queries are read-only and every external input goes
// through a Paths struct or a Runner so tests can script the whole board.
package host

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/denisbrodbeck/machineid"
	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/product"
	"github.com/zcalusic/sysinfo"

	"github.com/hotspot-os/provisioner/block"
	"github.com/hotspot-os/provisioner/types"
)

type Paths struct {
	DeviceTree string
	ProcRoute  string
	LocaleConf string

	// prefix is kept for libraries that take a chroot of their own.
	prefix string
}

func NewPaths(withOptionalPrefix string) *Paths {
	p := &Paths{
		DeviceTree: "/proc/device-tree",
		ProcRoute:  "/proc/net/route",
		LocaleConf: "/etc/locale.conf",
	}

	// Env var takes precedence over anything
	val, exists := os.LookupEnv(block.ChrootEnv)
	if exists {
		withOptionalPrefix = val
	}
	if withOptionalPrefix != "" {
		withOptionalPrefix = strings.TrimSuffix(withOptionalPrefix, "/")
		p.DeviceTree = fmt.Sprintf("%s%s", withOptionalPrefix, p.DeviceTree)
		p.ProcRoute = fmt.Sprintf("%s%s", withOptionalPrefix, p.ProcRoute)
		p.LocaleConf = fmt.Sprintf("%s%s", withOptionalPrefix, p.LocaleConf)
		p.prefix = withOptionalPrefix
	}
	return p
}

// Identity names the board the provisioner runs on.
type Identity struct {
	Model     string `yaml:"model,omitempty" json:"model,omitempty"`
	Serial    string `yaml:"serial,omitempty" json:"serial,omitempty"`
	MachineID string `yaml:"machine_id,omitempty" json:"machine_id,omitempty"`
}

// DeviceIdentity resolves the board identity. The device tree is
// authoritative on ARM boards, DMI covers everything else and the machine id
// fills in when neither is readable.
func DeviceIdentity(paths *Paths, logger *types.HotspotLogger) Identity {
	if logger == nil {
		l := types.NewNullLogger()
		logger = &l
	}
	id := Identity{}
	if model := deviceTreeValue(paths, "model"); model != "" {
		id.Model = model
		id.Serial = deviceTreeValue(paths, "serial-number")
		logger.Logger.Debug().Str("model", id.Model).Msg("Identity from device tree")
	} else if product, err := dmiProduct(paths.prefix); err == nil {
		id.Model = strings.TrimSpace(fmt.Sprintf("%s %s", dmiValue(product.Vendor), dmiValue(product.Name)))
		id.Serial = dmiValue(product.SerialNumber)
		logger.Logger.Debug().Str("model", id.Model).Msg("Identity from DMI")
	}
	if mid, err := machineid.ID(); err == nil {
		id.MachineID = mid
	}
	return id
}

func dmiProduct(prefix string) (*product.Info, error) {
	if prefix == "" {
		return ghw.Product()
	}
	return ghw.Product(ghw.WithChroot(prefix))
}

// deviceTreeValue reads one device tree property. Values are NUL terminated.
func deviceTreeValue(paths *Paths, property string) string {
	content, err := os.ReadFile(filepath.Join(paths.DeviceTree, property))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.Trim(string(content), "\x00"))
}

// dmiValue filters the placeholder DMI reports for unset fields.
func dmiValue(v string) string {
	if strings.EqualFold(v, block.UNKNOWN) {
		return ""
	}
	return strings.TrimSpace(v)
}

// OSRelease describes the running operating system.
type OSRelease struct {
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	Version  string `yaml:"version,omitempty" json:"version,omitempty"`
	Kernel   string `yaml:"kernel,omitempty" json:"kernel,omitempty"`
	Arch     string `yaml:"arch,omitempty" json:"arch,omitempty"`
	Hostname string `yaml:"hostname,omitempty" json:"hostname,omitempty"`
}

// OSInfo reports the running OS and kernel.
func OSInfo() OSRelease {
	var si sysinfo.SysInfo
	si.GetSysInfo()
	return OSRelease{
		Name:     si.OS.Name,
		Version:  si.OS.Version,
		Kernel:   si.Kernel.Release,
		Arch:     si.Kernel.Architecture,
		Hostname: si.Node.Hostname,
	}
}

// bootTargets decodes the targets of a Raspberry Pi EEPROM boot order.
var bootTargets = map[byte]string{
	'1': "sd",
	'2': "network",
	'4': "usb",
	'6': "nvme",
	'f': "restart",
}

// BootOrder reports the firmware boot targets in the order they are tried.
// Boards without a configurable EEPROM report nothing.
func BootOrder(runner types.Runner, logger *types.HotspotLogger) []string {
	if logger == nil {
		l := types.NewNullLogger()
		logger = &l
	}
	if !runner.CommandExists("rpi-eeprom-config") {
		return nil
	}
	out, err := runner.Run("rpi-eeprom-config")
	if err != nil {
		logger.Logger.Debug().Err(err).Msg("reading eeprom config")
		return nil
	}
	return parseBootOrder(string(out))
}

// parseBootOrder decodes a BOOT_ORDER property. The hex digits are tried
// right to left by the firmware.
func parseBootOrder(out string) []string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "BOOT_ORDER=") {
			continue
		}
		digits := strings.TrimPrefix(line, "BOOT_ORDER=")
		digits = strings.TrimPrefix(strings.ToLower(digits), "0x")
		order := []string{}
		for i := len(digits) - 1; i >= 0; i-- {
			if name, ok := bootTargets[digits[i]]; ok {
				order = append(order, name)
			}
		}
		return order
	}
	return nil
}
