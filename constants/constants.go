// Package constants This file contains all the constants that can be reused across the project
package constants

const (
	MB = int64(1024 * 1024)
	GB = 1024 * MB
)

// Process exit codes consumed by the wrapping supervisor. The supervisor
// relaunches the frontend in a loop and maps these onto systemctl actions,
// so the values are part of the boot contract and must not change.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitReboot    = 10
	ExitShutdown  = 11
	ExitCancelled = 12
	ExitUI        = 13
)

const (
	// AppName is the filesystem-friendly name used for log files and state dirs.
	AppName = "provisioner"
	// AppHuman is what operators see in frontends.
	AppHuman = "Hotspot Provisioner"
)

const (
	// ManifestFile is the manifest path on an image's boot partition.
	ManifestFile = "hotspot.json"
	// SectorSize is the logical sector size assumed for sysfs size math.
	SectorSize = 512
	// WriteChunkBytes is the unit of the raw image write and readback loops.
	WriteChunkBytes = 4 * MB
	// LayoutToleranceMiB is how far a written partition may deviate from the
	// manifest's declared size before layout verification fails.
	LayoutToleranceMiB = 16
)

// Boot partition files written by the post-configure step. Keep in sync with
// what the target OS reads at first boot.
const (
	HostnameFile = "hostname"
	LocaleFile   = "locale.conf"
	TimezoneFile = "timezone"
	NetworkFile  = "network.yaml"
	CmdlineFile  = "cmdline.txt"
)

// Configuration sources, merged lowest to highest precedence.
const (
	ConfigFile    = "/etc/hotspot/provisioner.yaml"
	ConfigDir     = "/etc/hotspot/provisioner.d"
	EnvFile       = "/etc/hotspot/provisioner.env"
	ProcCmdline   = "/proc/cmdline"
	CmdlinePrefix = "provisioner."
	EnvPrefix     = "PROVISIONER_"
)
