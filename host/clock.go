package host

import (
	"github.com/joho/godotenv"

	"github.com/hotspot-os/provisioner/types"
)

// ClockInfo is the timekeeping state reported by systemd-timedated.
type ClockInfo struct {
	Timezone        string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	NTPSynchronized bool   `yaml:"ntp_synchronized" json:"ntp_synchronized"`
	RTCPresent      bool   `yaml:"rtc_present" json:"rtc_present"`
	RTCLocal        bool   `yaml:"rtc_local" json:"rtc_local"`
	NTPServer       string `yaml:"ntp_server,omitempty" json:"ntp_server,omitempty"`
}

// Clock queries timedatectl for timezone and synchronization state. Both
// commands print KEY=value properties. A board without systemd-timesyncd
// reports whatever subset is readable.
func Clock(runner types.Runner, logger *types.HotspotLogger) ClockInfo {
	if logger == nil {
		l := types.NewNullLogger()
		logger = &l
	}
	info := ClockInfo{}

	out, err := runner.Run("timedatectl", "show")
	if err != nil {
		logger.Logger.Debug().Err(err).Msg("timedatectl not available")
		return info
	}
	if vals, err := godotenv.Unmarshal(string(out)); err == nil {
		info.Timezone = vals["Timezone"]
		info.NTPSynchronized = vals["NTPSynchronized"] == "yes"
		info.RTCLocal = vals["LocalRTC"] == "yes"
		// Boards without a battery backed clock report RTCTimeUSec=n/a.
		rtc := vals["RTCTimeUSec"]
		info.RTCPresent = rtc != "" && rtc != "n/a" && rtc != "0"
	}

	out, err = runner.Run("timedatectl", "show-timesync", "--property=ServerName")
	if err != nil {
		return info
	}
	if vals, err := godotenv.Unmarshal(string(out)); err == nil {
		info.NTPServer = vals["ServerName"]
	}
	return info
}
