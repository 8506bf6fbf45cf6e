package host

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/hotspot-os/provisioner/types"
)

// LocaleInfo is the language configuration of the running system.
type LocaleInfo struct {
	Lang string `yaml:"lang" json:"lang"`
}

// Locale resolves the system language: the LANG environment variable wins,
// then locale.conf, then the C locale.
func Locale(fs types.HotspotFS, paths *Paths) LocaleInfo {
	if lang := os.Getenv("LANG"); lang != "" {
		return LocaleInfo{Lang: lang}
	}
	if content, err := fs.ReadFile(paths.LocaleConf); err == nil {
		if vals, err := godotenv.Unmarshal(string(content)); err == nil && vals["LANG"] != "" {
			return LocaleInfo{Lang: vals["LANG"]}
		}
	}
	return LocaleInfo{Lang: "C"}
}
