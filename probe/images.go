package probe

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	mountUtils "k8s.io/mount-utils"

	"github.com/hotspot-os/provisioner/constants"
	"github.com/hotspot-os/provisioner/loop"
	"github.com/hotspot-os/provisioner/manifest"
	"github.com/hotspot-os/provisioner/resource"
	"github.com/hotspot-os/provisioner/types"
)

// Images walks the partitions of every non system disk looking for image
// files with a readable manifest. Partitions that are already mounted are
// scanned in place, every other partition is mounted read-only just for the
// scan. Images are attached strictly one at a time, a broken image never
// blocks the scan of the remaining ones.
//
// The result is ordered newest version first.
func Images(disks []*types.Disk, mounter mountUtils.Interface, tracker *resource.Tracker, minImageSize uint64, attachWait time.Duration, logger *types.HotspotLogger) []types.Image {
	if logger == nil {
		l := types.NewNullLogger()
		logger = &l
	}

	images := []types.Image{}
	for _, d := range disks {
		if d.SystemDisk || d.Class == types.ClassUnavailable {
			continue
		}
		for _, p := range d.Partitions {
			log := logger.Logger.With().Str("disk", d.Name).Str("partition", p.Name).Logger()
			if p.MountPoint != "" {
				images = append(images, ImagesInDir(p.MountPoint, d.Name, mounter, tracker, minImageSize, attachWait, logger)...)
				continue
			}
			handle, err := resource.MountPartition(mounter, p.Path, p.FS, true, tracker, logger)
			if err != nil {
				log.Debug().Err(err).Msg("partition not scannable")
				continue
			}
			images = append(images, ImagesInDir(handle.Mountpoint(), d.Name, mounter, tracker, minImageSize, attachWait, logger)...)
			if err := handle.Release(); err != nil {
				log.Warn().Err(err).Msg("releasing scan mount")
			}
		}
	}

	sort.SliceStable(images, func(i, j int) bool {
		if c := manifest.CompareVersions(images[i].Manifest.Version, images[j].Manifest.Version); c != 0 {
			return c > 0
		}
		return images[i].SizeBytes > images[j].SizeBytes
	})
	return images
}

// ImagesInDir scans one directory for provisionable images. Only files
// carrying a partition table and a manifest that passes validation make it
// into the result, everything else is skipped quietly.
func ImagesInDir(dir, diskName string, mounter mountUtils.Interface, tracker *resource.Tracker, minImageSize uint64, attachWait time.Duration, logger *types.HotspotLogger) []types.Image {
	if logger == nil {
		l := types.NewNullLogger()
		logger = &l
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.img"))
	images := []types.Image{}
	for _, path := range matches {
		log := logger.Logger.With().Str("image", path).Logger()

		fi, err := os.Stat(path)
		if err != nil || fi.IsDir() {
			continue
		}
		if uint64(fi.Size()) < minImageSize {
			log.Debug().Int64("size", fi.Size()).Msg("image below minimum size")
			continue
		}
		table, err := loop.SniffTableType(path)
		if err != nil || table == "" {
			log.Debug().Msg("image carries no partition table")
			continue
		}

		data, err := readManifestData(path, mounter, tracker, attachWait, logger)
		if err != nil {
			log.Debug().Err(err).Msg("image has no readable manifest")
			continue
		}
		m, err := manifest.Parse(data)
		if err != nil {
			log.Debug().Err(err).Msg("manifest rejected")
			continue
		}

		images = append(images, types.Image{
			Path:      path,
			SizeBytes: uint64(fi.Size()),
			Disk:      diskName,
			Manifest:  *m,
		})
		log.Info().Str("name", m.Name).Str("version", m.Version).Msg("Found image")
	}
	return images
}

// readManifestData pulls the manifest off the first partition of an image.
// diskfs reads it without kernel involvement, which covers the usual FAT and
// ext4 boot partitions. Filesystems diskfs cannot parse get a second chance
// through a read-only loop attach, where the kernel's own drivers do the
// reading. The attach needs root, on unprivileged runs it fails like any
// other unreadable image.
func readManifestData(path string, mounter mountUtils.Interface, tracker *resource.Tracker, attachWait time.Duration, logger *types.HotspotLogger) ([]byte, error) {
	handle, err := resource.OpenImage(path, tracker, logger)
	if err == nil {
		data, rerr := handle.ReadFile(1, "/"+constants.ManifestFile)
		if cerr := handle.Release(); cerr != nil {
			logger.Logger.Warn().Err(cerr).Str("image", path).Msg("releasing image")
		}
		if rerr == nil {
			return data, nil
		}
		err = rerr
	}

	attached, aerr := resource.AttachImage(mounter, path, attachWait, tracker, logger)
	if aerr != nil {
		return nil, err
	}
	data, rerr := os.ReadFile(filepath.Join(attached.Mountpoint(), constants.ManifestFile))
	if cerr := attached.Release(); cerr != nil {
		logger.Logger.Warn().Err(cerr).Str("image", path).Msg("detaching image")
	}
	if rerr != nil {
		return nil, rerr
	}
	return data, nil
}
