// Package cli is the advanced-mode command surface of the provisioner. The
// kiosk frontend and its supervisor drive the same probes and pipeline
// through Go APIs; these commands expose them to an operator on a serial
// console or SSH session.
package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/hotspot-os/provisioner/config"
	"github.com/hotspot-os/provisioner/constants"
	"github.com/hotspot-os/provisioner/manifest"
	"github.com/hotspot-os/provisioner/pipeline"
	"github.com/hotspot-os/provisioner/resource"
	"github.com/hotspot-os/provisioner/state"
	"github.com/hotspot-os/provisioner/types"
)

var (
	jsonFlag *cli.BoolFlag = &cli.BoolFlag{
		Name:  "json",
		Usage: "machine readable output",
	}

	diskFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "disk",
		Value: "",
		Usage: "target disk name or device path (default: best candidate)",
	}

	imageFlag *cli.StringFlag = &cli.StringFlag{
		Name:  "image",
		Value: "",
		Usage: "image file path (default: newest discovered image)",
	}

	yesFlag *cli.BoolFlag = &cli.BoolFlag{
		Name:    "yes",
		Aliases: []string{"y"},
		Usage:   "skip the confirmation prompt",
	}

	rebootFlag *cli.BoolFlag = &cli.BoolFlag{
		Name:  "reboot",
		Usage: "request a reboot from the supervisor after success",
	}

	shutdownFlag *cli.BoolFlag = &cli.BoolFlag{
		Name:  "shutdown",
		Usage: "request a shutdown from the supervisor after success",
	}
)

func Commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "status",
			Usage: "probe the board and report disks, images and readiness",
			Flags: []cli.Flag{jsonFlag},
			Action: func(cCtx *cli.Context) error {
				cfg, err := config.Load()
				if err != nil {
					return cli.Exit(err.Error(), constants.ExitError)
				}
				snap := state.Capture(cfg, resource.NewTracker())
				if cCtx.Bool(jsonFlag.Name) {
					return printJSON(snap)
				}
				renderStatus(snap)
				return nil
			},
		},
		{
			Name:  "images",
			Usage: "list provisionable images found on attached disks",
			Flags: []cli.Flag{jsonFlag},
			Action: func(cCtx *cli.Context) error {
				cfg, err := config.Load()
				if err != nil {
					return cli.Exit(err.Error(), constants.ExitError)
				}
				snap := state.Capture(cfg, resource.NewTracker())
				if cCtx.Bool(jsonFlag.Name) {
					return printJSON(snap.Images)
				}
				renderImages(snap.Images)
				return nil
			},
		},
		{
			Name:  "provision",
			Usage: "write an image to a disk, verify and configure it",
			Flags: []cli.Flag{diskFlag, imageFlag, yesFlag, rebootFlag, shutdownFlag},
			Action: func(cCtx *cli.Context) error {
				return provision(cCtx)
			},
		},
		{
			Name:      "query",
			Usage:     "evaluate a jq expression against a fresh host snapshot",
			ArgsUsage: "<expression>",
			Action: func(cCtx *cli.Context) error {
				if cCtx.NArg() != 1 {
					return cli.Exit("usage: query <expression>", constants.ExitError)
				}
				cfg, err := config.Load()
				if err != nil {
					return cli.Exit(err.Error(), constants.ExitError)
				}
				snap := state.Capture(cfg, resource.NewTracker())
				res, err := snap.Query(cCtx.Args().First())
				if err != nil {
					return cli.Exit(err.Error(), constants.ExitError)
				}
				fmt.Println(res)
				return nil
			},
		},
		{
			Name:  "manifest-schema",
			Usage: "print the JSON schema image manifests are validated against",
			Action: func(cCtx *cli.Context) error {
				schema, err := manifest.GenerateSchema("")
				if err != nil {
					return cli.Exit(err.Error(), constants.ExitError)
				}
				fmt.Println(schema)
				return nil
			},
		},
	}
}

func provision(cCtx *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return cli.Exit(err.Error(), constants.ExitError)
	}
	tracker := resource.NewTracker()
	snap := state.Capture(cfg, tracker)

	selector := cCtx.String(diskFlag.Name)
	if selector == "" {
		selector = cfg.Target
	}
	target, err := pickDisk(snap, selector)
	if err != nil {
		return cli.Exit(err.Error(), constants.ExitError)
	}
	img, err := pickImage(snap, cCtx.String(imageFlag.Name))
	if err != nil {
		return cli.Exit(err.Error(), constants.ExitError)
	}

	pterm.Info.Printfln("%s -> %s (%s, %s)", img.String(), target.Name, target.Transport, humanSize(target.SizeBytes))
	if !cCtx.Bool(yesFlag.Name) {
		ok, _ := pterm.DefaultInteractiveConfirm.Show(fmt.Sprintf("Erase %s and write %s?", target.Path, img.Manifest))
		if !ok {
			return cli.Exit("aborted", constants.ExitCancelled)
		}
	}

	mgr := pipeline.NewManager(cfg, tracker)
	job, err := mgr.Start(target, img)
	if err != nil {
		return cli.Exit(err.Error(), constants.ExitError)
	}
	watchJob(job)

	switch job.Wait() {
	case pipeline.JobSucceeded:
		pterm.Success.Printfln("%s provisioned with %s", target.Name, img.Manifest)
		if cCtx.Bool(rebootFlag.Name) {
			return cli.Exit("reboot requested", constants.ExitReboot)
		}
		if cCtx.Bool(shutdownFlag.Name) {
			return cli.Exit("shutdown requested", constants.ExitShutdown)
		}
		return nil
	case pipeline.JobCancelled:
		if job.Annotation != "" {
			pterm.Warning.Println(job.Annotation)
		}
		return cli.Exit("provisioning cancelled", constants.ExitCancelled)
	default:
		return cli.Exit(fmt.Sprintf("provisioning failed: %s", job.ID), constants.ExitError)
	}
}

// watchJob renders the job's event stream: one line per step, a live bar for
// the byte copy. Returns when the stream closes.
func watchJob(job *pipeline.Job) {
	var bar *pterm.ProgressbarPrinter
	current := 0
	for e := range job.Events() {
		switch e.Type {
		case pipeline.EventStepStarted:
			pterm.Info.Printfln("step %d/%d: %s", e.Ordinal, len(job.Steps), e.Step)
			if e.Step == pipeline.StepWrite {
				bar, _ = pterm.DefaultProgressbar.WithTotal(100).WithTitle("writing").Start()
				current = 0
			}
		case pipeline.EventProgress:
			if bar != nil && e.Progress > current {
				bar.Add(e.Progress - current)
				current = e.Progress
			}
		case pipeline.EventStepFinished:
			if e.Step == pipeline.StepWrite && bar != nil {
				_, _ = bar.Stop()
				bar = nil
			}
			switch e.Status {
			case pipeline.StepFailed:
				pterm.Error.Printfln("%s: %s", e.Step, e.Err)
			case pipeline.StepSkipped:
				pterm.Warning.Printfln("%s skipped", e.Step)
			}
		}
	}
}

func pickDisk(snap *state.HostSnapshot, selector string) (*types.Disk, error) {
	if selector == "" {
		candidates := snap.Candidates()
		if len(candidates) == 0 {
			return nil, fmt.Errorf("no candidate disks: %w", types.ErrResourceUnavailable)
		}
		return candidates[0], nil
	}
	for _, d := range snap.Disks {
		if d.Name != selector && d.Path != selector {
			continue
		}
		if !d.IsCandidate() {
			reason := d.Reason
			if reason == "" {
				reason = string(d.Class)
			}
			return nil, fmt.Errorf("%s is not a candidate target (%s): %w", d.Name, reason, types.ErrValidationFailed)
		}
		return d, nil
	}
	return nil, fmt.Errorf("no disk named %q: %w", selector, types.ErrResourceUnavailable)
}

func pickImage(snap *state.HostSnapshot, selector string) (types.Image, error) {
	if len(snap.Images) == 0 {
		return types.Image{}, fmt.Errorf("no provisionable images found: %w", types.ErrResourceUnavailable)
	}
	if selector == "" {
		return snap.Images[0], nil
	}
	for _, img := range snap.Images {
		if img.Path == selector || filepath.Base(img.Path) == selector {
			return img, nil
		}
	}
	return types.Image{}, fmt.Errorf("no image named %q: %w", selector, types.ErrResourceUnavailable)
}

func renderStatus(snap *state.HostSnapshot) {
	pterm.DefaultHeader.Println(constants.AppHuman)

	pterm.DefaultSection.Println("Host")
	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Model", snap.Identity.Model},
		{"Serial", snap.Identity.Serial},
		{"OS", fmt.Sprintf("%s %s", snap.OS.Name, snap.OS.Version)},
		{"Kernel", snap.OS.Kernel},
		{"Locale", snap.Locale.Lang},
		{"Timezone", snap.Clock.Timezone},
		{"NTP synced", fmt.Sprintf("%t", snap.Clock.NTPSynchronized)},
		{"Hardware clock", fmt.Sprintf("%t", snap.Clock.RTCPresent)},
		{"Default route", fmt.Sprintf("%t", snap.Network.DefaultRoute)},
		{"Online", fmt.Sprintf("%t", snap.Network.Online)},
		{"Probe time", snap.Elapsed.Round(time.Millisecond).String()},
	}).Render()

	pterm.DefaultSection.Println("Disks")
	rows := pterm.TableData{{"Name", "Size", "Transport", "Class", "Reason"}}
	for _, d := range snap.Disks {
		rows = append(rows, []string{d.Name, humanSize(d.SizeBytes), d.Transport, string(d.Class), d.Reason})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	renderImages(snap.Images)

	if state.ProvisionReady(snap) {
		pterm.Success.Println("Ready to provision")
	} else {
		pterm.Warning.Println("Not ready to provision")
	}
}

func renderImages(images []types.Image) {
	pterm.DefaultSection.Println("Images")
	if len(images) == 0 {
		pterm.Info.Println("none found")
		return
	}
	rows := pterm.TableData{{"Image", "Version", "Size", "Disk"}}
	for _, img := range images {
		rows = append(rows, []string{filepath.Base(img.Path), img.Manifest.Version, humanSize(img.SizeBytes), img.Disk})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return cli.Exit(err.Error(), constants.ExitError)
	}
	fmt.Println(string(out))
	return nil
}

// humanSize renders a byte count the way operators read disk sizes.
func humanSize(b uint64) string {
	switch {
	case b >= uint64(constants.GB):
		return fmt.Sprintf("%.1f GiB", float64(b)/float64(constants.GB))
	case b >= uint64(constants.MB):
		return fmt.Sprintf("%.0f MiB", float64(b)/float64(constants.MB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
