package types

import (
	"context"
	"os/exec"
	"strings"
)

// Runner abstracts external command execution so environment queries can be
// scripted in tests. Implementations return combined output.
type Runner interface {
	Run(command string, args ...string) ([]byte, error)
	RunContext(ctx context.Context, command string, args ...string) ([]byte, error)
	CommandExists(command string) bool
}

// RealRunner shells out for real. The zero value is usable; set Logger to
// get trace output of every spawned command.
type RealRunner struct {
	Logger *HotspotLogger
}

func (r RealRunner) Run(command string, args ...string) ([]byte, error) {
	return r.RunContext(context.Background(), command, args...)
}

func (r RealRunner) RunContext(ctx context.Context, command string, args ...string) ([]byte, error) {
	if r.Logger != nil {
		r.Logger.Logger.Trace().Str("command", command).Strs("args", args).Msg("Running command")
	}
	out, err := exec.CommandContext(ctx, command, args...).CombinedOutput()
	if err != nil && r.Logger != nil {
		r.Logger.Logger.Debug().Err(err).Str("command", command).Str("output", string(out)).Msg("Command failed")
	}
	return out, err
}

func (r RealRunner) CommandExists(command string) bool {
	_, err := exec.LookPath(command)
	return err == nil
}

// FakeRunner maps "command arg1 arg2" prefixes to canned output for tests.
// Commands without a match return ErrResourceUnavailable so callers exercise
// their fallback paths.
type FakeRunner struct {
	Outputs map[string]string
	Calls   []string
}

func (f *FakeRunner) Run(command string, args ...string) ([]byte, error) {
	return f.RunContext(context.Background(), command, args...)
}

func (f *FakeRunner) RunContext(_ context.Context, command string, args ...string) ([]byte, error) {
	full := strings.TrimSpace(command + " " + strings.Join(args, " "))
	f.Calls = append(f.Calls, full)
	// Longest prefix wins so "cmd sub" and "cmd sub-other" can coexist.
	best := ""
	found := false
	for prefix := range f.Outputs {
		if strings.HasPrefix(full, prefix) && (!found || len(prefix) > len(best)) {
			best = prefix
			found = true
		}
	}
	if found {
		return []byte(f.Outputs[best]), nil
	}
	return nil, ErrResourceUnavailable
}

func (f *FakeRunner) CommandExists(command string) bool {
	for prefix := range f.Outputs {
		if prefix == command || strings.HasPrefix(prefix, command+" ") {
			return true
		}
	}
	return false
}
