package qdloader

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	lsusbLinePattern  = regexp.MustCompile(`^\s*Qualcomm\s+HS-USB\s+QDLoader\s+9008\s+\((COM\d+)\)`)
	attachLinePattern = regexp.MustCompile(`^\s*.+:\s+Qualcomm\s+USB\s+modem\s+converter\s+now\s+attached\s+to\s+(ttyUSB\d+)`)
	detachLinePattern = regexp.MustCompile(`^\s*.+:\s+Qualcomm\s+USB\s+modem\s+converter\s+now\s+disconnected\s+from\s+(ttyUSB\d+)`)
)

type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Provider implements device.Provider by running a system listing command
// and parsing its output into the set of ports with a device in 9008 mode.
type Provider struct {
	name    string
	args    []string
	parse   func(io.Reader) ([]string, error)
	command commandFunc
}

// NewLsusb creates the Windows provider backed by lsusb.exe from toolDir.
func NewLsusb(toolDir string) *Provider {
	return &Provider{
		name:    filepath.Join(toolDir, "lsusb.exe"),
		parse:   ParseLsusb,
		command: exec.CommandContext,
	}
}

// NewDmesg creates the Linux provider that replays the kernel ring buffer.
func NewDmesg() *Provider {
	return &Provider{
		name:    "dmesg",
		parse:   ParseDmesg,
		command: exec.CommandContext,
	}
}

// NewDefault picks the provider for the running platform.
func NewDefault(toolDir string) (*Provider, error) {
	switch runtime.GOOS {
	case "windows":
		return NewLsusb(toolDir), nil
	case "linux":
		return NewDmesg(), nil
	default:
		return nil, errors.Errorf("no device provider for platform %s", runtime.GOOS)
	}
}

// ListDevices returns the ports currently in download mode.
func (p *Provider) ListDevices(ctx context.Context) ([]string, error) {
	if p == nil {
		return nil, errors.New("qdloader provider is nil")
	}
	cmd := p.command(ctx, p.name, p.args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, errors.Wrapf(err, "run %s: %s", filepath.Base(p.name), msg)
		}
		return nil, errors.Wrapf(err, "run %s", filepath.Base(p.name))
	}
	return p.parse(bytes.NewReader(out))
}

// ParseLsusb extracts COM ports of Qualcomm HS-USB QDLoader 9008 entries.
func ParseLsusb(r io.Reader) ([]string, error) {
	ports := make(map[string]struct{})
	err := scanLines(r, func(line string) {
		if m := lsusbLinePattern.FindStringSubmatch(line); m != nil {
			ports[m[1]] = struct{}{}
		}
	})
	return sortedPorts(ports), err
}

// ParseDmesg replays attach/detach kernel messages in order; the ports still
// attached at the end of the log form the current set.
func ParseDmesg(r io.Reader) ([]string, error) {
	ports := make(map[string]struct{})
	err := scanLines(r, func(line string) {
		if m := attachLinePattern.FindStringSubmatch(line); m != nil {
			ports[m[1]] = struct{}{}
			return
		}
		if m := detachLinePattern.FindStringSubmatch(line); m != nil {
			delete(ports, m[1])
		}
	})
	return sortedPorts(ports), err
}

func scanLines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	return errors.Wrap(scanner.Err(), "scan command output")
}

func sortedPorts(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for port := range set {
		out = append(out, port)
	}
	sort.Strings(out)
	return out
}
