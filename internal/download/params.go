package download

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrSignedDigestsMissing  = errors.New("signeddigests file not exists")
	ErrChainedDigestsMissing = errors.New("chaineddigests file not exists")
	ErrNoRawProgram          = errors.New("no rawprogram descriptor found in image dir")
)

var (
	rawProgramPattern = regexp.MustCompile(`^rawprogram\d+\.xml$`)
	patchPattern      = regexp.MustCompile(`^patch\d+\.xml$`)
	erasePattern      = regexp.MustCompile(`^erase\d+\.xml$`)
	zeroOutPattern    = regexp.MustCompile(`^zeroout\d+\.xml$`)
)

// VIPMode selects how secure-boot (VIP) parameters are resolved.
type VIPMode int

const (
	VIPAuto VIPMode = iota
	VIPOn
	VIPOff
)

func (m VIPMode) String() string {
	switch m {
	case VIPOn:
		return "on"
	case VIPOff:
		return "off"
	default:
		return "auto"
	}
}

// ParseVIPMode accepts on/off (and common boolean spellings); empty means auto.
func ParseVIPMode(s string) (VIPMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return VIPAuto, nil
	case "on", "true", "1", "yes":
		return VIPOn, nil
	case "off", "false", "0", "no":
		return VIPOff, nil
	default:
		return VIPAuto, errors.Errorf("invalid vip mode %q, want on or off", s)
	}
}

// VIP is the resolved secure-boot parameter set.
type VIP struct {
	Enabled        bool
	SignedDigests  string
	ChainedDigests string
}

// ResolveVIP applies the VIP policy: auto enables VIP only when both digest
// artifacts are available, on requires both, off never passes them.
// Explicit file names are used verbatim.
func ResolveVIP(imageDir string, mode VIPMode, signed, chained string, tools Tools) (VIP, error) {
	if mode == VIPOff {
		return VIP{}, nil
	}

	var err error
	if signed == "" {
		if signed, err = findFirst(imageDir, tools.SignedDigestsCandidates); err != nil {
			return VIP{}, err
		}
	}
	if chained == "" {
		if chained, err = findFirst(imageDir, tools.ChainedDigestsCandidates); err != nil {
			return VIP{}, err
		}
	}

	if mode == VIPOn {
		if signed == "" {
			return VIP{}, ErrSignedDigestsMissing
		}
		if chained == "" {
			return VIP{}, ErrChainedDigestsMissing
		}
	}
	if signed == "" || chained == "" {
		return VIP{}, nil
	}
	return VIP{Enabled: true, SignedDigests: signed, ChainedDigests: chained}, nil
}

// findFirst returns the first candidate present in dir, or "" when none is.
func findFirst(dir string, candidates []string) (string, error) {
	names, err := fileNames(dir)
	if err != nil {
		return "", err
	}
	for _, candidate := range candidates {
		if _, ok := names[candidate]; ok {
			return candidate, nil
		}
	}
	return "", nil
}

// SendXML builds the comma separated descriptor list for the flashing step:
// erase and zeroout groups (when enabled), then rawprogram, then patch, each
// group sorted lexicographically.
func SendXML(imageDir string, withErase, withZeroOut bool) (string, error) {
	names, err := fileNames(imageDir)
	if err != nil {
		return "", err
	}
	pick := func(pattern *regexp.Regexp) []string {
		var out []string
		for name := range names {
			if pattern.MatchString(name) {
				out = append(out, name)
			}
		}
		sort.Strings(out)
		return out
	}

	rawPrograms := pick(rawProgramPattern)
	if len(rawPrograms) == 0 {
		return "", ErrNoRawProgram
	}
	var list []string
	if withErase {
		list = append(list, pick(erasePattern)...)
	}
	if withZeroOut {
		list = append(list, pick(zeroOutPattern)...)
	}
	list = append(list, rawPrograms...)
	list = append(list, pick(patchPattern)...)
	return strings.Join(list, ","), nil
}

func fileNames(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read image dir %s", dir)
	}
	names := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names[entry.Name()] = struct{}{}
	}
	return names, nil
}

func withTrailingSeparator(dir string) string {
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		return dir
	}
	return dir + string(filepath.Separator)
}
