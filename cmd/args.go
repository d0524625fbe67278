package main

import (
	"strings"

	"github.com/httprunner/FlashAgent/internal/download"
)

// shortAliases are the multi-letter single-dash spellings pflag cannot model
// as shorthands.
var shortAliases = map[string]string{
	"sd": "signeddigests",
	"cd": "chaineddigests",
	"dz": "disable-zeroout",
	"de": "disable-erase",
}

var longFlags = map[string]struct{}{
	"image-dir":          {},
	"trace-dir":          {},
	"reboot-on-success":  {},
	"max-download-count": {},
	"prog":               {},
	"vip":                {},
	"signeddigests":      {},
	"chaineddigests":     {},
	"disable-zeroout":    {},
	"disable-erase":      {},
	"tool-dir":           {},
	"poll-interval":      {},
	"metrics-addr":       {},
	"log-level":          {},
	"log-file":           {},
	"help":               {},
}

// normalizeArgs rewrites single-dash long flags (-image-dir, -sd) into the
// double-dash form cobra parses, and folds "-vip on" into "--vip=on" so the
// vip flag works both bare and with a value.
func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			out = append(out, args[i:]...)
			break
		}
		name, value, hasValue := splitFlag(arg)
		if name == "" {
			out = append(out, arg)
			continue
		}
		long := name
		if alias, ok := shortAliases[name]; ok {
			long = alias
		} else if name == "v" {
			long = "vip"
		} else if _, ok := longFlags[name]; !ok {
			out = append(out, arg)
			continue
		}

		if long == "vip" && !hasValue && i+1 < len(args) && isVIPValue(args[i+1]) {
			value, hasValue = args[i+1], true
			i++
		}
		if hasValue {
			out = append(out, "--"+long+"="+value)
		} else {
			out = append(out, "--"+long)
		}
	}
	return out
}

func splitFlag(arg string) (name, value string, hasValue bool) {
	if !strings.HasPrefix(arg, "-") || arg == "-" {
		return "", "", false
	}
	name = strings.TrimLeft(arg, "-")
	if idx := strings.IndexByte(name, '='); idx >= 0 {
		name, value, hasValue = name[:idx], name[idx+1:], true
	}
	return name, value, hasValue
}

func isVIPValue(arg string) bool {
	if arg == "" || strings.HasPrefix(arg, "-") {
		return false
	}
	_, err := download.ParseVIPMode(arg)
	return err == nil
}

// firstNonEmpty returns the first value that is not blank after trimming;
// flags come first, then env, then built-in defaults.
func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
