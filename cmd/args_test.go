package main

import (
	"reflect"
	"testing"

	"github.com/httprunner/FlashAgent/internal/download"
)

func TestNormalizeArgs(t *testing.T) {
	cases := []struct {
		in   []string
		want []string
	}{
		{
			in:   []string{"-image-dir", "img", "-trace-dir=trace", "-r"},
			want: []string{"--image-dir", "img", "--trace-dir=trace", "-r"},
		},
		{
			in:   []string{"-sd", "signed.mbn", "-cd", "chained.bin", "-dz", "-de"},
			want: []string{"--signeddigests", "signed.mbn", "--chaineddigests", "chained.bin", "--disable-zeroout", "--disable-erase"},
		},
		{
			in:   []string{"-vip", "off", "-i", "img"},
			want: []string{"--vip=off", "-i", "img"},
		},
		{
			in:   []string{"-v", "-i", "img"},
			want: []string{"--vip", "-i", "img"},
		},
		{
			in:   []string{"-n", "3", "--", "-sd"},
			want: []string{"-n", "3", "--", "-sd"},
		},
	}
	for _, tc := range cases {
		if got := normalizeArgs(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("normalizeArgs(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func parse(t *testing.T, args ...string) (*rootOptions, error) {
	t.Helper()
	opts := &rootOptions{}
	cmd := newRootCmd(opts)
	return opts, cmd.ParseFlags(normalizeArgs(args))
}

func TestRootFlagsBuildConfig(t *testing.T) {
	opts, err := parse(t,
		"-i", "images", "-t", "traces", "-r", "-n", "4", "-p", "prog_custom.elf",
		"-vip", "on", "-sd", "signed.mbn", "-cd", "chained.bin", "-dz", "-de", "--tool-dir", "/opt/tools")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := opts.config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.ImageDir != "images" || cfg.TraceDir != "traces" || !cfg.RebootOnSuccess || cfg.MaxDownloadCount != 4 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Prog != "prog_custom.elf" || cfg.VIP != download.VIPOn {
		t.Fatalf("unexpected prog/vip: %+v", cfg)
	}
	if cfg.SignedDigests != "signed.mbn" || cfg.ChainedDigests != "chained.bin" || !cfg.DisableZeroOut || !cfg.DisableErase {
		t.Fatalf("unexpected digests/toggles: %+v", cfg)
	}
	if cfg.Tools.Dir != "/opt/tools" {
		t.Fatalf("unexpected tool dir %s", cfg.Tools.Dir)
	}
}

func TestRootFlagDefaults(t *testing.T) {
	opts, err := parse(t)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg, err := opts.config()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.ImageDir == "" || cfg.TraceDir != "port_trace" || cfg.Prog != download.DefaultProg || cfg.VIP != download.VIPAuto {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxDownloadCount != 0 || cfg.PollInterval <= 0 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestRootFlagErrors(t *testing.T) {
	for _, args := range [][]string{
		{"-unknown"},
		{"-n", "many"},
		{"-i"},
	} {
		if _, err := parse(t, args...); err == nil {
			t.Fatalf("expected parse error for %v", args)
		}
	}

	opts, err := parse(t, "-vip=maybe")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := opts.config(); err == nil {
		t.Fatal("expected invalid vip mode to fail")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", " b ", "c"); got != "b" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
}
