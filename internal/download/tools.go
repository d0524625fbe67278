package download

import (
	"io"
	"path/filepath"
	"runtime"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// Tools describes the vendor executables and the platform conventions used to
// talk to them. Build it with DefaultTools and pass it down explicitly.
type Tools struct {
	Dir      string
	Sahara   string
	FhLoader string

	// PortPrefix is prepended to a device identity to form the port argument.
	PortPrefix   string
	ZlpAwareHost bool
	// Encoding of the tools' console output; nil means UTF-8.
	Encoding encoding.Encoding

	SignedDigestsCandidates  []string
	ChainedDigestsCandidates []string
}

// DefaultTools returns the tool layout for the running platform.
func DefaultTools(dir string) Tools {
	return toolsFor(runtime.GOOS, dir)
}

func toolsFor(goos, dir string) Tools {
	switch goos {
	case "windows":
		return Tools{
			Dir:          dir,
			Sahara:       filepath.Join(dir, "QSaharaServer.exe"),
			FhLoader:     filepath.Join(dir, "fh_loader.exe"),
			PortPrefix:   `\\.\`,
			ZlpAwareHost: true,
			Encoding:     simplifiedchinese.GBK,
			SignedDigestsCandidates: []string{
				"DigestsSignedZlpAwareHost.bin.mbn",
				"DigestsSigned.bin.mbn",
				"DigestsToSign.bin.mbn",
			},
			ChainedDigestsCandidates: []string{
				"ChainedTableOfDigestsZlpAwareHost.bin",
				"ChainedTableOfDigests.bin",
			},
		}
	default:
		prefix := ""
		if goos == "linux" {
			prefix = "/dev/"
		}
		return Tools{
			Dir:        dir,
			Sahara:     filepath.Join(dir, "QSaharaServer"),
			FhLoader:   filepath.Join(dir, "fh_loader"),
			PortPrefix: prefix,
			SignedDigestsCandidates: []string{
				"DigestsSigned.bin.mbn",
				"DigestsToSign.bin.mbn",
			},
			ChainedDigestsCandidates: []string{
				"ChainedTableOfDigests.bin",
			},
		}
	}
}

// PortParam converts a device identity into the tools' port argument.
func (t Tools) PortParam(port string) string {
	return t.PortPrefix + port
}

func (t Tools) zlpAwareHostParam() string {
	if t.ZlpAwareHost {
		return "1"
	}
	return "0"
}

func (t Tools) decode(r io.Reader) io.Reader {
	if t.Encoding == nil {
		return r
	}
	return transform.NewReader(r, t.Encoding.NewDecoder())
}
