package download

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
)

// ProgressMax is the fixed denominator of progress reports: percent with two
// decimals scaled to an integer.
const ProgressMax = 10000

var progressPattern = regexp.MustCompile(`^\s*\d{2}:\d{2}:\d{2}:\s+\w+:\s+\{percent\s+files\s+transferred\s+(\d+\.\d+)%\}`)

// ParseProgress extracts the transfer percentage from an fh_loader console
// line, e.g. "12:34:56: INFO: {percent files transferred 45.50%}" -> 4550.
func ParseProgress(line string) (int64, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return int64(math.Round(percent * 100)), true
}

// scanConsoleLines is a bufio.SplitFunc that treats both '\r' and '\n' as line
// terminators, so carriage-return progress redraws are seen one by one.
func scanConsoleLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
