package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	timesLine = regexp.MustCompile(`^(\d+)\s+times$`)
	procsLine = regexp.MustCompile(`^(\d+)\s+procs$`)
)

// ExtraInfo is the decomposed form of a harness "extra" annotation
type ExtraInfo struct {
	SampleCount     uint
	ConcurrencyHint uint
}

// ParseExtra decomposes annotations such as "6426163 times\n4 procs".
// It never fails: ok is false, and both fields are zero, when any line is not understood.
func ParseExtra(extra string) (info ExtraInfo, ok bool) {
	trimmed := strings.TrimSpace(extra)
	if trimmed == "" {
		return ExtraInfo{}, false
	}

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := timesLine.FindStringSubmatch(line); m != nil {
			n, err := strconv.ParseUint(m[1], 10, 64)
			if err != nil {
				return ExtraInfo{}, false
			}
			info.SampleCount = uint(n)
			continue
		}
		if m := procsLine.FindStringSubmatch(line); m != nil {
			n, err := strconv.ParseUint(m[1], 10, 64)
			if err != nil {
				return ExtraInfo{}, false
			}
			info.ConcurrencyHint = uint(n)
			continue
		}
		return ExtraInfo{}, false
	}
	return info, true
}

// FormatExtra renders sample count and concurrency hint the way the harness reports them
func FormatExtra(sampleCount, concurrencyHint uint) string {
	var lines []string
	if sampleCount > 0 {
		lines = append(lines, fmt.Sprintf("%d times", sampleCount))
	}
	if concurrencyHint > 0 {
		lines = append(lines, fmt.Sprintf("%d procs", concurrencyHint))
	}
	return strings.Join(lines, "\n")
}

// WithExtra returns the record with Extra set and its metadata fields derived from it
func (m MetricRecord) WithExtra(extra string) MetricRecord {
	m.Extra = extra
	info, _ := ParseExtra(extra)
	m.SampleCount = info.SampleCount
	m.ConcurrencyHint = info.ConcurrencyHint
	return m
}
