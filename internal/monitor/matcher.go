// Package monitor watches a running session's output for progress and
// completion markers.
package monitor

import (
	"fmt"
	"strconv"
	"strings"

	regexp "github.com/wasilibs/go-re2"
)

const (
	// DefaultProgressPattern matches nmap's periodic "--stats-every" lines.
	DefaultProgressPattern = `About ([0-9]+(?:\.[0-9]+)?)% done`
	// DefaultDoneMarker is printed by nmap once a scan has finished.
	DefaultDoneMarker = "Nmap done"
)

// Matcher extracts progress and completion from accumulated session output.
type Matcher interface {
	// Progress returns the latest completion percentage found in output.
	Progress(output string) (int, bool)
	// Done reports whether output contains the completion marker.
	Done(output string) bool
}

// PatternMatcher is a Matcher driven by a percentage pattern with one
// capture group and a literal done marker.
type PatternMatcher struct {
	progress *regexp.Regexp
	done     string
}

// NewPatternMatcher compiles progressPattern. The pattern's first capture
// group must hold the number preceding the percent sign.
func NewPatternMatcher(progressPattern, doneMarker string) (*PatternMatcher, error) {
	if progressPattern == "" {
		progressPattern = DefaultProgressPattern
	}
	if doneMarker == "" {
		doneMarker = DefaultDoneMarker
	}
	re, err := regexp.Compile(progressPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid progress pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("progress pattern %q has no capture group", progressPattern)
	}
	return &PatternMatcher{progress: re, done: doneMarker}, nil
}

// DefaultMatcher returns the matcher for nmap output.
func DefaultMatcher() *PatternMatcher {
	m, err := NewPatternMatcher(DefaultProgressPattern, DefaultDoneMarker)
	if err != nil {
		panic(err)
	}
	return m
}

// Progress implements Matcher. The last match wins; values are truncated
// and clamped to 0..100.
func (m *PatternMatcher) Progress(output string) (int, bool) {
	matches := m.progress.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return 0, false
	}
	last := matches[len(matches)-1]
	if len(last) < 2 {
		return 0, false
	}
	value, err := strconv.ParseFloat(last[1], 64)
	if err != nil {
		return 0, false
	}
	switch {
	case value < 0:
		value = 0
	case value > 100:
		value = 100
	}
	return int(value), true
}

// Done implements Matcher.
func (m *PatternMatcher) Done(output string) bool {
	return strings.Contains(output, m.done)
}
