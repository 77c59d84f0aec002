// Package utils provides utility functions for the AER simulator.
package utils //nolint:revive // utils is a common and acceptable package name

import (
	"fmt"
	"strings"
	"time"
)

// timestampLayouts lists the accepted driving-signal timestamp formats, most common first.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05-07:00",
}

// ParseTimestamp parses a driving-signal timestamp. Timestamps without a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
