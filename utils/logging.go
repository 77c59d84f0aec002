package utils

import (
	"encoding/json"
	"io"
	"log"
	"strings"
	"time"
)

// NewLogger returns a logger writing bracketed-prefix text lines, or one JSON
// object per message when format is "json".
func NewLogger(w io.Writer, component, format string) *log.Logger {
	if format == "json" {
		return log.New(&jsonLineWriter{out: w, component: component}, "", 0)
	}
	return log.New(w, "["+component+"] ", log.LstdFlags)
}

type jsonLineWriter struct {
	out       io.Writer
	component string
	now       func() time.Time
}

type jsonLine struct {
	Time      string `json:"time"`
	Component string `json:"component"`
	Message   string `json:"msg"`
}

// Write receives exactly one formatted message per call from log.Logger.
func (j *jsonLineWriter) Write(p []byte) (int, error) {
	now := time.Now
	if j.now != nil {
		now = j.now
	}
	line, err := json.Marshal(jsonLine{
		Time:      now().UTC().Format(time.RFC3339),
		Component: j.component,
		Message:   strings.TrimRight(string(p), "\n"),
	})
	if err != nil {
		return 0, err
	}
	if _, err := j.out.Write(append(line, '\n')); err != nil {
		return 0, err
	}
	return len(p), nil
}
