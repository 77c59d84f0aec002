package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Header is the column layout of the per-policy output files.
var Header = []string{"time", "fridge_temp", "fridge_on", "moer", "lbs_co2", "historical_avg"}

// FormatRecord renders a record as one CSV row. Temperatures keep two
// decimals, emissions keep eight, an unknown historical average is empty.
func FormatRecord(r Record) []string {
	historical := ""
	if r.HistoricalKnown {
		historical = strconv.FormatFloat(r.HistoricalAverage, 'f', -1, 64)
	}
	return []string{
		strconv.FormatFloat(r.ElapsedMinutes, 'f', -1, 64),
		strconv.FormatFloat(r.Temperature, 'f', 2, 64),
		strconv.FormatBool(r.On),
		strconv.FormatFloat(r.Value, 'f', -1, 64),
		strconv.FormatFloat(r.Emissions, 'f', 8, 64),
		historical,
	}
}

type csvFile struct {
	closer io.Closer
	writer *csv.Writer
}

// CSVSink writes every run to <dir>/<policy>.csv. A run's file is opened on
// its first record and closed once its summary is written.
type CSVSink struct {
	dir   string
	mu    sync.Mutex
	files map[string]*csvFile
	open  func(path string) (io.WriteCloser, error)
}

// NewCSVSink creates the output directory if needed.
func NewCSVSink(dir string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &CSVSink{
		dir:   dir,
		files: make(map[string]*csvFile),
		open: func(path string) (io.WriteCloser, error) {
			return os.Create(path)
		},
	}, nil
}

// Path returns the output file of a policy.
func (s *CSVSink) Path(policy string) string {
	return filepath.Join(s.dir, policy+".csv")
}

func (s *CSVSink) file(policy string) (*csvFile, error) {
	if f, ok := s.files[policy]; ok {
		return f, nil
	}

	w, err := s.open(s.Path(policy))
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	f := &csvFile{closer: w, writer: csv.NewWriter(w)}
	if err := f.writer.Write(Header); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	s.files[policy] = f
	return f, nil
}

// WriteRecord appends one row to the policy's file.
func (s *CSVSink) WriteRecord(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.file(r.Policy)
	if err != nil {
		return err
	}
	if err := f.writer.Write(FormatRecord(r)); err != nil {
		return fmt.Errorf("failed to write record %d: %w", r.Step, err)
	}
	return nil
}

// WriteSummary flushes and closes the run's file.
func (s *CSVSink) WriteSummary(ctx context.Context, sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[sum.Policy]
	if !ok {
		// empty run, still produce a file with the header
		var err error
		if f, err = s.file(sum.Policy); err != nil {
			return err
		}
	}
	delete(s.files, sum.Policy)
	return f.close()
}

// Close flushes and closes any file still open.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for policy, f := range s.files {
		if err := f.close(); err != nil && first == nil {
			first = err
		}
		delete(s.files, policy)
	}
	return first
}

func (f *csvFile) close() error {
	f.writer.Flush()
	if err := f.writer.Error(); err != nil {
		f.closer.Close()
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return f.closer.Close()
}
