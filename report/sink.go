// Package report delivers simulation records and run summaries to their
// consumers: CSV files, PostgreSQL, Kafka and the live dashboard.
package report

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Record is one simulated timestep, captured before the device advances.
type Record struct {
	Policy            string    `json:"policy"`
	Step              int       `json:"step"`
	ElapsedMinutes    float64   `json:"time"`
	Timestamp         time.Time `json:"timestamp"`
	Temperature       float64   `json:"fridge_temp"`
	On                bool      `json:"fridge_on"`
	Value             float64   `json:"moer"`
	Emissions         float64   `json:"lbs_co2"`
	HistoricalAverage float64   `json:"historical_avg"`
	HistoricalKnown   bool      `json:"historical_known"`
}

// Summary aggregates a finished run.
type Summary struct {
	Policy         string        `json:"policy"`
	StartedAt      time.Time     `json:"started_at"`
	Steps          int           `json:"steps"`
	TotalEmissions float64       `json:"total_emissions"`
	OnSteps        int           `json:"on_steps"`
	DutyCycle      float64       `json:"duty_cycle"`
	MinTemp        float64       `json:"min_temp"`
	MaxTemp        float64       `json:"max_temp"`
	MeanTemp       float64       `json:"mean_temp"`
	StdDevTemp     float64       `json:"stddev_temp"`
	Violations     int           `json:"violations"`
	SolverCalls    int           `json:"solver_calls"`
	Duration       time.Duration `json:"duration"`
}

// Sink consumes the records of one or more runs. Records of a run arrive in
// step order followed by its summary; records of different runs may
// interleave when runs execute in parallel.
type Sink interface {
	WriteRecord(ctx context.Context, r Record) error
	WriteSummary(ctx context.Context, s Summary) error
	Close() error
}

type namedSink struct {
	name     string
	sink     Sink
	fatal    bool
	disabled bool
}

// Multi fans records out to several sinks. A failing fatal sink aborts the
// write; a failing optional sink is logged and skipped from then on.
type Multi struct {
	mu     sync.Mutex
	sinks  []*namedSink
	logger *log.Logger
}

// NewMulti creates an empty fan-out sink.
func NewMulti(logger *log.Logger) *Multi {
	if logger == nil {
		logger = log.Default()
	}
	return &Multi{logger: logger}
}

// Add registers a sink under a name used in log messages.
func (m *Multi) Add(name string, sink Sink, fatal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, &namedSink{name: name, sink: sink, fatal: fatal})
}

// Len returns the number of registered sinks.
func (m *Multi) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sinks)
}

// each calls fn on every active sink. The lock only guards the sink list, so
// parallel runs never wait on another run's sink I/O.
func (m *Multi) each(fn func(Sink) error) error {
	m.mu.Lock()
	active := make([]*namedSink, 0, len(m.sinks))
	for _, s := range m.sinks {
		if !s.disabled {
			active = append(active, s)
		}
	}
	m.mu.Unlock()

	for _, s := range active {
		if err := fn(s.sink); err != nil {
			if s.fatal {
				return fmt.Errorf("%s sink: %w", s.name, err)
			}
			m.disable(s, err)
		}
	}
	return nil
}

func (m *Multi) disable(s *namedSink, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.disabled {
		return
	}
	s.disabled = true
	m.logger.Printf("Disabling %s sink after error: %v", s.name, err)
}

// WriteRecord delivers a record to every active sink.
func (m *Multi) WriteRecord(ctx context.Context, r Record) error {
	return m.each(func(s Sink) error { return s.WriteRecord(ctx, r) })
}

// WriteSummary delivers a summary to every active sink.
func (m *Multi) WriteSummary(ctx context.Context, s Summary) error {
	return m.each(func(sink Sink) error { return sink.WriteSummary(ctx, s) })
}

// Close closes every sink, including disabled ones.
func (m *Multi) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, s := range m.sinks {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s sink: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
