package signal

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/devskill-org/aer/utils"
)

// ParseError describes a malformed row in the input series.
type ParseError struct {
	Line    int
	Column  string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d, column '%s': %s", e.Line, e.Column, e.Message)
}

// valueColumns are the accepted names of the driving-value column.
var valueColumns = []string{"moer", "value", "driving_value"}

// LoadFile reads a driving-signal CSV from disk.
func LoadFile(path string) ([]Point, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer file.Close()

	points, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return points, nil
}

// Parse reads a header row followed by (timestamp, value) rows. Extra columns are ignored.
func Parse(r io.Reader) ([]Point, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	tsCol, valCol := -1, -1
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "timestamp" {
			tsCol = i
		}
		for _, v := range valueColumns {
			if name == v {
				valCol = i
			}
		}
	}
	if tsCol < 0 {
		return nil, fmt.Errorf("header has no 'timestamp' column")
	}
	if valCol < 0 {
		return nil, fmt.Errorf("header has no value column (one of %s)", strings.Join(valueColumns, ", "))
	}

	var points []Point
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		if len(record) <= tsCol || len(record) <= valCol {
			return nil, &ParseError{Line: line, Column: header[max(tsCol, valCol)], Message: "row is too short"}
		}

		ts, err := utils.ParseTimestamp(record[tsCol])
		if err != nil {
			return nil, &ParseError{Line: line, Column: header[tsCol], Message: err.Error()}
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(record[valCol]), 64)
		if err != nil {
			return nil, &ParseError{Line: line, Column: header[valCol], Message: fmt.Sprintf("invalid number %q", record[valCol])}
		}

		points = append(points, Point{Timestamp: ts, Value: value})
	}

	if len(points) == 0 {
		return nil, fmt.Errorf("no data rows")
	}
	return points, nil
}
