// Package sink provides output adapters for latency measurements: an
// append-only CSV file, a structured log, and a tee combining them.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"pathlat/internal/correlate"
)

// CSVSink appends one row per measurement and flushes after each write, so
// a consumer tailing the file sees measurements promptly. Not safe for
// concurrent use; the processor is the single writer.
type CSVSink struct {
	file *os.File
	w    *csv.Writer
}

var csvHeader = []string{
	"identifier", "role_a", "role_b", "timestamp_a_ns", "timestamp_b_ns",
	"delta_ns", "endpoint_a", "endpoint_b", "suspect",
}

// NewCSVSink creates or truncates path and writes the header row.
func NewCSVSink(path string) (*CSVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing header: %w", err)
	}
	w.Flush()
	return &CSVSink{file: f, w: w}, nil
}

func (s *CSVSink) Write(m correlate.Measurement) error {
	row := []string{
		m.Identifier,
		m.RoleA.String(),
		m.RoleB.String(),
		strconv.FormatUint(m.TimestampA, 10),
		strconv.FormatUint(m.TimestampB, 10),
		strconv.FormatInt(m.Delta.Nanoseconds(), 10),
		m.EndpointA,
		m.EndpointB,
		strconv.FormatBool(m.Suspect),
	}
	if err := s.w.Write(row); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVSink) Close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// LogSink emits one structured log line per measurement.
type LogSink struct {
	Log *zap.Logger
}

func (s *LogSink) Write(m correlate.Measurement) error {
	s.Log.Info("latency measured",
		zap.String("identifier", m.Identifier),
		zap.Stringer("role_a", m.RoleA),
		zap.Stringer("role_b", m.RoleB),
		zap.Uint64("timestamp_a_ns", m.TimestampA),
		zap.Uint64("timestamp_b_ns", m.TimestampB),
		zap.Duration("delta", m.Delta),
		zap.String("endpoint_a", m.EndpointA),
		zap.String("endpoint_b", m.EndpointB),
		zap.Bool("suspect", m.Suspect))
	return nil
}

func (s *LogSink) Close() error { return nil }

// Tee fans a measurement out to several sinks. Write returns the first
// error but still attempts every sink.
type Tee []correlate.Sink

func (t Tee) Write(m correlate.Measurement) error {
	var first error
	for _, s := range t {
		if err := s.Write(m); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t Tee) Close() error {
	var first error
	for _, s := range t {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
