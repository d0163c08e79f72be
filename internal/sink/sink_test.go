package sink

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pathlat/internal/capture"
	"pathlat/internal/correlate"
)

func sampleMeasurement() correlate.Measurement {
	return correlate.Measurement{
		Identifier: "a1b2c3d4-e5f6-7890-abcd-ef0123456789",
		RoleA:      capture.RoleSource,
		RoleB:      capture.RoleRelay,
		TimestampA: 1000,
		TimestampB: 3500,
		Delta:      2500 * time.Nanosecond,
		EndpointA:  "10.0.0.1:8000->10.0.0.2:9000",
		EndpointB:  "10.0.0.2:9000->10.0.0.3:8001",
	}
}

func TestCSVSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.csv")
	s, err := NewCSVSink(path)
	require.NoError(t, err)

	require.NoError(t, s.Write(sampleMeasurement()))

	// Flushed before Close: a tailing reader must see the row already.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 2)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{
		"a1b2c3d4-e5f6-7890-abcd-ef0123456789",
		"source", "relay", "1000", "3500", "2500",
		"10.0.0.1:8000->10.0.0.2:9000",
		"10.0.0.2:9000->10.0.0.3:8001",
		"false",
	}, rows[1])

	assert.NotEmpty(t, data)
}

func TestCSVSinkBadPath(t *testing.T) {
	_, err := NewCSVSink(filepath.Join(t.TempDir(), "missing", "trace.csv"))
	assert.Error(t, err)
}

func TestLogSink(t *testing.T) {
	s := &LogSink{Log: zaptest.NewLogger(t)}
	assert.NoError(t, s.Write(sampleMeasurement()))
	assert.NoError(t, s.Close())
}

type failingSink struct{ err error }

func (s *failingSink) Write(correlate.Measurement) error { return s.err }
func (s *failingSink) Close() error                      { return s.err }

type countingSink struct{ writes int }

func (s *countingSink) Write(correlate.Measurement) error { s.writes++; return nil }
func (s *countingSink) Close() error                      { return nil }

func TestTeeWritesAllDespiteError(t *testing.T) {
	boom := errors.New("boom")
	counter := &countingSink{}
	tee := Tee{&failingSink{err: boom}, counter}

	err := tee.Write(sampleMeasurement())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, counter.writes)

	assert.ErrorIs(t, tee.Close(), boom)
}
