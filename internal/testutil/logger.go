package testutil

import (
	"testing"

	"github.com/rs/zerolog"
)

// Logger returns a logger that writes to t.Log, useful when debugging a
// failing test. Most tests use zerolog.Nop().
func Logger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: &testLogWriter{t: t}, NoColor: true}).
		With().Timestamp().Logger()
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (n int, err error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}
