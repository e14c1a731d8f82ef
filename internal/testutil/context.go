// Package testutil holds fixtures and shared suites for reqprof tests.
package testutil

import (
	"context"
	"testing"
	"time"
)

// Context returns a context that expires after 30 seconds and is cancelled
// when the test ends.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
