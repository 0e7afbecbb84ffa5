// Package testutil holds helpers shared by jobcoord tests.
package testutil

import (
	"os"
	"testing"
	"time"
)

// SkipIfShort skips the test if running in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping slow test in short mode")
	}
}

// RequireIntegration skips the test unless INTEGRATION_TESTS=1 is set.
// Integration tests start containers and need a Docker daemon.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("skipping integration test (set INTEGRATION_TESTS=1 to run)")
	}
}

// Eventually polls cond every few milliseconds until it holds or timeout
// passes, then fails the test with msg.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s: %s", timeout, msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
