// Package testutil holds helpers shared by backend integration tests.
package testutil

import (
	"os"
	"testing"
)

// IntegrationEnv opts into integration tests when running in CI.
const IntegrationEnv = "STACHE_INTEGRATION_TESTS"

// SkipIfShort skips the test if running in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// RequireIntegration skips the test in short mode, and in CI unless IntegrationEnv is set.
func RequireIntegration(t *testing.T) {
	t.Helper()
	SkipIfShort(t)
	if os.Getenv(IntegrationEnv) == "" && os.Getenv("CI") != "" {
		t.Skipf("skipping integration test (set %s=1 to run)", IntegrationEnv)
	}
}

// RequireEnv returns the value of name, skipping the test when it is unset.
// Backends without a testcontainers module are pointed at an existing server this way.
func RequireEnv(t *testing.T, name string) string {
	t.Helper()
	value := os.Getenv(name)
	if value == "" {
		t.Skipf("skipping test: %s is not set", name)
	}
	return value
}
