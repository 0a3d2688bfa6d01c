package testutils

import (
	"os"
	"testing"
)

// PostgresDSNEnv names the environment variable holding the DSN of a
// disposable PostgreSQL database for integration tests.
const PostgresDSNEnv = "COURIER_TEST_POSTGRES_DSN"

// PostgresDSN returns the test database DSN, skipping the test when none is
// configured or when running in short mode.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}
	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("Skipping PostgreSQL test: %s is not set", PostgresDSNEnv)
	}
	return dsn
}
