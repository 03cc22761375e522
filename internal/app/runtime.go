package app

import (
	"os"
	"strconv"
)

// TestModeEnv disables process startup in cmd binaries when set to a true value.
const TestModeEnv = "ODYSSEY_TEST_MODE"

// InTestMode reports whether cmd binaries should return before touching
// Postgres or Redis.
func InTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	return err == nil && on
}
