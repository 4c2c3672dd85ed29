package app

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

// testModeEnv matches guard.Env; importing the guard package sets it.
const testModeEnv = "TAVOLA_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	on, err := strconv.ParseBool(os.Getenv(testModeEnv))
	testModeFlag.Store(err == nil && on)
}

// InTestMode reports whether commands should return before dialling
// postgres, redis or the event broker.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode re-reads TAVOLA_TEST_MODE after environment changes.
func RefreshTestMode() {
	testModeOnce.Do(func() {})
	detectTestMode()
}
