// Package testing switches the process into test mode when imported by a test binary.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

// testEnv keeps tests away from live collaborators.
var testEnv = map[string]string{
	"ODYSSEY_TEST_MODE": "1",
	"GOTENBERG_URL":     "http://127.0.0.1:0",
	"LOG_FORMAT":        "json",
}

func ensureTestMode() {
	once.Do(func() {
		for key, value := range testEnv {
			if key == "ODYSSEY_TEST_MODE" || os.Getenv(key) == "" {
				_ = os.Setenv(key, value)
			}
		}
	})
}

func init() {
	ensureTestMode()
}

// TestMain lets a package reuse the test-mode setup as its own TestMain.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
