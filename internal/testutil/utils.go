package testutil

import (
	"log"
	"os"
	"testing"
)

func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(os.Stdout, "[test] ", log.LstdFlags)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}

// TestToken is an unsigned-looking JWT accepted by auth.Credential: it
// carries user-id "42" and expires far in the future.
const TestToken = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9." +
	"eyJleHAiOjQxMDI0NDQ4MDAsInVzZXItaWQiOiI0MiJ9." +
	"c2lnbmF0dXJl"
