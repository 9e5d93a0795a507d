package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepm/internal/loop"
	"github.com/stretchr/testify/require"
)

// DefaultWait bounds every Eventually in package tests.
const DefaultWait = 2 * time.Second

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// StartLoop starts an event loop stopped on test cleanup.
func (h *TestHelper) StartLoop() *loop.Loop {
	l := loop.New("test-loop", h.Logger)
	l.Start(context.Background())
	h.T.Cleanup(l.Stop)
	return l
}

// OnLoop runs fn on l and fails the test if the loop is gone.
func (h *TestHelper) OnLoop(l *loop.Loop, fn func()) {
	h.T.Helper()
	require.NoError(h.T, l.Do(fn), "event loop MUST be running")
}

// Eventually polls cond on the loop until it holds.
func (h *TestHelper) Eventually(l *loop.Loop, cond func() bool, msgAndArgs ...interface{}) {
	h.T.Helper()
	require.Eventually(h.T, func() bool {
		var ok bool
		if err := l.Do(func() { ok = cond() }); err != nil {
			return false
		}
		return ok
	}, DefaultWait, 2*time.Millisecond, msgAndArgs...)
}
