package sentryx

import (
	"errors"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
)

// Without SENTRY_DSN set, Init leaves the package disabled and every capture
// call must be a safe no-op rather than touch the network.
func Test_CaptureCallsAreNoOpsWithoutInit(t *testing.T) {
	CaptureError(errors.New("boom"), "something failed")
	CaptureError(nil, "nil error is ignored")
	CaptureMessage(sentry.LevelWarning, "warn %s", "message")
	Flush(10 * time.Millisecond)
}

func Test_EnvOr_FallsBackWhenUnset(t *testing.T) {
	t.Setenv("SENTRYX_TEST_KEY", "")
	if got := envOr("SENTRYX_TEST_KEY", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func Test_EnvOr_PrefersSetValue(t *testing.T) {
	t.Setenv("SENTRYX_TEST_KEY", "explicit")
	if got := envOr("SENTRYX_TEST_KEY", "fallback"); got != "explicit" {
		t.Fatalf("expected explicit value, got %q", got)
	}
}
