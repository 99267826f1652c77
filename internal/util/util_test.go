package util

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	attempts := 0
	cause := errors.New("bad request")

	_, err := RetryValue(context.Background(), 5, 0, func() (int, error) {
		attempts++
		return 0, Permanent(cause)
	})

	if attempts != 1 {
		t.Errorf("fn called %d times, want 1", attempts)
	}
	if !errors.Is(err, cause) || !errors.Is(err, ErrPermanent) {
		t.Errorf("error %v should match both the cause and ErrPermanent", err)
	}
}

func TestRetryValueReturnsResult(t *testing.T) {
	calls := 0
	got, err := RetryValue(context.Background(), 3, 0, func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("RetryValue = %q, %v; want ok, nil", got, err)
	}
}

func TestRetryHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, time.Hour, func() error { return errors.New("fail") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry error = %v, want context.Canceled", err)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewBurstRateLimiter(60, 2)
	now := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.lastTime = now

	if !rl.Allow() || !rl.Allow() {
		t.Fatal("expected two burst tokens")
	}
	if rl.Allow() {
		t.Fatal("bucket should be empty")
	}

	// One token per second at 60/min.
	now = now.Add(time.Second)
	if !rl.Allow() {
		t.Fatal("expected a refilled token after one second")
	}
}

func TestRateLimiterWaitCancelled(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Fatal("Wait should fail once the context expires")
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLoggerTo(&buf, "debug", "text").Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text output = %q", buf.String())
	}

	buf.Reset()
	NewLoggerTo(&buf, "info", "json").Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug record leaked at info level: %q", buf.String())
	}
	NewLoggerTo(&buf, "info", "json").Info("shown")
	if !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("json output = %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
