package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mymmrac/telego/telegoapi"
)

// maxSendAttempts bounds retries for one outbound Telegram call.
const maxSendAttempts = 5

// retryAfterPattern recovers the rate-limit hint when the API error does
// not carry structured parameters.
var retryAfterPattern = regexp.MustCompile(`(?i)retry after\s+(\d+(\.\d+)?)`)

// callWithRetry runs one outbound Telegram API call, honoring rate-limit
// hints and backing off exponentially otherwise. "Message is not
// modified" is swallowed as success. Context cancellation short-circuits
// silently with ctx.Err().
func callWithRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn()
		if err == nil {
			return nil
		}
		if isNotModified(err) {
			return nil
		}
		lastErr = err

		wait, hinted := retryAfterHint(err)
		if !hinted {
			wait = bo.NextBackOff()
		}
		logger.Debug("telegram: retrying call",
			"op", op, "attempt", attempt, "wait", wait, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("telegram %s failed after %d attempts: %w", op, maxSendAttempts, lastErr)
}

// isNotModified matches the edit-with-identical-content error.
func isNotModified(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

// retryAfterHint extracts the server's rate-limit wait, preferring the
// structured parameter over the message text.
func retryAfterHint(err error) (time.Duration, bool) {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) && apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
		return time.Duration(apiErr.Parameters.RetryAfter) * time.Second, true
	}
	if m := retryAfterPattern.FindStringSubmatch(err.Error()); m != nil {
		if secs, parseErr := strconv.ParseFloat(m[1], 64); parseErr == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second)), true
		}
	}
	return 0, false
}
