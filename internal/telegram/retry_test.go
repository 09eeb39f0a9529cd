package telegram

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mymmrac/telego/telegoapi"
)

func TestRetryAfterHint(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   time.Duration
		hinted bool
	}{
		{
			name: "structured parameter wins",
			err: &telegoapi.Error{
				ErrorCode:   429,
				Description: "Too Many Requests: retry after 30",
				Parameters:  &telegoapi.ResponseParameters{RetryAfter: 2},
			},
			want:   2 * time.Second,
			hinted: true,
		},
		{
			name:   "hint parsed from message text",
			err:    errors.New("Too Many Requests: retry after 7"),
			want:   7 * time.Second,
			hinted: true,
		},
		{
			name:   "fractional seconds",
			err:    errors.New("flood control: Retry After 1.5"),
			want:   1500 * time.Millisecond,
			hinted: true,
		},
		{
			name:   "wrapped error text",
			err:    fmt.Errorf("send message: %w", errors.New("retry after 3")),
			want:   3 * time.Second,
			hinted: true,
		},
		{
			name:   "no hint",
			err:    errors.New("bad request: chat not found"),
			hinted: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, hinted := retryAfterHint(tt.err)
			if hinted != tt.hinted || got != tt.want {
				t.Errorf("retryAfterHint = %v, %v, want %v, %v", got, hinted, tt.want, tt.hinted)
			}
		})
	}
}

func TestIsNotModified(t *testing.T) {
	if !isNotModified(errors.New("Bad Request: message is not modified")) {
		t.Error("not-modified error not recognized")
	}
	if isNotModified(errors.New("Bad Request: message to edit not found")) {
		t.Error("unrelated error flagged as not modified")
	}
}

func TestCallWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := callWithRetry(context.Background(), testLogger(), "sendMessage", func() error {
		calls++
		if calls < 3 {
			return errors.New("retry after 0.001")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("callWithRetry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestCallWithRetrySwallowsNotModified(t *testing.T) {
	calls := 0
	err := callWithRetry(context.Background(), testLogger(), "editMessageText", func() error {
		calls++
		return errors.New("Bad Request: message is not modified")
	})
	if err != nil {
		t.Fatalf("callWithRetry: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (treated as success)", calls)
	}
}

func TestCallWithRetryGivesUp(t *testing.T) {
	boom := errors.New("retry after 0.001")
	err := callWithRetry(context.Background(), testLogger(), "sendMessage", func() error {
		return boom
	})
	if err == nil || !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped last failure", err)
	}
}

func TestCallWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := callWithRetry(ctx, testLogger(), "sendMessage", func() error {
		return errors.New("should not matter")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
