package binance

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestParseAPIError(t *testing.T) {
	err := ParseAPIError(400, []byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Code != -2019 {
		t.Errorf("code = %d, want -2019", apiErr.Code)
	}
	if apiErr.StatusCode != 400 {
		t.Errorf("status = %d, want 400", apiErr.StatusCode)
	}
}

func TestParseAPIErrorNonStandardBody(t *testing.T) {
	err := ParseAPIError(502, []byte(`<html>Bad Gateway</html>`))
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Code != 0 || apiErr.StatusCode != 502 {
		t.Errorf("got code=%d status=%d", apiErr.Code, apiErr.StatusCode)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &APIError{Code: -1003, StatusCode: http.StatusTooManyRequests}, true},
		{"ip ban", &APIError{Code: -1003, StatusCode: 418}, true},
		{"server error", &APIError{Code: 0, StatusCode: 503}, true},
		{"disconnected", &APIError{Code: -1001, StatusCode: 400}, true},
		{"bad signature", &APIError{Code: -1022, StatusCode: 400}, false},
		{"insufficient margin", &APIError{Code: -2019, StatusCode: 400}, false},
		{"invalid api key", &APIError{Code: -2015, StatusCode: 401}, false},
		{"network error", errors.New("connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(&APIError{Code: -2019, StatusCode: 400}) {
		t.Error("insufficient margin should be permanent")
	}
	if IsPermanent(&APIError{Code: -1003, StatusCode: 429}) {
		t.Error("rate limit should not be permanent")
	}
	if IsPermanent(errors.New("timeout")) {
		t.Error("plain network errors are not classified permanent")
	}
}

func TestRetryDelayCapped(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		d := retryDelay(attempt)
		// Cap plus max jitter.
		if d > maxRetryDelay+maxRetryDelay/4 {
			t.Errorf("attempt %d: delay %v exceeds cap", attempt, d)
		}
		if d <= 0 {
			t.Errorf("attempt %d: non-positive delay %v", attempt, d)
		}
	}
}

func TestParseBanUntil(t *testing.T) {
	msg := "Way too many requests; IP banned until 1700000000000. Please use the websocket."
	got := ParseBanUntil(msg)
	want := time.UnixMilli(1700000000000)
	if !got.Equal(want) {
		t.Errorf("ParseBanUntil = %v, want %v", got, want)
	}

	if !ParseBanUntil("no ban info here").IsZero() {
		t.Error("expected zero time for message without ban timestamp")
	}
}
