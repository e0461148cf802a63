package binance

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Retry configuration for REST calls. Backoff doubles per attempt and is
// capped; after maxRetries the last error is returned as-is.
const (
	maxRetries     = 5
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 60 * time.Second
)

// APIError is a Binance error body: {"code":-2019,"msg":"Margin is insufficient."}
type APIError struct {
	Code       int    `json:"code"`
	Msg        string `json:"msg"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance error %d (http %d): %s", e.Code, e.StatusCode, e.Msg)
}

// ParseAPIError decodes an error response body. A body that is not the
// standard error shape is wrapped verbatim.
func ParseAPIError(statusCode int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != 0 {
		apiErr.StatusCode = statusCode
		return &apiErr
	}
	return &APIError{Code: 0, Msg: string(body), StatusCode: statusCode}
}

// IsRetryable reports whether an error is transient. Rate limits, bans and
// server errors retry; signature, permission and parameter errors do not.
func IsRetryable(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		// Network-level errors are retryable.
		return true
	}
	if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode == 418 || apiErr.StatusCode >= 500 {
		return true
	}
	switch apiErr.Code {
	case -1001, // DISCONNECTED
		-1003, // TOO_MANY_REQUESTS
		-1015, // TOO_MANY_ORDERS
		-1016: // SERVICE_SHUTTING_DOWN
		return true
	}
	return false
}

// IsPermanent reports whether an error should fail the operation without
// retry, e.g. bad credentials or insufficient margin.
func IsPermanent(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	return !IsRetryable(apiErr)
}

// retryDelay returns the backoff for an attempt with +/-25% jitter.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - (delay / 4)
}

// ParseBanUntil extracts the "banned until <ms>" timestamp from a -1003
// error message. Zero time when absent.
func ParseBanUntil(msg string) time.Time {
	idx := strings.Index(msg, "banned until ")
	if idx < 0 {
		return time.Time{}
	}
	rest := msg[idx+len("banned until "):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(rest[:end], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
