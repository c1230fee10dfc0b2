package whatsapp

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/valinor-ai/relay/internal/channels"
)

// Graph error codes that signal throttling even when the HTTP status is 400.
var rateLimitCodes = map[int]struct{}{
	4:      {},
	80007:  {},
	130429: {},
	131048: {},
	131056: {},
}

type graphErrorBody struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// classifyHTTPStatus maps a non-2xx Graph API response onto a
// *channels.SendError.
func classifyHTTPStatus(status int, body []byte, retryAfterHeader string, now time.Time) error {
	var parsed graphErrorBody
	_ = json.Unmarshal(body, &parsed)

	msg := strings.TrimSpace(parsed.Error.Message)
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	_, throttled := rateLimitCodes[parsed.Error.Code]
	switch {
	case status == http.StatusTooManyRequests || throttled:
		retryAfter, ok := parseRetryAfterDuration(retryAfterHeader, now)
		if !ok {
			retryAfter = channels.DefaultRetryAfter
		}
		return channels.NewRateLimitedError(retryAfter)
	case status == http.StatusUnauthorized:
		return channels.NewAuthInvalidError(msg)
	case status == http.StatusForbidden:
		return channels.NewPermissionDeniedError(msg)
	}

	code := strconv.Itoa(status)
	if parsed.Error.Code != 0 {
		code = strconv.Itoa(parsed.Error.Code)
	}
	return channels.NewRemoteRejectedError(code, msg)
}

func parseRetryAfterDuration(headerValue string, now time.Time) (time.Duration, bool) {
	value := strings.TrimSpace(headerValue)
	if value == "" {
		return 0, false
	}

	seconds, err := strconv.Atoi(value)
	if err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second, true
		}
		return 0, false
	}

	retryAt, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	delay := retryAt.Sub(now)
	if delay <= 0 {
		return 0, false
	}
	return delay, true
}
