package upstream

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryInfo represents the structured error response from Google API for 429 errors
type RetryInfo struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string            `json:"@type"`
			Reason     string            `json:"reason"`
			Domain     string            `json:"domain"`
			Metadata   map[string]string `json:"metadata"`
			RetryDelay string            `json:"retryDelay"` // e.g. "3.5s"
		} `json:"details"`
	} `json:"error"`
}

// maxErrorBody bounds how much of an error body is buffered for inspection.
const maxErrorBody = 64 << 10

// readErrorBody reads the (bounded) body and restores it for the caller.
func readErrorBody(resp *http.Response) []byte {
	if resp == nil || resp.Body == nil {
		return nil
	}
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if err != nil {
		return nil
	}
	return bodyBytes
}

func parseRetryInfo(body []byte) (RetryInfo, bool) {
	var info RetryInfo
	if len(body) == 0 || json.Unmarshal(body, &info) != nil {
		return RetryInfo{}, false
	}
	return info, true
}

// ParseRetryDelay attempts to extract a retry duration from a 429 response.
// It checks the Retry-After header first, then the Google error details.
// Returns 0 if no retry information is found. The body is restored.
func ParseRetryDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	if retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After")); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			return time.Until(t)
		}
	}

	info, ok := parseRetryInfo(readErrorBody(resp))
	if !ok {
		return 0
	}
	return retryDelayFromInfo(info)
}

func retryDelayFromInfo(info RetryInfo) time.Duration {
	for _, detail := range info.Error.Details {
		if detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
		if delay, ok := detail.Metadata["quotaResetDelay"]; ok {
			if d, err := time.ParseDuration(delay); err == nil {
				return d
			}
		}
		if delay, ok := detail.Metadata["retryDelay"]; ok {
			if d, err := time.ParseDuration(delay); err == nil {
				return d
			}
		}
	}
	return 0
}
