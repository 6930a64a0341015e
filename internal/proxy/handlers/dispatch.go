package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/nexus-scheduler/internal/account"
	"github.com/pysugar/nexus-scheduler/internal/logging"
	"github.com/pysugar/nexus-scheduler/internal/scheduler"
	"github.com/pysugar/nexus-scheduler/internal/upstream"
	"github.com/pysugar/nexus-scheduler/internal/util"
)

// SelectHandler hands out the credential for one upstream call. The account
// and session may also be passed as X-Nexus-Account and X-Nexus-Session.
func SelectHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scheduler.Request
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "Invalid request body")
			return
		}
		if req.PreferredAccountID == "" {
			req.PreferredAccountID = strings.TrimSpace(r.Header.Get(AccountHeader))
		}
		if req.SessionID == "" {
			req.SessionID = strings.TrimSpace(r.Header.Get(SessionHeader))
		}

		sel, err := sched.Select(r.Context(), req)
		if err != nil {
			writeSelectError(w, r, err)
			return
		}
		logging.Entry(r.Context()).WithFields(map[string]interface{}{
			"account_id": sel.AccountID,
			"model":      req.Model,
			"stage":      sel.Stage,
		}).Debug("selected account")
		writeJSON(w, http.StatusOK, sel)
	}
}

// writeSelectError renders exhaustion the way the providers do: 429 with a
// Retry-After header while some account is only rate limited, 503 otherwise.
func writeSelectError(w http.ResponseWriter, r *http.Request, err error) {
	var se *scheduler.SchedulingError
	switch {
	case errors.As(err, &se):
		if se.RetryAfter > 0 {
			secs := int(math.Ceil(se.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error": map[string]interface{}{
					"message":             se.Error(),
					"type":                "rate_limit_error",
					"code":                "no_available_account",
					"retry_after_seconds": secs,
				},
			})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": map[string]interface{}{
				"message": se.Error(),
				"type":    "overloaded_error",
				"code":    "no_available_account",
			},
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "api_error", "request cancelled")
	default:
		logging.Entry(r.Context()).Errorf("❌ Select failed: %v", err)
		writeError(w, http.StatusInternalServerError, "api_error", err.Error())
	}
}

// ReportRequest is the body of every report endpoint.
type ReportRequest struct {
	AccountID string `json:"account_id"`
	Model     string `json:"model,omitempty"`
	// RetryAfterSeconds is the provider's hint for rate-limited reports.
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
	// StatusCode, Headers and Body carry the raw upstream response for the
	// outcome report.
	StatusCode int               `json:"status_code,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	// TransportError is set when the upstream call failed without a response.
	TransportError string             `json:"transport_error,omitempty"`
	Quota          *account.QuotaData `json:"quota,omitempty"`
}

// ReportHandler feeds a confirmed upstream outcome back to the scheduler.
// The kind is one of success, rate-limited, error, quota or outcome; the
// last classifies a raw upstream response.
func ReportHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReportRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "Invalid request body")
			return
		}
		if _, err := sched.Store().Get(req.AccountID); err != nil {
			writeAccountError(w, r, err)
			return
		}

		resp := map[string]interface{}{"status": "ok"}
		switch kind := chi.URLParam(r, "kind"); kind {
		case "success":
			sched.ReportSuccess(req.AccountID)
		case "rate-limited":
			retryAfter := time.Duration(req.RetryAfterSeconds * float64(time.Second))
			resp["reset_at"] = sched.ReportRateLimited(req.AccountID, req.Model, retryAfter)
		case "error":
			resp["circuit_open"] = sched.ReportError(req.AccountID)
		case "quota":
			if req.Quota == nil {
				writeError(w, http.StatusBadRequest, "invalid_request_error", "quota is required")
				return
			}
			changed, err := sched.ReportQuota(r.Context(), req.AccountID, *req.Quota)
			if err != nil {
				writeAccountError(w, r, err)
				return
			}
			resp["protected_models_changed"] = changed
		case "outcome":
			o := upstream.Classify(req.upstreamResponse())
			if o.Kind != upstream.KindSuccess && req.Body != "" {
				logging.Entry(r.Context()).WithField("account_id", req.AccountID).
					Debugf("upstream %d: %s", req.StatusCode, util.TruncateLog(req.Body, util.DefaultLogMaxLen))
			}
			upstream.Report(sched, req.AccountID, req.Model, o)
			resp["outcome"] = o.Kind.String()
			if o.Kind == upstream.KindRateLimited {
				resp["retry_after_seconds"] = o.RetryAfter.Seconds()
				resp["account_wide"] = o.AccountWide
			}
		default:
			writeError(w, http.StatusNotFound, "not_found_error", fmt.Sprintf("unknown report kind %q", kind))
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// upstreamResponse rebuilds the dispatcher's upstream response for Classify.
func (req ReportRequest) upstreamResponse() (*http.Response, error) {
	if req.TransportError == context.Canceled.Error() {
		return nil, context.Canceled
	}
	if req.TransportError != "" {
		return nil, errors.New(req.TransportError)
	}
	h := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: req.StatusCode,
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader([]byte(req.Body))),
	}, nil
}
