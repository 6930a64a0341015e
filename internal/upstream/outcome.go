package upstream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Kind is the scheduler-relevant class of an upstream exchange.
type Kind int

const (
	// KindIgnore is not reported: the caller abandoned the request or the
	// client sent something the upstream rejected on its own merits.
	KindIgnore Kind = iota
	KindSuccess
	KindRateLimited
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return "rate_limited"
	case KindError:
		return "error"
	}
	return "ignore"
}

// Outcome is the classified result of one upstream call.
type Outcome struct {
	Kind       Kind
	StatusCode int
	// RetryAfter is the provider's hint for KindRateLimited, zero if absent.
	RetryAfter time.Duration
	// AccountWide is set when the 429 applies to every model of the account.
	AccountWide bool
}

// Classify maps an upstream response or transport error to an Outcome. The
// response body, if inspected, is restored.
func Classify(resp *http.Response, err error) Outcome {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Outcome{Kind: KindIgnore}
		}
		return Outcome{Kind: KindError}
	}
	if resp == nil {
		return Outcome{Kind: KindError}
	}

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return Outcome{Kind: KindSuccess, StatusCode: code}
	case code == http.StatusTooManyRequests:
		out := Outcome{Kind: KindRateLimited, StatusCode: code, RetryAfter: ParseRetryDelay(resp)}
		if info, ok := parseRetryInfo(readErrorBody(resp)); ok {
			out.AccountWide = isAccountWide(info)
		}
		return out
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return Outcome{Kind: KindError, StatusCode: code}
	case code >= 500:
		return Outcome{Kind: KindError, StatusCode: code}
	default:
		return Outcome{Kind: KindIgnore, StatusCode: code}
	}
}

// isAccountWide reports a per-user rate limit as opposed to a model quota.
func isAccountWide(info RetryInfo) bool {
	for _, d := range info.Error.Details {
		reason := strings.ToUpper(d.Reason)
		if strings.Contains(reason, "QUOTA_EXHAUSTED") || strings.Contains(reason, "MODEL") {
			return false
		}
		if strings.Contains(reason, "RATE_LIMIT") || strings.Contains(reason, "USER") {
			return true
		}
	}
	return false
}

// Reporter receives confirmed outcomes. *scheduler.Scheduler implements it.
type Reporter interface {
	ReportSuccess(accountID string)
	ReportRateLimited(accountID, model string, retryAfter time.Duration) time.Time
	ReportError(accountID string) bool
}

// Report forwards o to r for the account and model that served the call.
func Report(r Reporter, accountID, model string, o Outcome) {
	switch o.Kind {
	case KindSuccess:
		r.ReportSuccess(accountID)
	case KindRateLimited:
		if o.AccountWide {
			model = ""
		}
		r.ReportRateLimited(accountID, model, o.RetryAfter)
	case KindError:
		if r.ReportError(accountID) {
			log.WithField("account_id", accountID).Warnf("🔌 Account suspended after upstream status %d", o.StatusCode)
		}
	}
}
