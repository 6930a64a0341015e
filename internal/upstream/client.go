// Package upstream talks to the Cloud Code endpoints on behalf of linked
// accounts and turns their responses into scheduler feedback.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/pysugar/nexus-scheduler/internal/account"
	"github.com/pysugar/nexus-scheduler/internal/util"
	log "github.com/sirupsen/logrus"
)

// BaseURLs are tried in order; later entries are fallbacks for 429/403/5xx.
var BaseURLs = []string{
	"https://daily-cloudcode-pa.googleapis.com/v1internal",
	"https://cloudcode-pa.googleapis.com/v1internal",
	"https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal",
}

// DefaultUserAgent is sent unless NEXUS_ANTIGRAVITY_USER_AGENT overrides it.
const DefaultUserAgent = "antigravity/1.11.9 windows/amd64"

var ClientMetadata = map[string]string{
	"ideType":    "IDE_UNSPECIFIED",
	"platform":   "PLATFORM_UNSPECIFIED",
	"pluginType": "GEMINI",
}

func configuredUserAgent() string {
	if ua := strings.TrimSpace(os.Getenv("NEXUS_ANTIGRAVITY_USER_AGENT")); ua != "" {
		return ua
	}
	return DefaultUserAgent
}

// Client handles quota and project lookups against the upstream API.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a new upstream client
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// CodeAssist is the account profile returned by loadCodeAssist.
type CodeAssist struct {
	ProjectID string
	Tier      account.Tier
}

// LoadCodeAssist fetches the project id and subscription tier. Tier detection
// prefers paidTier, then currentTier, then the presence of a subscription
// management link.
func (c *Client) LoadCodeAssist(ctx context.Context, accessToken string) (CodeAssist, error) {
	resp, err := c.doRequestWithFallback(ctx, "loadCodeAssist", accessToken, map[string]interface{}{
		"metadata": map[string]string{"ideType": "ANTIGRAVITY"},
	})
	if err != nil {
		return CodeAssist{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CodeAssist{}, fmt.Errorf("loadCodeAssist returned %d: %s", resp.StatusCode, util.TruncateBytes(readErrorBody(resp)))
	}

	type tierInfo struct {
		ID string `json:"id"`
	}
	var result struct {
		CloudaicompanionProject string    `json:"cloudaicompanionProject"`
		PaidTier                *tierInfo `json:"paidTier"`
		CurrentTier             *tierInfo `json:"currentTier"`
		Config                  struct {
			ProjectID string `json:"projectId"`
		} `json:"codeAssistConfig"`
		ManageSubscriptionURI string `json:"manageSubscriptionUri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return CodeAssist{}, fmt.Errorf("decode loadCodeAssist: %w", err)
	}

	out := CodeAssist{ProjectID: result.CloudaicompanionProject}
	if out.ProjectID == "" {
		out.ProjectID = result.Config.ProjectID
	}
	switch {
	case result.PaidTier != nil && result.PaidTier.ID != "":
		out.Tier = account.ParseTier(result.PaidTier.ID)
	case result.CurrentTier != nil && result.CurrentTier.ID != "":
		out.Tier = account.ParseTier(result.CurrentTier.ID)
	case result.ManageSubscriptionURI != "":
		out.Tier = account.TierPro
	default:
		out.Tier = account.TierFree
	}
	return out, nil
}

// FetchQuota reads per-model remaining quota. A 403 means the provider has
// blocked the account and is reported as a forbidden snapshot, not an error.
func (c *Client) FetchQuota(ctx context.Context, accessToken, projectID string) (account.QuotaData, error) {
	payload := map[string]interface{}{}
	if projectID != "" {
		payload["project"] = projectID
	}
	resp, err := c.doRequestWithFallback(ctx, "fetchAvailableModels", accessToken, payload)
	if err != nil {
		return account.QuotaData{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return account.QuotaData{IsForbidden: true, LastUpdated: time.Now()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return account.QuotaData{}, fmt.Errorf("fetchAvailableModels returned %d: %s", resp.StatusCode, util.TruncateBytes(readErrorBody(resp)))
	}

	var result struct {
		Models map[string]struct {
			QuotaInfo *struct {
				RemainingFraction *float64 `json:"remainingFraction"`
				ResetTime         string   `json:"resetTime"`
			} `json:"quotaInfo"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return account.QuotaData{}, fmt.Errorf("decode fetchAvailableModels: %w", err)
	}

	q := account.QuotaData{LastUpdated: time.Now()}
	for name, m := range result.Models {
		if m.QuotaInfo == nil || m.QuotaInfo.RemainingFraction == nil {
			continue
		}
		mq := account.ModelQuota{
			Name:       name,
			Percentage: fractionToPercent(*m.QuotaInfo.RemainingFraction),
		}
		if t, err := time.Parse(time.RFC3339, m.QuotaInfo.ResetTime); err == nil {
			mq.ResetTime = t
		}
		q.Models = append(q.Models, mq)
	}
	slices.SortFunc(q.Models, func(a, b account.ModelQuota) int { return strings.Compare(a.Name, b.Name) })
	return q, nil
}

func fractionToPercent(f float64) int {
	pct := int(f*100 + 0.5)
	return min(max(pct, 0), 100)
}

// doRequestWithFallback tries all endpoints, falling back on 429/403/5xx.
// Responses that are abandoned for a later endpoint are closed.
func (c *Client) doRequestWithFallback(ctx context.Context, method, accessToken string, payload interface{}) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response

	for i, baseURL := range BaseURLs {
		url := fmt.Sprintf("%s:%s", baseURL, method)
		resp, err := c.doRequest(ctx, url, accessToken, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			log.Printf("⚠️ Endpoint %d (%s) failed: %v", i+1, baseURL, err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			if i > 0 {
				log.Printf("✅ Fallback to endpoint %d succeeded", i+1)
			}
			if lastResp != nil {
				lastResp.Body.Close()
			}
			return resp, nil
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden || resp.StatusCode >= 500 {
			log.Debugf("endpoint %d returned %d, trying next", i+1, resp.StatusCode)
			if lastResp != nil {
				lastResp.Body.Close()
			}
			lastResp = resp
			lastErr = fmt.Errorf("endpoint %d returned %d", i+1, resp.StatusCode)
			continue
		}
		if lastResp != nil {
			lastResp.Body.Close()
		}
		return resp, nil
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, url, accessToken string, payload interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", configuredUserAgent())
	req.Header.Set("X-Goog-Api-Client", "google-cloud-sdk vscode_cloudshelleditor/0.1")
	clientMetadataJSON, _ := json.Marshal(ClientMetadata)
	req.Header.Set("Client-Metadata", string(clientMetadataJSON))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}
