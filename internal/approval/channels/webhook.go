// Package channels holds the provider-facing senders used by the approval
// coordinator. None of them wait for the human answer; answers come back
// through the callback endpoint.
package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"gate-event-core/internal/auth"
	"gate-event-core/internal/clock"
	"gate-event-core/internal/types"
)

// Signature headers sent with every webhook dispatch
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderKeyID     = "X-Key-ID"
)

// WebhookSender posts dispatch requests to a provider bridge over HTTP
type WebhookSender struct {
	httpClient *http.Client
	url        string
	signer     *auth.PayloadSigner
	clock      clock.Clock
}

// webhookResponse is the optional body a provider bridge answers with
type webhookResponse struct {
	ID string `json:"id"`
}

// NewWebhookSender creates a webhook sender. A nil or disabled signer sends
// unsigned requests.
func NewWebhookSender(url string, signer *auth.PayloadSigner, clk clock.Clock) *WebhookSender {
	return &WebhookSender{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   2,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		url:    url,
		signer: signer,
		clock:  clk,
	}
}

// Send posts the request and treats any 2xx as accepted
func (s *WebhookSender) Send(ctx context.Context, req types.DispatchRequest) (types.DispatchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return types.DispatchResult{}, fmt.Errorf("failed to marshal dispatch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return types.DispatchResult{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if s.signer.Enabled() {
		timestamp := s.clock.Now().Unix()
		signature, err := s.signer.Sign(body, timestamp)
		if err != nil {
			return types.DispatchResult{}, fmt.Errorf("failed to sign dispatch request: %w", err)
		}
		httpReq.Header.Set(HeaderSignature, signature)
		httpReq.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
		httpReq.Header.Set(HeaderKeyID, s.signer.KeyID())
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return types.DispatchResult{}, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return types.DispatchResult{}, fmt.Errorf("failed to read webhook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.DispatchResult{}, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	result := types.DispatchResult{Channel: req.Channel, Accepted: true}
	var decoded webhookResponse
	if len(respBody) > 0 && json.Unmarshal(respBody, &decoded) == nil {
		result.ProviderID = decoded.ID
	}
	return result, nil
}
