package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Provider is the external payment capability: send sats to a lightning
// address. Implementations must return ErrPending (with a reference when
// they have one) for outcomes that resolve asynchronously.
type Provider interface {
	SendToAddress(ctx context.Context, lightningAddress string, amountSats int64) (ref string, err error)
}

// ErrPending signals that the provider accepted the payment but has not
// resolved it yet. The payout stays pending until Reconcile is called.
var ErrPending = errors.New("payout: provider outcome pending")

type HTTPProviderConfig struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// HTTPProvider is a client for the payment bridge's JSON API.
type HTTPProvider struct {
	base   string
	apiKey string
	client *http.Client
}

func NewHTTPProvider(c HTTPProviderConfig) *HTTPProvider {
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &HTTPProvider{
		base:   c.BaseURL,
		apiKey: c.APIKey,
		client: client,
	}
}

type sendRequest struct {
	Address    string `json:"address"`
	AmountSats int64  `json:"amount_sats"`
}

type sendResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
}

func (p *HTTPProvider) SendToAddress(ctx context.Context, lightningAddress string, amountSats int64) (string, error) {
	body, err := json.Marshal(sendRequest{
		Address:    lightningAddress,
		AmountSats: amountSats,
	})
	if err != nil {
		return "", fmt.Errorf("provider: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/api/v1/payments", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		// Includes context deadline; the caller maps that to "still
		// pending", never to a settled outcome.
		return "", fmt.Errorf("provider: send: %w", err)
	}
	defer resp.Body.Close()

	var sr sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("provider: decode response (HTTP %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return sr.Reference, fmt.Errorf("provider: HTTP %d: %s", resp.StatusCode, sr.Detail)
	}

	switch sr.Status {
	case "paid":
		return sr.Reference, nil
	case "pending":
		return sr.Reference, ErrPending
	default:
		return sr.Reference, fmt.Errorf("provider: payment %s: %s", sr.Status, sr.Detail)
	}
}
