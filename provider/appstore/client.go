// Package appstore adapts the App Store Server API and Server Notifications
// v2 to the provider interfaces. Every record it produces is unverified; the
// signed transaction travels in PurchaseRecord.SignedPayload.
package appstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
	jwtkit "github.com/PaulFidika/entitlekit/jwt"
)

const (
	ProductionURL = "https://api.storekit.itunes.apple.com"
	SandboxURL    = "https://api.storekit-sandbox.itunes.apple.com"
)

// Client calls the App Store Server API with short-lived ES256 bearer tokens.
type Client struct {
	baseURL string
	signer  jwtkit.Signer
	http    *http.Client
}

// ClientOpt configures a Client.
type ClientOpt func(*Client)

// WithBaseURL points the client at another host, e.g. SandboxURL or a test server.
func WithBaseURL(u string) ClientOpt {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(hc *http.Client) ClientOpt {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func NewClient(signer jwtkit.Signer, opts ...ClientOpt) *Client {
	c := &Client{baseURL: ProductionURL, signer: signer, http: &http.Client{Timeout: 20 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type statusResponse struct {
	Environment string `json:"environment"`
	BundleID    string `json:"bundleId"`
	Data        []struct {
		SubscriptionGroupIdentifier string `json:"subscriptionGroupIdentifier"`
		LastTransactions            []struct {
			OriginalTransactionID string `json:"originalTransactionId"`
			SignedTransactionInfo string `json:"signedTransactionInfo"`
			SignedRenewalInfo     string `json:"signedRenewalInfo"`
		} `json:"lastTransactions"`
	} `json:"data"`
}

// SubscriptionStatuses returns the latest signed transaction of every
// subscription group for the given transaction, with its signed renewal info.
// The unsigned per-group status is not returned; only signed data is trusted.
func (c *Client) SubscriptionStatuses(ctx context.Context, transactionID string) ([]entitlements.PurchaseRecord, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, fmt.Errorf("%w: transaction id is empty", entitlements.ErrInvalidInput)
	}
	if c.signer == nil {
		return nil, fmt.Errorf("appstore: no api signer configured")
	}
	token, err := c.signer.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("appstore: sign api token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/inApps/v1/subscriptions/"+url.PathEscape(transactionID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("appstore: subscription statuses: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("appstore: subscription statuses: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var body statusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("appstore: decode subscription statuses: %w", err)
	}

	var out []entitlements.PurchaseRecord
	for _, group := range body.Data {
		for _, tx := range group.LastTransactions {
			if tx.SignedTransactionInfo == "" {
				continue
			}
			out = append(out, entitlements.PurchaseRecord{
				OriginalTransactionID: tx.OriginalTransactionID,
				SignedPayload:         tx.SignedTransactionInfo,
				SignedRenewalInfo:     tx.SignedRenewalInfo,
			})
		}
	}
	return out, nil
}
