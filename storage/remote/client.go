// Package remotestore talks to a REST entitlement store.
//
//	GET /v1/accounts/{id}/entitlement  -> {"override": "...", ...}
//	PUT /v1/accounts/{id}/entitlement  <- the five advisory fields
//
// Requests are authenticated with OAuth2 client credentials when a token URL is set.
package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Config describes the remote endpoint and its credentials.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// HTTPClient is the transport used for both token and API calls.
	HTTPClient *http.Client
}

// Client implements entitlements.Store over HTTP.
type Client struct {
	base *url.URL
	http *http.Client
}

var _ entitlements.Store = (*Client)(nil)

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remotestore: unexpected status %d: %s", e.Code, e.Body)
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("remotestore: invalid base url %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if strings.TrimSpace(cfg.TokenURL) != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
		authed := cc.Client(ctx)
		authed.Timeout = hc.Timeout
		hc = authed
	}
	return &Client{base: base, http: hc}, nil
}

func (c *Client) entitlementURL(accountID string) string {
	return c.base.String() + "/v1/accounts/" + url.PathEscape(accountID) + "/entitlement"
}

type entitlementDoc struct {
	Override *string `json:"override"`
}

// GetOverride returns nil when the account is unknown (404) or has no override.
func (c *Client) GetOverride(ctx context.Context, accountID string) (*string, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("%w: account id is empty", entitlements.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.entitlementURL(accountID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, statusError(resp)
	}
	var doc entitlementDoc
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("remotestore: decode entitlement: %w", err)
	}
	if doc.Override != nil && *doc.Override == "" {
		return nil, nil
	}
	return doc.Override, nil
}

// WriteEntitlement PUTs exactly the advisory fields; the override is never sent.
func (c *Client) WriteEntitlement(ctx context.Context, accountID string, fields entitlements.SyncFields) error {
	if strings.TrimSpace(accountID) == "" {
		return fmt.Errorf("%w: account id is empty", entitlements.ErrInvalidInput)
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.entitlementURL(accountID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
