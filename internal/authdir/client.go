// Package authdir talks to the external auth-identity system that owns
// credentials and the login email of record. The change-email flow keeps it in
// lockstep with the local profile row.
package authdir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 10 * time.Second

// Client updates the auth directory over its admin HTTP API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient returns a Client for the given base URL and bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

// UpdateEmail sets the login email of record for the given account.
func (c *Client) UpdateEmail(ctx context.Context, accountID, email string) error {
	raw, err := json.Marshal(map[string]string{"email": email})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/admin/users/%s/email", c.BaseURL, accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("authdir: update email failed status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}

// Noop is used when no auth directory is configured (single-system deployments):
// the profile row is the only email of record.
type Noop struct{}

// UpdateEmail is a no-op.
func (Noop) UpdateEmail(context.Context, string, string) error { return nil }
