// Package records talks to the records-management system's user directory.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/recordwise/regent/internal/domain"
	"github.com/recordwise/regent/internal/logging"
)

const defaultTimeout = 10 * time.Second

// maxResponseSize bounds directory responses (1 MB).
const maxResponseSize = 1 << 20

// Profile is a user's standing in the records system.
type Profile struct {
	Exists      bool   `json:"exists"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
}

// Client looks up users against the records-management API.
type Client struct {
	baseURL string
	client  *http.Client
	log     *logging.Logger
}

// New creates a directory client for the API at baseURL.
func New(baseURL string, client *http.Client, log *logging.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log.Sub("records"),
	}
}

// Lookup resolves email to a profile. An unregistered user is not an
// error: the profile comes back with Exists false.
func (c *Client) Lookup(ctx context.Context, email string) (Profile, error) {
	if email == "" {
		return Profile{}, domain.E(domain.CodeInvalidCredential, "no email to look up")
	}

	endpoint := fmt.Sprintf("%s/api/users/lookup?email=%s", c.baseURL, url.QueryEscape(email))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("building lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Profile{}, domain.Wrap(domain.CodeUpstreamUnavailable, "records system is unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.log.Debug().Str("email", email).Msg("user not found in records system")
		return Profile{Exists: false}, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Profile{}, domain.E(domain.CodeUpstreamUnavailable,
			fmt.Sprintf("records system returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Profile{}, domain.Wrap(domain.CodeUpstreamUnavailable, "reading records response", err)
	}

	// A 200 means the user exists unless the body says otherwise.
	var raw struct {
		Exists      *bool  `json:"exists"`
		Role        string `json:"role"`
		DisplayName string `json:"display_name"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Profile{}, domain.Wrap(domain.CodeUpstreamUnavailable, "records system sent a malformed response", err)
	}
	p := Profile{Exists: true, Role: raw.Role, DisplayName: raw.DisplayName}
	if raw.Exists != nil {
		p.Exists = *raw.Exists
	}
	return p, nil
}

// VerifyUser reports whether email belongs to a registered user.
func (c *Client) VerifyUser(ctx context.Context, email string) (bool, error) {
	p, err := c.Lookup(ctx, email)
	if err != nil {
		return false, err
	}
	return p.Exists, nil
}
