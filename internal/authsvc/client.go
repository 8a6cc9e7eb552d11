package authsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mcpgate/pkg/logging"
)

// ErrInvalidToken is returned when the validation service rejects the
// token. Callers translate it into a 401.
var ErrInvalidToken = errors.New("invalid or expired token")

// Identity is what the validation service knows about a caller.
type Identity struct {
	UserID        string   `json:"user_id"`
	RoleName      string   `json:"role"`
	ServiceGrants []string `json:"service_grants"`
}

// Validator is the interface the gateway programs against.
type Validator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// Client validates tokens against the external auth service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a validation client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Validate asks the auth service who the token belongs to. A 401 or
// 403 from the service means the token is bad; any other failure is a
// service problem and surfaces as an ordinary error so callers can
// distinguish "denied" from "unavailable".
func (c *Client) Validate(ctx context.Context, token string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/auth/validate", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth service unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		logging.Debug("AuthSvc", "Token %s rejected with status %d", logging.TruncateToken(token), resp.StatusCode)
		return nil, ErrInvalidToken
	default:
		return nil, fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}

	var identity Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("failed to decode auth response: %w", err)
	}
	if identity.UserID == "" {
		return nil, fmt.Errorf("auth response missing user_id")
	}
	return &identity, nil
}
