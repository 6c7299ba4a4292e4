// Package credential manages the bearer token used to authenticate against
// the relay: validation, scheduled refresh ahead of expiry, and cross-process
// coordination so that several agents sharing one credential never race on a
// single-use refresh grant.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrReauthRequired marks a terminal credential failure. The token cannot be
// refreshed; the user has to authenticate again. No automatic retry happens
// past this point.
var ErrReauthRequired = errors.New("credential refresh rejected; reauthentication required")

// Token is an access token together with its expiry.
type Token struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Validation is the credential service's answer to a validate call.
type Validation struct {
	Valid     bool          `json:"valid"`
	ExpiresIn time.Duration `json:"-"`
}

// Client is the credential service surface the lifecycle depends on.
type Client interface {
	ValidateToken(ctx context.Context, workspaceID, token string) (Validation, error)
	RefreshToken(ctx context.Context, workspaceID, token string) (Token, error)
}

// HTTPError carries a non-2xx credential service response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("credential service returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// terminal reports whether the failure cannot be fixed by retrying.
func (e *HTTPError) terminal() bool {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return true
	}
	switch e.Code {
	case "reauth_required", "invalid_grant", "token_revoked":
		return true
	}
	return false
}

// HTTPClient talks to the credential service over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8091"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) ValidateToken(ctx context.Context, workspaceID, token string) (Validation, error) {
	var out struct {
		Valid     bool  `json:"valid"`
		ExpiresIn int64 `json:"expiresIn"`
	}
	body := map[string]string{"token": token}
	path := fmt.Sprintf("/v1/workspaces/%s/token/validate", url.PathEscape(workspaceID))
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return Validation{}, err
	}
	return Validation{Valid: out.Valid, ExpiresIn: time.Duration(out.ExpiresIn) * time.Second}, nil
}

func (c *HTTPClient) RefreshToken(ctx context.Context, workspaceID, token string) (Token, error) {
	var out Token
	body := map[string]string{"token": token}
	path := fmt.Sprintf("/v1/workspaces/%s/token/refresh", url.PathEscape(workspaceID))
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.terminal() {
			return Token{}, fmt.Errorf("%w: %s", ErrReauthRequired, httpErr.Code)
		}
		return Token{}, err
	}
	if strings.TrimSpace(out.Token) == "" {
		return Token{}, errors.New("credential service returned an empty token")
	}
	return out, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
