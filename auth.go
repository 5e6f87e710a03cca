package trackkit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenExpirySkew is subtracted from the reported token lifetime so a
// token is refreshed before it actually expires mid-request.
const tokenExpirySkew = 30 * time.Second

// authenticator applies the configured authentication scheme to
// outgoing requests. For the OAuth client-credentials grant it caches
// the fetched token until shortly before expiry.
//
// Thread-safe: delivery goroutines share one authenticator.
type authenticator struct {
	cfg    AuthConfig
	apiKey string
	http   *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func newAuthenticator(cfg AuthConfig, apiKey string, client *http.Client) *authenticator {
	return &authenticator{
		cfg:    cfg,
		apiKey: apiKey,
		http:   client,
	}
}

// apply sets the scheme's headers and query parameters on the request.
func (a *authenticator) apply(ctx context.Context, req *http.Request) error {
	switch a.cfg.Method {
	case AuthNone:
		return nil

	case AuthAPIKey:
		req.Header.Set(a.cfg.HeaderName, a.apiKey)
		return nil

	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+a.cfg.BearerToken)
		return nil

	case AuthOAuth:
		token, err := a.accessToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil

	case AuthCustom:
		for k, v := range a.cfg.Headers {
			req.Header.Set(k, v)
		}
		if len(a.cfg.QueryParams) > 0 {
			query := req.URL.Query()
			for k, v := range a.cfg.QueryParams {
				query.Set(k, v)
			}
			req.URL.RawQuery = query.Encode()
		}
		return nil

	default:
		return fmt.Errorf("trackkit: unknown auth method %d", a.cfg.Method)
	}
}

// applyBody merges the custom scheme's body fields into a JSON object
// payload. Payloads that are not JSON objects pass through untouched.
// No-op for every other scheme.
func (a *authenticator) applyBody(payload []byte) []byte {
	if a.cfg.Method != AuthCustom || len(a.cfg.BodyFields) == 0 {
		return payload
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return payload
	}
	for k, v := range a.cfg.BodyFields {
		encoded, err := json.Marshal(v)
		if err != nil {
			continue
		}
		body[k] = encoded
	}
	merged, err := json.Marshal(body)
	if err != nil {
		return payload
	}
	return merged
}

// accessToken returns the cached client-credentials token, fetching a
// fresh one when missing or within the expiry skew.
func (a *authenticator) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", a.cfg.ClientID)
	form.Set("client_secret", a.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty access_token")
	}

	a.token = tokenResp.AccessToken
	lifetime := time.Duration(tokenResp.ExpiresIn) * time.Second
	if lifetime > tokenExpirySkew {
		lifetime -= tokenExpirySkew
	}
	a.tokenExpiry = time.Now().Add(lifetime)

	return a.token, nil
}

// invalidateToken drops the cached token so the next request fetches
// a fresh one. Called after a 401 on the delivery path.
func (a *authenticator) invalidateToken() {
	a.mu.Lock()
	a.token = ""
	a.tokenExpiry = time.Time{}
	a.mu.Unlock()
}
