package spapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/Kkasuga904/sedori/internal/transport"
)

const (
	defaultTokenEndpoint = "https://api.amazon.com/auth/o2/token"

	// Tokens are refreshed this long before they actually expire.
	tokenExpirySkew = 60 * time.Second
)

// TokenAcquisitionError means the LWA endpoint rejected the refresh
// request, or it kept failing past the retry budget.
type TokenAcquisitionError struct {
	Status int
	Detail string
}

func (e *TokenAcquisitionError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("lwa token refresh failed: status %d: %s", e.Status, e.Detail)
	}
	return "lwa token refresh failed: " + e.Detail
}

// Authenticator exchanges an LWA refresh token for access tokens and
// caches them until shortly before expiry. Refreshes are serialized so
// concurrent callers trigger at most one network exchange.
type Authenticator struct {
	endpoint     string
	clientID     string
	clientSecret string
	refreshToken string
	retry        transport.RetryPolicy
	httpc        *http.Client
	log          zerolog.Logger
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewAuthenticator(clientID, clientSecret, refreshToken string, retry transport.RetryPolicy, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		endpoint:     defaultTokenEndpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
		retry:        retry,
		httpc:        &http.Client{Timeout: 10 * time.Second},
		log:          logger.With().Str("component", "lwa").Logger(),
		now:          time.Now,
	}
}

// SetEndpoint overrides the token endpoint. Tests point it at a local
// server.
func (a *Authenticator) SetEndpoint(endpoint string) { a.endpoint = endpoint }

// GetAccessToken returns a cached token while it has more than the skew
// left, refreshing otherwise.
func (a *Authenticator) GetAccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && a.now().Before(a.expiresAt.Add(-tokenExpirySkew)) {
		return a.token, nil
	}

	token, expiresIn, err := a.refresh(ctx)
	if err != nil {
		return "", err
	}
	a.token = token
	a.expiresAt = a.now().Add(time.Duration(expiresIn) * time.Second)
	a.log.Debug().Int("expires_in", expiresIn).Msg("access token refreshed")
	return a.token, nil
}

func (a *Authenticator) refresh(ctx context.Context) (string, int, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {a.refreshToken},
		"client_id":     {a.clientID},
		"client_secret": {a.clientSecret},
	}
	encoded := form.Encode()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.retry.Base
	bo.MaxInterval = a.retry.MaxSleep
	bo.MaxElapsedTime = 0
	attempts := uint64(1)
	if a.retry.MaxAttempts > 1 {
		attempts = uint64(a.retry.MaxAttempts)
	}

	type tokenResponse struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	var parsed tokenResponse

	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(encoded))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := a.httpc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return err
			}
			var oe *net.OpError
			if errors.As(err, &oe) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("token endpoint status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(&TokenAcquisitionError{Status: resp.StatusCode, Detail: string(body)})
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(&TokenAcquisitionError{Detail: "malformed token response: " + err.Error()})
		}
		if parsed.AccessToken == "" {
			return backoff.Permanent(&TokenAcquisitionError{Detail: "token response missing access_token"})
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx))
	if err != nil {
		var tokenErr *TokenAcquisitionError
		if errors.As(err, &tokenErr) {
			return "", 0, tokenErr
		}
		return "", 0, &TokenAcquisitionError{Detail: err.Error()}
	}
	if parsed.ExpiresIn <= 0 {
		parsed.ExpiresIn = 3600
	}
	return parsed.AccessToken, parsed.ExpiresIn, nil
}
