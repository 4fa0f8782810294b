package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/metrics"
	"github.com/docvault/docvault/pkg/retry"
)

// RefreshMargin is how long before expiry a token is considered stale.
const RefreshMargin = time.Minute

// defaultTokenLifetime is assumed when neither expires_in nor an exp claim is present.
const defaultTokenLifetime = time.Hour

const tokenEndpoint = "POST token"

// AuthConfig holds client-credentials settings.
type AuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// TokenManager owns the access token. Acquisition is serialized: callers that
// find the token stale while another caller is refreshing it wait and reuse
// the new token.
type TokenManager struct {
	mu sync.Mutex

	cc         clientcredentials.Config
	httpClient *http.Client
	retry      retry.Config
	clock      clock.Clock

	token  string
	expiry time.Time
}

// NewTokenManager creates a token manager. Acquisition failures are retried
// with retryCfg.
func NewTokenManager(cfg AuthConfig, httpClient *http.Client, retryCfg retry.Config) *TokenManager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clk := retryCfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &TokenManager{
		cc: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		httpClient: httpClient,
		retry:      retryCfg,
		clock:      clk,
	}
}

// EnsureValid returns a token that stays valid for at least RefreshMargin,
// acquiring a new one when needed.
func (m *TokenManager) EnsureValid(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if m.token != "" && now.Add(RefreshMargin).Before(m.expiry) {
		return m.token, nil
	}

	tok, err := retry.DoWithResult(ctx, m.retry, func() (*oauth2.Token, error) {
		return m.exchange(ctx)
	})
	if err != nil {
		metrics.RecordTokenAcquisition(false)
		return "", fmt.Errorf("acquire access token: %w", err)
	}
	metrics.RecordTokenAcquisition(true)

	m.token = tok.AccessToken
	m.expiry = tokenExpiry(tok, m.clock.Now())
	logging.Debug("access token acquired",
		logging.String("expires_at", m.expiry.Format(time.RFC3339)))
	return m.token, nil
}

// Invalidate forgets token if it is still the current one. A token refreshed
// by a concurrent caller is kept.
func (m *TokenManager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == token {
		m.token = ""
		m.expiry = time.Time{}
	}
}

func (m *TokenManager) exchange(ctx context.Context) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	tok, err := m.cc.Token(ctx)
	if err == nil {
		return tok, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		e := retry.FromStatus(re.Response.StatusCode, re.Response.Header.Get("Retry-After"), tokenEndpoint, string(re.Body))
		if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusBadRequest {
			e.Err = fmt.Errorf("%w: %v", ErrUnauthorized, e.Err)
		}
		return nil, e
	}
	return nil, &retry.Error{Kind: retry.KindTransient, Endpoint: tokenEndpoint, Err: err}
}

// tokenExpiry prefers expires_in, then the JWT exp claim, then a default lifetime.
func tokenExpiry(tok *oauth2.Token, now time.Time) time.Time {
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return now.Add(defaultTokenLifetime)
}

// DiscoverTokenURL resolves the token endpoint from an OpenID Connect issuer.
func DiscoverTokenURL(ctx context.Context, issuer string, httpClient *http.Client) (string, error) {
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return "", fmt.Errorf("discover token endpoint: %w", err)
	}
	tokenURL := provider.Endpoint().TokenURL
	if tokenURL == "" {
		return "", fmt.Errorf("issuer %s advertises no token endpoint", issuer)
	}
	return tokenURL, nil
}
