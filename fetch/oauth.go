// ABOUTME: Credential sources for the fetch client
// ABOUTME: Google OAuth tokens stored at XDG paths, or client credentials for the Connect proxy
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/google"
)

// GoogleScopes are the read-only scopes the sync strategies need.
var GoogleScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/calendar.readonly",
	"https://www.googleapis.com/auth/contacts.readonly",
}

// NewOAuthConfig creates the OAuth2 config for direct Google access.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	if redirectURL == "" {
		redirectURL = "http://localhost:8080/oauth/callback"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       GoogleScopes,
		Endpoint:     google.Endpoint,
	}
}

// TokenPath returns the XDG path of the stored token for an account.
func TokenPath(accountID string) string {
	return filepath.Join(xdg.DataHome, "mailsync", "tokens", accountID+".json")
}

// SaveToken writes the token with owner-only permissions.
func SaveToken(accountID string, token *oauth2.Token) error {
	path := TokenPath(accountID)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := json.NewEncoder(f).Encode(token); err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	return nil
}

func LoadToken(accountID string) (*oauth2.Token, error) {
	f, err := os.Open(TokenPath(accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to open token file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var token oauth2.Token
	if err := json.NewDecoder(f).Decode(&token); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return &token, nil
}

// persistingSource writes refreshed tokens back to disk.
type persistingSource struct {
	accountID string
	base      oauth2.TokenSource
	last      string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		_ = SaveToken(p.accountID, tok)
	}
	return tok, nil
}

// GoogleTokenSource loads the stored token for accountID and refreshes it as needed.
func GoogleTokenSource(ctx context.Context, cfg *oauth2.Config, accountID string) (oauth2.TokenSource, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("google OAuth credentials not configured. Set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET environment variables")
	}
	tok, err := LoadToken(accountID)
	if err != nil {
		return nil, fmt.Errorf("no stored token for account %s (run `mailsync auth`): %w", accountID, err)
	}
	src := &persistingSource{accountID: accountID, base: cfg.TokenSource(ctx, tok), last: tok.AccessToken}
	return oauth2.ReuseTokenSource(tok, src), nil
}

// ProxyTokenSource authenticates this service against the Connect proxy.
func ProxyTokenSource(ctx context.Context, clientID, clientSecret, tokenURL string) oauth2.TokenSource {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	return cfg.TokenSource(ctx)
}

// AccountTokens caches one refreshing Google token source per account.
type AccountTokens struct {
	ctx     context.Context
	cfg     *oauth2.Config
	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

func NewAccountTokens(ctx context.Context, cfg *oauth2.Config) *AccountTokens {
	return &AccountTokens{ctx: ctx, cfg: cfg, sources: make(map[string]oauth2.TokenSource)}
}

// For satisfies Options.TokensFor.
func (a *AccountTokens) For(accountID string) (oauth2.TokenSource, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if src, ok := a.sources[accountID]; ok {
		return src, nil
	}
	src, err := GoogleTokenSource(a.ctx, a.cfg, accountID)
	if err != nil {
		return nil, err
	}
	a.sources[accountID] = src
	return src, nil
}
