// ABOUTME: Google OAuth setup for direct mode
// ABOUTME: Runs the browser consent flow and stores the account's token under XDG data
package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/harperreed/mailsync/db"
	"github.com/harperreed/mailsync/fetch"
)

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Connect an account to Google (direct mode only)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Usage: "account id", Required: true},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Minute, Usage: "how long to wait for the browser"},
			&cli.BoolFlag{Name: "no-browser", Usage: "print the URL without opening a browser"},
		},
		Action: authAction,
	}
}

func authAction(c *cli.Context) error {
	env, err := openEnv(c)
	if err != nil {
		return err
	}
	defer env.Close()

	if env.cfg.Fetch.ProxyMode() {
		return fmt.Errorf("auth is only needed in direct mode; the proxy holds credentials")
	}
	if err := env.cfg.Validate(); err != nil {
		return err
	}

	account, err := db.GetAccount(c.Context, env.db, c.String("account"))
	if err != nil {
		return fmt.Errorf("failed to load account %s: %w", c.String("account"), err)
	}

	oauthCfg := fetch.NewOAuthConfig(env.cfg.Fetch.GoogleClientID, env.cfg.Fetch.GoogleClientSecret, env.cfg.Fetch.GoogleRedirectURL)
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	token, err := runConsentFlow(ctx, oauthCfg, func(authURL string) {
		fmt.Fprintln(c.App.Writer, "Opening browser for Google OAuth...")
		fmt.Fprintf(c.App.Writer, "\nIf browser doesn't open, visit this URL:\n%s\n\n", authURL)
		if !c.Bool("no-browser") {
			if err := openBrowser(authURL); err != nil {
				env.logger.Debug("failed to open browser", zap.Error(err))
			}
		}
	})
	if err != nil {
		return fmt.Errorf("OAuth flow failed: %w", err)
	}

	if err := fetch.SaveToken(account.ExternalAccountID, token); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	fmt.Fprintf(c.App.Writer, "✓ Authenticated %s\n", account.Email)
	fmt.Fprintf(c.App.Writer, "✓ Token saved to %s\n\n", fetch.TokenPath(account.ExternalAccountID))
	fmt.Fprintf(c.App.Writer, "Ready to sync! Run 'mailsync sync --account %s'.\n", account.ID)
	return nil
}

// runConsentFlow serves the redirect URL locally, hands the consent URL to
// show, and exchanges the returned code.
func runConsentFlow(ctx context.Context, cfg *oauth2.Config, show func(authURL string)) (*oauth2.Token, error) {
	redirect, err := url.Parse(cfg.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URL: %w", err)
	}

	state := uuid.NewString()
	tokens := make(chan *oauth2.Token, 1)
	errs := make(chan error, 1)
	fail := func(err error) {
		select {
		case errs <- err:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			fail(errors.New("state mismatch in OAuth callback"))
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "authorization denied", http.StatusBadRequest)
			fail(fmt.Errorf("authorization denied: %s", e))
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			fail(errors.New("no authorization code received"))
			return
		}
		token, err := cfg.Exchange(ctx, code)
		if err != nil {
			http.Error(w, "token exchange failed", http.StatusBadGateway)
			fail(fmt.Errorf("failed to exchange code: %w", err))
			return
		}
		select {
		case tokens <- token:
		default:
		}
		_, _ = fmt.Fprint(w, "Authorization successful! You can close this window.")
	})

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", redirect.Host, err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fail(err)
		}
	}()
	defer func() { _ = server.Shutdown(context.Background()) }()

	show(cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))

	select {
	case token := <-tokens:
		return token, nil
	case err := <-errs:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("timed out waiting for authorization: %w", ctx.Err())
	}
}

// openBrowser attempts to open target in the default browser.
func openBrowser(target string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{target}
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start", target}
	default:
		cmd = "xdg-open"
		args = []string{target}
	}

	return exec.Command(cmd, args...).Start()
}
