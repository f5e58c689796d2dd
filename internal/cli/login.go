package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/recordwise/regent/internal/config"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

const loginTimeout = 3 * time.Minute

func newLoginCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a bearer credential from the identity provider",
		Long:  "Runs an authorization-code flow with PKCE against the configured issuer and prints the resulting bearer credential.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if cfg.Identity.Issuer == "" {
				return errors.New("identity.issuer is not configured")
			}
			if cfg.Identity.ClientID == "" {
				return errors.New("identity.clientId is not configured")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), loginTimeout)
			defer cancel()

			token, err := runLoginFlow(ctx, cfg, port)
			if err != nil {
				return err
			}

			fmt.Println(token.AccessToken)
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 8765, "local port for the authorization callback")
	return cmd
}

// runLoginFlow starts a one-shot localhost callback server, sends the user
// to the issuer's authorization page, and exchanges the returned code.
func runLoginFlow(ctx context.Context, cfg config.Config, port int) (*oauth2.Token, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("starting callback listener: %w", err)
	}
	defer listener.Close()

	conf := &oauth2.Config{
		ClientID:    cfg.Identity.ClientID,
		RedirectURL: fmt.Sprintf("http://127.0.0.1:%d/callback", port),
		Scopes:      []string{"openid", "email", "profile"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.Identity.Issuer + "/authorize",
			TokenURL: cfg.Identity.Issuer + "/oauth/token",
		},
	}

	state, err := randomState()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	type callback struct {
		code string
		err  error
	}
	results := make(chan callback, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, "Authorization failed. You can close this window.", http.StatusBadRequest)
			results <- callback{err: fmt.Errorf("authorization failed: %s (%s)", errCode, q.Get("error_description"))}
			return
		}
		if q.Get("state") != state {
			http.Error(w, "State mismatch. You can close this window.", http.StatusBadRequest)
			results <- callback{err: errors.New("authorization state mismatch")}
			return
		}
		fmt.Fprintln(w, "Signed in. You can close this window and return to the terminal.")
		results <- callback{code: q.Get("code")}
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)
	defer srv.Close()

	authURL := conf.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("audience", cfg.Identity.Audience),
	)
	fmt.Printf("Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)

	select {
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		return conf.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	case <-ctx.Done():
		return nil, errors.New("timed out waiting for authorization callback")
	}
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
