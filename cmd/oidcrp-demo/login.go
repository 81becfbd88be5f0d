package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dexidp/oidcrp"
	"github.com/dexidp/oidcrp/pkg/pkce"
)

type loginOptions struct {
	clientID     string
	clientSecret string
	discoveryURL string
	redirectURI  string
	listen       string
	scopes       []string
}

// commandLogin runs an Authorization-Code + PKCE flow against a real IdP,
// spinning up a local callback listener the way cmd/example-app does.
func commandLogin() *cobra.Command {
	opts := loginOptions{}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Run an authorization-code + PKCE login against an OpenID Provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.clientID, "client-id", "", "OAuth2 client ID")
	flags.StringVar(&opts.clientSecret, "client-secret", "", "OAuth2 client secret")
	flags.StringVar(&opts.discoveryURL, "issuer", "", "OpenID Provider issuer URL")
	flags.StringVar(&opts.redirectURI, "redirect-uri", "http://127.0.0.1:5555/callback", "Registered redirect URI")
	flags.StringVar(&opts.listen, "listen", "127.0.0.1:5555", "Address the callback listener binds to")
	flags.StringSliceVar(&opts.scopes, "scope", []string{"openid", "profile"}, "Requested scopes")

	return cmd
}

func runLogin(ctx context.Context, opts loginOptions) error {
	client, err := oidcrp.New(ctx, oidcrp.Config{
		ClientID:     opts.clientID,
		ClientSecret: opts.clientSecret,
		RedirectURI:  opts.redirectURI,
		DiscoveryURL: opts.discoveryURL,
		GrantType:    oidcrp.AuthorizationCode,
		Scopes:       opts.scopes,
		PKCE:         true,
		PKCEMethod:   pkce.S256,
	})
	if err != nil {
		return errors.Wrap(err, "build client")
	}

	authURL, err := client.GetAuthorizationURL(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "build authorization url")
	}

	redirectPath, err := url.Parse(opts.redirectURI)
	if err != nil {
		return errors.Wrap(err, "parse redirect-uri")
	}

	result := make(chan error, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(redirectPath.Path, func(w http.ResponseWriter, r *http.Request) {
		correlationID := uuid.New().String()
		set, err := client.HandleRedirect(r.Context(), r.URL.Query().Get("code"), r.URL.Query().Get("state"))
		if err != nil {
			fmt.Fprintf(w, "login failed [%s]: %v", correlationID, err)
			result <- err
			return
		}
		fmt.Fprintf(w, "login succeeded, access token expires %s. You may close this tab.", set.Expiry)
		result <- nil
	})

	server := &http.Server{Addr: opts.listen, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintln(os.Stderr, "callback listener:", err)
		}
	}()
	defer server.Close()

	fmt.Fprintln(os.Stdout, "open this URL in a browser to continue:")
	fmt.Fprintln(os.Stdout, authURL.URL)

	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Minute):
		return errors.New("timed out waiting for callback")
	case <-ctx.Done():
		return ctx.Err()
	}
}
