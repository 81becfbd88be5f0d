// Package auth implements the Authorization Orchestrator: it drives the
// authorization-code, implicit, and device-code flows by composing
// pkg/statestore, pkg/pkce, pkg/urlutil, pkg/jwt, and the token package,
// the way connector/oidc's LoginURL/HandleCallback pair drives an
// oauth2.Config plus an oidc.IDTokenVerifier on the teacher's server side.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/dexidp/oidcrp/pkg/jwt"
	"github.com/dexidp/oidcrp/pkg/log"
	"github.com/dexidp/oidcrp/pkg/oidcerr"
	"github.com/dexidp/oidcrp/pkg/pkce"
	"github.com/dexidp/oidcrp/pkg/statestore"
	"github.com/dexidp/oidcrp/pkg/urlutil"
	"github.com/dexidp/oidcrp/token"
)

// GrantType identifies which flow the orchestrator is configured for.
type GrantType string

const (
	AuthorizationCode GrantType = "AuthorizationCode"
	Implicit          GrantType = "Implicit"
	DeviceCode        GrantType = "DeviceCode"
	ClientCredentials GrantType = "ClientCredentials"
	RefreshToken      GrantType = "RefreshToken"
	JWTBearer         GrantType = "JWTBearer"
	SAML2Bearer       GrantType = "SAML2Bearer"
	Custom            GrantType = "Custom"
)

const defaultDeviceInterval = 5 * time.Second

// Config configures an Orchestrator.
type Config struct {
	GrantType GrantType

	ClientID    string
	RedirectURI string
	Issuer      string

	AuthorizationEndpoint       string
	DeviceAuthorizationEndpoint string
	EndSessionEndpoint          string

	Scopes    []string
	UILocales string
	AcrValues []string
	Prompt    string
	Display   string

	PKCE       bool
	PKCEMethod pkce.Method

	TokenClient *token.Client
	KeyResolver jwt.KeyResolver
	StateStore  *statestore.Store

	HTTPClient *http.Client
	Logger     log.Logger
	Now        func() time.Time

	// ClockSkew widens ID-token exp validation in verifyIDToken.
	ClockSkew time.Duration
}

// Orchestrator is the Authorization Orchestrator described by spec.md
// §4.H: it drives the state machine from IDLE through AWAITING_CALLBACK,
// EXCHANGING, VALIDATING_ID_TOKEN, to AUTHENTICATED (or a terminal error).
type Orchestrator struct {
	cfg Config
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{cfg: cfg}
}

// AuthorizationURL is the result of GetAuthorizationURL.
type AuthorizationURL struct {
	URL          string
	State        string
	CodeVerifier string
}

func supportsAuthorizationURL(g GrantType) bool {
	switch g {
	case AuthorizationCode, Implicit, DeviceCode:
		return true
	default:
		return false
	}
}

// GetAuthorizationURL generates state and nonce, optionally a PKCE pair,
// records them in the state ledger, and builds the authorization request
// URL. extra is merged in after the fixed fields.
func (o *Orchestrator) GetAuthorizationURL(ctx context.Context, extra map[string]string) (AuthorizationURL, error) {
	if !supportsAuthorizationURL(o.cfg.GrantType) {
		return AuthorizationURL{}, oidcerr.New(oidcerr.CodeInvalidGrantType,
			fmt.Sprintf("grant type %q does not support an authorization url", o.cfg.GrantType))
	}
	if o.cfg.AuthorizationEndpoint == "" {
		return AuthorizationURL{}, oidcerr.New(oidcerr.CodeConfigError, "authorization_endpoint is not configured")
	}

	state, err := urlutil.GenerateRandomString(32)
	if err != nil {
		return AuthorizationURL{}, oidcerr.Wrap(oidcerr.CodeConfigError, "failed to generate state", err)
	}
	nonce, err := urlutil.GenerateRandomString(32)
	if err != nil {
		return AuthorizationURL{}, oidcerr.Wrap(oidcerr.CodeConfigError, "failed to generate nonce", err)
	}

	var codeChallenge, codeChallengeMethod, codeVerifier string
	if o.cfg.PKCE && o.cfg.GrantType == AuthorizationCode {
		pair, err := pkce.Generate(o.cfg.PKCEMethod)
		if err != nil {
			return AuthorizationURL{}, err
		}
		codeChallenge = pair.CodeChallenge
		codeChallengeMethod = string(pair.Method)
		codeVerifier = pair.CodeVerifier
	}

	if err := o.cfg.StateStore.AddState(ctx, state, nonce, codeVerifier); err != nil {
		return AuthorizationURL{}, err
	}

	responseType := "code"
	if o.cfg.GrantType == Implicit {
		responseType = "id_token token"
	}

	// ui_locales has no place in §6's fixed authorization-url field order
	// (it's a logout-url field there), so it rides along with extra.
	if o.cfg.UILocales != "" {
		merged := make(map[string]string, len(extra)+1)
		for k, v := range extra {
			merged[k] = v
		}
		merged["ui_locales"] = o.cfg.UILocales
		extra = merged
	}

	out, err := urlutil.BuildAuthorizationURL(urlutil.AuthorizationURLParams{
		AuthorizationEndpoint: o.cfg.AuthorizationEndpoint,
		ResponseType:          responseType,
		ClientID:              o.cfg.ClientID,
		RedirectURI:           o.cfg.RedirectURI,
		Scopes:                o.cfg.Scopes,
		State:                 state,
		CodeChallenge:         codeChallenge,
		CodeChallengeMethod:   codeChallengeMethod,
		Prompt:                o.cfg.Prompt,
		Display:               o.cfg.Display,
		Nonce:                 nonce,
		AcrValues:             o.cfg.AcrValues,
		Extra:                 extra,
	})
	if err != nil {
		return AuthorizationURL{}, err
	}

	result := AuthorizationURL{URL: out, State: state}
	if codeVerifier != "" {
		result.CodeVerifier = codeVerifier
	}
	return result, nil
}

// HandleRedirect consumes the state ledger entry for returnedState,
// exchanges code for a TokenSet, and verifies any id_token against the
// ledger's recorded nonce.
func (o *Orchestrator) HandleRedirect(ctx context.Context, code, returnedState string) (*token.TokenSet, error) {
	entry, err := o.cfg.StateStore.GetStateEntry(ctx, returnedState)
	if err != nil {
		return nil, err
	}

	set, err := o.cfg.TokenClient.ExchangeAuthorizationCode(ctx, code, entry.CodeVerifier)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeTokenExchangeError, "authorization code exchange failed", err)
	}

	if set.IDToken != "" {
		if err := o.verifyIDToken(ctx, set.IDToken, entry.Nonce); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// HandleRedirectForImplicitFlow parses an implicit-flow redirect fragment
// (the part after '#'), propagates any error/error_description, requires
// access_token and state, consumes the matching ledger entry, and
// verifies id_token if present.
func (o *Orchestrator) HandleRedirectForImplicitFlow(ctx context.Context, fragment string) (*token.TokenSet, error) {
	values, err := url.ParseQuery(fragment)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeDecodeError, "failed to parse redirect fragment", err)
	}

	if errType := values.Get("error"); errType != "" {
		return nil, oidcerr.New(oidcerr.CodeTokenError, "implicit flow returned an error").
			WithContext(token.ErrorResponse{Error: errType, ErrorDescription: values.Get("error_description")})
	}

	accessToken := values.Get("access_token")
	state := values.Get("state")
	if accessToken == "" {
		return nil, oidcerr.New(oidcerr.CodeTokenError, "implicit flow response missing access_token")
	}
	if state == "" {
		return nil, oidcerr.New(oidcerr.CodeStateMissing, "implicit flow response missing state")
	}

	entry, err := o.cfg.StateStore.GetStateEntry(ctx, state)
	if err != nil {
		return nil, err
	}

	idToken := values.Get("id_token")
	if idToken != "" {
		if err := o.verifyIDToken(ctx, idToken, entry.Nonce); err != nil {
			return nil, err
		}
	}

	oauthToken := &oauth2.Token{AccessToken: accessToken, TokenType: values.Get("token_type")}
	if expiresIn := values.Get("expires_in"); expiresIn != "" {
		if secs, err := strconv.ParseInt(expiresIn, 10, 64); err == nil {
			oauthToken.Expiry = o.cfg.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	set := &token.TokenSet{Token: oauthToken, IDToken: idToken, Scope: values.Get("scope")}
	o.cfg.TokenClient.StoreTokenSet(set)
	return set, nil
}

func (o *Orchestrator) verifyIDToken(ctx context.Context, idToken, nonce string) error {
	if o.cfg.KeyResolver == nil {
		return oidcerr.New(oidcerr.CodeConfigError, "no key resolver configured to verify an id_token")
	}
	_, err := jwt.Verify(ctx, idToken, o.cfg.KeyResolver, jwt.ValidateOptions{
		ExpectedIssuer:   o.cfg.Issuer,
		ExpectedAudience: o.cfg.ClientID,
		ExpectedNonce:    nonce,
		ClockSkew:        o.cfg.ClockSkew,
		Now:              o.cfg.Now,
	})
	if err != nil {
		return oidcerr.Wrap(oidcerr.CodeIDTokenValidationError, "id_token validation failed", err)
	}
	return nil
}

// DeviceAuthorization is the response of StartDeviceAuthorization.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               time.Duration
	Interval                time.Duration
}

type rawDeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// StartDeviceAuthorization requests a device_code/user_code pair from
// device_authorization_endpoint. Only valid when configured for DeviceCode.
func (o *Orchestrator) StartDeviceAuthorization(ctx context.Context) (DeviceAuthorization, error) {
	if o.cfg.GrantType != DeviceCode {
		return DeviceAuthorization{}, oidcerr.New(oidcerr.CodeInvalidGrantType,
			fmt.Sprintf("grant type %q does not support device authorization", o.cfg.GrantType))
	}
	if o.cfg.DeviceAuthorizationEndpoint == "" {
		return DeviceAuthorization{}, oidcerr.New(oidcerr.CodeEndpointMissing, "device_authorization_endpoint is not configured")
	}

	body := urlutil.BuildURLEncodedBody(map[string]string{
		"client_id": o.cfg.ClientID,
		"scope":     strings.Join(o.cfg.Scopes, " "),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.DeviceAuthorizationEndpoint, strings.NewReader(body))
	if err != nil {
		return DeviceAuthorization{}, oidcerr.Wrap(oidcerr.CodeTokenRequestError, "failed to build device authorization request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.cfg.HTTPClient.Do(req)
	if err != nil {
		return DeviceAuthorization{}, oidcerr.Wrap(oidcerr.CodeTokenRequestError, "device authorization request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return DeviceAuthorization{}, oidcerr.Wrap(oidcerr.CodeTokenRequestError, "failed to read device authorization response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return DeviceAuthorization{}, oidcerr.New(oidcerr.CodeTokenRequestError,
			fmt.Sprintf("device authorization endpoint returned status %d", resp.StatusCode)).WithContext(string(respBody))
	}

	var raw rawDeviceAuthorization
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return DeviceAuthorization{}, oidcerr.Wrap(oidcerr.CodeTokenRequestError, "failed to parse device authorization response", err)
	}

	interval := defaultDeviceInterval
	if raw.Interval > 0 {
		interval = time.Duration(raw.Interval) * time.Second
	}
	return DeviceAuthorization{
		DeviceCode:              raw.DeviceCode,
		UserCode:                raw.UserCode,
		VerificationURI:         raw.VerificationURI,
		VerificationURIComplete: raw.VerificationURIComplete,
		ExpiresIn:               time.Duration(raw.ExpiresIn) * time.Second,
		Interval:                interval,
	}, nil
}

// PollDeviceToken polls the token endpoint for deviceCode until the user
// completes the device flow, interval elapses between attempts (growing
// by 5s on slow_down), or timeout elapses. interval defaults to 5s;
// timeout <= 0 means no deadline.
func (o *Orchestrator) PollDeviceToken(ctx context.Context, deviceCode string, interval, timeout time.Duration) (*token.TokenSet, error) {
	if interval <= 0 {
		interval = defaultDeviceInterval
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = o.cfg.Now().Add(timeout)
	}

	for {
		if !deadline.IsZero() && o.cfg.Now().After(deadline) {
			return nil, oidcerr.New(oidcerr.CodeTimeoutError, "device token polling timed out")
		}

		set, err := o.cfg.TokenClient.RequestDeviceToken(ctx, deviceCode)
		if err == nil {
			return set, nil
		}

		errCode, ok := devicePollErrorCode(err)
		if !ok {
			return nil, oidcerr.Wrap(oidcerr.CodeTokenPollingError, "device token polling failed", err)
		}

		switch errCode {
		case "authorization_pending":
			if err := sleepContext(ctx, interval); err != nil {
				return nil, err
			}
		case "slow_down":
			interval += 5 * time.Second
			if err := sleepContext(ctx, interval); err != nil {
				return nil, err
			}
		case "expired_token":
			return nil, oidcerr.New(oidcerr.CodeDeviceCodeExpired, "device code expired before authorization completed")
		default:
			return nil, oidcerr.Wrap(oidcerr.CodeTokenPollingError, "device token polling failed", err)
		}
	}
}

func devicePollErrorCode(err error) (string, bool) {
	oerr, ok := err.(*oidcerr.Error)
	if !ok {
		return "", false
	}
	errResp, ok := oerr.Context.(token.ErrorResponse)
	if !ok || errResp.Error == "" {
		return "", false
	}
	return errResp.Error, true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return oidcerr.Wrap(oidcerr.CodeAborted, "device token polling canceled", ctx.Err())
	}
}

// GetLogoutURL constructs the RP-initiated logout URL. It sends client_id,
// id_token_hint and state only; post_logout_redirect_uri, logout_hint and
// ui_locales are not added.
func (o *Orchestrator) GetLogoutURL(idTokenHint, state string) (string, error) {
	if o.cfg.EndSessionEndpoint == "" {
		return "", oidcerr.New(oidcerr.CodeEndpointMissing, "end_session_endpoint is not configured")
	}
	return urlutil.BuildLogoutURL(urlutil.LogoutURLParams{
		EndSessionEndpoint: o.cfg.EndSessionEndpoint,
		ClientID:           o.cfg.ClientID,
		IDTokenHint:        idTokenHint,
		State:              state,
	})
}

