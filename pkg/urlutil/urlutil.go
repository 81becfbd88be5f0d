// Package urlutil builds the fixed-field-order query strings and
// form-encoded bodies the authorization, logout, and token endpoints
// require, plus the base64url and random-string helpers the rest of the
// module shares. Field order matters here — url.Values.Encode() sorts
// alphabetically, which silently reorders the spec-mandated sequence — so
// this package assembles query strings by hand the way the teacher's own
// connector code builds oauth2.Config request URLs parameter by parameter
// instead of through a generic map.
package urlutil

import (
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"strings"

	pkgcrypto "github.com/dexidp/oidcrp/pkg/crypto"
	"github.com/dexidp/oidcrp/pkg/oidcerr"
)

// orderedPair is one query parameter in emission order.
type orderedPair struct {
	key   string
	value string
}

func buildQuery(pairs []orderedPair) string {
	var b strings.Builder
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

// AuthorizationURLParams carries the fields BuildAuthorizationURL emits, in
// the fixed order spec.md §6 requires.
type AuthorizationURLParams struct {
	AuthorizationEndpoint string
	ResponseType          string
	ClientID              string
	RedirectURI           string
	Scopes                []string
	State                 string
	CodeChallenge         string
	CodeChallengeMethod   string
	Prompt                string
	Display               string
	ResponseMode          string
	Nonce                 string
	AcrValues             []string
	Extra                 map[string]string
}

// BuildAuthorizationURL assembles the authorization request URL with
// fields in the order: response_type, client_id, redirect_uri, scope,
// state, code_challenge[_method], prompt, display, response_mode, nonce,
// acr_values, then any extra params. A code_challenge with no explicit
// method defaults to S256.
func BuildAuthorizationURL(p AuthorizationURLParams) (string, error) {
	if p.AuthorizationEndpoint == "" {
		return "", oidcerr.New(oidcerr.CodeURLBuildError, "authorization_endpoint must not be empty")
	}

	challengeMethod := p.CodeChallengeMethod
	if p.CodeChallenge != "" && challengeMethod == "" {
		challengeMethod = "S256"
	}

	pairs := []orderedPair{
		{"response_type", p.ResponseType},
		{"client_id", p.ClientID},
		{"redirect_uri", p.RedirectURI},
		{"scope", strings.Join(p.Scopes, " ")},
		{"state", p.State},
		{"code_challenge", p.CodeChallenge},
		{"code_challenge_method", challengeMethod},
		{"prompt", p.Prompt},
		{"display", p.Display},
		{"response_mode", p.ResponseMode},
		{"nonce", p.Nonce},
		{"acr_values", strings.Join(p.AcrValues, " ")},
	}
	for _, k := range sortedKeys(p.Extra) {
		pairs = append(pairs, orderedPair{k, p.Extra[k]})
	}

	return joinQuery(p.AuthorizationEndpoint, pairs), nil
}

// LogoutURLParams carries the fields BuildLogoutURL emits.
type LogoutURLParams struct {
	EndSessionEndpoint    string
	ClientID              string
	PostLogoutRedirectURI string
	IDTokenHint           string
	State                 string
	LogoutHint            string
	UILocales             string
}

// BuildLogoutURL assembles the RP-initiated logout URL in the order:
// client_id, post_logout_redirect_uri, id_token_hint, state, logout_hint,
// ui_locales.
func BuildLogoutURL(p LogoutURLParams) (string, error) {
	if p.EndSessionEndpoint == "" {
		return "", oidcerr.New(oidcerr.CodeURLBuildError, "end_session_endpoint must not be empty")
	}
	pairs := []orderedPair{
		{"client_id", p.ClientID},
		{"post_logout_redirect_uri", p.PostLogoutRedirectURI},
		{"id_token_hint", p.IDTokenHint},
		{"state", p.State},
		{"logout_hint", p.LogoutHint},
		{"ui_locales", p.UILocales},
	}
	return joinQuery(p.EndSessionEndpoint, pairs), nil
}

func joinQuery(base string, pairs []orderedPair) string {
	query := buildQuery(pairs)
	if query == "" {
		return base
	}
	if strings.Contains(base, "?") {
		return base + "&" + query
	}
	return base + "?" + query
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Extra params have no spec-mandated order beyond "after the fixed
	// fields", but a deterministic order keeps output reproducible for
	// callers that compare URLs in tests.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// BuildURLEncodedBody renders params as an application/x-www-form-urlencoded
// body, key=value pairs joined with "&". Both keys and values are
// percent-encoded.
func BuildURLEncodedBody(params map[string]string) string {
	keys := sortedKeys(params)
	var b strings.Builder
	for _, k := range keys {
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// Base64URLEncode encodes b as unpadded base64url, RFC 4648 §5.
func Base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Base64URLDecode decodes s as base64url, restoring padding first since
// RawURLEncoding requires an exact length and most compact-JWS producers
// omit padding.
func Base64URLDecode(s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, oidcerr.Wrap(oidcerr.CodeDecodeError, "invalid base64url input", err)
	}
	return b, nil
}

const (
	minRandomLength = 1
	maxRandomLength = 1024
)

// GenerateRandomString returns length cryptographically random bytes,
// hex-encoded. length must be within [1, 1024].
func GenerateRandomString(length int) (string, error) {
	if length < minRandomLength {
		return "", oidcerr.New(oidcerr.CodeInvalidLength, "length must be at least 1")
	}
	if length > maxRandomLength {
		return "", oidcerr.New(oidcerr.CodeLengthExceeded, "length must not exceed 1024")
	}
	b, err := pkgcrypto.RandBytes(length)
	if err != nil {
		return "", oidcerr.Wrap(oidcerr.CodeInvalidInput, "failed to generate random bytes", err)
	}
	return hex.EncodeToString(b), nil
}
