// Package jwt decodes and encodes compact JWS, validates ID-token claims,
// and verifies signatures against keys resolved by pkg/jwks. Decoding is
// hand-rolled — a plain three-part split plus base64url/JSON — the way
// spec.md §4.F describes it, rather than delegated to go-jose's parser,
// so INVALID_JWT_FORMAT is raised precisely on malformed input before any
// cryptographic library is involved. Encoding and signature verification
// do use gopkg.in/square/go-jose.v2, the same library signer/vault and
// internal/jwt's teacher-side keyset verifier build on.
package jwt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/square/go-jose.v2"

	"github.com/dexidp/oidcrp/pkg/jwks"
	"github.com/dexidp/oidcrp/pkg/oidcerr"
	"github.com/dexidp/oidcrp/pkg/urlutil"
)

// Header is a decoded JWS header.
type Header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
	Kid string `json:"kid,omitempty"`
}

// Claims is a decoded JWT payload. Known claims are surfaced as typed
// fields; everything else stays reachable through Raw.
type Claims struct {
	Issuer   string      `json:"iss,omitempty"`
	Audience any         `json:"aud,omitempty"`
	Subject  string      `json:"sub,omitempty"`
	Expiry   *int64      `json:"exp,omitempty"`
	IssuedAt *int64      `json:"iat,omitempty"`
	NotBefore *int64     `json:"nbf,omitempty"`
	Nonce    string      `json:"nonce,omitempty"`
	AZP      string      `json:"azp,omitempty"`
	Raw      map[string]any `json:"-"`
}

// Decoded is the result of Decode: a parsed header and claims plus their
// raw bytes, needed by Encode/Verify to recompute the signing input.
type Decoded struct {
	Header       Header
	Claims       Claims
	HeaderBytes  []byte
	PayloadBytes []byte
	Signature    []byte
}

// Decode splits a compact JWS into header, payload, and signature.
// Exactly three dot-separated, base64url parts are required.
func Decode(token string) (Decoded, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Decoded{}, oidcerr.New(oidcerr.CodeInvalidJWTFormat,
			fmt.Sprintf("expected 3 dot-separated parts, got %d", len(parts)))
	}

	headerBytes, err := urlutil.Base64URLDecode(parts[0])
	if err != nil {
		return Decoded{}, oidcerr.Wrap(oidcerr.CodeJWTDecodeError, "failed to decode jwt header", err)
	}
	payloadBytes, err := urlutil.Base64URLDecode(parts[1])
	if err != nil {
		return Decoded{}, oidcerr.Wrap(oidcerr.CodeJWTDecodeError, "failed to decode jwt payload", err)
	}
	sig, err := urlutil.Base64URLDecode(parts[2])
	if err != nil {
		return Decoded{}, oidcerr.Wrap(oidcerr.CodeJWTDecodeError, "failed to decode jwt signature", err)
	}

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return Decoded{}, oidcerr.Wrap(oidcerr.CodeJWTDecodeError, "failed to parse jwt header", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(payloadBytes, &raw); err != nil {
		return Decoded{}, oidcerr.Wrap(oidcerr.CodeJWTDecodeError, "failed to parse jwt payload", err)
	}
	var claims Claims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return Decoded{}, oidcerr.Wrap(oidcerr.CodeJWTDecodeError, "failed to parse jwt claims", err)
	}
	claims.Raw = raw

	return Decoded{
		Header:       header,
		Claims:       claims,
		HeaderBytes:  headerBytes,
		PayloadBytes: payloadBytes,
		Signature:    sig,
	}, nil
}

// EncodeOptions parameterizes Encode.
type EncodeOptions struct {
	Alg    jose.SignatureAlgorithm
	Key    any
	Header map[string]any
}

// Encode signs a JSON-serializable payload into a compact JWS, used by the
// Token Client to build client_secret_jwt/private_key_jwt assertions.
func Encode(payload any, opts EncodeOptions) (string, error) {
	signerOpts := &jose.SignerOptions{}
	signerOpts.WithType("JWT")
	for k, v := range opts.Header {
		signerOpts.WithHeader(jose.HeaderKey(k), v)
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: opts.Alg, Key: opts.Key}, signerOpts)
	if err != nil {
		return "", oidcerr.Wrap(oidcerr.CodeJWTEncodeError, "failed to construct jwt signer", err)
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", oidcerr.Wrap(oidcerr.CodeJWTEncodeError, "failed to marshal jwt payload", err)
	}

	jws, err := signer.Sign(payloadBytes)
	if err != nil {
		return "", oidcerr.Wrap(oidcerr.CodeJWTEncodeError, "failed to sign jwt", err)
	}

	serialized, err := jws.CompactSerialize()
	if err != nil {
		return "", oidcerr.Wrap(oidcerr.CodeJWTEncodeError, "failed to serialize jwt", err)
	}
	return serialized, nil
}

// ValidateOptions parameterizes claims validation.
type ValidateOptions struct {
	ExpectedIssuer   string
	ExpectedAudience string
	ExpectedNonce    string
	// ClockSkew widens the expiry check: exp must be > now - ClockSkew.
	ClockSkew time.Duration
	// MaxFuture bounds how far into the future iat may be. Defaults to
	// 300 seconds per spec.md §4.F.
	MaxFuture time.Duration
	Now       func() time.Time
}

// ValidateClaims checks iss/aud/azp/exp/iat/nbf/nonce per spec.md §4.F.
func ValidateClaims(claims Claims, opts ValidateOptions) error {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxFuture := opts.MaxFuture
	if maxFuture <= 0 {
		maxFuture = 300 * time.Second
	}
	t := now()

	if claims.Issuer != opts.ExpectedIssuer {
		return validationError(fmt.Sprintf("unexpected issuer: got %q, want %q", claims.Issuer, opts.ExpectedIssuer))
	}

	auds := audienceList(claims.Audience)
	if !contains(auds, opts.ExpectedAudience) {
		return validationError(fmt.Sprintf("audience %v does not contain expected client id %q", auds, opts.ExpectedAudience))
	}
	if len(auds) > 1 && claims.AZP != "" && claims.AZP != opts.ExpectedAudience {
		return validationError(fmt.Sprintf("azp %q does not match expected client id %q", claims.AZP, opts.ExpectedAudience))
	}

	if claims.Expiry != nil {
		exp := time.Unix(*claims.Expiry, 0)
		if !exp.After(t.Add(-opts.ClockSkew)) {
			return validationError("token is expired")
		}
	}
	if claims.IssuedAt != nil {
		iat := time.Unix(*claims.IssuedAt, 0)
		if iat.After(t.Add(maxFuture)) {
			return validationError("token issued too far in the future")
		}
	}
	if claims.NotBefore != nil {
		nbf := time.Unix(*claims.NotBefore, 0)
		if nbf.After(t) {
			return validationError("token not yet valid")
		}
	}
	if opts.ExpectedNonce != "" && claims.Nonce != opts.ExpectedNonce {
		return validationError("nonce mismatch")
	}
	return nil
}

func validationError(msg string) error {
	return oidcerr.New(oidcerr.CodeIDTokenValidationError, msg)
}

func audienceList(aud any) []string {
	switch v := aud.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// KeyResolver resolves a verification key for a JWS header, implemented by
// pkg/jwks.Client.
type KeyResolver interface {
	GetKey(ctx context.Context, header jwks.Header) (any, error)
}

// Verify decodes token, validates its claims, resolves the signing key via
// resolver, and checks the signature. It returns the decoded claims on
// success.
func Verify(ctx context.Context, token string, resolver KeyResolver, claimOpts ValidateOptions) (Claims, error) {
	decoded, err := Decode(token)
	if err != nil {
		return Claims{}, err
	}

	if err := ValidateClaims(decoded.Claims, claimOpts); err != nil {
		return Claims{}, err
	}

	key, err := resolver.GetKey(ctx, jwks.Header{Alg: decoded.Header.Alg, Kid: decoded.Header.Kid})
	if err != nil {
		return Claims{}, err
	}

	alg := jose.SignatureAlgorithm(decoded.Header.Alg)
	if !supportedAlgorithm(alg) {
		return Claims{}, oidcerr.New(oidcerr.CodeUnsupportedAlgorithm, "unsupported jws algorithm: "+decoded.Header.Alg)
	}

	jws, err := jose.ParseSigned(token)
	if err != nil {
		return Claims{}, oidcerr.Wrap(oidcerr.CodeSignatureInvalid, "failed to parse jws for verification", err)
	}
	if _, err := jws.Verify(key); err != nil {
		return Claims{}, oidcerr.Wrap(oidcerr.CodeSignatureInvalid, "jws signature verification failed", err)
	}

	return decoded.Claims, nil
}

func supportedAlgorithm(alg jose.SignatureAlgorithm) bool {
	switch alg {
	case jose.RS256, jose.RS384, jose.RS512,
		jose.PS256, jose.PS384, jose.PS512,
		jose.ES256, jose.ES384, jose.ES512,
		jose.HS256, jose.HS384, jose.HS512:
		return true
	default:
		return false
	}
}
