// Package pkce generates Proof Key for Code Exchange (RFC 7636) verifier
// and challenge pairs, grounded on the teacher's pkg/crypto.RandBytes for
// the entropy source — the same call the cartographus relying-party
// sample makes before base64url-encoding it into a code verifier.
package pkce

import (
	"crypto/sha256"
	"encoding/base64"

	pkgcrypto "github.com/dexidp/oidcrp/pkg/crypto"
	"github.com/dexidp/oidcrp/pkg/oidcerr"
)

// Method is a PKCE code_challenge_method.
type Method string

const (
	S256  Method = "S256"
	Plain Method = "plain"
)

// verifierBytes is the entropy size of a generated code verifier: 32 bytes
// (256 bits) base64url-encodes to 43 characters, within RFC 7636's
// required 43-128 character range.
const verifierBytes = 32

// Pair is a generated code_verifier/code_challenge pair.
type Pair struct {
	CodeVerifier  string
	CodeChallenge string
	Method        Method
}

// Generate produces a new Pair for the given method. An empty or
// unrecognized method fails with INVALID_PKCE_CONFIG.
func Generate(method Method) (Pair, error) {
	switch method {
	case S256, Plain:
	case "":
		return Pair{}, oidcerr.New(oidcerr.CodeInvalidPKCEConfig, "pkce method must be set when PKCE is enabled")
	default:
		return Pair{}, oidcerr.New(oidcerr.CodeInvalidPKCEConfig, "unsupported pkce method: "+string(method))
	}

	raw, err := pkgcrypto.RandBytes(verifierBytes)
	if err != nil {
		return Pair{}, oidcerr.Wrap(oidcerr.CodeInvalidPKCEConfig, "failed to generate code verifier entropy", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)

	challenge := verifier
	if method == S256 {
		sum := sha256.Sum256([]byte(verifier))
		challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	}

	return Pair{CodeVerifier: verifier, CodeChallenge: challenge, Method: method}, nil
}
