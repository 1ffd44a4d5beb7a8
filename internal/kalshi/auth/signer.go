package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderKeyID         = "KALSHI-ACCESS-KEY"
	HeaderTimestamp     = "KALSHI-ACCESS-TIMESTAMP"
	HeaderSignature     = "KALSHI-ACCESS-SIGNATURE"
	HeaderAuthorization = "Authorization"
)

// Signer produces request headers for one credential. It holds no mutable
// state and is safe for concurrent use.
type Signer struct {
	cred Credential
	now  func() time.Time
}

type SignerOption func(*Signer)

// WithClock overrides the clock used for the signed timestamp.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner validates cred and returns a Signer for it.
func NewSigner(cred Credential, opts ...SignerOption) (*Signer, error) {
	if err := validate(cred); err != nil {
		return nil, err
	}
	s := &Signer{cred: cred, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func validate(cred Credential) error {
	switch c := cred.(type) {
	case APIKey:
		if c.KeyID == "" {
			return &CredentialError{Kind: MissingKeyID}
		}
		if c.PrivateKey == nil {
			return &CredentialError{Kind: MissingKey}
		}
		if err := c.PrivateKey.Validate(); err != nil {
			return &CredentialError{Kind: MalformedKey, Err: err}
		}
	case SessionToken:
		if c.Token == "" {
			return &CredentialError{Kind: MissingToken}
		}
	default:
		return &CredentialError{Kind: UnsupportedCredential, Err: fmt.Errorf("%T", cred)}
	}
	return nil
}

// Headers returns the authentication headers for a request. path must start
// with a slash; any query string is dropped before signing.
func (s *Signer) Headers(method, path string) (http.Header, error) {
	h := make(http.Header, 3)
	switch c := s.cred.(type) {
	case APIKey:
		ts := strconv.FormatInt(s.now().UnixMilli(), 10)
		sig, err := Sign(c.PrivateKey, ts, method, path)
		if err != nil {
			return nil, err
		}
		h.Set(HeaderKeyID, c.KeyID)
		h.Set(HeaderTimestamp, ts)
		h.Set(HeaderSignature, sig)
	case SessionToken:
		if c.Token == "" {
			return nil, &CredentialError{Kind: MissingToken}
		}
		h.Set(HeaderAuthorization, c.Token)
	default:
		return nil, &CredentialError{Kind: UnsupportedCredential, Err: fmt.Errorf("%T", s.cred)}
	}
	return h, nil
}

// Payload is the exact byte string that gets signed:
// timestamp, upper-case method and path without query, with no separators.
func Payload(timestamp, method, path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return timestamp + strings.ToUpper(method) + path
}

// Sign returns the base64 RSA-PSS SHA-256 signature of the payload built from
// timestamp, method and path. The salt length equals the digest length.
func Sign(key *rsa.PrivateKey, timestamp, method, path string) (string, error) {
	if key == nil {
		return "", &CredentialError{Kind: MissingKey}
	}
	digest := sha256.Sum256([]byte(Payload(timestamp, method, path)))
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", &CredentialError{Kind: MalformedKey, Err: fmt.Errorf("sign: %w", err)}
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
