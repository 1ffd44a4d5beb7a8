// Package auth builds the authentication headers Kalshi expects on every
// REST request and on the websocket handshake.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"time"
)

// Credential is either an APIKey or a SessionToken.
type Credential interface {
	credential()
}

// APIKey signs requests with an RSA private key registered on the exchange.
type APIKey struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
	// RotatedAt records when the key was issued, zero if unknown.
	RotatedAt time.Time
}

// SessionToken is an opaque token obtained out of band (e.g. from a login call).
type SessionToken struct {
	Token string
}

func (APIKey) credential()       {}
func (SessionToken) credential() {}

func (k APIKey) String() string {
	return fmt.Sprintf("APIKey{KeyID: %s, PrivateKey: [redacted]}", k.KeyID)
}

// LogValue keeps key material out of structured logs.
func (k APIKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("key_id", k.KeyID),
		slog.String("private_key", "[redacted]"),
	)
}

func (SessionToken) String() string {
	return "SessionToken{[redacted]}"
}

func (SessionToken) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

// ErrorKind classifies a CredentialError.
type ErrorKind int

const (
	MissingKeyID ErrorKind = iota + 1
	MissingKey
	MalformedKey
	MissingToken
	UnsupportedCredential
)

func (k ErrorKind) String() string {
	switch k {
	case MissingKeyID:
		return "missing key id"
	case MissingKey:
		return "missing private key"
	case MalformedKey:
		return "malformed private key"
	case MissingToken:
		return "missing session token"
	case UnsupportedCredential:
		return "unsupported credential"
	default:
		return "unknown credential error"
	}
}

// CredentialError is returned when key material is absent or unusable.
// It is never retried.
type CredentialError struct {
	Kind ErrorKind
	Err  error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential: %s: %v", e.Kind, e.Err)
	}
	return "credential: " + e.Kind.String()
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// Is matches another *CredentialError of the same kind, so callers can test
// errors.Is(err, &auth.CredentialError{Kind: auth.MissingToken}).
func (e *CredentialError) Is(target error) bool {
	t, ok := target.(*CredentialError)
	return ok && t.Kind == e.Kind
}

// ParsePrivateKeyPEM decodes a PEM encoded RSA private key in PKCS#1 or
// PKCS#8 form.
func ParsePrivateKeyPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, &CredentialError{Kind: MalformedKey, Err: fmt.Errorf("no PEM block found")}
	}

	// Try PKCS#1 first, then PKCS#8
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, &CredentialError{Kind: MalformedKey, Err: fmt.Errorf("parse private key: %w", err)}
	}

	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, &CredentialError{Kind: MalformedKey, Err: fmt.Errorf("not an RSA private key")}
	}

	return key, nil
}
