package config

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/daszybak/kalshi/internal/kalshi/auth"
)

// RSAPrivateKey wraps *rsa.PrivateKey and implements yaml.Unmarshaler
// to decode from base64-encoded PEM.
type RSAPrivateKey struct {
	*rsa.PrivateKey
}

// UnmarshalYAML decodes a base64-encoded PEM RSA private key.
func (k *RSAPrivateKey) UnmarshalYAML(unmarshal func(any) error) error {
	var encoded string
	if err := unmarshal(&encoded); err != nil {
		return err
	}

	if encoded == "" {
		return nil
	}

	pemBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode RSA private key: base64 decode: %w", err)
	}
	key, err := auth.ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		return fmt.Errorf("decode RSA private key: %w", err)
	}

	k.PrivateKey = key
	return nil
}

// String keeps the key out of logs and printed configs.
func (k RSAPrivateKey) String() string {
	if k.PrivateKey == nil {
		return "RSAPrivateKey(unset)"
	}
	return "RSAPrivateKey(redacted)"
}

// LoadRSAPrivateKey reads a PEM encoded RSA private key from path.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't read private key %s: %w", path, err)
	}
	key, err := auth.ParsePrivateKeyPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("couldn't parse private key %s: %w", path, err)
	}
	return key, nil
}
