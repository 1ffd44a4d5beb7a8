package auth

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func key(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func verify(t *testing.T, pub *rsa.PublicKey, payload, sig string) error {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(payload))
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], raw, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}

func TestPayload(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   string
	}{
		{"plain", "GET", "/trade-api/v2/portfolio/balance", "1700000000000GET/trade-api/v2/portfolio/balance"},
		{"lower method", "post", "/trade-api/v2/portfolio/orders", "1700000000000POST/trade-api/v2/portfolio/orders"},
		{"query dropped", "GET", "/trade-api/v2/markets?limit=5&cursor=abc", "1700000000000GET/trade-api/v2/markets"},
		{"delete", "DELETE", "/trade-api/v2/portfolio/orders/1", "1700000000000DELETE/trade-api/v2/portfolio/orders/1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Payload("1700000000000", tt.method, tt.path))
		})
	}
}

func TestSignaturesVerifyAndDiffer(t *testing.T) {
	k := key(t)
	sig1, err := Sign(k, "1700000000000", "GET", "/trade-api/v2/markets")
	require.NoError(t, err)
	sig2, err := Sign(k, "1700000000000", "GET", "/trade-api/v2/markets")
	require.NoError(t, err)

	payload := "1700000000000GET/trade-api/v2/markets"
	assert.NoError(t, verify(t, &k.PublicKey, payload, sig1))
	assert.NoError(t, verify(t, &k.PublicKey, payload, sig2))
	assert.NotEqual(t, sig1, sig2, "PSS is probabilistic")

	assert.Error(t, verify(t, &k.PublicKey, "1700000000001GET/trade-api/v2/markets", sig1))
}

func TestAPIKeyHeaders(t *testing.T) {
	k := key(t)
	now := time.UnixMilli(1_700_000_000_123)
	s, err := NewSigner(APIKey{KeyID: "key-1", PrivateKey: k}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	h, err := s.Headers("get", "/trade-api/v2/markets?limit=1")
	require.NoError(t, err)

	assert.Equal(t, "key-1", h.Get(HeaderKeyID))
	assert.Equal(t, "1700000000123", h.Get(HeaderTimestamp))
	assert.Empty(t, h.Get(HeaderAuthorization))
	assert.NoError(t, verify(t, &k.PublicKey, "1700000000123GET/trade-api/v2/markets", h.Get(HeaderSignature)))
}

func TestTimestampIsFreshPerRequest(t *testing.T) {
	k := key(t)
	var calls int64
	s, err := NewSigner(APIKey{KeyID: "key-1", PrivateKey: k}, WithClock(func() time.Time {
		calls++
		return time.UnixMilli(1_700_000_000_000 + calls)
	}))
	require.NoError(t, err)

	h1, err := s.Headers("GET", "/a")
	require.NoError(t, err)
	h2, err := s.Headers("GET", "/a")
	require.NoError(t, err)
	assert.NotEqual(t, h1.Get(HeaderTimestamp), h2.Get(HeaderTimestamp))

	ts, err := strconv.ParseInt(h2.Get(HeaderTimestamp), 10, 64)
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_002), ts)
}

func TestSessionTokenHeaders(t *testing.T) {
	s, err := NewSigner(SessionToken{Token: "user-1:abcdef"})
	require.NoError(t, err)

	h, err := s.Headers("GET", "/trade-api/v2/portfolio/balance")
	require.NoError(t, err)
	assert.Equal(t, "user-1:abcdef", h.Get(HeaderAuthorization))
	assert.Empty(t, h.Get(HeaderSignature))
	assert.Len(t, h, 1)
}

func TestNewSignerErrors(t *testing.T) {
	tests := []struct {
		name string
		cred Credential
		want ErrorKind
	}{
		{"missing token", SessionToken{}, MissingToken},
		{"missing key id", APIKey{PrivateKey: key(t)}, MissingKeyID},
		{"missing key", APIKey{KeyID: "k"}, MissingKey},
		{"pointer credential", &APIKey{KeyID: "k", PrivateKey: key(t)}, UnsupportedCredential},
		{"nil credential", nil, UnsupportedCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSigner(tt.cred)
			var ce *CredentialError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.want, ce.Kind)
			assert.True(t, errors.Is(err, &CredentialError{Kind: tt.want}))
		})
	}
}

func TestConcurrentSigning(t *testing.T) {
	k := key(t)
	s, err := NewSigner(APIKey{KeyID: "key-1", PrivateKey: k})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/trade-api/v2/markets/M-%d", i)
			h, err := s.Headers("GET", path)
			if err != nil {
				errs <- err
				return
			}
			payload := h.Get(HeaderTimestamp) + "GET" + path
			raw, _ := base64.StdEncoding.DecodeString(h.Get(HeaderSignature))
			digest := sha256.Sum256([]byte(payload))
			if err := rsa.VerifyPSS(&k.PublicKey, crypto.SHA256, digest[:], raw, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestParsePrivateKeyPEM(t *testing.T) {
	k := key(t)

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)})
	got, err := ParsePrivateKeyPEM(pkcs1)
	require.NoError(t, err)
	assert.True(t, k.Equal(got))

	der, err := x509.MarshalPKCS8PrivateKey(k)
	require.NoError(t, err)
	pkcs8 := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	got, err = ParsePrivateKeyPEM(pkcs8)
	require.NoError(t, err)
	assert.True(t, k.Equal(got))

	_, err = ParsePrivateKeyPEM([]byte("not pem"))
	assert.True(t, errors.Is(err, &CredentialError{Kind: MalformedKey}))

	_, err = ParsePrivateKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1, 2, 3}}))
	assert.True(t, errors.Is(err, &CredentialError{Kind: MalformedKey}))
}

func TestCredentialsAreRedacted(t *testing.T) {
	k := key(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("creds", "api_key", APIKey{KeyID: "key-1", PrivateKey: k}, "token", SessionToken{Token: "secret-token"})

	out := buf.String()
	assert.Contains(t, out, "key-1")
	assert.NotContains(t, out, "secret-token")
	assert.NotContains(t, out, k.D.String())
	assert.NotContains(t, fmt.Sprint(SessionToken{Token: "secret-token"}), "secret-token")
	assert.NotContains(t, fmt.Sprintf("%v", APIKey{KeyID: "key-1", PrivateKey: k}), k.D.String())
}
