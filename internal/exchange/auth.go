package exchange

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"time"
)

// Auth signs Kalshi API requests. Every request carries three headers:
//
//	KALSHI-ACCESS-KEY:       the API key ID
//	KALSHI-ACCESS-TIMESTAMP: request time in unix milliseconds
//	KALSHI-ACCESS-SIGNATURE: base64 RSA-PSS signature over timestamp‖method‖path
//
// The signature uses SHA-256 with a 32-byte salt. The signed path is the
// full request path including the /trade-api/v2 prefix, never the query
// string.
type Auth struct {
	apiKey     string
	privateKey *rsa.PrivateKey
}

// NewAuth parses the PEM private key and returns a request signer.
// Accepts PKCS#8 and PKCS#1 encodings.
func NewAuth(apiKey, privateKeyPEM string) (*Auth, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key")
	}

	var key *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		key = rsaKey
	} else if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = rsaKey
	} else {
		return nil, fmt.Errorf("parse private key: unsupported encoding")
	}

	return &Auth{apiKey: apiKey, privateKey: key}, nil
}

// Headers returns the three auth headers for one request. method is the
// HTTP verb, path the full request path including the API prefix.
func (a *Auth) Headers(method, path string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := a.Sign(timestamp, method, path)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"KALSHI-ACCESS-KEY":       a.apiKey,
		"KALSHI-ACCESS-TIMESTAMP": timestamp,
		"KALSHI-ACCESS-SIGNATURE": sig,
	}, nil
}

// Sign produces the base64 RSA-PSS signature over timestamp‖method‖path.
func (a *Auth) Sign(timestamp, method, path string) (string, error) {
	msg := []byte(timestamp + method + path)
	digest := crypto.SHA256.New()
	digest.Write(msg)

	sig, err := rsa.SignPSS(rand.Reader, a.privateKey, crypto.SHA256, digest.Sum(nil), &rsa.PSSOptions{
		SaltLength: 32,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// PublicKey exposes the key half for signature verification in tests.
func (a *Auth) PublicKey() *rsa.PublicKey {
	return &a.privateKey.PublicKey
}
