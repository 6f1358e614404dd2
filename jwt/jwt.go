package jwtkit

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AppStoreAudience is the fixed audience of App Store Server API tokens.
const AppStoreAudience = "appstoreconnect-v1"

// Signer mints bearer tokens for outbound API calls.
type Signer interface {
	// Algorithm returns the JWS algorithm (ES256).
	Algorithm() string
	// KID returns the key id placed in the header.
	KID() string
	// Token returns a freshly signed bearer token.
	Token(ctx context.Context) (string, error)
}

// ES256Config holds the details needed to mint App Store Server API tokens.
// See: https://developer.apple.com/documentation/appstoreserverapi/generating_json_web_tokens_for_api_requests
type ES256Config struct {
	IssuerID      string        // App Store Connect issuer id (iss)
	KeyID         string        // Key ID (kid in header)
	BundleID      string        // App bundle id (bid)
	PrivateKeyPEM []byte        // contents of the .p8 private key
	TTL           time.Duration // default 5 minutes if <= 0; Apple rejects more than 60
}

// ES256Signer mints a fresh short-lived ES256 JWT on each call.
type ES256Signer struct {
	key      *ecdsa.PrivateKey
	kid      string
	issuer   string
	bundleID string
	ttl      time.Duration
	now      func() time.Time
}

// NewES256Signer parses the .p8 key and returns a signer.
func NewES256Signer(cfg ES256Config) (*ES256Signer, error) {
	if cfg.IssuerID == "" || cfg.KeyID == "" || cfg.BundleID == "" || len(cfg.PrivateKeyPEM) == 0 {
		return nil, errors.New("appstore: missing required signer config")
	}
	key, err := ParseECPrivateKeyPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if ttl > time.Hour {
		ttl = time.Hour
	}
	return &ES256Signer{key: key, kid: cfg.KeyID, issuer: cfg.IssuerID, bundleID: cfg.BundleID, ttl: ttl, now: time.Now}, nil
}

func (s *ES256Signer) Algorithm() string { return jwt.SigningMethodES256.Alg() }
func (s *ES256Signer) KID() string       { return s.kid }

// Token signs {iss, iat, exp, aud, bid} with the configured key.
func (s *ES256Signer) Token(_ context.Context) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss": s.issuer,
		"iat": now.Unix(),
		"exp": now.Add(s.ttl).Unix(),
		"aud": AppStoreAudience,
		"bid": s.bundleID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}

// ParseECPrivateKeyPEM accepts PKCS#8 (.p8) or SEC1 EC private keys.
func ParseECPrivateKeyPEM(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	if len(pemBytes) == 0 {
		return nil, errors.New("empty EC private key pem")
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode EC private key pem")
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Some keys are exported in SEC1 form
		k2, err2 := x509.ParseECPrivateKey(block.Bytes)
		if err2 != nil {
			return nil, err
		}
		keyAny = k2
	}
	ecKey, ok := keyAny.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not ECDSA")
	}
	return ecKey, nil
}
