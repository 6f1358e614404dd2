// Package storetest provides a fake purchase provider signer for tests.
// It mints a self-signed root, an intermediate and a leaf certificate and
// signs App Store style transactions as compact JWS with an x5c header, so
// verification code can be exercised end to end without Apple's servers.
//
// Example usage:
//
//	store := storetest.New("com.example.app")
//	verifier := verifykit.NewJWSVerifier(store.Roots(), verifykit.WithBundleID("com.example.app"))
//	raw := store.Record(storetest.Transaction("1000", "pro.monthly", time.Now()))
//	rec, err := verifier.Verify(ctx, raw)
package storetest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
	verifykit "github.com/PaulFidika/entitlekit/verify"
	jwt "github.com/golang-jwt/jwt/v5"
)

// Store signs transactions with a throwaway certificate chain.
type Store struct {
	BundleID string

	mu      sync.Mutex
	root    *x509.Certificate
	leafKey *ecdsa.PrivateKey
	x5c     []string
	serial  int64
}

// New creates a store with a fresh chain. Panics on key generation failure.
func New(bundleID string) *Store {
	rootKey := mustKey()
	root := mustCert(&x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "storetest Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}, nil, &rootKey.PublicKey, rootKey)

	interKey := mustKey()
	inter := mustCert(&x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "storetest Intermediate CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(5 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}, root, &interKey.PublicKey, rootKey)

	leafKey := mustKey()
	leaf := mustCert(&x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "storetest Signing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}, inter, &leafKey.PublicKey, interKey)

	return &Store{
		BundleID: bundleID,
		root:     root,
		leafKey:  leafKey,
		x5c: []string{
			base64.StdEncoding.EncodeToString(leaf.Raw),
			base64.StdEncoding.EncodeToString(inter.Raw),
			base64.StdEncoding.EncodeToString(root.Raw),
		},
	}
}

// Roots returns a pool containing only this store's root.
func (s *Store) Roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.root)
	return pool
}

// RootPEM returns the root certificate in PEM form.
func (s *Store) RootPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.root.Raw})
}

// Sign serializes payload to JSON and signs it as a compact ES256 JWS.
func (s *Store) Sign(payload any) string {
	body, err := json.Marshal(payload)
	if err != nil {
		panic("storetest: marshal payload: " + err.Error())
	}
	header, _ := json.Marshal(map[string]any{"alg": "ES256", "x5c": s.x5c})
	signing := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(body)
	sig, err := jwt.SigningMethodES256.Sign(signing, s.leafKey)
	if err != nil {
		panic("storetest: sign: " + err.Error())
	}
	return signing + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// Transaction returns a standard-offer auto-renewable transaction expiring in 30 days.
// The bundle id is left empty; Record fills it from the store.
func Transaction(originalID, productID string, purchased time.Time) verifykit.TransactionPayload {
	return verifykit.TransactionPayload{
		OriginalTransactionID: originalID,
		ProductID:             productID,
		PurchaseDate:          purchased.UnixMilli(),
		ExpiresDate:           purchased.Add(30 * 24 * time.Hour).UnixMilli(),
		Type:                  "Auto-Renewable Subscription",
		Environment:           "Sandbox",
	}
}

// Renewal returns auto-renewing renewal info for originalID. A non-zero
// graceUntil opens a billing grace period.
func Renewal(originalID, productID string, graceUntil time.Time) verifykit.RenewalPayload {
	r := verifykit.RenewalPayload{
		OriginalTransactionID: originalID,
		AutoRenewProductID:    productID,
		ProductID:             productID,
		AutoRenewStatus:       1,
		SignedDate:            time.Now().UnixMilli(),
		Environment:           "Sandbox",
	}
	if !graceUntil.IsZero() {
		r.GracePeriodExpiresDate = graceUntil.UnixMilli()
		r.IsInBillingRetryPeriod = true
	}
	return r
}

// Record signs tx and wraps it as an unverified provider record. The raw
// record fields mirror the payload, as a well-behaved provider would report them.
func (s *Store) Record(tx verifykit.TransactionPayload) entitlements.PurchaseRecord {
	s.mu.Lock()
	s.serial++
	serial := s.serial
	s.mu.Unlock()

	if tx.BundleID == "" {
		tx.BundleID = s.BundleID
	}
	if tx.TransactionID == "" {
		tx.TransactionID = tx.OriginalTransactionID + "." + strconv.FormatInt(serial, 10)
	}
	if tx.SignedDate == 0 {
		tx.SignedDate = time.Now().UnixMilli()
	}
	return entitlements.PurchaseRecord{
		TransactionID:         tx.TransactionID,
		OriginalTransactionID: tx.OriginalTransactionID,
		ProductID:             tx.ProductID,
		PurchaseDate:          time.UnixMilli(tx.PurchaseDate).UTC(),
		OfferType:             entitlements.OfferStandard,
		AccountToken:          strings.ToLower(tx.AppAccountToken),
		SignedPayload:         s.Sign(tx),
	}
}

func mustKey() *ecdsa.PrivateKey {
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("storetest: generate key: " + err.Error())
	}
	return k
}

func mustCert(tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) *x509.Certificate {
	if parent == nil {
		parent = tmpl
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		panic("storetest: create certificate: " + err.Error())
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		panic("storetest: parse certificate: " + err.Error())
	}
	return c
}
