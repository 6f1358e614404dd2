// Package verifykit decides whether a purchase record can be trusted.
//
// Every record is treated as adversarial input. A record passes only when its
// signed payload verifies against a certificate chain rooted in a configured
// trust anchor; everything else is rejected with entitlements.ErrRejected.
package verifykit

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/PaulFidika/entitlekit/entitlements"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// Verifier validates a raw provider record and returns the trusted copy.
type Verifier interface {
	Verify(ctx context.Context, raw entitlements.PurchaseRecord) (entitlements.PurchaseRecord, error)
}

// AppleLeafOID marks App Store receipt signing certificates.
var AppleLeafOID = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 11, 1}

// JWSVerifier verifies App Store signed transactions (compact JWS with x5c).
// It has no mutable state after construction and is safe for concurrent use.
type JWSVerifier struct {
	roots    *x509.CertPool
	bundleID string
	leafOID  asn1.ObjectIdentifier
	now      func() time.Time
}

// JWSOpt configures a JWSVerifier.
type JWSOpt func(*JWSVerifier)

// WithBundleID rejects transactions signed for another app.
func WithBundleID(bundleID string) JWSOpt {
	return func(v *JWSVerifier) { v.bundleID = strings.TrimSpace(bundleID) }
}

// WithLeafOID requires the signing certificate to carry the given extension.
func WithLeafOID(oid asn1.ObjectIdentifier) JWSOpt {
	return func(v *JWSVerifier) { v.leafOID = oid }
}

// WithClock sets the time used for certificate validity checks.
func WithClock(now func() time.Time) JWSOpt {
	return func(v *JWSVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewJWSVerifier builds a verifier trusting only roots. A nil pool rejects everything.
func NewJWSVerifier(roots *x509.CertPool, opts ...JWSOpt) *JWSVerifier {
	v := &JWSVerifier{roots: roots, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks raw.SignedPayload and returns a record built solely from the
// verified payload. Fields on raw are never copied into the result. A grace
// period is taken only from raw.SignedRenewalInfo when that verifies too.
func (v *JWSVerifier) Verify(ctx context.Context, raw entitlements.PurchaseRecord) (entitlements.PurchaseRecord, error) {
	signed := strings.TrimSpace(raw.SignedPayload)
	body, err := v.VerifyJWS(ctx, signed)
	if err != nil {
		return entitlements.PurchaseRecord{}, err
	}
	var p TransactionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return entitlements.PurchaseRecord{}, reject("malformed transaction payload: %v", err)
	}
	switch {
	case p.TransactionID == "", p.OriginalTransactionID == "", p.ProductID == "", p.PurchaseDate <= 0:
		return entitlements.PurchaseRecord{}, reject("transaction payload missing required fields")
	case v.bundleID != "" && p.BundleID != v.bundleID:
		return entitlements.PurchaseRecord{}, reject("bundle id mismatch: %q", p.BundleID)
	case raw.TransactionID != "" && raw.TransactionID != p.TransactionID:
		return entitlements.PurchaseRecord{}, reject("transaction id mismatch")
	}
	rec := p.Record(signed)
	if renewal, ok := v.verifyRenewal(ctx, raw.SignedRenewalInfo, p.OriginalTransactionID); ok {
		rec.SignedRenewalInfo = strings.TrimSpace(raw.SignedRenewalInfo)
		rec.GracePeriodExpiresDate = millis(renewal.GracePeriodExpiresDate)
	}
	return rec, nil
}

// verifyRenewal returns the renewal info only when it verifies and belongs to
// the same original transaction. Anything else is ignored, so the record
// keeps no grace period.
func (v *JWSVerifier) verifyRenewal(ctx context.Context, signed, originalTransactionID string) (RenewalPayload, bool) {
	var r RenewalPayload
	signed = strings.TrimSpace(signed)
	if signed == "" {
		return r, false
	}
	body, err := v.VerifyJWS(ctx, signed)
	if err != nil {
		return r, false
	}
	if err := json.Unmarshal(body, &r); err != nil || r.OriginalTransactionID != originalTransactionID {
		return RenewalPayload{}, false
	}
	return r, true
}

// VerifyJWS verifies a compact JWS against the x5c chain in its protected
// header and returns the payload bytes.
func (v *JWSVerifier) VerifyJWS(ctx context.Context, signed string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, reject("verification cancelled: %v", err)
	}
	if signed == "" {
		return nil, reject("record carries no signed payload")
	}
	if v == nil || v.roots == nil {
		return nil, reject("no trust anchors configured")
	}
	msg, err := jws.Parse([]byte(signed))
	if err != nil {
		return nil, reject("unparseable jws: %v", err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, reject("expected exactly one signature, got %d", len(sigs))
	}
	hdr := sigs[0].ProtectedHeaders()
	if hdr.Algorithm() != jwa.ES256 {
		return nil, reject("unexpected algorithm %q", hdr.Algorithm())
	}
	certs, err := decodeChain(hdr)
	if err != nil {
		return nil, err
	}
	leaf := certs[0]
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, reject("certificate chain: %v", err)
	}
	if len(v.leafOID) > 0 && !hasExtension(leaf, v.leafOID) {
		return nil, reject("signing certificate lacks required extension %s", v.leafOID)
	}
	payload, err := jws.Verify([]byte(signed), jws.WithKey(jwa.ES256, leaf.PublicKey))
	if err != nil {
		return nil, reject("signature: %v", err)
	}
	return payload, nil
}

func decodeChain(hdr jws.Headers) ([]*x509.Certificate, error) {
	chain := hdr.X509CertChain()
	if chain == nil || chain.Len() < 2 {
		return nil, reject("x5c chain missing or too short")
	}
	out := make([]*x509.Certificate, 0, chain.Len())
	for i := 0; i < chain.Len(); i++ {
		enc, ok := chain.Get(i)
		if !ok {
			return nil, reject("x5c entry %d missing", i)
		}
		der, err := base64.StdEncoding.DecodeString(string(enc))
		if err != nil {
			return nil, reject("x5c entry %d: %v", i, err)
		}
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, reject("x5c entry %d: %v", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func hasExtension(c *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, ext := range c.Extensions {
		if ext.Id.Equal(oid) {
			return true
		}
	}
	return false
}

// LoadRoots reads PEM or DER certificates into a pool.
func LoadRoots(paths ...string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read root %s: %w", p, err)
		}
		if bytes.Contains(data, []byte("-----BEGIN")) {
			if !pool.AppendCertsFromPEM(data) {
				return nil, fmt.Errorf("no certificates in %s", p)
			}
			continue
		}
		c, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("parse root %s: %w", p, err)
		}
		pool.AddCert(c)
	}
	return pool, nil
}

// ParseRootsPEM builds a pool from PEM bytes.
func ParseRootsPEM(data []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found")
	}
	return pool, nil
}

func reject(format string, args ...any) error {
	return fmt.Errorf("%w: %s", entitlements.ErrRejected, fmt.Sprintf(format, args...))
}
