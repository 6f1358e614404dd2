package jwtkit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultAppStoreKeysPath is where External Secrets mounts the App Store key bundle.
	DefaultAppStoreKeysPath = "/vault/appstore"
)

// NewAutoSigner discovers App Store API credentials with the following priority:
// 1. Environment variables (APPSTORE_ISSUER_ID, APPSTORE_KEY_ID, APPSTORE_PRIVATE_KEY_PEM)
// 2. Filesystem <keysPath>/keys.json (External Secrets Operator in Kubernetes)
//
// Returns (nil, nil) when neither source is present; the App Store client is
// then simply not configured. Returns an error when a source is present but invalid.
func NewAutoSigner(bundleID, keysPath string) (*ES256Signer, error) {
	if signer, err := tryLoadFromEnv(bundleID); err != nil {
		return nil, fmt.Errorf("failed to load App Store key from environment variables: %w", err)
	} else if signer != nil {
		return signer, nil
	}
	if keysPath == "" {
		keysPath = DefaultAppStoreKeysPath
	}
	if signer, err := tryLoadFromFilesystem(bundleID, keysPath); err != nil {
		return nil, fmt.Errorf("failed to load App Store key from %s: %w", keysPath, err)
	} else if signer != nil {
		return signer, nil
	}
	return nil, nil
}

// tryLoadFromEnv returns (nil, nil) when none of the variables are set.
func tryLoadFromEnv(bundleID string) (*ES256Signer, error) {
	issuer := strings.TrimSpace(os.Getenv("APPSTORE_ISSUER_ID"))
	kid := strings.TrimSpace(os.Getenv("APPSTORE_KEY_ID"))
	pemStr := strings.TrimSpace(os.Getenv("APPSTORE_PRIVATE_KEY_PEM"))
	if issuer == "" && kid == "" && pemStr == "" {
		return nil, nil
	}
	switch {
	case issuer == "":
		return nil, fmt.Errorf("APPSTORE_ISSUER_ID is missing")
	case kid == "":
		return nil, fmt.Errorf("APPSTORE_KEY_ID is missing")
	case pemStr == "":
		return nil, fmt.Errorf("APPSTORE_PRIVATE_KEY_PEM is missing")
	}
	return NewES256Signer(ES256Config{IssuerID: issuer, KeyID: kid, BundleID: bundleID, PrivateKeyPEM: []byte(pemStr)})
}

// tryLoadFromFilesystem returns (nil, nil) when keys.json does not exist.
func tryLoadFromFilesystem(bundleID, keysPath string) (*ES256Signer, error) {
	data, err := os.ReadFile(filepath.Join(keysPath, "keys.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read keys.json: %w", err)
	}
	var keyData struct {
		IssuerID      string `json:"issuer_id"`
		KeyID         string `json:"key_id"`
		PrivateKeyPEM string `json:"private_key_pem"`
	}
	if err := json.Unmarshal(data, &keyData); err != nil {
		return nil, fmt.Errorf("failed to parse keys.json: %w", err)
	}
	if keyData.IssuerID == "" || keyData.KeyID == "" || keyData.PrivateKeyPEM == "" {
		return nil, fmt.Errorf("keys.json requires issuer_id, key_id and private_key_pem")
	}
	return NewES256Signer(ES256Config{
		IssuerID:      keyData.IssuerID,
		KeyID:         keyData.KeyID,
		BundleID:      bundleID,
		PrivateKeyPEM: []byte(keyData.PrivateKeyPEM),
	})
}
