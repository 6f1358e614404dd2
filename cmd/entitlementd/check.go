package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/PaulFidika/entitlekit/config"
	"github.com/PaulFidika/entitlekit/core"
	jwtkit "github.com/PaulFidika/entitlekit/jwt"
	"github.com/PaulFidika/entitlekit/provider"
	"github.com/PaulFidika/entitlekit/provider/appstore"
	"github.com/PaulFidika/entitlekit/remotesync"
	tokenkit "github.com/PaulFidika/entitlekit/token"
	verifykit "github.com/PaulFidika/entitlekit/verify"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var checkAccountID string

// checkCmd runs a single reconcile for one account and prints the state.
// The snapshot reads the transactions indexed for the account plus
// APPSTORE_ORIGINAL_TRANSACTION_ID when set.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Reconcile one account once and print its entitlement",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log, err := cfg.NewLogger()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		roots, err := verifykit.LoadRoots(cfg.RootCertPaths...)
		if err != nil {
			return err
		}
		verifier := verifykit.NewJWSVerifier(roots, verifykit.WithBundleID(cfg.BundleID), verifykit.WithLeafOID(verifykit.AppleLeafOID))

		var pool *pgxpool.Pool
		if cfg.DatabaseURL != "" {
			if pool, err = pgxpool.New(ctx, cfg.DatabaseURL); err != nil {
				return err
			}
			defer pool.Close()
		}
		store, transitions, index, err := buildStore(cfg, pool, nil, log)
		if err != nil {
			return err
		}

		var snap provider.SnapshotReader = noSnapshot{}
		signer, err := jwtkit.NewAutoSigner(cfg.BundleID, cfg.AppStoreKeysPath)
		if err != nil {
			return err
		}
		if signer != nil {
			token, err := tokenkit.NewDeriver(cfg.TokenNamespace).Derive(checkAccountID)
			if err != nil {
				return err
			}
			var opts []appstore.ClientOpt
			if cfg.AppStoreSandbox {
				opts = append(opts, appstore.WithBaseURL(appstore.SandboxURL))
			}
			snap = appstore.NewSnapshot(appstore.NewClient(signer, opts...), cfg.OriginalTransactionID).
				UseIndex(index, token.String())
		} else {
			log.Warn("App Store API key not found; reading override only")
		}
		syncer := remotesync.New(store, remotesync.WithTimeout(cfg.SyncTimeout), remotesync.WithLogger(log))

		svc, err := core.New(core.Config{ProductIDs: cfg.ProductIDs, TokenNamespace: cfg.TokenNamespace}, core.Deps{
			Snapshot:    snap,
			Verifier:    verifier,
			Store:       store,
			Dispatcher:  syncer,
			Transitions: transitions,
			Logger:      log.WithField("account_id", checkAccountID),
		})
		if err != nil {
			return err
		}
		defer svc.Close()

		st, err := svc.SignIn(ctx, checkAccountID)
		syncer.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("entitlement check failed; printing last known state")
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			AccountID     string `json:"account_id"`
			PremiumAccess bool   `json:"premium_access"`
			State         any    `json:"state"`
		}{checkAccountID, st.HasPremiumAccess(), st})
	},
}

func init() {
	checkCmd.Flags().StringVar(&checkAccountID, "account", "", "account id to reconcile (required)")
	_ = checkCmd.MarkFlagRequired("account")
}
