package migrations

import (
	"context"
	"io/fs"
	"os"
	"strings"
	"testing"
)

func TestMigrationsDiscovered(t *testing.T) {
	if n := len(Migrations.Sorted()); n != 2 {
		t.Fatalf("expected 2 migrations, got %d", n)
	}
}

// The store addresses tables in the fixed entitlekit schema.
func TestMigrationsCreateStoreTables(t *testing.T) {
	var up strings.Builder
	files, err := fs.Glob(migrationFS, "*.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range files {
		b, err := fs.ReadFile(migrationFS, name)
		if err != nil {
			t.Fatal(err)
		}
		up.Write(b)
	}
	for _, table := range []string{
		"entitlekit.entitlements",
		"entitlekit.entitlement_transitions",
		"entitlekit.account_transactions",
	} {
		if !strings.Contains(up.String(), "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("no migration creates %s", table)
		}
	}
}

func TestUp(t *testing.T) {
	dsn := os.Getenv("ENTITLEKIT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ENTITLEKIT_TEST_DATABASE_URL not set")
	}
	if _, err := Up(context.Background(), dsn); err != nil {
		t.Fatalf("up: %v", err)
	}
	// A second run is a no-op.
	if _, err := Up(context.Background(), dsn); err != nil {
		t.Fatalf("second up: %v", err)
	}
}
