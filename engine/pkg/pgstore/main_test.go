package pgstore_test

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"testing"

	"github.com/malbeclabs/incentives/engine/pkg/pgstore"
	"github.com/malbeclabs/incentives/engine/pkg/pgstore/pgtesting"
)

var testDB *pgtesting.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	log := slog.Default()

	var err error
	testDB, err = pgtesting.NewDB(ctx, log, nil)
	if err != nil {
		slog.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}

func newTestDB(t *testing.T) *pgstore.DB {
	t.Helper()
	if testDB == nil {
		t.Skip("skipping postgres test in short mode")
	}
	return pgtesting.NewTestDB(t, testDB)
}
