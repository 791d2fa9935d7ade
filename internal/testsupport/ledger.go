package testsupport

import (
	"testing"

	"loom/internal/config"
	"loom/internal/ledger"
)

// MustOpenLedger opens the run ledger for tests and registers cleanup.
func MustOpenLedger(t testing.TB, cfg *config.Config) *ledger.Store {
	t.Helper()

	store, err := ledger.OpenFromConfig(cfg)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
