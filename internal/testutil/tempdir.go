package testutil

import (
	"os"
	"testing"
)

// TempDir creates a temporary directory for a test's database file and
// registers its removal with t.Cleanup.
func TempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "calico-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}
