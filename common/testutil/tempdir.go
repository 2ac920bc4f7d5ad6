package testutil

import (
	"os"
	"testing"
)

// TempDir creates a temporary directory for device image files in tests
func TempDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "flashfs-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}
