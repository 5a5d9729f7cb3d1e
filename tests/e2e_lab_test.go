//go:build e2e
// +build e2e

package tests

import (
	"os"
	"testing"
)

func TestE2ELabPlaceholder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	if os.Getenv("CHANGELAB_E2E") == "" {
		t.Skip("set CHANGELAB_E2E=1 and lab controller credentials to run e2e tests")
	}
	t.Skip("e2e tests require a live lab controller with booted routers")
}
