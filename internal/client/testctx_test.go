// ABOUTME: Test helper standing in for testing.T.Context, which needs Go 1.24.

package client

import (
	"context"
	"testing"
)

// testContext returns a context that is canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
