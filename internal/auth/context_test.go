// ABOUTME: Tests for claims propagation through context
// ABOUTME: Verifies round trip and absence handling

package auth

import (
	"context"
	"testing"
)

func TestClaimsContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext() on empty context should report false")
	}

	ctx := WithClaims(context.Background(), Claims{Subject: "s1", Scope: ScopeSession})
	c, ok := FromContext(ctx)
	if !ok {
		t.Fatal("FromContext() = false, want true")
	}
	if c.Subject != "s1" {
		t.Errorf("Subject = %q, want s1", c.Subject)
	}
}
