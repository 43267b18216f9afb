package objectstore

import (
	"context"
	"testing"
)

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Options{}); err == nil {
		t.Fatal("expected error when bucket is empty")
	}
}

func TestKeyAppliesPrefix(t *testing.T) {
	withPrefix := &Store{prefix: "trajectory/prod"}
	if got := withPrefix.key("alpha_cache"); got != "trajectory/prod/alpha_cache" {
		t.Fatalf("unexpected prefixed key: %q", got)
	}

	withoutPrefix := &Store{}
	if got := withoutPrefix.key("alpha_cache"); got != "alpha_cache" {
		t.Fatalf("unexpected bare key: %q", got)
	}
}
