package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixIntent)
	if !strings.HasPrefix(id, "pay_") {
		t.Fatalf("expected pay_ prefix, got %s", id)
	}
	if len(id) != len("pay_")+24 {
		t.Errorf("expected 24 hex chars after prefix, got %d", len(id)-len("pay_"))
	}
	if WithPrefix(PrefixIntent) == id {
		t.Error("expected distinct ids")
	}
}

func TestNewIsUUID(t *testing.T) {
	if !IsUUID(New()) {
		t.Error("New should produce a parseable UUID")
	}
	if IsUUID("not-a-uuid") {
		t.Error("garbage should not parse as UUID")
	}
}

func TestHex(t *testing.T) {
	if got := Hex(8); len(got) != 16 {
		t.Errorf("expected 16 hex chars, got %d", len(got))
	}
}
