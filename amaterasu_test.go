package amaterasu

import (
	"testing"

	"amaterasu/gateway"
)

func TestNew(t *testing.T) {
	if _, err := New("", gateway.Options{}); err == nil {
		t.Error("empty token must be rejected")
	}

	m, err := New("Bot token", gateway.Options{ShardCount: 2})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if m == nil {
		t.Fatal("manager is nil")
	}
	m.Destroy()
}
