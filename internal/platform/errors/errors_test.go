package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeInsufficientFunds, "balance too low")
	if !errors.Is(err, New(CodeInsufficientFunds, "different message")) {
		t.Fatal("expected match by code")
	}
	if errors.Is(err, New(CodePowerAlreadyOwned, "balance too low")) {
		t.Fatal("expected mismatch for different code")
	}
}

func TestUnwrapTraversal(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeNotFound, "load account", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to match")
	}
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("handler: %w", New(CodePresenceBanned, "banned"))
	if got := CodeOf(err); got != CodePresenceBanned {
		t.Fatalf("code = %q, want %q", got, CodePresenceBanned)
	}
	if got := CodeOf(errors.New("plain")); got != CodeUnknown {
		t.Fatalf("code = %q, want %q", got, CodeUnknown)
	}
}

func TestWithMetadata(t *testing.T) {
	err := WithMetadata(CodePresenceBanned, "banned", map[string]string{"remaining_minutes": "12"})
	if err.Metadata["remaining_minutes"] != "12" {
		t.Fatalf("metadata = %v, want remaining_minutes set", err.Metadata)
	}
}
