package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := New(KindTransport, "dial", errors.New("connection refused"))
	wrapped := fmt.Errorf("start stream: %w", base)

	if got := KindOf(wrapped); got != KindTransport {
		t.Fatalf("expected transport, got %s", got)
	}
	if !IsKind(wrapped, KindTransport) {
		t.Fatal("expected IsKind to match transport")
	}
	if IsKind(nil, KindTransport) {
		t.Fatal("nil error must not match any kind")
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
}

func TestErrNotConfigured_Is(t *testing.T) {
	err := fmt.Errorf("streaming: %w", ErrNotConfigured)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatal("expected errors.Is to match ErrNotConfigured")
	}
	if errors.Is(New(KindConfiguration, "other", nil), ErrNotConfigured) {
		t.Fatal("different op must not match")
	}
}

func TestError_Message(t *testing.T) {
	err := Errorf(KindPermission, "open microphone", "access denied for %s", "mic0")
	want := "open microphone: permission: access denied for mic0"
	if err.Error() != want {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}
