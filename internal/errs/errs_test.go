package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestProviderErrorClassification(t *testing.T) {
	base := errors.New("boom")

	if IsPermanent(Transient(base)) {
		t.Error("transient error classified as permanent")
	}
	if !IsPermanent(Permanent(base)) {
		t.Error("permanent error not classified as permanent")
	}
	// Unclassified errors default to transient
	if IsPermanent(base) {
		t.Error("bare error classified as permanent")
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	base := errors.New("invalid number")
	wrapped := fmt.Errorf("send failed: %w", Permanent(base))

	if !IsPermanent(wrapped) {
		t.Error("classification lost through fmt.Errorf wrapping")
	}
	if !errors.Is(wrapped, base) {
		t.Error("base error lost through ProviderError")
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidation("recipient", "must be E.164")

	if !IsValidation(err) {
		t.Error("expected IsValidation to be true")
	}
	if IsValidation(errors.New("other")) {
		t.Error("bare error reported as validation")
	}
	want := "invalid recipient: must be E.164"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
