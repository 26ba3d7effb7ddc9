package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("deadline")
	err := fmt.Errorf("step failed: %w", Wrap(CodeTimeout, cause, "生成证明超时"))

	if CodeOf(err) != CodeTimeout {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !HasCode(err, CodeTimeout) {
		t.Fatalf("expected HasCode to match timeout")
	}
	if HasCode(err, CodeShapeMismatch) {
		t.Fatalf("unexpected match for shape mismatch")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
}

func TestAttributesDefaultsAndOverrides(t *testing.T) {
	err := New(CodeUnlearningFailure, "")
	if err.Message() != "unlearning failed" {
		t.Fatalf("expected registry message, got %q", err.Message())
	}
	if !err.Retryable() || !err.ShouldAlert() {
		t.Fatalf("unlearning failure should be retryable and alert")
	}

	overridden := New(CodeUnlearningFailure, "x", WithRetryable(false), WithSeverity(SeverityInfo))
	if overridden.Retryable() {
		t.Fatalf("expected retryable override")
	}
	if SeverityOf(overridden) != SeverityInfo {
		t.Fatalf("unexpected severity: %s", SeverityOf(overridden))
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	attr := AttributesOf(Code("NOPE"))
	if attr.Severity != SeverityCritical {
		t.Fatalf("expected unknown fallback, got %+v", attr)
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	code := Code("TEST_CUSTOM")
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})
	if !RetryableError(New(code, "")) {
		t.Fatalf("expected registered code to be retryable")
	}
}

func TestOptionsOverrideAlertAndCopyMetadata(t *testing.T) {
	err := New(CodeQuorumNotMet, "", WithAlert(false), WithMetadata("round", "7"))
	if ShouldAlert(err) {
		t.Fatalf("expected alert override to win")
	}
	meta := err.Metadata()
	meta["round"] = "8"
	if err.Metadata()["round"] != "7" {
		t.Fatalf("metadata should be copied on read")
	}
	var nilErr *Error
	if nilErr.Is(err) || err.Is(nil) {
		t.Fatalf("nil comparisons should not match")
	}
}
