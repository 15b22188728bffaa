package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("nonce too low")
	err := fmt.Errorf("sell on uniswap: %w", Wrap(CodeTxFailure, cause, "发送交易失败", WithMetadata("nonce", "12")))

	if CodeOf(err) != CodeTxFailure {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if !HasCode(err, CodeTxFailure) || HasCode(err, CodeTxReverted) {
		t.Fatal("HasCode does not match the wrapped code")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("cause lost in wrapping")
	}
	e, ok := From(err)
	if !ok || e.Metadata()["nonce"] != "12" {
		t.Fatalf("metadata lost: %+v", e)
	}
	if !RetryableError(err) {
		t.Fatal("tx failures are retryable on the next tick")
	}
}

func TestAttributesComeFromRegistry(t *testing.T) {
	err := New(CodeBreakerHalted, "")
	if !ShouldAlert(err) || SeverityOf(err) != SeverityCritical {
		t.Fatalf("halt must alert as critical: alert=%v severity=%s", ShouldAlert(err), SeverityOf(err))
	}
	if err.Message() != AttributesOf(CodeBreakerHalted).Message {
		t.Fatalf("default message not applied: %q", err.Message())
	}
	if ShouldAlert(Wrap(CodeStorageFailure, stdErrors.New("disk full"), "写入失败")) {
		t.Fatal("storage failures are logged, not alerted")
	}
	if ShouldAlert(stdErrors.New("plain")) {
		t.Fatal("errors outside the registry never alert")
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	if AttributesOf("NOPE").Severity != SeverityCritical {
		t.Fatal("unregistered codes must fall back to UNKNOWN")
	}
	if SeverityOf(stdErrors.New("plain")) != SeverityCritical {
		t.Fatal("plain errors are treated as unknown")
	}
}
