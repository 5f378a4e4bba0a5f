package fabric

import (
	"context"
	"testing"
	"time"
)

func TestSignalActivateCancelsContext(t *testing.T) {
	s := NewSignal(context.Background())
	if s.Cancelled() {
		t.Fatal("signal must start uncancelled")
	}
	s.Activate()
	if !s.Cancelled() {
		t.Fatal("expected Activate to cancel the context")
	}
	if s.HardStop() {
		t.Fatal("a single activation must not escalate to hard-stop")
	}
}

func TestSignalDoubleActivationEscalates(t *testing.T) {
	s := NewSignal(context.Background())
	s.Activate()
	s.Activate()
	if !s.HardStop() {
		t.Fatal("two activations within the window must escalate to hard-stop")
	}
}

func TestSignalSlowSecondActivationDoesNotEscalate(t *testing.T) {
	s := &Signal{}
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx, s.cancel = ctx, cancel

	s.activations = append(s.activations, time.Now().Add(-activationWindow*2))
	s.Activate()
	if s.HardStop() {
		t.Fatal("an activation well outside the window must not escalate")
	}
}

func TestCreditLedgerSpendAndExhaustion(t *testing.T) {
	ledger := NewCreditLedger(10)

	ok, first := ledger.Spend(4)
	if !ok || first {
		t.Fatalf("expected successful spend with no exhaustion, got ok=%v first=%v", ok, first)
	}
	if ledger.Remaining() != 6 {
		t.Fatalf("expected 6 remaining, got %d", ledger.Remaining())
	}

	ok, first = ledger.Spend(100)
	if ok || !first {
		t.Fatalf("expected failed spend with first-exhaustion true, got ok=%v first=%v", ok, first)
	}
	if !ledger.Exhausted() {
		t.Fatal("expected ledger to report exhausted")
	}

	// A second over-spend must not report first-exhaustion again.
	_, first = ledger.Spend(100)
	if first {
		t.Fatal("exhaustion must be observed at most once")
	}
}

func TestStepBudgetConsume(t *testing.T) {
	b := NewStepBudget(2)
	if !b.Consume() {
		t.Fatal("expected steps remaining after first consume")
	}
	if b.Consume() {
		t.Fatal("expected no steps remaining after second consume")
	}
	if b.Remaining() != 0 {
		t.Fatalf("expected 0 remaining, got %d", b.Remaining())
	}
}
