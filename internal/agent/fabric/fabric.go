// Package fabric implements the session-wide Credit, Cancellation, and
// Error fabric shared by every component: a cooperative cancellation
// signal observed at tool-call boundaries and between steps, a
// compare-and-update credit counter, and the step-budget bookkeeping each
// AgentInstance carries.
package fabric

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Signal is a session-wide cooperative cancellation signal. Double
// activation within activationWindow escalates HardStop.
type Signal struct {
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	activations []time.Time
	hardStop    atomic.Bool
}

// activationWindow bounds how close together two Activate calls must land
// to count as the "double-activation" escalation spec §4.6 describes.
const activationWindow = 2 * time.Second

// NewSignal creates a cancellation signal derived from parent.
func NewSignal(parent context.Context) *Signal {
	ctx, cancel := context.WithCancel(parent)
	return &Signal{ctx: ctx, cancel: cancel}
}

// Context is observed by every streaming read, tool dispatch, and spawn
// join.
func (s *Signal) Context() context.Context { return s.ctx }

// Cancelled reports whether the signal has fired.
func (s *Signal) Cancelled() bool {
	select {
	case <-s.ctx.Done():
		return true
	default:
		return false
	}
}

// HardStop reports whether a double-activation has escalated to a
// hard-stop of in-flight work.
func (s *Signal) HardStop() bool { return s.hardStop.Load() }

// Activate fires cancellation. A second Activate within activationWindow
// escalates to HardStop, signaling callers to abandon in-flight tool calls
// rather than wait for their own cooperative checks.
func (s *Signal) Activate() {
	s.mu.Lock()
	now := time.Now()
	double := false
	if len(s.activations) > 0 && now.Sub(s.activations[len(s.activations)-1]) <= activationWindow {
		double = true
	}
	s.activations = append(s.activations, now)
	s.mu.Unlock()

	s.cancel()
	if double {
		s.hardStop.Store(true)
	}
}

// CreditLedger is the session-level credit counter. Mutations use
// compare-and-update so exhaustion is observed at most once per session.
type CreditLedger struct {
	remaining int64
	exhausted atomic.Bool
}

// NewCreditLedger creates a ledger starting with credits available.
func NewCreditLedger(credits int64) *CreditLedger {
	return &CreditLedger{remaining: credits}
}

// Spend attempts to deduct amount. It returns ok=false and marks the
// ledger exhausted exactly once the first time a deduction would take the
// balance negative, regardless of how many goroutines race Spend
// concurrently.
func (c *CreditLedger) Spend(amount int64) (ok bool, firstExhaustion bool) {
	for {
		cur := atomic.LoadInt64(&c.remaining)
		if cur < amount {
			first := c.exhausted.CompareAndSwap(false, true)
			return false, first
		}
		if atomic.CompareAndSwapInt64(&c.remaining, cur, cur-amount) {
			return true, false
		}
	}
}

// Remaining reports the current balance.
func (c *CreditLedger) Remaining() int64 { return atomic.LoadInt64(&c.remaining) }

// Exhausted reports whether the ledger has ever failed a Spend.
func (c *CreditLedger) Exhausted() bool { return c.exhausted.Load() }

// StepBudget tracks stepsRemaining for one AgentInstance, reset at the
// start of each top-level run.
type StepBudget struct {
	remaining int32
}

// NewStepBudget creates a budget with n steps available.
func NewStepBudget(n int) *StepBudget { return &StepBudget{remaining: int32(n)} }

// Remaining returns the steps left.
func (b *StepBudget) Remaining() int { return int(atomic.LoadInt32(&b.remaining)) }

// Consume decrements the budget by one step and reports whether any steps
// remain afterward.
func (b *StepBudget) Consume() (hasMore bool) {
	return atomic.AddInt32(&b.remaining, -1) > 0
}

// Reset restores the budget to n, used at the start of each top-level run.
func (b *StepBudget) Reset(n int) { atomic.StoreInt32(&b.remaining, int32(n)) }
