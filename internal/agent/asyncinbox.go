package agent

import (
	"encoding/json"
	"sync"

	"github.com/fenwick-arc/agentstep/internal/agent/spawn"
)

// AsyncInbox collects completed asynchronous subagent results per parent
// instance until the parent's own step loop task drains them. Spec §4.4:
// an async child "runs to termination in the background and its
// completion event becomes an additional message appended later" — the
// append must still happen on the parent instance's own task (spec §3), so
// completions land here instead of being written directly from the
// background goroutine that observed them.
type AsyncInbox struct {
	mu      sync.Mutex
	pending map[string][]spawn.AsyncResult
}

// NewAsyncInbox creates an empty inbox.
func NewAsyncInbox() *AsyncInbox {
	return &AsyncInbox{pending: make(map[string][]spawn.AsyncResult)}
}

// Post queues a completion for instanceID.
func (b *AsyncInbox) Post(instanceID string, result spawn.AsyncResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[instanceID] = append(b.pending[instanceID], result)
}

// Drain returns and clears every completion queued for instanceID.
func (b *AsyncInbox) Drain(instanceID string) []spawn.AsyncResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending[instanceID]
	delete(b.pending, instanceID)
	return out
}

// Watch launches the goroutine that moves one SpawnAsync channel's
// eventual result into the inbox for parentID.
func (b *AsyncInbox) Watch(parentID string, ch <-chan spawn.AsyncResult) {
	go func() {
		result, ok := <-ch
		if !ok {
			return
		}
		b.Post(parentID, result)
	}()
}

func asyncResultToolContent(r spawn.AsyncResult) json.RawMessage {
	if r.Err != nil {
		payload, _ := json.Marshal(map[string]string{"error": r.Err.Error()})
		return payload
	}
	payload, _ := json.Marshal(map[string]string{"output": r.Output})
	return payload
}
