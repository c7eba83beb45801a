// Package approval implements the Approval Gate: a process-wide
// rendezvous point keyed by (session_id, tool_call_id) that lets the
// Stream Engine block on a human decision — either a gated tool HITL
// approval or a dynamic create_tool proposal — and lets an external API
// call wake it up. It's a single-process, channel-based rendezvous: the
// Stream Engine goroutine that pauses a tool call is the same goroutine
// that resumes once a decision lands.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Decision is the human verdict on a pending approval or proposal.
type Decision int

const (
	Pending Decision = iota
	Approved
	Denied
	TimedOut
)

// Namespace distinguishes HITL gated-tool approvals from dynamic-tool
// proposals; both share the (session_id, tool_call_id) key space but must
// never collide.
type Namespace string

const (
	NamespaceHITL     Namespace = "hitl"
	NamespaceProposal Namespace = "proposal"
)

// DefaultTimeout is the bound on how long a pending approval waits before
// it is auto-resolved as timed out.
const DefaultTimeout = 600 * time.Second

type waiter struct {
	decision chan Decision
	once     sync.Once
}

// Gate is the process-wide approval/proposal rendezvous map.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*waiter
}

// NewGate constructs an empty Gate. One Gate is shared by the whole
// process as a global approval-gate map.
func NewGate() *Gate {
	return &Gate{pending: make(map[string]*waiter)}
}

func key(ns Namespace, sessionID, toolCallID string) string {
	return fmt.Sprintf("%s:%s:%s", ns, sessionID, toolCallID)
}

// Register opens a new pending slot for (namespace, session, tool call).
// It is an error to register the same key twice concurrently — the
// caller is expected to persist the approval/proposal row before
// registering, so a duplicate means the row already has a live waiter.
func (g *Gate) Register(ns Namespace, sessionID, toolCallID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := key(ns, sessionID, toolCallID)
	if _, exists := g.pending[k]; exists {
		return fmt.Errorf("approval gate: %s already has a pending waiter", k)
	}
	g.pending[k] = &waiter{decision: make(chan Decision, 1)}
	return nil
}

// Await blocks until a decision arrives via Resolve, the context is
// cancelled, or DefaultTimeout elapses — whichever comes first. The key
// is deregistered before Await returns, so a resolved-again call (e.g. a
// duplicate webhook) finds nothing pending and the caller should treat it
// as a 404.
func (g *Gate) Await(ctx context.Context, ns Namespace, sessionID, toolCallID string) Decision {
	k := key(ns, sessionID, toolCallID)

	g.mu.Lock()
	w, exists := g.pending[k]
	g.mu.Unlock()
	if !exists {
		return TimedOut
	}

	defer func() {
		g.mu.Lock()
		delete(g.pending, k)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(DefaultTimeout)
	defer timer.Stop()

	select {
	case d := <-w.decision:
		return d
	case <-ctx.Done():
		return TimedOut
	case <-timer.C:
		return TimedOut
	}
}

// Resolve delivers a human decision to a pending waiter. It is single-shot:
// a second call for the same key returns false (the boundary behavior a
// resolved-approval-id lookup must surface as "not found" to the caller).
func (g *Gate) Resolve(ns Namespace, sessionID, toolCallID string, decision Decision) bool {
	g.mu.Lock()
	w, exists := g.pending[key(ns, sessionID, toolCallID)]
	g.mu.Unlock()
	if !exists {
		return false
	}

	resolved := false
	w.once.Do(func() {
		w.decision <- decision
		resolved = true
	})
	return resolved
}

// Pending reports whether a waiter is currently registered for the key,
// used by the external approve/reject API to return 404 for an unknown or
// already-resolved id instead of blocking forever.
func (g *Gate) Pending(ns Namespace, sessionID, toolCallID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, exists := g.pending[key(ns, sessionID, toolCallID)]
	return exists
}
