package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/relaycrm/assistant-go/assistant"
)

var (
	// ErrConfirmationNotFound means no pending action exists for the id.
	ErrConfirmationNotFound = errors.New("gateway: confirmation not found")
	// ErrConfirmationExpired means the pending action outlived its window.
	ErrConfirmationExpired = errors.New("gateway: confirmation expired")
)

// pendingAction is a gated tool call parked until a human decides. It holds
// everything the confirm endpoint needs to finish the exchange without the
// original stream.
type pendingAction struct {
	RequestID      string
	TenantID       string
	ConversationID string
	Call           ToolCall
	Args           map[string]any
	CRM            *assistant.RequestContext
	AssistantText  string
	Provider       string
	Model          string
	ExpiresAt      time.Time
}

// confirmationRegistry tracks pending actions by request id. Entries expire
// server-side; expired entries are swept on insert and rejected on take.
type confirmationRegistry struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[string]*pendingAction
}

func newConfirmationRegistry(ttl time.Duration) *confirmationRegistry {
	return &confirmationRegistry{
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string]*pendingAction),
	}
}

// add parks an action. A zero ExpiresAt gets the registry's TTL.
func (r *confirmationRegistry) add(p *pendingAction) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, entry := range r.pending {
		if now.After(entry.ExpiresAt) {
			delete(r.pending, id)
		}
	}

	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = now.Add(r.ttl)
	}
	r.pending[p.RequestID] = p
}

// take removes and returns the pending action for id. A tenant mismatch
// reads as not found and leaves the entry in place, so one tenant cannot
// probe or discard another's pending actions. On a match the action leaves
// the registry even when expired, so a decision can only be applied once.
func (r *confirmationRegistry) take(id, tenant string) (*pendingAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok || p.TenantID != tenant {
		return nil, ErrConfirmationNotFound
	}
	delete(r.pending, id)
	if r.now().After(p.ExpiresAt) {
		return nil, ErrConfirmationExpired
	}
	return p, nil
}

// size reports how many actions are parked.
func (r *confirmationRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
