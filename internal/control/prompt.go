package control

import (
	"context"
	"sync"
	"time"

	"github.com/zulandar/tgrelay/internal/onboarding"
)

// prompt is a question the bot asked and is waiting on an answer for. The
// answer is the next plain message from the same user in the same channel.
type prompt struct {
	action  string
	conv    *onboarding.Conversation
	expires time.Time
}

func promptKey(channelID, userID string) string {
	return channelID + "/" + userID
}

// prompts holds pending prompts keyed by channel and user.
type prompts struct {
	mu      sync.Mutex
	pending map[string]*prompt
}

func newPrompts() *prompts {
	return &prompts{pending: make(map[string]*prompt)}
}

func (p *prompts) put(key string, pr *prompt) *prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.pending[key]
	p.pending[key] = pr
	return prev
}

func (p *prompts) take(key string) *prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr := p.pending[key]
	delete(p.pending, key)
	return pr
}

func (p *prompts) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// expired removes and returns prompts past their deadline.
func (p *prompts) expired(now time.Time) map[string]*prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*prompt)
	for key, pr := range p.pending {
		if pr.stale(now) {
			out[key] = pr
			delete(p.pending, key)
		}
	}
	return out
}

// stale reports whether the prompt can no longer be answered.
func (pr *prompt) stale(now time.Time) bool {
	return now.After(pr.expires) || (pr.conv != nil && pr.conv.Expired())
}

// discard releases whatever a replaced or expired prompt holds.
func (pr *prompt) discard(ctx context.Context) {
	if pr != nil && pr.conv != nil {
		pr.conv.Abort(ctx)
	}
}
