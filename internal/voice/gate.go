package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"taskpilot/internal/logging"
)

// ErrNoPendingApproval is returned when approving or denying an unknown
// tool-call id.
var ErrNoPendingApproval = errors.New("no pending approval for tool call")

// Gate is the confirmation step for voice sessions running with immediate
// execution off. Each tool call parks here, keyed by its call id, until
// the user approves or denies it; the deadline defaults to deny so a
// handler is never invoked for a call the user ignored.
type Gate struct {
	mu      sync.Mutex
	timeout time.Duration
	pending map[string]chan bool
	logger  *zap.Logger
}

// NewGate creates a gate. timeout bounds how long a call may wait for the
// user; zero means 30 seconds.
func NewGate(timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gate{
		timeout: timeout,
		pending: make(map[string]chan bool),
		logger:  logging.Get(logging.CategoryVoice),
	}
}

// Await parks the given call id until a decision arrives. Returns true
// only on explicit approval; timeout and context cancellation deny.
func (g *Gate) Await(ctx context.Context, callID string) bool {
	decision := make(chan bool, 1)

	g.mu.Lock()
	g.pending[callID] = decision
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, callID)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case approved := <-decision:
		return approved
	case <-timer.C:
		g.logger.Info("approval timed out, denying", zap.String("call", callID))
		return false
	case <-ctx.Done():
		return false
	}
}

// Approve releases a pending call for execution.
func (g *Gate) Approve(callID string) error {
	return g.decide(callID, true)
}

// Deny rejects a pending call.
func (g *Gate) Deny(callID string) error {
	return g.decide(callID, false)
}

func (g *Gate) decide(callID string, approved bool) error {
	g.mu.Lock()
	decision, ok := g.pending[callID]
	if ok {
		delete(g.pending, callID)
	}
	g.mu.Unlock()

	if !ok {
		return ErrNoPendingApproval
	}
	decision <- approved
	return nil
}

// Pending lists the call ids currently waiting for a decision.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	return ids
}
