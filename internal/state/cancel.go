package state

import (
	"context"
	"sync"
)

// CancelReasonRefuse is the only reserved cancellation reason. The permission
// engine uses it to distinguish a user-declined permission from a generic
// interrupt; the tool runner honors the engine-provided message when it sees
// this reason instead of substituting the generic cancel message.
const CancelReasonRefuse = "refuse"

// CancelHandle is the cooperative cancellation token shared by one user turn.
// Subagents reuse the parent's handle so that a single interrupt cancels
// everything. Cancellation may carry a reason string.
type CancelHandle struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	reason string
}

// NewCancelHandle creates a handle derived from the given parent context.
func NewCancelHandle(parent context.Context) *CancelHandle {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &CancelHandle{ctx: ctx, cancel: cancel}
}

// Context returns the context that is done once the handle is cancelled.
func (h *CancelHandle) Context() context.Context {
	return h.ctx
}

// Done returns a channel closed on cancellation.
func (h *CancelHandle) Done() <-chan struct{} {
	return h.ctx.Done()
}

// Cancel cancels the handle with the given reason. The first cancellation
// wins; later calls do not overwrite the reason.
func (h *CancelHandle) Cancel(reason string) {
	h.mu.Lock()
	if h.reason == "" && h.ctx.Err() == nil {
		h.reason = reason
	}
	h.mu.Unlock()
	h.cancel()
}

// Cancelled reports whether the handle has been cancelled.
func (h *CancelHandle) Cancelled() bool {
	select {
	case <-h.ctx.Done():
		return true
	default:
		return false
	}
}

// Reason returns the cancellation reason, or "" if not cancelled or cancelled
// without one.
func (h *CancelHandle) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reason != "" {
		return h.reason
	}
	return ""
}

// Refused reports whether the handle was cancelled with the refuse reason.
func (h *CancelHandle) Refused() bool {
	return h.Cancelled() && h.Reason() == CancelReasonRefuse
}
