package pipeline

import "sync/atomic"

// Token is a cooperative cancellation flag shared between the orchestrator
// running a job and whoever may cancel it. The zero value is active.
type Token struct {
	requested atomic.Bool
}

func NewToken() *Token { return &Token{} }

// RequestCancel is idempotent and safe for concurrent use.
func (t *Token) RequestCancel() { t.requested.Store(true) }

// CancelRequested reports whether cancellation has been requested.
func (t *Token) CancelRequested() bool { return t.requested.Load() }
