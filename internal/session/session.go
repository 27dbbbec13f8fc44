// Package session owns the per-user conversation state and quota.
//
// All state is held in process memory. A restart discards every session.
package session

import (
	"errors"
	"fmt"
	"time"

	ctxpkg "github.com/stupiduntilnot/buccaneer/internal/context"
)

const (
	DefaultMaxHistory    = 10
	DefaultTokenBudget   = 1000
	DefaultResetCooldown = 180 * time.Second
)

// ErrNotRegistered is returned for quota and history operations on a user
// that never registered.
var ErrNotRegistered = errors.New("user not registered")

// CooldownError is returned by TryReset while the reset window has not elapsed.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("quota reset cooldown active: %ds remaining", e.RemainingSeconds())
}

// RemainingSeconds rounds the remaining wait up to whole seconds.
func (e *CooldownError) RemainingSeconds() int {
	secs := int(e.Remaining / time.Second)
	if e.Remaining%time.Second != 0 {
		secs++
	}
	return secs
}

// Turn is one entry of a user's conversation history.
type Turn = ctxpkg.Message

// Session is the complete per-user state.
type Session struct {
	History      []Turn
	TokenBalance int
	// LastReset is zero until the first successful quota reset.
	LastReset time.Time
}

func (s Session) clone() Session {
	out := s
	out.History = append([]Turn(nil), s.History...)
	return out
}

// Config holds registry limits.
type Config struct {
	MaxHistory    int
	TokenBudget   int
	ResetCooldown time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxHistory:    DefaultMaxHistory,
		TokenBudget:   DefaultTokenBudget,
		ResetCooldown: DefaultResetCooldown,
	}
}
