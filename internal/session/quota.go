package session

import "time"

// TryReset replenishes the user's token balance when the cooldown since the
// last reset has elapsed. It returns the new balance, or the current balance
// with a *CooldownError while the window is still open.
//
// The balance is never debited elsewhere; the cooldown only throttles resets.
func (r *Registry) TryReset(userID int64, now time.Time) (int, error) {
	var (
		balance int
		waitErr error
	)
	err := r.withSession(userID, func(s *Session) {
		elapsed := now.Sub(s.LastReset)
		if s.LastReset.IsZero() || elapsed >= r.config.ResetCooldown {
			s.TokenBalance = r.config.TokenBudget
			s.LastReset = now
			balance = s.TokenBalance
			return
		}
		balance = s.TokenBalance
		remaining := r.config.ResetCooldown - elapsed
		if remaining > r.config.ResetCooldown {
			// clock moved backwards since the last reset
			remaining = r.config.ResetCooldown
		}
		waitErr = &CooldownError{Remaining: remaining}
	})
	if err != nil {
		return 0, err
	}
	return balance, waitErr
}
