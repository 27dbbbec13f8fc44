package session

// LockEntries reports how many per-user lock entries are live.
func (r *Registry) LockEntries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
