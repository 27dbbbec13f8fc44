package session

// AppendAndTrim appends turn to the user's history and drops the oldest
// turns beyond the configured maximum.
func (r *Registry) AppendAndTrim(userID int64, turn Turn) error {
	return r.withSession(userID, func(s *Session) {
		s.History = r.trim.Compress(append(s.History, turn))
	})
}

// Clear empties the user's history.
func (r *Registry) Clear(userID int64) error {
	return r.withSession(userID, func(s *Session) {
		s.History = nil
	})
}

// Snapshot returns a copy of the user's history in chronological order.
func (r *Registry) Snapshot(userID int64) ([]Turn, error) {
	var out []Turn
	err := r.withSession(userID, func(s *Session) {
		out = append([]Turn(nil), s.History...)
	})
	return out, err
}
