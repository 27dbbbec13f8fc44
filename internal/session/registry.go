package session

import (
	"sync"

	ctxpkg "github.com/stupiduntilnot/buccaneer/internal/context"
)

// Registry maps user IDs to sessions. Every operation is atomic with respect
// to the map; Lock additionally serializes whole handlers for one user.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	config   Config
	trim     ctxpkg.Compressor
	sessions map[int64]*Session
	locks    map[int64]*userLock
}

// userLock is a per-user handler lock; refs counts holders and waiters so
// the entry can be dropped once nobody needs it.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry creates an empty registry. Non-positive limits fall back to defaults.
func NewRegistry(cfg Config) *Registry {
	def := DefaultConfig()
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = def.TokenBudget
	}
	if cfg.ResetCooldown <= 0 {
		cfg.ResetCooldown = def.ResetCooldown
	}
	return &Registry{
		config:   cfg,
		trim:     &ctxpkg.SimpleCompressor{MaxMessages: cfg.MaxHistory},
		sessions: make(map[int64]*Session),
		locks:    make(map[int64]*userLock),
	}
}

// Config returns the effective limits.
func (r *Registry) Config() Config {
	return r.config
}

// EnsureRegistered creates a session with defaults if the user has none and
// reports whether this call created it. Existing state is never reset.
func (r *Registry) EnsureRegistered(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[userID]; ok {
		return false
	}
	r.sessions[userID] = &Session{TokenBalance: r.config.TokenBudget}
	return true
}

// Get returns a copy of the user's session. It never creates one.
func (r *Registry) Get(userID int64) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Lock acquires the per-user handler lock and returns its release func.
// It does not create a session. The lock entry is removed when the last
// holder releases it, so unregistered senders leave nothing behind.
func (r *Registry) Lock(userID int64) (unlock func()) {
	r.mu.Lock()
	l, ok := r.locks[userID]
	if !ok {
		l = &userLock{}
		r.locks[userID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return sync.OnceFunc(func() {
		l.mu.Unlock()

		r.mu.Lock()
		defer r.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, userID)
		}
	})
}

// withSession runs fn on the stored session under the registry mutex.
func (r *Registry) withSession(userID int64, fn func(s *Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		return ErrNotRegistered
	}
	fn(s)
	return nil
}
