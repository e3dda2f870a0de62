package account

import "sync"

// Restarter carries the single restart request a process may receive. The
// host decides how to act on it.
type Restarter struct {
	once      sync.Once
	requested chan struct{}

	mu     sync.Mutex
	reason string
}

func NewRestarter() *Restarter {
	return &Restarter{requested: make(chan struct{})}
}

// Request records a restart asked for by account. Only the first call has an
// effect; it reports whether this call was the one recorded.
func (r *Restarter) Request(account string) bool {
	first := false
	r.once.Do(func() {
		r.mu.Lock()
		r.reason = account
		r.mu.Unlock()
		close(r.requested)
		first = true
	})
	return first
}

// Requested is closed once a restart was requested.
func (r *Restarter) Requested() <-chan struct{} {
	return r.requested
}

// Reason names the account that requested the restart.
func (r *Restarter) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}
