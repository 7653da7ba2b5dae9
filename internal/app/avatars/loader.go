package avatars

import (
	"context"
	"sync"
)

// Loader resolves avatars for a single view. Starting a new load cancels the
// previous one, whose result is then dropped.
type Loader struct {
	resolver *Resolver

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// NewLoader binds a Loader to a resolver.
func NewLoader(resolver *Resolver) *Loader {
	return &Loader{resolver: resolver}
}

// Load resolves ref, superseding any in-flight Load of this view.
func (l *Loader) Load(ctx context.Context, ref string, reloadToken int) (string, error) {
	callCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.seq++
	seq := l.seq
	l.cancel = cancel
	l.mu.Unlock()

	url, err := l.resolver.Resolve(callCtx, ref, reloadToken)

	l.mu.Lock()
	current := seq == l.seq
	if current {
		l.cancel = nil
	}
	l.mu.Unlock()
	cancel()

	if !current {
		return "", nil
	}
	return url, err
}

// Stop cancels the in-flight load, if any.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.seq++
}
