package upload

import "sync"

// ObserverFunc receives state notifications for one worker.
type ObserverFunc func(w *Worker, s State)

// observerList is a token-keyed set of state observers.
//
// Notifications are invoked while holding the read lock, so removal is
// synchronous: once remove returns, the removed callback will not run again.
// The flip side is that callbacks must not register or remove observers on
// the same list.
type observerList struct {
	mu        sync.RWMutex
	observers map[string]ObserverFunc
}

func newObserverList() *observerList {
	return &observerList{observers: map[string]ObserverFunc{}}
}

func (l *observerList) register(token string, fn ObserverFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers[token] = fn
}

func (l *observerList) remove(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.observers, token)
}

func (l *observerList) notify(w *Worker, s State) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, fn := range l.observers {
		fn(w, s)
	}
}
