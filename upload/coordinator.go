package upload

import (
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// ListObserverFunc receives the full list of managed workers whenever the
// registry or any member's lifecycle state changes. Callbacks must not
// register or remove observers on the same coordinator.
type ListObserverFunc func(workers []*Worker)

// Coordinator is the process-wide upload registry. It enforces at most one
// active worker per identity, fans lifecycle changes out to list observers
// and, when configured with a ledger directory, persists snapshots so
// interrupted uploads can be rediscovered after a restart.
type Coordinator struct {
	token       string
	logger      log.Logger
	fileManager fileutil.FileManager
	ledgerDir   string
	ledger      *ledger

	mu        sync.Mutex
	workers   map[Identity]*Worker
	order     []Identity
	lastCodes map[Identity]string

	obsMu     sync.RWMutex
	observers map[string]ListObserverFunc
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLedger makes the coordinator persist upload snapshots under dir.
func WithLedger(dir string) CoordinatorOption {
	return func(c *Coordinator) {
		c.ledgerDir = dir
	}
}

// WithFileManager overrides the file manager ledger entries are written
// through.
func WithFileManager(fileManager fileutil.FileManager) CoordinatorOption {
	return func(c *Coordinator) {
		c.fileManager = fileManager
	}
}

// NewCoordinator returns an empty registry. Without WithLedger it keeps no
// state beyond the process lifetime.
func NewCoordinator(logger log.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		token:       uuid.NewString(),
		logger:      logger,
		fileManager: fileutil.NewFileManager(),
		workers:     map[Identity]*Worker{},
		lastCodes:   map[Identity]string{},
		observers:   map[string]ListObserverFunc{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ledgerDir != "" {
		c.ledger = newLedger(c.ledgerDir, c.fileManager, c.logger)
	}
	return c
}

// StartUpload registers w under its identity and starts it.
//
// When another active worker already holds the identity the registry wins:
// w is discarded and the active worker is returned, so concurrent starts of
// the same upload converge on one transfer. With forceRestart the existing
// worker is cancelled and w takes its place. A worker left in a terminal
// state is always replaced.
//
// The returned worker is the authoritative one for the identity.
func (c *Coordinator) StartUpload(w *Worker, forceRestart bool) *Worker {
	id := w.Identity()

	c.mu.Lock()
	existing := c.workers[id]
	if existing == w {
		c.mu.Unlock()
		w.Start()
		return w
	}
	if existing != nil && !forceRestart && !IsTerminal(existing.State()) {
		c.mu.Unlock()
		c.logger.Debugf("Joining active upload: %s", id)
		return existing
	}
	if existing != nil {
		c.removeLocked(id)
	}
	c.workers[id] = w
	c.order = append(c.order, id)
	c.lastCodes[id] = stateCode(w.State())
	c.mu.Unlock()

	if existing != nil {
		existing.RemoveObserver(c.token)
		existing.Cancel()
	}

	w.RegisterObserver(c.token, c.observeWorker)
	c.broadcast()
	w.Start()
	return w
}

// Find returns the registered worker for the identity, or nil.
func (c *Coordinator) Find(id Identity) *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workers[id]
}

// AllManaged returns the managed workers in registration order.
func (c *Coordinator) AllManaged() []*Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Acknowledge drops a terminal worker from the registry and deletes its
// ledger entry. Active workers are left alone.
func (c *Coordinator) Acknowledge(id Identity) {
	c.mu.Lock()
	w := c.workers[id]
	if w == nil || !IsTerminal(w.State()) {
		c.mu.Unlock()
		return
	}
	c.removeLocked(id)
	c.mu.Unlock()

	w.RemoveObserver(c.token)
	if c.ledger != nil {
		c.ledger.remove(id)
	}
	c.broadcast()
}

// RegisterObserver subscribes fn to registry snapshots under the given
// token. Registering an already used token replaces its callback.
func (c *Coordinator) RegisterObserver(token string, fn ListObserverFunc) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers[token] = fn
}

// RemoveObserver unsubscribes the token. Once it returns, the callback is
// not invoked again.
func (c *Coordinator) RemoveObserver(token string) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	delete(c.observers, token)
}

// LedgerEntries returns the persisted upload snapshots. Without a ledger it
// returns nil.
func (c *Coordinator) LedgerEntries() []Entry {
	if c.ledger == nil {
		return nil
	}
	return c.ledger.entries()
}

// Shutdown cancels every worker and detaches all observers. Observers are
// detached first, so interrupted uploads keep their ledger snapshots and
// are rediscovered after the next start.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	workers := c.snapshotLocked()
	c.workers = map[Identity]*Worker{}
	c.order = nil
	c.lastCodes = map[Identity]string{}
	c.mu.Unlock()

	for _, w := range workers {
		w.RemoveObserver(c.token)
		w.Cancel()
	}

	c.obsMu.Lock()
	c.observers = map[string]ListObserverFunc{}
	c.obsMu.Unlock()
}

// adopt registers w without starting it, for rebuilding the registry from
// the ledger. An existing worker under the same identity wins.
func (c *Coordinator) adopt(w *Worker) *Worker {
	id := w.Identity()

	c.mu.Lock()
	if existing := c.workers[id]; existing != nil {
		c.mu.Unlock()
		return existing
	}
	c.workers[id] = w
	c.order = append(c.order, id)
	c.lastCodes[id] = stateCode(w.State())
	c.mu.Unlock()

	w.RegisterObserver(c.token, c.observeWorker)
	c.broadcast()
	return w
}

// observeWorker is the coordinator's per-worker observer. Progress repeats
// within the same lifecycle state are ignored; lifecycle changes update the
// ledger and broadcast the registry.
func (c *Coordinator) observeWorker(w *Worker, s State) {
	id := w.Identity()

	c.mu.Lock()
	if c.workers[id] != w {
		c.mu.Unlock()
		return
	}
	code := stateCode(s)
	if c.lastCodes[id] == code {
		c.mu.Unlock()
		return
	}
	c.lastCodes[id] = code
	c.mu.Unlock()

	c.updateLedger(w, s)
	c.broadcast()
}

func (c *Coordinator) updateLedger(w *Worker, s State) {
	if c.ledger == nil {
		return
	}
	switch s.(type) {
	case StateUploading:
		c.ledger.save(c.entryFor(w, "was_uploading"))
	case StatePaused:
		c.ledger.save(c.entryFor(w, "was_paused"))
	case StateFailed:
		c.ledger.save(c.entryFor(w, "was_failed"))
	case StateSucceeded, StateCancelled:
		c.ledger.remove(w.Identity())
	}
}

func (c *Coordinator) entryFor(w *Worker, code string) Entry {
	progress := w.Progress()
	return Entry{
		SavedAt:            time.Now(),
		StateCode:          code,
		LastSuccessfulByte: progress.UploadedBytes,
		UploadURL:          w.identity.UploadURL,
		File:               w.identity.File,
		Options:            w.opts,
	}
}

func (c *Coordinator) broadcast() {
	c.mu.Lock()
	workers := c.snapshotLocked()
	c.mu.Unlock()

	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	for _, fn := range c.observers {
		fn(workers)
	}
}

func (c *Coordinator) snapshotLocked() []*Worker {
	out := make([]*Worker, 0, len(c.order))
	for _, id := range c.order {
		if w, ok := c.workers[id]; ok {
			out = append(out, w)
		}
	}
	return out
}

func (c *Coordinator) removeLocked(id Identity) {
	delete(c.workers, id)
	delete(c.lastCodes, id)
	for i, ordered := range c.order {
		if ordered == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
