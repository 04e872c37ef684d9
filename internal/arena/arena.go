// Package arena hands out scratch files and directories and guarantees they
// are deleted: by the caller's deferred Release on the normal path, and by
// Sweep (wired to process exit) for anything left behind.
package arena

import (
	"os"
	"sort"
	"sync"
	"time"

	"PcapSanitizer/internal/pkg/logging"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Kind tells files and directories apart.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// Entry is one registered scratch path.
type Entry struct {
	Path      string
	Kind      Kind
	CreatedAt time.Time
}

// Arena is a registry of scratch paths. The registry map is the only state
// guarded by the mutex; filesystem work happens outside the lock.
type Arena struct {
	root   string
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]Entry
}

// New creates an arena that places scratch paths under root (os.TempDir()
// when empty).
func New(root string, logger *zap.Logger) *Arena {
	return &Arena{
		root:    root,
		logger:  logging.Must(logger),
		entries: make(map[uint64]Entry),
	}
}

var (
	defaultOnce  sync.Once
	defaultArena *Arena
)

// Default returns the process-wide arena.
func Default() *Arena {
	defaultOnce.Do(func() {
		defaultArena = New("", nil)
	})
	return defaultArena
}

// SetLogger replaces the logger used for release failures.
func (a *Arena) SetLogger(logger *zap.Logger) {
	a.mu.Lock()
	a.logger = logging.Must(logger)
	a.mu.Unlock()
}

// Root returns the directory scratch paths are created in.
func (a *Arena) Root() string {
	if a.root == "" {
		return os.TempDir()
	}
	return a.root
}

// AcquireDir creates and registers a scratch directory.
func (a *Arena) AcquireDir(prefix string) (*Handle, error) {
	if err := a.ensureRoot(); err != nil {
		return nil, err
	}
	path, err := os.MkdirTemp(a.root, prefix+"-*")
	if err != nil {
		return nil, errors.Wrap(err, "create scratch directory")
	}
	return a.register(path, KindDir), nil
}

// AcquireFile creates (empty) and registers a scratch file.
func (a *Arena) AcquireFile(prefix, suffix string) (*Handle, error) {
	if err := a.ensureRoot(); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(a.root, prefix+"-*"+suffix)
	if err != nil {
		return nil, errors.Wrap(err, "create scratch file")
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, errors.Wrap(err, "close scratch file")
	}
	return a.register(path, KindFile), nil
}

// WithScratchDir runs fn with a fresh scratch directory that is released
// when fn returns or panics.
func (a *Arena) WithScratchDir(prefix string, fn func(dir *Handle) error) (err error) {
	dir, err := a.AcquireDir(prefix)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := dir.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(dir)
}

func (a *Arena) ensureRoot() error {
	if a.root == "" {
		return nil
	}
	return errors.Wrap(os.MkdirAll(a.root, 0o755), "create scratch root")
}

func (a *Arena) register(path string, kind Kind) *Handle {
	entry := Entry{Path: path, Kind: kind, CreatedAt: time.Now()}

	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.entries[id] = entry
	a.mu.Unlock()

	return &Handle{id: id, entry: entry, arena: a}
}

// release deletes the path of id and drops it from the registry once the
// deletion is confirmed. Unknown ids are a no-op.
func (a *Arena) release(id uint64) error {
	a.mu.Lock()
	entry, ok := a.entries[id]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	var err error
	if entry.Kind == KindDir {
		err = os.RemoveAll(entry.Path)
	} else {
		err = os.Remove(entry.Path)
	}
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "release scratch %s %q", entry.Kind, entry.Path)
	}

	a.mu.Lock()
	delete(a.entries, id)
	a.mu.Unlock()
	return nil
}

// Sweep releases every registered entry. Failures are logged and the entry
// stays registered; Sweep never panics. It returns the number released.
func (a *Arena) Sweep() int {
	a.mu.Lock()
	ids := make([]uint64, 0, len(a.entries))
	for id := range a.entries {
		ids = append(ids, id)
	}
	logger := a.logger
	a.mu.Unlock()

	released := 0
	for _, id := range ids {
		if err := a.release(id); err != nil {
			logger.Warn("Failed to release scratch entry during sweep", zap.Error(err))
			continue
		}
		released++
	}
	if released > 0 {
		logger.Info("Swept leftover scratch entries", zap.Int("released", released))
	}
	return released
}

// Len returns the number of registered entries.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Entries returns a snapshot of the registry in acquisition order.
func (a *Arena) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]uint64, 0, len(a.entries))
	for id := range a.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Entry, len(ids))
	for i, id := range ids {
		out[i] = a.entries[id]
	}
	return out
}
