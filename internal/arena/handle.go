package arena

import "path/filepath"

// Handle is one acquired scratch path.
type Handle struct {
	id    uint64
	entry Entry
	arena *Arena
}

// Path returns the scratch path.
func (h *Handle) Path() string {
	return h.entry.Path
}

// Kind returns whether the handle is a file or a directory.
func (h *Handle) Kind() Kind {
	return h.entry.Kind
}

// Join builds a path underneath a directory handle.
func (h *Handle) Join(elem ...string) string {
	return filepath.Join(append([]string{h.entry.Path}, elem...)...)
}

// Release deletes the scratch path. It is safe to call more than once and
// after a Sweep.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	return h.arena.release(h.id)
}
