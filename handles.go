package vaultfs

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/absfs/absfs"
)

// handle is an open volume file shared by every host reference to one path.
// Lock order: Adapter.mu before handle.mu, never the reverse.
type handle struct {
	mu       sync.Mutex // serializes positioned I/O on file
	file     absfs.File // opened lazily by the first read or write
	writable bool
	refs     int
	closed   bool
}

// handleFor returns the open handle of p, opening the volume file if needed.
// Callers hold a.mu.
func (a *Adapter) handleFor(op, p string, write bool) (*handle, error) {
	h := a.handles[p]
	if h == nil || h.file == nil {
		info, err := a.vol.Stat(p)
		if err != nil {
			return nil, volumeError(op, p, err, a.parentMissing(p))
		}
		if info.IsDir() {
			return nil, opError(op, p, StatusAccessDenied, nil)
		}

		writable := true
		f, err := a.vol.OpenFile(p, os.O_RDWR, 0)
		if errors.Is(err, fs.ErrPermission) {
			writable = false
			f, err = a.vol.OpenFile(p, os.O_RDONLY, 0)
		}
		if err != nil {
			return nil, volumeError(op, p, err, false)
		}
		if h == nil {
			h = &handle{}
			a.handles[p] = h
		}
		h.file = f
		h.writable = writable
	}
	if write && !h.writable {
		return nil, opError(op, p, StatusAccessDenied, nil)
	}
	return h, nil
}

// ref records one more host reference to p.
func (a *Adapter) ref(p string) {
	h := a.handles[p]
	if h == nil {
		h = &handle{}
		a.handles[p] = h
	}
	h.refs++
}

// release drops one reference to p. When none remain the handle is closed
// and a pending delete is applied. Callers hold a.mu.
func (a *Adapter) release(p string) error {
	if h := a.handles[p]; h != nil {
		h.refs--
		if h.refs > 0 {
			return nil
		}
		delete(a.handles, p)
		if err := h.close(); err != nil {
			return volumeError("close", p, err, false)
		}
	}
	return a.applyPendingDelete(p)
}

func (a *Adapter) applyPendingDelete(p string) error {
	if !a.pending[p] {
		return nil
	}
	if h := a.handles[p]; h != nil && h.refs > 0 {
		return nil
	}
	delete(a.pending, p)
	if err := a.vol.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return volumeError("delete", p, err, false)
	}
	a.log.Debug().Str("path", p).Msg("pending delete applied")
	return nil
}

// rekey moves handles and pending deletes from oldp, and from everything
// below it, to newp.
func (a *Adapter) rekey(oldp, newp string) {
	prefix := oldp + "/"
	moved := func(p string) (string, bool) {
		if p == oldp {
			return newp, true
		}
		if strings.HasPrefix(p, prefix) {
			return newp + "/" + p[len(prefix):], true
		}
		return "", false
	}
	for p, h := range a.handles {
		if np, ok := moved(p); ok {
			delete(a.handles, p)
			a.handles[np] = h
		}
	}
	for p := range a.pending {
		if np, ok := moved(p); ok {
			delete(a.pending, p)
			a.pending[np] = true
		}
	}
}

// evict closes the handle of p regardless of its references.
func (a *Adapter) evict(p string) {
	if h := a.handles[p]; h != nil {
		delete(a.handles, p)
		if err := h.close(); err != nil {
			a.log.Warn().Err(err).Str("path", p).Msg("failed to close evicted handle")
		}
	}
}

// close waits for in-flight I/O on the handle, then closes its file.
func (h *handle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.file == nil {
		return nil
	}
	return h.file.Close()
}
