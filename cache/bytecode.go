// Package cache implements the Bytecode Cache (§4.2): a Handle
// memory-maps compiled Sieve bytecode blobs and deduplicates them by
// filesystem inode so an include graph never loads the same file twice.
package cache

import (
	"fmt"
	"log"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/migadu/sievecore/sieve"
)

// blob is one memory-mapped bytecode file tracked by a Handle.
type blob struct {
	path  string
	inode uint64
	dev   uint64
	data  []byte
	prog  *sieve.Program
}

// Handle is the caller-visible Execute Handle described in §3: an
// insertion-ordered set of memory-mapped blobs keyed by inode, plus a
// "current" cursor naming the blob most recently loaded or matched.
//
// A single Handle is NOT safe for concurrent Load/Unload from multiple
// goroutines (§5): loads mutate the blob list. Concurrent *reads* of
// already-mapped blobs (via Current/Program once Load/Unload has
// quiesced) are safe since the mappings are read-only for the Handle's
// lifetime.
type Handle struct {
	mu      sync.Mutex
	blobs   []*blob // insertion order, most recent Load prepended
	current *blob
}

// NewHandle returns an empty Handle with no loaded blobs.
func NewHandle() *Handle {
	return &Handle{}
}

// Load implements the protocol in §4.2:
//  1. stat the file; missing -> Fail (logged at debug, not error).
//  2. scan the handle's existing blobs for a matching inode; if found,
//     point current at it and return Reloaded without re-mapping.
//  3. otherwise open+fstat+mmap the file, prepend a new blob, point
//     current at it, and return Ok.
func (h *Handle) Load(path string) (sieve.Status, error) {
	if h == nil {
		return sieve.Fail, fmt.Errorf("cache: Load called on a nil handle")
	}

	fi, err := os.Stat(path)
	if err != nil {
		log.Printf("[sieve/cache] stat %s: %v", path, err)
		return sieve.Fail, err
	}
	inode, dev := statIDs(fi)

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, b := range h.blobs {
		if b.inode == inode && b.dev == dev {
			h.current = b
			return sieve.Reloaded, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return sieve.Fail, fmt.Errorf("cache: open %s: %w", path, err)
	}
	defer f.Close()

	fi2, err := f.Stat()
	if err != nil {
		return sieve.Fail, fmt.Errorf("cache: fstat %s: %w", path, err)
	}
	size := fi2.Size()
	if size == 0 {
		return sieve.Fail, fmt.Errorf("cache: %s is empty", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return sieve.Fail, fmt.Errorf("cache: mmap %s: %w", path, err)
	}

	prog, err := sieve.DecodeProgram(data)
	if err != nil {
		unix.Munmap(data)
		return sieve.Fail, fmt.Errorf("cache: decode %s: %w", path, err)
	}

	b := &blob{path: path, inode: inode, dev: dev, data: data, prog: prog}
	h.blobs = append([]*blob{b}, h.blobs...)
	h.current = b
	return sieve.Ok, nil
}

// Unload releases the mapping of every blob tracked by the handle. It
// returns Fail only when given a nil handle, preserving the historical
// contract callers rely on to treat "already freed" as an error rather
// than a silent no-op; a munmap failure is reported through the error
// while the status stays Ok.
func (h *Handle) Unload() (sieve.Status, error) {
	if h == nil {
		return sieve.Fail, fmt.Errorf("cache: Unload called on a nil handle")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for _, b := range h.blobs {
		if err := unix.Munmap(b.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("cache: munmap %s: %w", b.path, err)
		}
	}
	h.blobs = nil
	h.current = nil
	return sieve.Ok, firstErr
}

// Current returns the Program the cursor currently points to, or nil if
// nothing has been loaded.
func (h *Handle) Current() *sieve.Program {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return nil
	}
	return h.current.prog
}

// Seen reports whether path's inode is already tracked by the handle,
// without mutating the cursor. The Evaluation Engine does not call it:
// execInclude decides whether to run a child from the Ok/Reloaded status
// Load reports.
func (h *Handle) Seen(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	inode, dev := statIDs(fi)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.blobs {
		if b.inode == inode && b.dev == dev {
			return true
		}
	}
	return false
}

// Len reports the number of distinct inodes currently mapped, mainly for
// tests asserting dedup behavior.
func (h *Handle) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.blobs)
}
