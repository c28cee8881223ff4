// Package tempstore manages per-session scratch directories for uploaded
// bundles. Each dialogue gets one Lease; releasing the lease is the single
// cleanup path for every file written under it.
package tempstore

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
)

const dirPrefix = "p12bot_"

// Store allocates uniquely named scratch directories under a base directory.
type Store struct {
	base string
}

// New returns a store rooted at base. An empty base falls back to the
// OS temp directory.
func New(base string) *Store {
	return &Store{base: base}
}

// Allocate creates a fresh empty directory and returns its lease.
func (s *Store) Allocate() (*Lease, error) {
	dir, err := os.MkdirTemp(s.base, dirPrefix)
	if err != nil {
		return nil, fmt.Errorf("allocate temp dir: %w", err)
	}
	return &Lease{dir: dir}, nil
}

// Lease is the scoped ownership of one scratch directory. Release is
// idempotent and must run on every exit path.
type Lease struct {
	dir      string
	released atomic.Bool
}

// Path returns the leased directory.
func (l *Lease) Path() string {
	return l.dir
}

// Join returns a path inside the leased directory. The name is reduced to
// its base so uploads cannot escape the lease.
func (l *Lease) Join(name string) string {
	return filepath.Join(l.dir, filepath.Base(name))
}

// Release deletes every file in the directory, then the directory itself.
// Individual deletion failures are logged and swallowed so one stuck file
// never blocks the rest of the sweep.
func (l *Lease) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("tempstore: read %s failed: %v", l.dir, err)
		}
		return
	}
	for _, entry := range entries {
		p := filepath.Join(l.dir, entry.Name())
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("tempstore: remove %s failed: %v", p, err)
		}
	}
	if err := os.Remove(l.dir); err != nil && !os.IsNotExist(err) {
		log.Printf("tempstore: remove dir %s failed: %v", l.dir, err)
	}
}

// Released reports whether the lease has already been released.
func (l *Lease) Released() bool {
	return l != nil && l.released.Load()
}
