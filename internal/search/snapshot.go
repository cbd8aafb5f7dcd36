package search

import (
	"sync/atomic"

	"github.com/imsearch/imsearch/internal/ivf"
)

// Snapshot is one immutable, searchable view of the index: a trained
// quantizer plus the posting-list source built under it. A reload builds
// a brand new Snapshot and swaps it in atomically; in-flight searches keep
// using the snapshot they started with.
//
// Grounded on a general-purpose vector engine's SnapshotMmap type (a
// loaded index paired with a mmap cleanup handle), generalized from that
// engine's single-writer full-database snapshot into an explicit
// refcounted handle so a reload's mmap Close doesn't race a search still
// reading from the old snapshot.
type Snapshot struct {
	Quantizer *ivf.Quantizer
	source    bucketSource
}

func newSnapshot(q *ivf.Quantizer, src bucketSource) *Snapshot {
	return &Snapshot{Quantizer: q, source: src}
}

func (s *Snapshot) close() error {
	if s.source == nil {
		return nil
	}
	return s.source.close()
}

// snapshotHandle refcounts a Snapshot so it can be closed exactly once,
// after both the engine has swapped it out and every search holding it
// has finished.
type snapshotHandle struct {
	snap *Snapshot
	refs atomic.Int32
}

func newHandle(snap *Snapshot) *snapshotHandle {
	h := &snapshotHandle{snap: snap}
	h.refs.Store(1)
	return h
}

// acquire adds a reference, but only while the handle is still live: once
// release has dropped refs to zero the snapshot may already be closed (its
// mmap unmapped), so a late acquire must not resurrect it. The CAS loop
// retries against concurrent releases instead of blindly incrementing.
func (h *snapshotHandle) acquire() *snapshotHandle {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return nil
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return h
		}
	}
}

func (h *snapshotHandle) release() {
	if h.refs.Add(-1) == 0 {
		_ = h.snap.close()
	}
}

// snapshotSlot holds the engine's current handle behind an atomic pointer
// so Reload can swap it in without a lock on the search hot path.
type snapshotSlot struct {
	current atomic.Pointer[snapshotHandle]
}

// store installs handle as current, releasing the engine's own reference
// to whatever was there before. The previous snapshot's resources are
// freed once every search still holding it via acquire has released.
func (s *snapshotSlot) store(h *snapshotHandle) {
	old := s.current.Swap(h)
	if old != nil {
		old.release()
	}
}

// acquire returns the current handle with an extra reference held for the
// caller, who must call release when done. Returns nil if no snapshot has
// been loaded yet.
func (s *snapshotSlot) acquire() *snapshotHandle {
	for {
		h := s.current.Load()
		if h == nil {
			return nil
		}
		if acquired := h.acquire(); acquired != nil {
			return acquired
		}
		// h's refcount hit zero (a concurrent store() released it) between
		// our Load and acquire; s.current has since moved on, so retry
		// against whatever is current now.
	}
}
