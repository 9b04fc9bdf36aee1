// Package model holds the value types shared by every layer of the
// directory inode core: the store's content addresses, one directory's
// entry table, and the append-only journal record shape.
package model

import "fmt"

// Hash is a content address into the object store. It is opaque to the
// core beyond equality and string rendering.
type Hash [20]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", [20]byte(h))
}

// IsZero reports whether h is the zero hash (used as "no backing object").
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Kind discriminates an Entry's type without runtime-type probing on
// the resolved inode, per the design notes' preference for a variant
// discriminator.
type Kind uint8

const (
	KindFile Kind = iota
	KindDirectory
	KindSymlink
)

// Entry is one child record of a Dir: mode, optional backing hash, and
// the materialized flag.
//
// Invariant E1: Materialized == false implies Hash != nil.
// Invariant E2: Materialized == true entries may still carry a Hash,
// the ancestor tree id of the working copy; it is informational only.
type Entry struct {
	Kind         Kind
	Mode         uint32
	Hash         *Hash
	Materialized bool
}

// Clone returns a value copy of e, including a fresh Hash pointer so
// mutating the clone's Hash never aliases the original (needed by
// rename's move-then-erase, P6's byte-equality requirement).
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Hash != nil {
		h := *e.Hash
		clone.Hash = &h
	}
	return &clone
}

// Equal reports whether e and other carry identical fields, used by P6
// (rename identity) tests.
func (e *Entry) Equal(other *Entry) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.Kind != other.Kind || e.Mode != other.Mode || e.Materialized != other.Materialized {
		return false
	}
	switch {
	case e.Hash == nil && other.Hash == nil:
		return true
	case e.Hash == nil || other.Hash == nil:
		return false
	default:
		return *e.Hash == *other.Hash
	}
}

// Dir is the in-memory image of one directory.
//
// Invariant D1: Materialized == false implies Entries is exactly the
// children of the tree named by TreeHash, each with Materialized ==
// false and Hash equal to the child's store hash.
// Invariant D2: Materialized == true implies the on-disk overlay
// record for this directory equals this value, except during the
// narrow parent-entry reconciliation window documented in the
// materialization protocol.
type Dir struct {
	Entries      map[string]*Entry
	Materialized bool
	TreeHash     *Hash
}

// NewDir returns an empty, non-materialized Dir.
func NewDir() *Dir {
	return &Dir{Entries: make(map[string]*Entry)}
}

// Clone deep-copies d, including every Entry, so callers can persist a
// snapshot without racing later in-memory mutation.
func (d *Dir) Clone() *Dir {
	if d == nil {
		return nil
	}
	out := &Dir{
		Materialized: d.Materialized,
		Entries:      make(map[string]*Entry, len(d.Entries)),
	}
	if d.TreeHash != nil {
		h := *d.TreeHash
		out.TreeHash = &h
	}
	for name, e := range d.Entries {
		out.Entries[name] = e.Clone()
	}
	return out
}

// Equal reports whether d and other have identical entries, flags, and
// tree hash — used by the overlay round-trip property (P4).
func (d *Dir) Equal(other *Dir) bool {
	if d == nil || other == nil {
		return d == other
	}
	if d.Materialized != other.Materialized || len(d.Entries) != len(other.Entries) {
		return false
	}
	switch {
	case d.TreeHash == nil && other.TreeHash != nil, d.TreeHash != nil && other.TreeHash == nil:
		return false
	case d.TreeHash != nil && other.TreeHash != nil && *d.TreeHash != *other.TreeHash:
		return false
	}
	for name, e := range d.Entries {
		oe, ok := other.Entries[name]
		if !ok || !e.Equal(oe) {
			return false
		}
	}
	return true
}

// JournalDelta names the paths touched by one successful mutating
// operation. OpID is a UUID, unique per journal append, used to
// cross-reference overlay writes with journal entries during crash
// recovery.
type JournalDelta struct {
	OpID  string
	Paths []string
}
