// Package journal implements the Journal collaborator spec.md declares
// out of scope: an append-only log of materialization deltas.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"path/filepath"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"

	"github.com/shadowtree-fs/shadowtree/internal/model"
)

var deltasBucket = []byte("deltas")

// Journal appends JournalDelta records naming the paths a successful
// mutation touched. Every successful mutating operation produces
// exactly one delta; no failing operation produces one (P5).
type Journal interface {
	Append(paths []string) (model.JournalDelta, error)
	// Deltas returns every recorded delta in append order, oldest
	// first, used by fsck and by tests asserting journal coverage.
	Deltas() ([]model.JournalDelta, error)
	Close() error
}

// BoltJournal is a boltdb-backed append-only journal: one bucket keyed
// by monotonically increasing sequence number, gob-encoding each
// JournalDelta. Grounded on quantumfs's own dependency on
// boltdb/bolt, repurposed here from workspace-db storage to a log —
// bolt's single-writer, strictly ordered bucket keys are a direct fit
// for an append-only delta log.
type BoltJournal struct {
	db *bolt.DB
}

// Open opens (creating if needed) the journal database at
// filepath.Join(dir, "journal.db").
func Open(dir string) (*BoltJournal, error) {
	path := filepath.Join(dir, "journal.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, model.ErrIO(path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(deltasBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, model.ErrIO(path, err)
	}
	return &BoltJournal{db: db}, nil
}

// Append records a new delta and returns it, including its assigned
// op id.
func (j *BoltJournal) Append(paths []string) (model.JournalDelta, error) {
	delta := model.JournalDelta{OpID: uuid.NewString(), Paths: append([]string(nil), paths...)}

	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(deltasBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(delta); err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, buf.Bytes())
	})
	if err != nil {
		return model.JournalDelta{}, model.ErrIO("journal", err)
	}
	return delta, nil
}

func (j *BoltJournal) Deltas() ([]model.JournalDelta, error) {
	var out []model.JournalDelta
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(deltasBucket)
		return b.ForEach(func(_, v []byte) error {
			var delta model.JournalDelta
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&delta); err != nil {
				return err
			}
			out = append(out, delta)
			return nil
		})
	})
	if err != nil {
		return nil, model.ErrIO("journal", err)
	}
	return out, nil
}

func (j *BoltJournal) Close() error {
	return j.db.Close()
}

// MemJournal is an in-memory Journal used by unit tests that don't
// need disk durability.
type MemJournal struct {
	deltas []model.JournalDelta
}

func NewMemJournal() *MemJournal { return &MemJournal{} }

func (j *MemJournal) Append(paths []string) (model.JournalDelta, error) {
	delta := model.JournalDelta{OpID: uuid.NewString(), Paths: append([]string(nil), paths...)}
	j.deltas = append(j.deltas, delta)
	return delta, nil
}

func (j *MemJournal) Deltas() ([]model.JournalDelta, error) {
	return append([]model.JournalDelta(nil), j.deltas...), nil
}

func (j *MemJournal) Close() error { return nil }
