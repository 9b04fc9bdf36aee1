// Package overlay implements the Overlay collaborator spec.md declares
// out of scope: persistent mutable storage for materialized directory
// content, reached through content_dir/load_dir/save_dir/remove_dir.
//
// The on-disk layout (spec.md section 6.3) splits in two: real files
// and directories under content_dir for materialized content, and a
// bun/sqlite table of directory records (entries + flags + tree hash)
// keyed by relative path.
package overlay

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gofrs/flock"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/shadowtree-fs/shadowtree/internal/model"
)

// Overlay is persistent mutable storage for a single mount. Reads and
// writes are safe for concurrent use; save_dir returns only after
// durability is reached (spec.md section 6.1).
type Overlay interface {
	ContentDir() string
	LoadDir(ctx context.Context, path string) (*model.Dir, error)
	SaveDir(ctx context.Context, path string, dir *model.Dir) error
	RemoveDir(ctx context.Context, path string) error
	Mkdir(ctx context.Context, path string) error
	OpenFile(ctx context.Context, path string, flags int, mode os.FileMode) (*os.File, error)
	RemoveFile(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Close() error
}

// overlayDirRecord is the bun model for one materialized directory's
// record. Entries are stored as a gob-encoded blob: the record format
// is opaque to the core (spec.md section 6.3), the overlay package is
// the only place that (de)serializes it.
type overlayDirRecord struct {
	bun.BaseModel `bun:"table:overlay_dirs,alias:od"`

	Path         string `bun:",pk"`
	Materialized bool
	TreeHash     []byte
	EntriesBlob  []byte
}

// DiskOverlay is the disk + bun/sqlite backed Overlay implementation.
type DiskOverlay struct {
	root string
	db   *bun.DB
	lock *flock.Flock
}

// Open opens (creating if needed) the overlay rooted at root. It takes
// an exclusive process-level lock on root so two mount processes never
// share one overlay concurrently, grounded on latentfs's use of
// gofrs/flock to guard its own content store.
func Open(ctx context.Context, root string) (*DiskOverlay, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, model.ErrIO(root, err)
	}

	lockPath := filepath.Join(root, ".shadowtree.lock")
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, model.ErrIO(lockPath, err)
	}
	if !locked {
		return nil, model.ErrIO(lockPath, fmt.Errorf("overlay: already mounted by another process"))
	}

	dbPath := filepath.Join(root, "overlay.db")
	sqldb, err := sql.Open("libsql", "file:"+dbPath)
	if err != nil {
		_ = fl.Unlock()
		return nil, model.ErrIO(dbPath, err)
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())

	if _, err := db.NewCreateTable().Model((*overlayDirRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		_ = fl.Unlock()
		return nil, model.ErrIO(dbPath, err)
	}

	return &DiskOverlay{root: root, db: db, lock: fl}, nil
}

func (o *DiskOverlay) ContentDir() string { return o.root }

func (o *DiskOverlay) absPath(path string) string {
	return filepath.Join(o.root, filepath.FromSlash(path))
}

// LoadDir returns the record for path, or nil if none exists, matching
// the "Option<Dir>" return spec.md's NameManager-adjacent Overlay
// interface documents.
func (o *DiskOverlay) LoadDir(ctx context.Context, path string) (*model.Dir, error) {
	var rec overlayDirRecord
	err := o.db.NewSelect().Model(&rec).Where("path = ?", path).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, model.ErrIO(path, err)
	}

	dir := &model.Dir{Materialized: rec.Materialized, Entries: make(map[string]*model.Entry)}
	if len(rec.TreeHash) == 20 {
		var h model.Hash
		copy(h[:], rec.TreeHash)
		dir.TreeHash = &h
	}
	if len(rec.EntriesBlob) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(rec.EntriesBlob)).Decode(&dir.Entries); err != nil {
			return nil, model.ErrConsistency(path, err)
		}
	}
	return dir, nil
}

// SaveDir persists dir at path. The write goes through withRetry, but
// a database error is never classified as transient there, so a failed
// write is returned after the first attempt. The
// write is awaited synchronously before returning, so a subsequent
// LoadDir in this process observes it immediately — this is how the
// mkdir/lookup read-your-writes open question (spec.md section 9) is
// resolved for this implementation.
func (o *DiskOverlay) SaveDir(ctx context.Context, path string, dir *model.Dir) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(dir.Entries); err != nil {
		return model.ErrIO(path, err)
	}

	rec := &overlayDirRecord{
		Path:         path,
		Materialized: dir.Materialized,
		EntriesBlob:  buf.Bytes(),
	}
	if dir.TreeHash != nil {
		rec.TreeHash = append([]byte(nil), dir.TreeHash[:]...)
	}

	return withRetry(func() error {
		_, err := o.db.NewInsert().
			Model(rec).
			On("CONFLICT (path) DO UPDATE").
			Set("materialized = EXCLUDED.materialized").
			Set("tree_hash = EXCLUDED.tree_hash").
			Set("entries_blob = EXCLUDED.entries_blob").
			Exec(ctx)
		if err != nil {
			return model.ErrIO(path, err)
		}
		return nil
	})
}

// RemoveDir deletes the overlay directory record entirely, used by
// rmdir once the on-disk content directory is gone (spec.md section
// 4.3.4).
func (o *DiskOverlay) RemoveDir(ctx context.Context, path string) error {
	return withRetry(func() error {
		_, err := o.db.NewDelete().Model((*overlayDirRecord)(nil)).Where("path = ?", path).Exec(ctx)
		if err != nil {
			return model.ErrIO(path, err)
		}
		return nil
	})
}

// Mkdir creates the real content-dir directory for path, tolerating
// EEXIST per the materialization protocol (spec.md section 4.2 step
// 3c).
func (o *DiskOverlay) Mkdir(ctx context.Context, path string) error {
	full := o.absPath(path)
	return withRetry(func() error {
		if err := os.Mkdir(full, 0o755); err != nil && !os.IsExist(err) {
			return model.ErrIO(path, err)
		}
		return nil
	})
}

func (o *DiskOverlay) OpenFile(_ context.Context, path string, flags int, mode os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(o.absPath(path), flags, mode)
	if err != nil {
		return nil, model.ErrIO(path, err)
	}
	return f, nil
}

func (o *DiskOverlay) RemoveFile(_ context.Context, path string) error {
	full := o.absPath(path)
	return withRetry(func() error {
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return model.ErrIO(path, err)
		}
		return nil
	})
}

func (o *DiskOverlay) Rename(_ context.Context, oldPath, newPath string) error {
	oldFull, newFull := o.absPath(oldPath), o.absPath(newPath)
	return withRetry(func() error {
		if err := os.Rename(oldFull, newFull); err != nil {
			return model.ErrIO(newPath, err)
		}
		return nil
	})
}

func (o *DiskOverlay) Close() error {
	err := o.db.Close()
	if unlockErr := o.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

// withRetry wraps a disk operation with a bounded retry for transient
// failures, distinguishing them from permanent I/O failures which
// spec.md section 7 says must surface as-is. Grounded on latentfs's
// use of avast/retry-go/v4 around its filesystem adapter.
func withRetry(op func() error) error {
	return retry.Do(
		op,
		retry.Attempts(3),
		retry.Delay(5*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var e *model.Errno
			if ok := asErrno(err, &e); ok {
				return e.Class == model.ClassIOFailure && isTransient(e.Cause)
			}
			return false
		}),
	)
}

func asErrno(err error, target **model.Errno) bool {
	for err != nil {
		if e, ok := err.(*model.Errno); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func isTransient(cause error) bool {
	if cause == nil {
		return false
	}
	if pe, ok := cause.(*os.PathError); ok {
		return os.IsTimeout(pe.Err)
	}
	return false
}
