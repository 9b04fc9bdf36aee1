package treeinode

import (
	"context"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/shadowtree-fs/shadowtree/internal/fileinode"
	"github.com/shadowtree-fs/shadowtree/internal/model"
	"github.com/shadowtree-fs/shadowtree/internal/nameid"
)

// Every mutating operation follows the same shape (spec.md section
// 4.3): preflight under a read lock, materialize self and ancestors,
// commit under a write lock re-checking the same preconditions,
// persist, then journal. The preflight exists purely to fail fast
// without paying the materialization cost; the commit's re-check is
// what's actually load-bearing for correctness.

func (t *TreeInode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if errno := t.preflightAbsent(name); errno != 0 {
		return nil, nil, 0, errno
	}

	if err := t.materializeSelfAndAncestors(ctx); err != nil {
		return nil, nil, 0, model.ToErrno(err)
	}

	child, entry, id, err := t.commitCreate(ctx, name, flags)
	t.mount.Metrics.RecordMutation(err == nil)
	if err != nil {
		return nil, nil, 0, model.ToErrno(err)
	}

	if _, jerr := t.mount.Journal.Append([]string{name}); jerr != nil {
		t.mount.Log.WithError(jerr).Error("create: journal append failed")
	}

	fillEntryOut(out, entry, id)
	stable := fs.StableAttr{Mode: fuseTypeMode(entry), Ino: uint64(id)}
	return t.NewInode(ctx, child, stable), nil, 0, 0
}

func (t *TreeInode) preflightAbsent(name string) syscall.Errno {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, exists := t.dir.Entries[name]; exists {
		return syscall.EEXIST
	}
	return 0
}

func (t *TreeInode) commitCreate(ctx context.Context, name string, flags uint32) (*fileinode.FileInode, *model.Entry, nameid.InodeID, error) {
	t.lockWrite()
	defer t.unlockWrite()

	if _, exists := t.dir.Entries[name]; exists {
		return nil, nil, 0, model.ErrExist(name)
	}

	dirPath, err := t.mount.Names.ResolvePath(t.id)
	if err != nil {
		return nil, nil, 0, model.ErrConsistency(name, err)
	}
	filePath := joinPath(dirPath, name)

	openFlags := os.O_RDWR | os.O_CREATE | (int(flags) &^ (syscall.O_RDONLY | syscall.O_WRONLY | syscall.O_CREAT))
	f, err := t.mount.Overlay.OpenFile(ctx, filePath, openFlags, 0o644)
	if err != nil {
		return nil, nil, 0, err
	}

	mode := uint32(syscall.S_IFREG | 0o644)
	if fi, statErr := f.Stat(); statErr == nil {
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			mode = st.Mode
		}
	}

	entry := &model.Entry{Kind: model.KindFile, Mode: mode, Materialized: true}
	t.dir.Entries[name] = entry

	if err := t.mount.Overlay.SaveDir(ctx, dirPath, t.dir); err != nil {
		_ = f.Close()
		return nil, nil, 0, err
	}

	node := t.mount.Names.GetOrCreate(t.id, name)
	child := fileinode.NewWithHandle(t.fileDeps(), node.ID, t.id, entry, f)
	inserted := t.mount.Inodes.Insert(child)
	fi, ok := inserted.(*fileinode.FileInode)
	if !ok {
		return nil, nil, 0, model.ErrConsistency(name, errUnexpectedResident)
	}

	return fi, entry, node.ID, nil
}

func (t *TreeInode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if errno := t.preflightAbsent(name); errno != 0 {
		return nil, errno
	}

	if err := t.materializeSelfAndAncestors(ctx); err != nil {
		return nil, model.ToErrno(err)
	}

	if err := t.commitMkdir(ctx, name); err != nil {
		t.mount.Metrics.RecordMutation(false)
		return nil, model.ToErrno(err)
	}
	t.mount.Metrics.RecordMutation(true)

	if _, jerr := t.mount.Journal.Append([]string{name}); jerr != nil {
		t.mount.Log.WithError(jerr).Error("mkdir: journal append failed")
	}

	// Re-run lookup to fabricate the *fs.Inode: it needs the same
	// process-wide-table-and-NewInode dance Lookup already implements,
	// per spec.md section 4.3.2.
	return t.Lookup(ctx, name, out)
}

func (t *TreeInode) commitMkdir(ctx context.Context, name string) error {
	t.lockWrite()
	defer t.unlockWrite()

	if _, exists := t.dir.Entries[name]; exists {
		return model.ErrExist(name)
	}

	dirPath, err := t.mount.Names.ResolvePath(t.id)
	if err != nil {
		return model.ErrConsistency(name, err)
	}
	childPath := joinPath(dirPath, name)

	if err := t.mount.Overlay.Mkdir(ctx, childPath); err != nil {
		return err
	}

	entry := &model.Entry{Kind: model.KindDirectory, Mode: uint32(syscall.S_IFDIR | 0o755), Materialized: true}

	// Pre-create an empty materialized overlay record for the new
	// child so that a racing lookup can never observe a Materialized
	// Entry with no backing overlay record (the read-your-writes open
	// question, spec.md section 9).
	childDir := model.NewDir()
	childDir.Materialized = true
	if err := t.mount.Overlay.SaveDir(ctx, childPath, childDir); err != nil {
		return err
	}

	t.dir.Entries[name] = entry

	return t.mount.Overlay.SaveDir(ctx, dirPath, t.dir)
}

func (t *TreeInode) Unlink(ctx context.Context, name string) syscall.Errno {
	if errno := t.preflightUnlink(name); errno != 0 {
		return errno
	}

	if err := t.materializeSelfAndAncestors(ctx); err != nil {
		return model.ToErrno(err)
	}

	err := t.commitUnlink(ctx, name)
	t.mount.Metrics.RecordMutation(err == nil)
	if err != nil {
		return model.ToErrno(err)
	}

	if _, jerr := t.mount.Journal.Append([]string{name}); jerr != nil {
		t.mount.Log.WithError(jerr).Error("unlink: journal append failed")
	}
	return 0
}

func (t *TreeInode) preflightUnlink(name string) syscall.Errno {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, exists := t.dir.Entries[name]
	if !exists {
		return syscall.ENOENT
	}
	if entry.Kind == model.KindDirectory {
		return syscall.EISDIR
	}
	return 0
}

func (t *TreeInode) commitUnlink(ctx context.Context, name string) error {
	t.lockWrite()
	defer t.unlockWrite()

	entry, exists := t.dir.Entries[name]
	if !exists {
		return model.ErrNotEnt(name)
	}
	if entry.Kind == model.KindDirectory {
		return model.ErrIsDir(name)
	}

	dirPath, err := t.mount.Names.ResolvePath(t.id)
	if err != nil {
		return model.ErrConsistency(name, err)
	}

	if entry.Materialized {
		if err := t.mount.Overlay.RemoveFile(ctx, joinPath(dirPath, name)); err != nil {
			return err
		}
	}

	delete(t.dir.Entries, name)
	return t.mount.Overlay.SaveDir(ctx, dirPath, t.dir)
}

func (t *TreeInode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if errno := t.preflightRmdir(ctx, name); errno != 0 {
		return errno
	}

	if err := t.materializeSelfAndAncestors(ctx); err != nil {
		return model.ToErrno(err)
	}

	err := t.commitRmdir(ctx, name)
	t.mount.Metrics.RecordMutation(err == nil)
	if err != nil {
		return model.ToErrno(err)
	}

	if _, jerr := t.mount.Journal.Append([]string{name}); jerr != nil {
		t.mount.Log.WithError(jerr).Error("rmdir: journal append failed")
	}
	return 0
}

func (t *TreeInode) preflightRmdir(ctx context.Context, name string) syscall.Errno {
	t.mu.RLock()
	entry, exists := t.dir.Entries[name]
	t.mu.RUnlock()
	if !exists {
		return syscall.ENOENT
	}
	if entry.Kind != model.KindDirectory {
		return syscall.ENOTDIR
	}

	target, errno := t.resolveChildDir(ctx, name, entry)
	if errno != 0 {
		return errno
	}
	target.mu.RLock()
	empty := len(target.dir.Entries) == 0
	target.mu.RUnlock()
	if !empty {
		return syscall.ENOTEMPTY
	}
	return 0
}

// resolveChildDir resolves name to a live *TreeInode without going
// through go-fuse's Lookup/EntryOut machinery. It touches neither t.mu
// nor target.mu itself, so callers may invoke it whether or not they
// already hold t.mu.
func (t *TreeInode) resolveChildDir(ctx context.Context, name string, entry *model.Entry) (*TreeInode, syscall.Errno) {
	node := t.mount.Names.GetOrCreate(t.id, name)
	child, errno := t.resolveChild(ctx, node, entry)
	if errno != 0 {
		return nil, errno
	}
	target, ok := child.(*TreeInode)
	if !ok {
		return nil, syscall.ENOTDIR
	}
	return target, 0
}

// residentChildDir looks up an already-resolved child directory
// without any I/O, used inside a commit that already holds a write
// lock: the child must have been resolved during the corresponding
// preflight, so a table miss here is a consistency violation rather
// than something to construct on the spot.
func (t *TreeInode) residentChildDir(name string, _ *model.Entry) (*TreeInode, syscall.Errno) {
	node := t.mount.Names.GetIfExists(t.id, name)
	if node == nil {
		return nil, syscall.EIO
	}
	inode, ok := t.mount.Inodes.Lookup(node.ID)
	if !ok {
		return nil, syscall.EIO
	}
	target, ok := inode.(*TreeInode)
	if !ok {
		return nil, syscall.EIO
	}
	return target, 0
}

func (t *TreeInode) commitRmdir(ctx context.Context, name string) error {
	t.lockWrite()
	defer t.unlockWrite()

	entry, exists := t.dir.Entries[name]
	if !exists {
		return model.ErrNotEnt(name)
	}
	if entry.Kind != model.KindDirectory {
		return model.ErrNotDir(name)
	}

	target, errno := t.residentChildDir(name, entry)
	if errno != 0 {
		return model.ErrConsistency(name, errChildNotResident)
	}
	target.mu.RLock()
	empty := len(target.dir.Entries) == 0
	target.mu.RUnlock()
	if !empty {
		return model.ErrNotEmpty(name)
	}

	dirPath, err := t.mount.Names.ResolvePath(t.id)
	if err != nil {
		return model.ErrConsistency(name, err)
	}
	childPath := joinPath(dirPath, name)

	if entry.Materialized {
		if err := t.mount.Overlay.RemoveFile(ctx, childPath); err != nil {
			t.mount.Log.WithError(err).Warn("rmdir: content directory removal failed")
		}
		if err := t.mount.Overlay.RemoveDir(ctx, childPath); err != nil {
			return err
		}
	}

	delete(t.dir.Entries, name)
	return t.mount.Overlay.SaveDir(ctx, dirPath, t.dir)
}
