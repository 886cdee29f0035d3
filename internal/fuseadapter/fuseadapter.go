// Copyright 2024 The corefs Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fuseadapter mounts the filesystem built out of internal/inode,
// internal/pathfs and internal/vfile as a real FUSE file system, using
// github.com/jacobsa/fuse. It owns the mapping between the kernel-visible
// fuseops.InodeID namespace (assigned lazily, stable for the lifetime of a
// lookup) and the on-disk inode numbers the rest of the module speaks in.
//
// Lock ordering: fs.mu guards only the ID-mapping bookkeeping below and is
// never held across a call into internal/inode, internal/pathfs or
// internal/vfile, all of which may block on simulated disk I/O. An op holds
// at most two inode locks at once: a directory's, and then briefly one
// child's (as in createChild and ReadDir), following the same discipline as
// the filesystem layer this package is modeled on.
package fuseadapter

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/corefs-project/corefs/clock"
	"github.com/corefs-project/corefs/internal/inode"
	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/corefs-project/corefs/internal/pathfs"
	"github.com/corefs-project/corefs/internal/vfile"
	"github.com/corefs-project/corefs/internal/walog"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
)

// attrTTL is how long the kernel may cache attributes and directory entries
// we hand it before re-validating. Nothing here changes behind the kernel's
// back except through this same process, so a modest TTL is safe.
const attrTTL = time.Second

// nodeEntry is the bookkeeping kept per kernel-visible inode ID: the
// on-disk inode number it names and the corefs-level reference held on the
// child's behalf for as long as the kernel's lookup count is above zero.
type nodeEntry struct {
	inum   uint32
	ip     *inode.Inode
	lookup uint64
}

type handleKind int

const (
	handleDir handleKind = iota
	handleFile
)

// handleEntry is one open directory or file handle.
type handleEntry struct {
	kind handleKind
	ip   *inode.Inode // referenced directory inode, held open..release; handleDir only
	file *vfile.File  // handleFile only
}

// FS implements fuseutil.FileSystem over a corefs filesystem instance.
// Methods not implemented here (permissions, xattrs, symlinks, rename) fall
// back to NotImplementedFileSystem's ENOSYS, per the module's non-goals.
type FS struct {
	fuseutil.NotImplementedFileSystem

	ic  *inode.Cache
	pf  *pathfs.Resolver
	ft  *vfile.Table
	log walog.Log
	dev uint32

	clock  clock.Clock
	logger *log.Logger

	mu          sync.Mutex
	nodes       map[fuseops.InodeID]*nodeEntry
	byInum      map[uint32]fuseops.InodeID
	nextID      fuseops.InodeID
	handles     map[fuseops.HandleID]*handleEntry
	nextHandle  fuseops.HandleID
}

// New returns an FS rooted at ondisk.RootIno on dev, with fuseops.RootInodeID
// pre-mapped and held as already looked-up.
func New(ic *inode.Cache, pf *pathfs.Resolver, ft *vfile.Table, l walog.Log, dev uint32, clk clock.Clock, logger *log.Logger) *FS {
	root := ic.Iget(dev, ondisk.RootIno)
	fs := &FS{
		ic:     ic,
		pf:     pf,
		ft:     ft,
		log:    l,
		dev:    dev,
		clock:  clk,
		logger: logger,
		nodes: map[fuseops.InodeID]*nodeEntry{
			fuseops.RootInodeID: {inum: ondisk.RootIno, ip: root, lookup: 1},
		},
		byInum: map[uint32]fuseops.InodeID{
			ondisk.RootIno: fuseops.RootInodeID,
		},
		nextID:     fuseops.RootInodeID + 1,
		handles:    make(map[fuseops.HandleID]*handleEntry),
		nextHandle: 1,
	}
	return fs
}

var _ fuseutil.FileSystem = (*FS)(nil)

// iput drops a reference to ip inside its own log transaction, matching the
// BeginOp/EndOp bracket every mutating inode.Cache call requires.
func (fs *FS) iput(ctx context.Context, ip *inode.Inode) error {
	if err := fs.log.BeginOp(ctx); err != nil {
		return err
	}
	err := fs.ic.Iput(ctx, ip)
	fs.log.EndOp()
	return err
}

// resolve returns the on-disk inode number a kernel-visible ID names.
func (fs *FS) resolve(id fuseops.InodeID) (uint32, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.nodes[id]
	if !ok {
		return 0, false
	}
	return e.inum, true
}

// register assigns child a stable kernel-visible ID, reusing one already in
// use for the same on-disk inode and bumping its kernel lookup count. If an
// ID already existed, the extra reference Dirlookup/Ialloc handed back in
// child is released: exactly one corefs-level reference is held per ID.
func (fs *FS) register(ctx context.Context, child *inode.Inode) fuseops.InodeID {
	fs.mu.Lock()
	id, exists := fs.byInum[child.Inum()]
	if !exists {
		id = fs.nextID
		fs.nextID++
		fs.nodes[id] = &nodeEntry{inum: child.Inum(), ip: child, lookup: 1}
		fs.byInum[child.Inum()] = id
	} else {
		fs.nodes[id].lookup++
	}
	fs.mu.Unlock()

	if exists {
		if err := fs.iput(ctx, child); err != nil {
			fs.logger.Printf("fuseadapter: register: releasing duplicate reference to inode %d: %v", child.Inum(), err)
		}
	}
	return id
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	return fuse.EIO
}

// attrsLocked builds a fuseops.InodeAttributes snapshot from a locked ip.
func (fs *FS) attrsLocked(ip *inode.Inode) fuseops.InodeAttributes {
	mode := os.FileMode(0644)
	if ip.Type == ondisk.TypeDir {
		mode = os.ModeDir | 0755
	}
	now := fs.clock.Now()
	return fuseops.InodeAttributes{
		Size:   uint64(ip.Size),
		Nlink:  uint32(ip.Nlink),
		Mode:   mode,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		Crtime: now,
	}
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) Init(op *fuseops.InitOp) {
	op.Respond(nil)
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) LookUpInode(op *fuseops.LookUpInodeOp) {
	var err error
	defer func() { op.Respond(err) }()
	ctx := op.Context()

	parentInum, ok := fs.resolve(op.Parent)
	if !ok {
		err = fuse.ENOENT
		return
	}
	dp := fs.ic.Iget(fs.dev, parentInum)
	defer func() { _ = fs.iput(ctx, dp) }()

	if lerr := fs.ic.Ilock(ctx, dp); lerr != nil {
		err = translateErr(lerr)
		return
	}
	child, _, derr := fs.pf.Dirlookup(ctx, dp, op.Name)
	fs.ic.Iunlock(dp)
	if derr != nil {
		err = translateErr(derr)
		return
	}
	if child == nil {
		err = fuse.ENOENT
		return
	}

	if lerr := fs.ic.Ilock(ctx, child); lerr != nil {
		_ = fs.iput(ctx, child)
		err = translateErr(lerr)
		return
	}
	attrs := fs.attrsLocked(child)
	fs.ic.Iunlock(child)

	id := fs.register(ctx, child)
	now := fs.clock.Now()
	op.Entry.Child = id
	op.Entry.Attributes = attrs
	op.Entry.AttributesExpiration = now.Add(attrTTL)
	op.Entry.EntryExpiration = now.Add(attrTTL)
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) {
	var err error
	defer func() { op.Respond(err) }()
	ctx := op.Context()

	inum, ok := fs.resolve(op.Inode)
	if !ok {
		err = fuse.ENOENT
		return
	}
	ip := fs.ic.Iget(fs.dev, inum)
	defer func() { _ = fs.iput(ctx, ip) }()

	if lerr := fs.ic.Ilock(ctx, ip); lerr != nil {
		err = translateErr(lerr)
		return
	}
	op.Attributes = fs.attrsLocked(ip)
	fs.ic.Iunlock(ip)
	op.AttributesExpiration = fs.clock.Now().Add(attrTTL)
}

// SetInodeAttributes supports only size changes (truncation), matching the
// module's non-goal of not modeling permission bits.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) {
	var err error
	defer func() { op.Respond(err) }()
	ctx := op.Context()

	inum, ok := fs.resolve(op.Inode)
	if !ok {
		err = fuse.ENOENT
		return
	}
	ip := fs.ic.Iget(fs.dev, inum)
	defer func() { _ = fs.iput(ctx, ip) }()

	if berr := fs.log.BeginOp(ctx); berr != nil {
		err = translateErr(berr)
		return
	}
	defer fs.log.EndOp()

	if lerr := fs.ic.Ilock(ctx, ip); lerr != nil {
		err = translateErr(lerr)
		return
	}
	if op.Size != nil && *op.Size < uint64(ip.Size) {
		ip.Size = uint32(*op.Size)
		if uerr := fs.ic.Iupdate(ctx, ip); uerr != nil {
			fs.ic.Iunlock(ip)
			err = translateErr(uerr)
			return
		}
	}
	op.Attributes = fs.attrsLocked(ip)
	fs.ic.Iunlock(ip)
	op.AttributesExpiration = fs.clock.Now().Add(attrTTL)
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) ForgetInode(op *fuseops.ForgetInodeOp) {
	var err error
	defer func() { op.Respond(err) }()
	ctx := op.Context()

	fs.mu.Lock()
	e, ok := fs.nodes[op.ID]
	var toRelease *inode.Inode
	if ok {
		e.lookup--
		if e.lookup == 0 {
			delete(fs.nodes, op.ID)
			delete(fs.byInum, e.inum)
			toRelease = e.ip
		}
	}
	fs.mu.Unlock()

	if toRelease != nil {
		if rerr := fs.iput(ctx, toRelease); rerr != nil {
			fs.logger.Printf("fuseadapter: ForgetInode: releasing inode: %v", rerr)
		}
	}
}

func (fs *FS) createChild(ctx context.Context, op fuseops.InodeID, name string, typ uint16) (*inode.Inode, error) {
	parentInum, ok := fs.resolve(op)
	if !ok {
		return nil, fuse.ENOENT
	}
	dp := fs.ic.Iget(fs.dev, parentInum)

	if berr := fs.log.BeginOp(ctx); berr != nil {
		_ = fs.iput(ctx, dp)
		return nil, translateErr(berr)
	}

	if lerr := fs.ic.Ilock(ctx, dp); lerr != nil {
		fs.log.EndOp()
		_ = fs.iput(ctx, dp)
		return nil, translateErr(lerr)
	}
	if existing, _, derr := fs.pf.Dirlookup(ctx, dp, name); derr == nil && existing != nil {
		_ = fs.ic.Iput(ctx, existing)
		fs.ic.Iunlock(dp)
		fs.log.EndOp()
		_ = fs.iput(ctx, dp)
		return nil, syscall.EEXIST
	}

	child, aerr := fs.ic.Ialloc(ctx, typ)
	if aerr != nil {
		fs.ic.Iunlock(dp)
		fs.log.EndOp()
		_ = fs.iput(ctx, dp)
		return nil, translateErr(aerr)
	}
	if lerr := fs.ic.Ilock(ctx, child); lerr != nil {
		fs.ic.Iunlock(dp)
		fs.log.EndOp()
		_ = fs.iput(ctx, dp)
		_ = fs.iput(ctx, child)
		return nil, translateErr(lerr)
	}
	child.Nlink = 1
	if typ == ondisk.TypeDir {
		child.Nlink = 2 // "." counts as a link to itself
	}
	if uerr := fs.ic.Iupdate(ctx, child); uerr != nil {
		fs.ic.Iunlock(child)
		fs.ic.Iunlock(dp)
		fs.log.EndOp()
		_ = fs.iput(ctx, dp)
		_ = fs.iput(ctx, child)
		return nil, translateErr(uerr)
	}

	if derr := fs.pf.Dirlink(ctx, dp, name, child.Inum()); derr != nil {
		fs.ic.Iunlock(child)
		fs.ic.Iunlock(dp)
		fs.log.EndOp()
		_ = fs.iput(ctx, dp)
		_ = fs.iput(ctx, child)
		return nil, translateErr(derr)
	}

	if typ == ondisk.TypeDir {
		var dot, dotdot ondisk.Dirent
		dot.SetName(".")
		dot.Inum = uint16(child.Inum())
		if _, werr := fs.ic.Writei(ctx, child, dot.Marshal(), 0); werr != nil {
			fs.ic.Iunlock(child)
			fs.ic.Iunlock(dp)
			fs.log.EndOp()
			_ = fs.iput(ctx, dp)
			_ = fs.iput(ctx, child)
			return nil, translateErr(werr)
		}
		dotdot.SetName("..")
		dotdot.Inum = uint16(dp.Inum())
		if _, werr := fs.ic.Writei(ctx, child, dotdot.Marshal(), ondisk.DirentSize); werr != nil {
			fs.ic.Iunlock(child)
			fs.ic.Iunlock(dp)
			fs.log.EndOp()
			_ = fs.iput(ctx, dp)
			_ = fs.iput(ctx, child)
			return nil, translateErr(werr)
		}
		dp.Nlink++
		if uerr := fs.ic.Iupdate(ctx, dp); uerr != nil {
			fs.ic.Iunlock(child)
			fs.ic.Iunlock(dp)
			fs.log.EndOp()
			_ = fs.iput(ctx, dp)
			_ = fs.iput(ctx, child)
			return nil, translateErr(uerr)
		}
	}

	fs.ic.Iunlock(child)
	fs.ic.Iunlock(dp)
	fs.log.EndOp()
	_ = fs.iput(ctx, dp)
	return child, nil
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) MkDir(op *fuseops.MkDirOp) {
	var err error
	defer func() { op.Respond(err) }()
	ctx := op.Context()

	child, cerr := fs.createChild(ctx, op.Parent, op.Name, ondisk.TypeDir)
	if cerr != nil {
		err = cerr
		return
	}

	if lerr := fs.ic.Ilock(ctx, child); lerr != nil {
		_ = fs.iput(ctx, child)
		err = translateErr(lerr)
		return
	}
	attrs := fs.attrsLocked(child)
	fs.ic.Iunlock(child)

	id := fs.register(ctx, child)
	now := fs.clock.Now()
	op.Entry.Child = id
	op.Entry.Attributes = attrs
	op.Entry.AttributesExpiration = now.Add(attrTTL)
	op.Entry.EntryExpiration = now.Add(attrTTL)
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) CreateFile(op *fuseops.CreateFileOp) {
	var err error
	defer func() { op.Respond(err) }()
	ctx := op.Context()

	child, cerr := fs.createChild(ctx, op.Parent, op.Name, ondisk.TypeFile)
	if cerr != nil {
		err = cerr
		return
	}

	f, ferr := fs.ft.Filealloc()
	if ferr != nil {
		_ = fs.iput(ctx, child)
		err = translateErr(ferr)
		return
	}

	if lerr := fs.ic.Ilock(ctx, child); lerr != nil {
		_ = fs.iput(ctx, child)
		err = translateErr(lerr)
		return
	}
	attrs := fs.attrsLocked(child)
	fs.ic.Iunlock(child)

	id := fs.register(ctx, child)
	now := fs.clock.Now()
	op.Entry.Child = id
	op.Entry.Attributes = attrs
	op.Entry.AttributesExpiration = now.Add(attrTTL)
	op.Entry.EntryExpiration = now.Add(attrTTL)

	opened := fs.ic.Iget(fs.dev, child.Inum())
	f.OpenInode(opened, true, true)

	fs.mu.Lock()
	hid := fs.nextHandle
	fs.nextHandle++
	fs.handles[hid] = &handleEntry{kind: handleFile, file: f}
	fs.mu.Unlock()
	op.Handle = hid
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) RmDir(op *fuseops.RmDirOp) {
	var err error
	defer func() { op.Respond(err) }()
	ctx := op.Context()

	parentInum, ok := fs.resolve(op.Parent)
	if !ok {
		err = fuse.ENOENT
		return
	}
	dp := fs.ic.Iget(fs.dev, parentInum)
	defer func() { _ = fs.iput(ctx, dp) }()

	if berr := fs.log.BeginOp(ctx); berr != nil {
		err = translateErr(berr)
		return
	}
	defer fs.log.EndOp()

	if lerr := fs.ic.Ilock(ctx, dp); lerr != nil {
		err = translateErr(lerr)
		return
	}
	defer fs.ic.Iunlock(dp)

	if uerr := fs.pf.Unlink(ctx, dp, op.Name); uerr != nil {
		err = translateErr(uerr)
		return
	}
	dp.Nlink--
	if uerr := fs.ic.Iupdate(ctx, dp); uerr != nil {
		err = translateErr(uerr)
	}
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) Unlink(op *fuseops.UnlinkOp) {
	var err error
	defer func() { op.Respond(err) }()
	ctx := op.Context()

	parentInum, ok := fs.resolve(op.Parent)
	if !ok {
		err = fuse.ENOENT
		return
	}
	dp := fs.ic.Iget(fs.dev, parentInum)
	defer func() { _ = fs.iput(ctx, dp) }()

	if berr := fs.log.BeginOp(ctx); berr != nil {
		err = translateErr(berr)
		return
	}
	defer fs.log.EndOp()

	if lerr := fs.ic.Ilock(ctx, dp); lerr != nil {
		err = translateErr(lerr)
		return
	}
	defer fs.ic.Iunlock(dp)

	if uerr := fs.pf.Unlink(ctx, dp, op.Name); uerr != nil {
		err = translateErr(uerr)
	}
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) OpenDir(op *fuseops.OpenDirOp) {
	var err error
	defer func() { op.Respond(err) }()

	inum, ok := fs.resolve(op.Inode)
	if !ok {
		err = fuse.ENOENT
		return
	}
	ip := fs.ic.Iget(fs.dev, inum)

	fs.mu.Lock()
	hid := fs.nextHandle
	fs.nextHandle++
	fs.handles[hid] = &handleEntry{kind: handleDir, ip: ip}
	fs.mu.Unlock()
	op.Handle = hid
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) ReadDir(op *fuseops.ReadDirOp) {
	var err error
	defer func() { op.Respond(err) }()
	ctx := op.Context()

	fs.mu.Lock()
	h, ok := fs.handles[op.Handle]
	fs.mu.Unlock()
	if !ok || h.kind != handleDir {
		err = fuse.EIO
		return
	}

	if lerr := fs.ic.Ilock(ctx, h.ip); lerr != nil {
		err = translateErr(lerr)
		return
	}
	defer fs.ic.Iunlock(h.ip)

	buf := make([]byte, op.Size)
	de := make([]byte, ondisk.DirentSize)
	var written int
	fuseOff := fuseops.DirOffset(0)
	for off := uint32(0); off < h.ip.Size; off += ondisk.DirentSize {
		n, rerr := fs.ic.Readi(ctx, h.ip, de, off)
		if rerr != nil || uint32(n) != ondisk.DirentSize {
			err = fuse.EIO
			return
		}
		ent := ondisk.UnmarshalDirent(de)
		if ent.Inum == 0 {
			continue
		}
		fuseOff++
		if fuseOff <= op.Offset {
			continue
		}

		typ := fuseutil.DT_File
		childInum := uint32(ent.Inum)
		if childInum == h.ip.Inum() || fs.isDir(ctx, childInum) {
			typ = fuseutil.DT_Directory
		}
		d := fuseops.Dirent{
			Offset: fuseOff,
			Inode:  fuseops.InodeID(childInum),
			Name:   ent.NameString(),
			Type:   typ,
		}
		n2 := fuseutil.WriteDirent(buf[written:], d)
		if n2 == 0 {
			break
		}
		written += n2
	}
	op.Data = buf[:written]
}

// isDir reports whether inum names a directory, ignoring errors (falls back
// to treating it as a plain file, which only affects the d_type hint).
func (fs *FS) isDir(ctx context.Context, inum uint32) bool {
	ip := fs.ic.Iget(fs.dev, inum)
	defer func() { _ = fs.iput(ctx, ip) }()
	if err := fs.ic.Ilock(ctx, ip); err != nil {
		return false
	}
	defer fs.ic.Iunlock(ip)
	return ip.Type == ondisk.TypeDir
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) {
	var err error
	defer func() { op.Respond(err) }()
	ctx := op.Context()

	fs.mu.Lock()
	h, ok := fs.handles[op.Handle]
	if ok {
		delete(fs.handles, op.Handle)
	}
	fs.mu.Unlock()
	if ok {
		_ = fs.iput(ctx, h.ip)
	}
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) OpenFile(op *fuseops.OpenFileOp) {
	var err error
	defer func() { op.Respond(err) }()

	inum, ok := fs.resolve(op.Inode)
	if !ok {
		err = fuse.ENOENT
		return
	}
	ip := fs.ic.Iget(fs.dev, inum)

	f, ferr := fs.ft.Filealloc()
	if ferr != nil {
		_ = fs.iput(context.Background(), ip)
		err = translateErr(ferr)
		return
	}
	f.OpenInode(ip, true, true)

	fs.mu.Lock()
	hid := fs.nextHandle
	fs.nextHandle++
	fs.handles[hid] = &handleEntry{kind: handleFile, file: f}
	fs.mu.Unlock()
	op.Handle = hid
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) ReadFile(op *fuseops.ReadFileOp) {
	var err error
	defer func() { op.Respond(err) }()
	ctx := op.Context()

	fs.mu.Lock()
	h, ok := fs.handles[op.Handle]
	fs.mu.Unlock()
	if !ok || h.kind != handleFile {
		err = fuse.EIO
		return
	}

	h.file.Seek(uint32(op.Offset))
	dst := make([]byte, op.Size)
	n, rerr := fs.ft.Fileread(ctx, h.file, dst)
	if rerr != nil {
		err = translateErr(rerr)
		return
	}
	op.Data = dst[:n]
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) WriteFile(op *fuseops.WriteFileOp) {
	var err error
	defer func() { op.Respond(err) }()
	ctx := op.Context()

	fs.mu.Lock()
	h, ok := fs.handles[op.Handle]
	fs.mu.Unlock()
	if !ok || h.kind != handleFile {
		err = fuse.EIO
		return
	}

	h.file.Seek(uint32(op.Offset))
	if _, werr := fs.ft.Filewrite(ctx, h.file, op.Data); werr != nil {
		err = translateErr(werr)
	}
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) SyncFile(op *fuseops.SyncFileOp) {
	op.Respond(nil)
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) FlushFile(op *fuseops.FlushFileOp) {
	op.Respond(nil)
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *FS) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) {
	var err error
	defer func() { op.Respond(err) }()
	ctx := op.Context()

	fs.mu.Lock()
	h, ok := fs.handles[op.Handle]
	if ok {
		delete(fs.handles, op.Handle)
	}
	fs.mu.Unlock()
	if ok {
		if cerr := fs.ft.Fileclose(ctx, h.file); cerr != nil {
			fs.logger.Printf("fuseadapter: ReleaseFileHandle: %v", cerr)
		}
	}
}

// Mount starts serving fs at dir and returns once the mount is ready. Callers
// that want to block until the file system is unmounted should call
// mfs.Join(ctx) on the returned handle themselves.
func Mount(ctx context.Context, dir string, fs *FS) (*fuse.MountedFileSystem, error) {
	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(dir, server, &fuse.MountConfig{})
	if err != nil {
		return nil, fmt.Errorf("fuseadapter: mount %s: %w", dir, err)
	}
	return mfs, nil
}
