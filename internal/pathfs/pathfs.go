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

// Package pathfs implements directory entries and path-name resolution on
// top of internal/inode: looking entries up and writing them into
// directories, splitting a path into elements, and walking those elements
// from the root or a caller-supplied starting inode down to the named
// inode (or its parent).
package pathfs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/corefs-project/corefs/internal/inode"
	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/jacobsa/util/lrucache"
)

// Resolver resolves path names against one filesystem's inode cache. It
// has no notion of a process or a current directory of its own; callers
// pass the starting inode (the "current directory") for relative paths.
type Resolver struct {
	ic  *inode.Cache
	dev uint32

	// hint is a purely advisory name->inum lookup accelerator, keyed by
	// "parent-inum/name". It is never consulted as a source of truth:
	// every hit is re-verified against the directory's actual entries,
	// and it is invalidated whenever Dirlink or Unlink changes a
	// directory. Losing it (even entirely, e.g. under memory pressure)
	// never affects correctness, only lookup speed.
	hintMu sync.Mutex
	hint   lrucache.Cache
}

// NewResolver returns a Resolver over ic, with a hint cache sized for
// hintCapacity entries.
func NewResolver(ic *inode.Cache, dev uint32, hintCapacity uint64) *Resolver {
	return &Resolver{ic: ic, dev: dev, hint: lrucache.New(hintCapacity)}
}

func hintKey(dirInum uint32, name string) string {
	return fmt.Sprintf("%d/%s", dirInum, name)
}

func (r *Resolver) hintLookup(dirInum uint32, name string) (uint32, bool) {
	r.hintMu.Lock()
	defer r.hintMu.Unlock()
	v := r.hint.LookUp(hintKey(dirInum, name))
	if v == nil {
		return 0, false
	}
	return v.(uint32), true
}

func (r *Resolver) hintInsert(dirInum uint32, name string, inum uint32) {
	r.hintMu.Lock()
	defer r.hintMu.Unlock()
	r.hint.Insert(hintKey(dirInum, name), inum)
}

// InvalidateHints drops the cached lookup hints for the given names in
// directory dirInum; hints for other names are kept. Called whenever an
// entry of the directory changes (Dirlink, Unlink).
func (r *Resolver) InvalidateHints(dirInum uint32, names ...string) {
	r.hintMu.Lock()
	defer r.hintMu.Unlock()
	for _, name := range names {
		r.hint.Erase(hintKey(dirInum, name))
	}
}

// Namecmp compares two names for equality up to ondisk.MaxNameLen bytes,
// the same bound a fixed-size dirent name field imposes.
func Namecmp(a, b string) bool {
	trunc := func(s string) string {
		if len(s) > ondisk.MaxNameLen {
			return s[:ondisk.MaxNameLen]
		}
		return s
	}
	return trunc(a) == trunc(b)
}

// Dirlookup looks for name in directory dp, which must be locked and of
// type TypeDir. On success it returns an unlocked, referenced inode for
// the entry and the byte offset of the dirent within dp.
func (r *Resolver) Dirlookup(ctx context.Context, dp *inode.Inode, name string) (*inode.Inode, uint32, error) {
	if dp.Type != ondisk.TypeDir {
		panic("pathfs: Dirlookup on non-directory inode")
	}

	if inum, ok := r.hintLookup(dp.Inum(), name); ok {
		if off, found, err := r.findEntry(ctx, dp, name, inum); err != nil {
			return nil, 0, err
		} else if found {
			return r.ic.Iget(dp.Dev(), inum), off, nil
		}
		// Stale hint: the entry moved or is gone. Fall through to a
		// full scan, which also refreshes the hint below.
	}

	de := make([]byte, ondisk.DirentSize)
	for off := uint32(0); off < dp.Size; off += ondisk.DirentSize {
		n, err := r.ic.Readi(ctx, dp, de, off)
		if err != nil || uint32(n) != ondisk.DirentSize {
			return nil, 0, fmt.Errorf("pathfs: Dirlookup: short directory read at offset %d", off)
		}
		ent := ondisk.UnmarshalDirent(de)
		if ent.Inum == 0 {
			continue
		}
		if Namecmp(name, ent.NameString()) {
			r.hintInsert(dp.Inum(), name, uint32(ent.Inum))
			return r.ic.Iget(dp.Dev(), uint32(ent.Inum)), off, nil
		}
	}
	return nil, 0, nil
}

// findEntry checks whether dirent (name, inum) is still present in dp, to
// validate a hint cache hit. The hint records no offset, so it scans dp's
// entries linearly; a missing entry reports "not found" (never a false
// positive), which costs a fallback scan, and a short read is an error.
func (r *Resolver) findEntry(ctx context.Context, dp *inode.Inode, name string, wantInum uint32) (uint32, bool, error) {
	de := make([]byte, ondisk.DirentSize)
	for off := uint32(0); off < dp.Size; off += ondisk.DirentSize {
		n, err := r.ic.Readi(ctx, dp, de, off)
		if err != nil || uint32(n) != ondisk.DirentSize {
			return 0, false, fmt.Errorf("pathfs: findEntry: short directory read at offset %d", off)
		}
		ent := ondisk.UnmarshalDirent(de)
		if ent.Inum == uint16(wantInum) && Namecmp(name, ent.NameString()) {
			return off, true, nil
		}
	}
	return 0, false, nil
}

// Dirlink writes a new directory entry (name, inum) into dp, reusing the
// first free (inum==0) slot or appending past the end. It returns an
// error if name is already present.
func (r *Resolver) Dirlink(ctx context.Context, dp *inode.Inode, name string, inum uint32) error {
	existing, _, err := r.Dirlookup(ctx, dp, name)
	if err != nil {
		return err
	}
	if existing != nil {
		if err := r.ic.Iput(ctx, existing); err != nil {
			return err
		}
		return fmt.Errorf("pathfs: Dirlink: %q already exists", name)
	}

	de := make([]byte, ondisk.DirentSize)
	var off uint32
	for off = 0; off < dp.Size; off += ondisk.DirentSize {
		n, err := r.ic.Readi(ctx, dp, de, off)
		if err != nil || uint32(n) != ondisk.DirentSize {
			return fmt.Errorf("pathfs: Dirlink: short directory read at offset %d", off)
		}
		if ondisk.UnmarshalDirent(de).Inum == 0 {
			break
		}
	}

	var ent ondisk.Dirent
	if !ent.SetName(name) {
		return fmt.Errorf("pathfs: Dirlink: name %q longer than %d bytes", name, ondisk.MaxNameLen)
	}
	ent.Inum = uint16(inum)
	n, err := r.ic.Writei(ctx, dp, ent.Marshal(), off)
	if err != nil || n != ondisk.DirentSize {
		return fmt.Errorf("pathfs: Dirlink: write failed at offset %d: %w", off, err)
	}
	r.InvalidateHints(dp.Inum(), name)
	return nil
}

// Dirempty reports whether directory dp has no entries other than "."
// and "..". Used by Unlink to refuse to remove a non-empty directory.
func (r *Resolver) Dirempty(ctx context.Context, dp *inode.Inode) (bool, error) {
	de := make([]byte, ondisk.DirentSize)
	for off := uint32(2 * ondisk.DirentSize); off < dp.Size; off += ondisk.DirentSize {
		n, err := r.ic.Readi(ctx, dp, de, off)
		if err != nil || uint32(n) != ondisk.DirentSize {
			return false, fmt.Errorf("pathfs: Dirempty: short directory read at offset %d", off)
		}
		if ondisk.UnmarshalDirent(de).Inum != 0 {
			return false, nil
		}
	}
	return true, nil
}

// Unlink removes the directory entry name from dp and drops the target
// inode's link count. dp must be locked, inside a Log.BeginOp/EndOp
// bracket; Unlink locks and releases the target inode itself and returns
// only an error. It refuses to remove a non-empty directory.
func (r *Resolver) Unlink(ctx context.Context, dp *inode.Inode, name string) error {
	if name == "." || name == ".." {
		return fmt.Errorf("pathfs: Unlink: refusing to remove %q", name)
	}

	target, off, err := r.Dirlookup(ctx, dp, name)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("pathfs: Unlink: %q not found", name)
	}

	if err := r.ic.Ilock(ctx, target); err != nil {
		_ = r.ic.Iput(ctx, target)
		return err
	}
	if target.Nlink < 1 {
		panic("pathfs: Unlink: target has nlink < 1")
	}
	if target.Type == ondisk.TypeDir {
		empty, err := r.Dirempty(ctx, target)
		if err != nil {
			_ = r.ic.IunlockPut(ctx, target)
			return err
		}
		if !empty {
			_ = r.ic.IunlockPut(ctx, target)
			return fmt.Errorf("pathfs: Unlink: directory %q is not empty", name)
		}
	}

	var zero ondisk.Dirent
	if n, err := r.ic.Writei(ctx, dp, zero.Marshal(), off); err != nil || n != ondisk.DirentSize {
		_ = r.ic.IunlockPut(ctx, target)
		return fmt.Errorf("pathfs: Unlink: clearing entry at offset %d: %w", off, err)
	}
	r.InvalidateHints(dp.Inum(), name)

	target.Nlink--
	if err := r.ic.Iupdate(ctx, target); err != nil {
		_ = r.ic.IunlockPut(ctx, target)
		return err
	}
	return r.ic.IunlockPut(ctx, target)
}

// Skipelem copies the next path element from path, returning it, the
// remainder of path (with no leading slashes), and whether an element was
// found. Mirrors the original's skipelem: "a/bb/c" -> ("a", "bb/c", true),
// "" or "////" -> ("", "", false).
func Skipelem(path string) (elem, rest string, ok bool) {
	path = strings.TrimLeft(path, "/")
	if path == "" {
		return "", "", false
	}
	i := strings.IndexByte(path, '/')
	if i < 0 {
		return path, "", true
	}
	elem = path[:i]
	rest = strings.TrimLeft(path[i:], "/")
	return elem, rest, true
}

// Namex resolves path starting from cwd (used for relative paths; ignored
// for absolute ones, which start at the root). If nameiparent is true, it
// stops one element early and also returns the final element's name.
func (r *Resolver) Namex(ctx context.Context, cwd *inode.Inode, path string, nameiparent bool) (*inode.Inode, string, error) {
	var ip *inode.Inode
	if strings.HasPrefix(path, "/") {
		ip = r.ic.Iget(ondisk.RootDev, ondisk.RootIno)
	} else {
		ip = r.ic.Idup(cwd)
	}

	rest := path
	for {
		elem, next, ok := Skipelem(rest)
		if !ok {
			break
		}
		rest = next

		if err := r.ic.Ilock(ctx, ip); err != nil {
			_ = r.ic.Iput(ctx, ip)
			return nil, "", err
		}
		if ip.Type != ondisk.TypeDir {
			_ = r.ic.IunlockPut(ctx, ip)
			return nil, "", fmt.Errorf("pathfs: %q is not a directory", elem)
		}

		if nameiparent && rest == "" {
			r.ic.Iunlock(ip)
			return ip, elem, nil
		}

		found, _, err := r.Dirlookup(ctx, ip, elem)
		if err != nil {
			_ = r.ic.IunlockPut(ctx, ip)
			return nil, "", err
		}
		if found == nil {
			_ = r.ic.IunlockPut(ctx, ip)
			return nil, "", fmt.Errorf("pathfs: %q not found", elem)
		}
		_ = r.ic.IunlockPut(ctx, ip)
		ip = found
	}

	if nameiparent {
		_ = r.ic.Iput(ctx, ip)
		return nil, "", fmt.Errorf("pathfs: path %q has no parent", path)
	}
	return ip, "", nil
}

// Namei resolves path to its inode, starting relative lookups at cwd.
func (r *Resolver) Namei(ctx context.Context, cwd *inode.Inode, path string) (*inode.Inode, error) {
	ip, _, err := r.Namex(ctx, cwd, path, false)
	return ip, err
}

// NameiParent resolves path to its parent directory's inode and the final
// path element's name, starting relative lookups at cwd.
func (r *Resolver) NameiParent(ctx context.Context, cwd *inode.Inode, path string) (*inode.Inode, string, error) {
	return r.Namex(ctx, cwd, path, true)
}
