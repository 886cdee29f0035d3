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

package corefs

import (
	"context"
	"fmt"
	"log"

	"github.com/corefs-project/corefs/internal/device"
	"github.com/corefs-project/corefs/internal/ondisk"
)

// MkfsConfig bounds the geometry of a freshly formatted image. Size and
// Ninodes are the only caller-chosen dimensions; everything else (log
// region, inode region, bitmap region) is derived the way a host mkfs
// tool lays out a fixed-size image.
type MkfsConfig struct {
	// Size is the total number of blocks in the image, including the
	// boot block and super block.
	Size uint32

	// Ninodes is the number of inode slots to reserve, including the
	// reserved inode 0 and the root directory at inode 1.
	Ninodes uint32
}

// DefaultMkfsConfig mirrors the fixed 1000-block, 200-inode image size
// named in the on-disk format.
var DefaultMkfsConfig = MkfsConfig{Size: 1000, Ninodes: 200}

// Mkfs formats dev as a fresh, empty filesystem: it writes the super
// block, zeroes the inode and bitmap regions, marks every block before
// the data region used, and creates the root directory (inode 1,
// containing only "." and ".."). It returns an FS instance already wired
// over the freshly formatted image.
func Mkfs(ctx context.Context, dev device.Device, devNum uint32, cfg MkfsConfig, logger *log.Logger) (*FS, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "corefs: ", log.LstdFlags)
	}
	if cfg.Size == 0 {
		cfg = DefaultMkfsConfig
	}
	if dev.NumBlocks() < cfg.Size {
		return nil, fmt.Errorf("corefs: mkfs: device has %d blocks, need %d", dev.NumBlocks(), cfg.Size)
	}

	sb := layoutSuperblock(cfg)

	if err := writeZeroed(ctx, dev, 0); err != nil { // boot block
		return nil, fmt.Errorf("corefs: mkfs: zero boot block: %w", err)
	}
	if err := dev.WriteBlock(ctx, 1, sb.Marshal()); err != nil {
		return nil, fmt.Errorf("corefs: mkfs: write super block: %w", err)
	}
	for b := sb.LogStart; b < sb.InodeStart; b++ {
		if err := writeZeroed(ctx, dev, b); err != nil {
			return nil, fmt.Errorf("corefs: mkfs: zero log block %d: %w", b, err)
		}
	}
	ninodeBlocks := sb.BmapStart - sb.InodeStart
	for b := sb.InodeStart; b < sb.InodeStart+ninodeBlocks; b++ {
		if err := writeZeroed(ctx, dev, b); err != nil {
			return nil, fmt.Errorf("corefs: mkfs: zero inode block %d: %w", b, err)
		}
	}

	dataStart := sb.BmapStart + (sb.Size/ondisk.BitsPerBlock + 1)
	if err := writeInitialBitmap(ctx, dev, sb, dataStart); err != nil {
		return nil, fmt.Errorf("corefs: mkfs: write bitmap: %w", err)
	}

	fs := buildLayers(dev, devNum, sb, logger)
	if err := fs.mkRoot(ctx); err != nil {
		return nil, fmt.Errorf("corefs: mkfs: create root directory: %w", err)
	}
	logger.Printf("formatted device %d: %d blocks (%d data), %d inodes", devNum, sb.Size, sb.Nblocks, sb.Ninodes)
	return fs, nil
}

// layoutSuperblock computes every derived region boundary from cfg,
// following the classic boot+super+log+inodes+bitmap+data layout named in
// the on-disk format.
func layoutSuperblock(cfg MkfsConfig) ondisk.Superblock {
	const logStart = 2
	nlog := uint32(ondisk.LogSize)
	ninodeBlocks := cfg.Ninodes/uint32(ondisk.InodesPerBlock) + 1
	inodeStart := logStart + nlog
	bmapStart := inodeStart + ninodeBlocks
	nbitmapBlocks := cfg.Size/ondisk.BitsPerBlock + 1
	dataStart := bmapStart + nbitmapBlocks

	return ondisk.Superblock{
		Size:       cfg.Size,
		Nblocks:    cfg.Size - dataStart,
		Ninodes:    cfg.Ninodes,
		Nlog:       nlog,
		LogStart:   logStart,
		InodeStart: inodeStart,
		BmapStart:  bmapStart,
		Magic:      ondisk.FSMagic,
	}
}

func writeZeroed(ctx context.Context, dev device.Device, b uint32) error {
	var zero [ondisk.BlockSize]byte
	return dev.WriteBlock(ctx, b, zero[:])
}

// writeInitialBitmap marks every block below dataStart (boot, super, log,
// inode table, bitmap itself) as allocated, so Balloc never hands out a
// metadata block.
func writeInitialBitmap(ctx context.Context, dev device.Device, sb ondisk.Superblock, dataStart uint32) error {
	nbitmapBlocks := sb.Size/ondisk.BitsPerBlock + 1
	for bb := uint32(0); bb < nbitmapBlocks; bb++ {
		var buf [ondisk.BlockSize]byte
		base := bb * ondisk.BitsPerBlock
		for bi := uint32(0); bi < ondisk.BitsPerBlock && base+bi < dataStart; bi++ {
			buf[bi/8] |= 1 << (bi % 8)
		}
		if err := dev.WriteBlock(ctx, sb.BmapStart+bb, buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// mkRoot allocates inode 1 as a directory containing "." and "..", both
// pointing at itself, matching the original's bootstrap of the root
// directory outside any user-visible operation.
func (fs *FS) mkRoot(ctx context.Context) error {
	if err := fs.Log.BeginOp(ctx); err != nil {
		return err
	}
	defer fs.Log.EndOp()

	root, err := fs.Inodes.Ialloc(ctx, ondisk.TypeDir)
	if err != nil {
		return err
	}
	if root.Inum() != ondisk.RootIno {
		return fmt.Errorf("corefs: mkfs: root directory got inode %d, want %d", root.Inum(), ondisk.RootIno)
	}
	if err := fs.Inodes.Ilock(ctx, root); err != nil {
		return err
	}
	defer fs.Inodes.Iunlock(root)

	root.Nlink = 2
	if err := fs.Inodes.Iupdate(ctx, root); err != nil {
		return err
	}

	var dot, dotdot ondisk.Dirent
	dot.SetName(".")
	dot.Inum = uint16(root.Inum())
	if _, err := fs.Inodes.Writei(ctx, root, dot.Marshal(), 0); err != nil {
		return err
	}
	dotdot.SetName("..")
	dotdot.Inum = uint16(root.Inum())
	if _, err := fs.Inodes.Writei(ctx, root, dotdot.Marshal(), ondisk.DirentSize); err != nil {
		return err
	}
	return nil
}
