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

package cmd

import (
	"context"
	"fmt"
	"sort"

	corefs "github.com/corefs-project/corefs"
	"github.com/corefs-project/corefs/internal/device"
	"github.com/corefs-project/corefs/internal/inode"
	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/spf13/cobra"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Check an image's on-disk invariants: bitmap consistency and link counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		problems, err := runFsck(cmd.Context(), Cfg.Image.Path)
		if err != nil {
			return err
		}
		for _, p := range problems {
			fmt.Println(p)
		}
		if len(problems) > 0 {
			return fmt.Errorf("fsck: %d problem(s) found", len(problems))
		}
		fmt.Println("fsck: clean")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fsckCmd)
}

// runFsck walks an image's inode table and free bitmap directly off the
// device (bypassing bcache/walog, which only make sense for live
// transactions) and cross-checks allocation state between them, then walks
// the directory tree to verify each inode's stored Nlink against the
// number of directory entries actually pointing at it.
func runFsck(ctx context.Context, path string) ([]string, error) {
	dev, err := device.OpenFileDevice(path, Cfg.Image.Blocks, false)
	if err != nil {
		return nil, fmt.Errorf("fsck: open %s: %w", path, err)
	}
	defer dev.Close()

	raw := make([]byte, ondisk.BlockSize)
	if err := dev.ReadBlock(ctx, 1, raw); err != nil {
		return nil, fmt.Errorf("fsck: read super block: %w", err)
	}
	sb, err := ondisk.UnmarshalSuperblock(raw)
	if err != nil {
		return nil, fmt.Errorf("fsck: %w", err)
	}
	nbitmapBlocks := sb.Size/ondisk.BitsPerBlock + 1
	dataStart := sb.BmapStart + nbitmapBlocks

	var problems []string
	report := func(format string, a ...any) {
		problems = append(problems, fmt.Sprintf(format, a...))
	}

	bitmap, err := readBitmap(ctx, dev, sb, nbitmapBlocks)
	if err != nil {
		return nil, err
	}

	claimedBy := make(map[uint32]uint32) // block -> inum that claims it
	for b := uint32(0); b < dataStart; b++ {
		claimedBy[b] = 0 // 0 stands for "metadata", never a real inum
	}

	for inum := uint32(0); inum < sb.Ninodes; inum++ {
		d, err := readDinode(ctx, dev, sb, inum)
		if err != nil {
			return nil, err
		}
		if d.Type == ondisk.TypeFree {
			continue
		}
		if d.Type > ondisk.TypeDev {
			report("inode %d: invalid type %d", inum, d.Type)
			continue
		}

		blocks, err := inodeBlocks(ctx, dev, sb, d)
		if err != nil {
			return nil, err
		}
		for _, b := range blocks {
			if b == 0 {
				continue
			}
			if b < dataStart || b >= sb.Size {
				report("inode %d: block %d out of data range [%d,%d)", inum, b, dataStart, sb.Size)
				continue
			}
			if owner, claimed := claimedBy[b]; claimed || owner != 0 {
				report("inode %d: block %d already claimed by inode %d", inum, b, owner)
				continue
			}
			claimedBy[b] = inum
			if !bitmap[b] {
				report("inode %d: block %d in use but marked free in bitmap", inum, b)
			}
		}
	}

	for b := dataStart; b < sb.Size; b++ {
		if bitmap[b] {
			if _, claimed := claimedBy[b]; !claimed {
				report("block %d marked allocated in bitmap but not referenced by any inode", b)
			}
		}
	}

	linkProblems, err := checkLinkCounts(ctx, path)
	if err != nil {
		return nil, err
	}
	problems = append(problems, linkProblems...)

	sort.Strings(problems)
	return problems, nil
}

func readBitmap(ctx context.Context, dev device.Device, sb ondisk.Superblock, nbitmapBlocks uint32) (map[uint32]bool, error) {
	bitmap := make(map[uint32]bool, sb.Size)
	buf := make([]byte, ondisk.BlockSize)
	for bb := uint32(0); bb < nbitmapBlocks; bb++ {
		if err := dev.ReadBlock(ctx, sb.BmapStart+bb, buf); err != nil {
			return nil, fmt.Errorf("fsck: read bitmap block %d: %w", bb, err)
		}
		base := bb * ondisk.BitsPerBlock
		for bi := uint32(0); bi < ondisk.BitsPerBlock && base+bi < sb.Size; bi++ {
			bitmap[base+bi] = buf[bi/8]&(1<<(bi%8)) != 0
		}
	}
	return bitmap, nil
}

func readDinode(ctx context.Context, dev device.Device, sb ondisk.Superblock, inum uint32) (ondisk.Dinode, error) {
	blockNum, byteOff := ondisk.IBlockOffset(inum, sb.InodeStart)
	buf := make([]byte, ondisk.BlockSize)
	if err := dev.ReadBlock(ctx, blockNum, buf); err != nil {
		return ondisk.Dinode{}, fmt.Errorf("fsck: read inode block %d: %w", blockNum, err)
	}
	return ondisk.UnmarshalDinode(buf[byteOff : byteOff+ondisk.DinodeSize]), nil
}

// inodeBlocks returns every data block number a Dinode addresses: its
// direct blocks, the indirect block itself, and every block the indirect
// block names.
func inodeBlocks(ctx context.Context, dev device.Device, sb ondisk.Superblock, d ondisk.Dinode) ([]uint32, error) {
	blocks := append([]uint32{}, d.Addrs[:ondisk.NDirect]...)
	indirect := d.Addrs[ondisk.NDirect]
	if indirect == 0 {
		return blocks, nil
	}
	blocks = append(blocks, indirect)
	buf := make([]byte, ondisk.BlockSize)
	if err := dev.ReadBlock(ctx, indirect, buf); err != nil {
		return nil, fmt.Errorf("fsck: read indirect block %d: %w", indirect, err)
	}
	for i := 0; i < ondisk.NIndirect; i++ {
		b := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		if b != 0 {
			blocks = append(blocks, b)
		}
	}
	return blocks, nil
}

// checkLinkCounts mounts the image through the normal layered FS and walks
// the directory tree from the root, counting how many directory entries
// actually name each inode, then compares that count against the inode's
// stored Nlink.
func checkLinkCounts(ctx context.Context, path string) ([]string, error) {
	dev, err := device.OpenFileDevice(path, Cfg.Image.Blocks, false)
	if err != nil {
		return nil, fmt.Errorf("fsck: open %s: %w", path, err)
	}
	defer dev.Close()

	fs, err := corefs.Open(ctx, dev, ondisk.RootDev, nil)
	if err != nil {
		return nil, fmt.Errorf("fsck: mount %s: %w", path, err)
	}

	counted := make(map[uint32]int)
	root := fs.Root()
	if err := walkDir(ctx, fs, root, counted); err != nil {
		fs.Inodes.Iput(ctx, root)
		return nil, err
	}
	fs.Inodes.Iput(ctx, root)

	var problems []string
	for inum, want := range counted {
		d, err := readDinode(ctx, dev, fs.Super, inum)
		if err != nil {
			return nil, err
		}
		if d.Type == ondisk.TypeFree {
			continue
		}
		if int(d.Nlink) != want {
			problems = append(problems, fmt.Sprintf("inode %d: stored nlink %d, %d directory entries found", inum, d.Nlink, want))
		}
	}
	return problems, nil
}

// walkDir recursively visits dp's entries, tallying one reference per
// entry (including "." and "..") into counted.
func walkDir(ctx context.Context, fs *corefs.FS, dp *inode.Inode, counted map[uint32]int) error {
	if err := fs.Inodes.Ilock(ctx, dp); err != nil {
		return err
	}
	st := fs.Inodes.Stati(dp)
	var off uint32
	var children []uint32
	for off < st.Size {
		buf := make([]byte, ondisk.DirentSize)
		n, err := fs.Inodes.Readi(ctx, dp, buf, off)
		if err != nil {
			fs.Inodes.Iunlock(dp)
			return err
		}
		if n < int(ondisk.DirentSize) {
			break
		}
		off += ondisk.DirentSize
		e := ondisk.UnmarshalDirent(buf)
		if e.Inum == 0 {
			continue
		}
		counted[uint32(e.Inum)]++
		name := e.NameString()
		if name != "." && name != ".." {
			children = append(children, uint32(e.Inum))
		}
	}
	fs.Inodes.Iunlock(dp)

	for _, inum := range children {
		child := fs.Inodes.Iget(fs.DevNum(), inum)
		d, err := readDinode(ctx, fs.Dev, fs.Super, inum)
		if err != nil {
			fs.Inodes.Iput(ctx, child)
			return err
		}
		if d.Type == ondisk.TypeDir {
			if err := walkDir(ctx, fs, child, counted); err != nil {
				fs.Inodes.Iput(ctx, child)
				return err
			}
		}
		fs.Inodes.Iput(ctx, child)
	}
	return nil
}
