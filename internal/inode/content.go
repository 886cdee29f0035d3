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

package inode

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/corefs-project/corefs/internal/ondisk"
)

// bmap returns the disk block address of the bn'th block of ip's content,
// allocating one via the block allocator if it does not yet exist. Caller
// must hold ip locked and be inside a Log.BeginOp/EndOp bracket.
func (c *Cache) bmap(ctx context.Context, ip *Inode, bn uint32) (uint32, error) {
	if bn < ondisk.NDirect {
		addr := ip.Addrs[bn]
		if addr == 0 {
			a, err := c.alloc.Balloc(ctx)
			if err != nil {
				return 0, err
			}
			ip.Addrs[bn] = a
			addr = a
		}
		return addr, nil
	}
	bn -= ondisk.NDirect

	if bn >= ondisk.NIndirect {
		panic(fmt.Sprintf("inode: bmap: block %d out of range", bn+ondisk.NDirect))
	}

	indirectAddr := ip.Addrs[ondisk.NDirect]
	if indirectAddr == 0 {
		a, err := c.alloc.Balloc(ctx)
		if err != nil {
			return 0, err
		}
		ip.Addrs[ondisk.NDirect] = a
		indirectAddr = a
	}

	bp, err := c.bc.Bread(ctx, ip.dev, indirectAddr)
	if err != nil {
		return 0, fmt.Errorf("inode: read indirect block %d: %w", indirectAddr, err)
	}
	off := bn * 4
	addr := binary.LittleEndian.Uint32(bp.Data[off : off+4])
	if addr == 0 {
		a, err := c.alloc.Balloc(ctx)
		if err != nil {
			c.bc.Brelse(bp)
			return 0, err
		}
		addr = a
		binary.LittleEndian.PutUint32(bp.Data[off:off+4], addr)
		if err := c.log.Write(ctx, bp); err != nil {
			c.bc.Brelse(bp)
			return 0, err
		}
	}
	c.bc.Brelse(bp)
	return addr, nil
}

// itrunc discards ip's content, freeing every direct and indirect block.
// Only valid to call once ip has no links and no other in-memory
// references (enforced by Iput).
func (c *Cache) itrunc(ctx context.Context, ip *Inode) error {
	for i := 0; i < ondisk.NDirect; i++ {
		if ip.Addrs[i] != 0 {
			if err := c.alloc.Bfree(ctx, ip.Addrs[i]); err != nil {
				return err
			}
			ip.Addrs[i] = 0
		}
	}

	if ip.Addrs[ondisk.NDirect] != 0 {
		bp, err := c.bc.Bread(ctx, ip.dev, ip.Addrs[ondisk.NDirect])
		if err != nil {
			return fmt.Errorf("inode: read indirect block %d: %w", ip.Addrs[ondisk.NDirect], err)
		}
		for j := 0; j < ondisk.NIndirect; j++ {
			off := j * 4
			a := binary.LittleEndian.Uint32(bp.Data[off : off+4])
			if a != 0 {
				if err := c.alloc.Bfree(ctx, a); err != nil {
					c.bc.Brelse(bp)
					return err
				}
			}
		}
		c.bc.Brelse(bp)
		if err := c.alloc.Bfree(ctx, ip.Addrs[ondisk.NDirect]); err != nil {
			return err
		}
		ip.Addrs[ondisk.NDirect] = 0
	}

	ip.Size = 0
	return c.Iupdate(ctx, ip)
}

// Readi reads into dst starting at byte offset off of ip's content,
// returning the number of bytes actually read (short of len(dst) at
// EOF). For a device inode it dispatches to the registered DevSW instead
// of touching the block cache. Caller must hold ip locked.
func (c *Cache) Readi(ctx context.Context, ip *Inode, dst []byte, off uint32) (int, error) {
	if ip.Type == ondisk.TypeDev {
		dev := c.devsw[ip.Major]
		if ip.Major == 0 || int(ip.Major) >= ondisk.NDev || dev == nil {
			return 0, fmt.Errorf("inode: no device registered for major %d", ip.Major)
		}
		return dev.Read(ctx, dst)
	}

	n := uint32(len(dst))
	if off > ip.Size || off+n < off {
		return 0, fmt.Errorf("inode: read offset %d beyond inode size %d", off, ip.Size)
	}
	if off+n > ip.Size {
		n = ip.Size - off
	}

	var tot uint32
	for tot < n {
		blockNum, err := c.bmap(ctx, ip, (off+tot)/ondisk.BlockSize)
		if err != nil {
			return int(tot), err
		}
		bp, err := c.bc.Bread(ctx, ip.dev, blockNum)
		if err != nil {
			return int(tot), fmt.Errorf("inode: read block %d: %w", blockNum, err)
		}
		m := min(n-tot, ondisk.BlockSize-(off+tot)%ondisk.BlockSize)
		start := (off + tot) % ondisk.BlockSize
		copy(dst[tot:tot+m], bp.Data[start:start+m])
		c.bc.Brelse(bp)
		tot += m
	}
	return int(n), nil
}

// Writei writes src starting at byte offset off of ip's content, growing
// the file (and updating its on-disk size) as needed, up to
// ondisk.MaxFileBytes. For a device inode it dispatches to the registered
// DevSW. Caller must hold ip locked and be inside a Log.BeginOp/EndOp
// bracket.
func (c *Cache) Writei(ctx context.Context, ip *Inode, src []byte, off uint32) (int, error) {
	if ip.Type == ondisk.TypeDev {
		dev := c.devsw[ip.Major]
		if ip.Major == 0 || int(ip.Major) >= ondisk.NDev || dev == nil {
			return 0, fmt.Errorf("inode: no device registered for major %d", ip.Major)
		}
		return dev.Write(ctx, src)
	}

	n := uint32(len(src))
	if off > ip.Size || off+n < off {
		return 0, fmt.Errorf("inode: write offset %d invalid for inode size %d", off, ip.Size)
	}
	if off+n > ondisk.MaxFileBytes {
		return 0, fmt.Errorf("inode: write would exceed max file size %d", ondisk.MaxFileBytes)
	}

	var tot uint32
	var loopErr error
	for tot < n {
		blockNum, err := c.bmap(ctx, ip, (off+tot)/ondisk.BlockSize)
		if err != nil {
			loopErr = err
			break
		}
		bp, err := c.bc.Bread(ctx, ip.dev, blockNum)
		if err != nil {
			loopErr = err
			break
		}
		m := min(n-tot, ondisk.BlockSize-(off+tot)%ondisk.BlockSize)
		start := (off + tot) % ondisk.BlockSize
		copy(bp.Data[start:start+m], src[tot:tot+m])
		writeErr := c.log.Write(ctx, bp)
		c.bc.Brelse(bp)
		if writeErr != nil {
			loopErr = writeErr
			break
		}
		tot += m
	}

	if tot > 0 && off+tot > ip.Size {
		ip.Size = off + tot
		if uerr := c.Iupdate(ctx, ip); uerr != nil {
			return int(tot), uerr
		}
	}
	if loopErr != nil {
		return int(tot), fmt.Errorf("inode: write failed after %d of %d bytes: %w", tot, n, loopErr)
	}
	return int(tot), nil
}
