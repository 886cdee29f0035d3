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
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	corefs "github.com/corefs-project/corefs"
	"github.com/corefs-project/corefs/clock"
	"github.com/corefs-project/corefs/internal/device"
	"github.com/corefs-project/corefs/internal/fuseadapter"
	"github.com/corefs-project/corefs/internal/inode"
	"github.com/corefs-project/corefs/internal/ondisk"
	"github.com/spf13/cobra"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open a line-oriented session over an image: ls, cat, write, mkdir, rm, mount.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.New(os.Stderr, "shell: ", log.LstdFlags)

		dev, err := device.OpenFileDevice(Cfg.Image.Path, Cfg.Image.Blocks, false)
		if err != nil {
			return fmt.Errorf("shell: %w", err)
		}
		defer dev.Close()

		fs, err := corefs.Open(cmd.Context(), dev, ondisk.RootDev, logger)
		if err != nil {
			return fmt.Errorf("shell: %w", err)
		}

		sh := &shell{fs: fs, cwd: fs.Root(), out: cmd.OutOrStdout()}
		defer sh.fs.Inodes.Iput(cmd.Context(), sh.cwd)
		return sh.run(cmd.Context(), cmd.InOrStdin())
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

// shell is a minimal REPL over one mounted FS: every command resolves a
// path against cwd, runs one operation, and prints either the result or
// the error before prompting again.
type shell struct {
	fs  *corefs.FS
	cwd *inode.Inode
	out io.Writer
}

func (sh *shell) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(sh.out, "corefs> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 {
			err := sh.dispatch(ctx, fields[0], fields[1:])
			if err == io.EOF {
				return nil
			}
			if err != nil {
				fmt.Fprintf(sh.out, "error: %v\n", err)
			}
		}
		fmt.Fprint(sh.out, "corefs> ")
	}
	fmt.Fprintln(sh.out)
	return scanner.Err()
}

func (sh *shell) dispatch(ctx context.Context, verb string, args []string) error {
	switch verb {
	case "ls":
		path := "."
		if len(args) > 0 {
			path = args[0]
		}
		return sh.ls(ctx, path)
	case "cat":
		if len(args) != 1 {
			return fmt.Errorf("usage: cat PATH")
		}
		return sh.cat(ctx, args[0])
	case "write":
		if len(args) < 1 {
			return fmt.Errorf("usage: write PATH [TEXT...]")
		}
		return sh.write(ctx, args[0], strings.Join(args[1:], " "))
	case "mkdir":
		if len(args) != 1 {
			return fmt.Errorf("usage: mkdir PATH")
		}
		return sh.mkdir(ctx, args[0])
	case "rm":
		if len(args) != 1 {
			return fmt.Errorf("usage: rm NAME")
		}
		if err := sh.fs.Log.BeginOp(ctx); err != nil {
			return err
		}
		defer sh.fs.Log.EndOp()
		if err := sh.fs.Inodes.Ilock(ctx, sh.cwd); err != nil {
			return err
		}
		defer sh.fs.Inodes.Iunlock(sh.cwd)
		return sh.fs.Paths.Unlink(ctx, sh.cwd, args[0])
	case "mount":
		if len(args) != 1 {
			return fmt.Errorf("usage: mount DIR")
		}
		return sh.mount(ctx, args[0])
	case "exit", "quit":
		return io.EOF
	default:
		return fmt.Errorf("unknown command %q (try: ls, cat, write, mkdir, rm, exit)", verb)
	}
}

func (sh *shell) ls(ctx context.Context, path string) error {
	dp, err := sh.fs.Paths.Namei(ctx, sh.cwd, path)
	if err != nil {
		return err
	}
	defer sh.fs.Inodes.Iput(ctx, dp)

	if err := sh.fs.Inodes.Ilock(ctx, dp); err != nil {
		return err
	}
	defer sh.fs.Inodes.Iunlock(dp)

	st := sh.fs.Inodes.Stati(dp)
	if st.Type != ondisk.TypeDir {
		fmt.Fprintf(sh.out, "%d\t%d\t%s\n", st.Inum, st.Size, path)
		return nil
	}

	var off uint32
	for off < st.Size {
		buf := make([]byte, ondisk.DirentSize)
		n, err := sh.fs.Inodes.Readi(ctx, dp, buf, off)
		if err != nil {
			return err
		}
		if n < int(ondisk.DirentSize) {
			break
		}
		off += ondisk.DirentSize
		e := ondisk.UnmarshalDirent(buf)
		if e.Inum != 0 {
			fmt.Fprintf(sh.out, "%d\t%s\n", e.Inum, e.NameString())
		}
	}
	return nil
}

func (sh *shell) cat(ctx context.Context, path string) error {
	ip, err := sh.fs.Paths.Namei(ctx, sh.cwd, path)
	if err != nil {
		return err
	}
	defer sh.fs.Inodes.Iput(ctx, ip)

	if err := sh.fs.Inodes.Ilock(ctx, ip); err != nil {
		return err
	}
	st := sh.fs.Inodes.Stati(ip)
	buf := make([]byte, st.Size)
	n, err := sh.fs.Inodes.Readi(ctx, ip, buf, 0)
	sh.fs.Inodes.Iunlock(ip)
	if err != nil {
		return err
	}
	sh.out.Write(buf[:n])
	fmt.Fprintln(sh.out)
	return nil
}

// write creates path if it does not exist and writes text at offset 0, all
// inside one log transaction. An existing file is not truncated: any bytes
// past len(text) are kept.
func (sh *shell) write(ctx context.Context, path, text string) error {
	dp, name, err := sh.fs.Paths.NameiParent(ctx, sh.cwd, path)
	if err != nil {
		return err
	}
	defer sh.fs.Inodes.Iput(ctx, dp)

	if err := sh.fs.Log.BeginOp(ctx); err != nil {
		return err
	}
	defer sh.fs.Log.EndOp()

	if err := sh.fs.Inodes.Ilock(ctx, dp); err != nil {
		return err
	}

	ip, _, lerr := sh.fs.Paths.Dirlookup(ctx, dp, name)
	if lerr != nil {
		sh.fs.Inodes.Iunlock(dp)
		return lerr
	}
	if ip == nil {
		child, aerr := sh.fs.Inodes.Ialloc(ctx, ondisk.TypeFile)
		if aerr != nil {
			sh.fs.Inodes.Iunlock(dp)
			return aerr
		}
		if err := sh.fs.Inodes.Ilock(ctx, child); err != nil {
			sh.fs.Inodes.Iunlock(dp)
			return err
		}
		child.Nlink = 1
		if err := sh.fs.Inodes.Iupdate(ctx, child); err != nil {
			sh.fs.Inodes.Iunlock(child)
			sh.fs.Inodes.Iunlock(dp)
			return err
		}
		if err := sh.fs.Paths.Dirlink(ctx, dp, name, child.Inum()); err != nil {
			sh.fs.Inodes.Iunlock(child)
			sh.fs.Inodes.Iunlock(dp)
			return err
		}
		sh.fs.Inodes.Iunlock(child)
		ip = child
	}
	sh.fs.Inodes.Iunlock(dp)

	if err := sh.fs.Inodes.Ilock(ctx, ip); err != nil {
		sh.fs.Inodes.Iput(ctx, ip)
		return err
	}
	_, werr := sh.fs.Inodes.Writei(ctx, ip, []byte(text), 0)
	sh.fs.Inodes.Iunlock(ip)
	sh.fs.Inodes.Iput(ctx, ip)
	return werr
}

// mount starts the FUSE adapter over the already-open fs at dir and blocks
// until it is unmounted, letting a shell session double as a quick way to
// poke at an image through the real kernel VFS without a separate process.
func (sh *shell) mount(ctx context.Context, dir string) error {
	logger := log.New(os.Stderr, "shell-mount: ", log.LstdFlags)
	adapter := fuseadapter.New(
		sh.fs.Inodes, sh.fs.Paths, sh.fs.Files, sh.fs.Log,
		sh.fs.DevNum(), clock.RealClock{}, logger)

	mfs, err := fuseadapter.Mount(ctx, dir, adapter)
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "mounted at %s, waiting for unmount...\n", dir)
	return mfs.Join(ctx)
}

func (sh *shell) mkdir(ctx context.Context, path string) error {
	dp, name, err := sh.fs.Paths.NameiParent(ctx, sh.cwd, path)
	if err != nil {
		return err
	}
	defer sh.fs.Inodes.Iput(ctx, dp)

	if err := sh.fs.Log.BeginOp(ctx); err != nil {
		return err
	}
	defer sh.fs.Log.EndOp()

	if err := sh.fs.Inodes.Ilock(ctx, dp); err != nil {
		return err
	}
	existing, _, derr := sh.fs.Paths.Dirlookup(ctx, dp, name)
	if derr != nil {
		sh.fs.Inodes.Iunlock(dp)
		return derr
	}
	if existing != nil {
		sh.fs.Inodes.Iput(ctx, existing)
		sh.fs.Inodes.Iunlock(dp)
		return fmt.Errorf("mkdir: %s already exists", path)
	}

	child, err := sh.fs.Inodes.Ialloc(ctx, ondisk.TypeDir)
	if err != nil {
		sh.fs.Inodes.Iunlock(dp)
		return err
	}
	if err := sh.fs.Inodes.Ilock(ctx, child); err != nil {
		sh.fs.Inodes.Iunlock(dp)
		return err
	}
	child.Nlink = 2
	if err := sh.fs.Inodes.Iupdate(ctx, child); err != nil {
		sh.fs.Inodes.Iunlock(child)
		sh.fs.Inodes.Iunlock(dp)
		return err
	}
	if err := sh.fs.Paths.Dirlink(ctx, dp, name, child.Inum()); err != nil {
		sh.fs.Inodes.Iunlock(child)
		sh.fs.Inodes.Iunlock(dp)
		return err
	}

	var dot, dotdot ondisk.Dirent
	dot.SetName(".")
	dot.Inum = uint16(child.Inum())
	if _, err := sh.fs.Inodes.Writei(ctx, child, dot.Marshal(), 0); err != nil {
		sh.fs.Inodes.Iunlock(child)
		sh.fs.Inodes.Iunlock(dp)
		return err
	}
	dotdot.SetName("..")
	dotdot.Inum = uint16(dp.Inum())
	if _, err := sh.fs.Inodes.Writei(ctx, child, dotdot.Marshal(), ondisk.DirentSize); err != nil {
		sh.fs.Inodes.Iunlock(child)
		sh.fs.Inodes.Iunlock(dp)
		return err
	}
	dp.Nlink++
	if err := sh.fs.Inodes.Iupdate(ctx, dp); err != nil {
		sh.fs.Inodes.Iunlock(child)
		sh.fs.Inodes.Iunlock(dp)
		return err
	}

	sh.fs.Inodes.Iunlock(child)
	sh.fs.Inodes.Iunlock(dp)
	return sh.fs.Inodes.Iput(ctx, child)
}
