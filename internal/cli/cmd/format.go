package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/garvkuiuc/riscv-unix-kernel/internal/cache"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/cli"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/fs"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/kernel"
	"github.com/garvkuiuc/riscv-unix-kernel/internal/log"
)

// Format is the disk-image command: it creates (or truncates) a file of the requested size and
// writes a fresh superblock, bitmaps, and root directory to it, the on-disk equivalent of mkfs.
func Format() cli.Command {
	return new(format)
}

type format struct {
	disk string
	size int64
}

func (format) Description() string { return "format a fresh disk image" }

func (format) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
format -disk <path> [-size bytes]

Create (or overwrite) a disk image at path and write a fresh file system to it.`)

	return err
}

func (f *format) FlagSet() *cli.FlagSet {
	flags := flag.NewFlagSet("format", flag.ExitOnError)

	flags.StringVar(&f.disk, "disk", "", "path to the disk image")
	flags.Int64Var(&f.size, "size", 1<<20, "disk image size in bytes")

	return flags
}

func (f *format) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if f.disk == "" {
		fmt.Fprintln(out, "format: -disk is required")
		return 1
	}

	file, err := os.Create(f.disk)
	if err != nil {
		fmt.Fprintln(out, "format: create:", err)
		return 1
	}
	defer file.Close()

	if err := file.Truncate(f.size); err != nil {
		fmt.Fprintln(out, "format: truncate:", err)
		return 1
	}

	totalBlocks := uint32(f.size / cache.BlockSize)

	k, err := kernel.Boot(
		kernel.WithDisk(file, uint64(f.size)),
		kernel.WithFormat(fs.DefaultFormatOptions(totalBlocks)),
	)
	if err != nil {
		fmt.Fprintln(out, "format: boot:", err)
		return 1
	}
	defer k.Shutdown()

	fmt.Fprintf(out, "formatted %s (%d bytes, %d blocks)\n", f.disk, f.size, totalBlocks)

	return 0
}
