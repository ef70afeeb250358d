// nvsctl converts between a partition's CSV description and its binary
// image, for fleet provisioning (generate) and post-mortem inspection
// (parse). It bypasses the runtime's GC and page rotation entirely: it
// writes a freshly laid-out image to a byte buffer sized to the partition
// and nothing more.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/flashnvs/nvs/pkg/partimage"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "generate":
		err = runGenerate(os.Args[2:])
	case "parse":
		err = runParse(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "nvsctl: unrecognized subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "nvsctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  nvsctl generate <csv> <bin> --size <n>   build a partition image from a CSV description\n")
	fmt.Fprintf(os.Stderr, "  nvsctl parse <bin> <csv>                 recover a CSV description from a partition image\n")
	fmt.Fprintf(os.Stderr, "\n<n> parses as decimal or 0x-prefixed hex and must be a multiple of 4096.\n")
}

func runGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	size := fs.String("size", "", "partition size in bytes, decimal or 0x-hex (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("generate requires <csv> <bin>")
	}
	if *size == "" {
		return fmt.Errorf("generate requires --size")
	}
	csvPath, binPath := fs.Arg(0), fs.Arg(1)

	n, err := parseSize(*size)
	if err != nil {
		return err
	}

	f, err := os.Open(csvPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", csvPath, err)
	}
	defer f.Close()

	entries, err := partimage.ReadCSV(f, filepath.Dir(csvPath))
	if err != nil {
		return fmt.Errorf("read %s: %w", csvPath, err)
	}

	image, err := partimage.Build(entries, n)
	if err != nil {
		return fmt.Errorf("build partition image: %w", err)
	}

	if err := os.WriteFile(binPath, image, 0644); err != nil {
		return fmt.Errorf("write %s: %w", binPath, err)
	}

	fmt.Printf("wrote %d bytes to %s from %d rows in %s\n", len(image), binPath, len(entries), csvPath)
	return nil
}

func runParse(args []string) error {
	fs := flag.NewFlagSet("parse", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("parse requires <bin> <csv>")
	}
	binPath, csvPath := fs.Arg(0), fs.Arg(1)

	image, err := os.ReadFile(binPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", binPath, err)
	}

	entries, err := partimage.Parse(image)
	if err != nil {
		return fmt.Errorf("parse %s: %w", binPath, err)
	}

	out, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", csvPath, err)
	}
	defer out.Close()

	if err := partimage.WriteCSV(out, entries); err != nil {
		return fmt.Errorf("write %s: %w", csvPath, err)
	}

	fmt.Printf("wrote %d rows to %s from %s\n", len(entries), csvPath, binPath)
	return nil
}

// parseSize accepts decimal or 0x-prefixed hex and enforces the
// 4096-byte page alignment every partition must have.
func parseSize(s string) (uint32, error) {
	var n uint64
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err = strconv.ParseUint(s[2:], 16, 32)
	} else {
		n, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid --size %q: %w", s, err)
	}
	if n == 0 || n%4096 != 0 {
		return 0, fmt.Errorf("--size %q must be a positive multiple of 4096", s)
	}
	return uint32(n), nil
}
