// Command luapack packs a list of files into a C translation unit: a
// header declaring one Packed_File_t record per file plus a File_LIST
// table, and a source file defining them. .lua inputs are comment-stripped
// before packing.
//
// Argument handling grounded on
// _examples/original_source/file_pack.py's --h=/--cpp=/file-list loop.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/ryanrsrs/luatt/internal/packer"
)

func main() {
	var headerPath, sourcePath string
	var inputs []string

	for _, arg := range os.Args[1:] {
		switch {
		case strings.HasPrefix(arg, "--h="):
			headerPath = strings.TrimPrefix(arg, "--h=")
		case strings.HasPrefix(arg, "--cpp="):
			sourcePath = strings.TrimPrefix(arg, "--cpp=")
		default:
			if _, err := os.Stat(arg); err != nil {
				fmt.Fprintf(os.Stderr, "Can't find file %s.\n", arg)
				os.Exit(2)
			}
			inputs = append(inputs, arg)
		}
	}

	header := os.Stdout
	source := os.Stdout
	if headerPath != "" {
		f, err := os.Create(headerPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		header = f
	}
	if sourcePath != "" {
		f, err := os.Create(sourcePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		source = f
	}

	files := make([]packer.File, 0, len(inputs))
	for _, path := range inputs {
		f, err := packer.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		files = append(files, f)
	}

	if err := packer.Pack(files, header, source); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
