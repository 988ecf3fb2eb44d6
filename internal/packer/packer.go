// Package packer turns a list of on-disk files into a C translation unit: a
// header declaring one "Packed_File_t" record per input plus a null
// terminated list of all of them, and a source file defining the records.
//
// This is a deterministic, offline, build-time transform: no networking, no
// state beyond the files it's given. It's grounded on
// _examples/original_source/file_pack.py, generalized per spec.md §4.3 to
// also emit the File_LIST table and to run .lua inputs through
// internal/luastrip before measuring their size.
package packer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ryanrsrs/luatt/internal/luastrip"
)

// File is one packed-file record: the input path as given, its logical name
// (basename without the final extension), and its (possibly stripped)
// data; the emitted size is len(Data).
type File struct {
	Path string
	Name string
	Data []byte
}

// Load reads path from disk and builds a File record. If path ends in
// ".lua" the contents are passed through luastrip.Strip first, so Data
// (and the size emitted from it) reflects the stripped length.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("packer: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".lua") {
		data = luastrip.Strip(data)
	}
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return File{Path: path, Name: name, Data: data}, nil
}

var notAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// cName returns the sanitized C identifier suffix for a file: the basename
// (extension included) with every run of non-alphanumeric bytes replaced by
// a single underscore.
func cName(path string) string {
	return notAlnum.ReplaceAllString(filepath.Base(path), "_")
}

// Pack emits the header and source translation units for files, in order,
// to header and source respectively.
func Pack(files []File, header, source io.Writer) error {
	h := bufio.NewWriter(header)
	if err := emitHeader(h, files); err != nil {
		return err
	}
	if err := h.Flush(); err != nil {
		return err
	}

	s := bufio.NewWriter(source)
	if err := emitSource(s, files); err != nil {
		return err
	}
	return s.Flush()
}

func emitHeader(w io.Writer, files []File) error {
	lines := []string{
		"#ifndef PACKED_FILES_H",
		"#define PACKED_FILES_H",
		"",
		"#include <stddef.h>",
		"",
		"#ifdef __cplusplus",
		`extern "C" {`,
		"#endif",
		"",
		"struct Packed_File_t {",
		"    const char* path;",
		"    const char* name;",
		"    size_t size;",
		"    const char* data;",
		"};",
		"",
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	for _, f := range files {
		if _, err := fmt.Fprintf(w, "extern const struct Packed_File_t File_%s;\n", cName(f.Path)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "extern const struct Packed_File_t* const File_LIST[];"); err != nil {
		return err
	}
	tail := []string{
		"",
		"#ifdef __cplusplus",
		"}",
		"#endif",
		"#endif",
		"",
	}
	for _, l := range tail {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

func emitSource(w io.Writer, files []File) error {
	if _, err := fmt.Fprintln(w, `#include "packed_files.h"`); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	for _, f := range files {
		name := cName(f.Path)
		if _, err := fmt.Fprintf(w, "const struct Packed_File_t File_%s = {\n", name); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "    \"%s\", /* path */\n", escapeHex(f.Path)); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "    \"%s\", /* name */\n", escapeHex(f.Name)); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "    %d, /* size */\n", len(f.Data)); err != nil {
			return err
		}
		if err := writeWrappedLiteral(w, f.Data); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, "};"); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintln(w, "const struct Packed_File_t* const File_LIST[] = {"); err != nil {
		return err
	}
	for _, f := range files {
		if _, err := fmt.Fprintf(w, "    &File_%s,\n", cName(f.Path)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintln(w, "    NULL,"); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, "};")
	return err
}

// writeWrappedLiteral emits data as a sequence of C string literals, each
// line holding at most ~72 columns (including the four-space indent and
// quotes), matching file_pack.py's escaped_chars/line-wrapping behavior.
func writeWrappedLiteral(w io.Writer, data []byte) error {
	const prefix = `    "`
	const wrapAt = 72

	line := prefix
	for _, b := range data {
		esc := escapeOctal(b)
		if len(line)+len(esc) >= wrapAt {
			if _, err := fmt.Fprintf(w, "%s\"\n", line); err != nil {
				return err
			}
			line = prefix
		}
		line += esc
	}
	_, err := fmt.Fprintf(w, "%s\"\n", line)
	return err
}

// escapeOctal escapes a single byte the way file_pack.py's escaped_chars()
// does for packed file data: common printable ASCII passes through, a
// handful of punctuation/control characters get their C escape sequence,
// anything else becomes a three-digit octal escape.
func escapeOctal(b byte) string {
	if e, ok := cEscapes[b]; ok {
		return e
	}
	if isPlain(b) {
		return string(rune(b))
	}
	return fmt.Sprintf("\\%03o", b)
}

// escapeHex escapes a string the way file_pack.py's escape_string() does
// for path/name fields: same plain set and C escapes, but anything else
// becomes a two-digit hex escape.
func escapeHex(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if e, ok := cEscapes[c]; ok {
			b.WriteString(e)
			continue
		}
		if isPlain(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "\\x%02x", c)
	}
	return b.String()
}

var plainSet = func() [256]bool {
	var set [256]bool
	const plain = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789" +
		" !#$%&()*+,-./:;<=>@[]^_`{|}~."
	for _, c := range []byte(plain) {
		set[c] = true
	}
	return set
}()

func isPlain(b byte) bool {
	return plainSet[b]
}

var cEscapes = map[byte]string{
	'"':  `\"`,
	'\'': `\'`,
	'?':  `\?`,
	'\\': `\\`,
	'\a': `\a`,
	'\b': `\b`,
	'\f': `\f`,
	'\n': `\n`,
	'\r': `\r`,
	'\t': `\t`,
	'\v': `\v`,
}
