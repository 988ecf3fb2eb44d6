// Package loader resolves the three forms a script-load target can take
// (a bare .lua file, a .cmd manifest, or a .zip/.luaz archive) down to a
// sequence of (logical-name, stripped-source) entries, and sends each one
// to the device as a blocking load or compile request.
//
// Grounded directly on _examples/original_source/luatt.py's
// split_lua_name/find_loader_cmd/load_luaz/load_loader_cmd/cmd_load.
package loader

import (
	"archive/zip"
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ryanrsrs/luatt/internal/luastrip"
	log "github.com/ryanrsrs/luatt/pkg/llog"
)

// Entry is one resolved load target: a logical name and its (comment-
// stripped) source bytes.
type Entry struct {
	Name string
	Data []byte
}

// Sender issues a blocking request and waits for its reply, the shape
// *issuer.Issuer provides.
type Sender interface {
	Request(verb string, args ...[]byte) ([][]byte, error)
}

// SplitLuaName implements the NAME=PATH shorthand: if s contains "=" and
// the part before the first "=" has no "/", that part is the explicit name
// and everything after it is the path. Otherwise the name is s's basename with
// its extension removed and the whole of s is the path.
func SplitLuaName(s string) (name, path_ string) {
	if eq := strings.SplitN(s, "=", 2); len(eq) == 2 && !strings.Contains(eq[0], "/") {
		return eq[0], eq[1]
	}
	base := filepath.Base(s)
	return strings.TrimSuffix(base, filepath.Ext(base)), s
}

// Load resolves target (a .lua, .cmd, or .zip/.luaz path) to its entries,
// stripping comments from every entry's data.
func Load(target string) ([]Entry, error) {
	switch strings.ToLower(filepath.Ext(target)) {
	case ".zip", ".luaz":
		return LoadZip(target)
	case ".cmd":
		return LoadCmd(target)
	default:
		name, p := SplitLuaName(target)
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("loader: %s: %w", p, err)
		}
		return []Entry{{Name: name, Data: luastrip.Strip(data)}}, nil
	}
}

// LoadCmd parses a plain-text manifest: one NAME=PATH (or bare path) entry
// per line, blank lines skipped, paths resolved relative to the
// manifest's own directory.
func LoadCmd(manifestPath string) ([]Entry, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	defer f.Close()

	dir := filepath.Dir(manifestPath)
	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		name, src := SplitLuaName(line)
		data, err := os.ReadFile(filepath.Join(dir, src))
		if err != nil {
			log.Error("loader: %v", err)
			continue
		}
		entries = append(entries, Entry{Name: name, Data: luastrip.Strip(data)})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("loader: %s: %w", manifestPath, err)
	}
	return entries, nil
}

// LoadZip opens a zip archive and reads the entries named by its
// Loader.cmd manifest (see FindLoaderCmd for search rules).
func LoadZip(zipPath string) ([]Entry, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	defer zr.Close()

	loader, err := FindLoaderCmd(&zr.Reader)
	if err != nil {
		return nil, fmt.Errorf("loader: %s: %w", zipPath, err)
	}
	if loader == nil {
		return nil, fmt.Errorf("loader: %s: Loader.cmd not found", zipPath)
	}

	manifest, err := readZipFile(loader)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}

	loaderDir := path.Dir(loader.Name)
	var entries []Entry
	for _, line := range strings.Split(string(manifest), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, src := SplitLuaName(line)
		srcPath := path.Join(loaderDir, src)
		zf := findZipFile(&zr.Reader, srcPath)
		if zf == nil {
			return nil, fmt.Errorf("loader: %s: %s not found in archive", zipPath, srcPath)
		}
		data, err := readZipFile(zf)
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		entries = append(entries, Entry{Name: name, Data: luastrip.Strip(data)})
	}
	return entries, nil
}

// FindLoaderCmd searches z for the Loader.cmd manifest: first at the
// archive root, then exactly one directory deep. It returns an error if
// more than one depth-1 candidate exists.
func FindLoaderCmd(z *zip.Reader) (*zip.File, error) {
	var subdir *zip.File
	multiple := false
	for _, f := range z.File {
		if f.Name == "Loader.cmd" {
			return f, nil
		}
		dir, base := path.Split(f.Name)
		if base != "Loader.cmd" {
			continue
		}
		dir = strings.TrimSuffix(dir, "/")
		if strings.Contains(dir, "/") {
			continue // more than one directory level deep
		}
		if subdir != nil {
			multiple = true
			continue
		}
		subdir = f
	}
	if multiple {
		return nil, fmt.Errorf("multiple Loader.cmd files found")
	}
	return subdir, nil
}

func findZipFile(z *zip.Reader, name string) *zip.File {
	for _, f := range z.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// SendAll sends every entry to the device as a blocking "load" (or
// "compile", if compile is true) request in order, stopping at the first
// error.
func SendAll(s Sender, entries []Entry, compile bool) error {
	verb := "load"
	if compile {
		verb = "compile"
	}
	for _, e := range entries {
		if _, err := s.Request(verb, []byte(e.Name), e.Data); err != nil {
			return fmt.Errorf("loader: %s: %w", e.Name, err)
		}
	}
	return nil
}
