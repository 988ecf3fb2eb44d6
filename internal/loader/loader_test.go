package loader

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

func TestSplitLuaName(t *testing.T) {
	cases := []struct{ in, name, path string }{
		{"foo=bar.lua", "foo", "bar.lua"},
		{"scripts/blink.lua", "blink", "scripts/blink.lua"},
		{"a/b=c.lua", "b=c", "a/b=c.lua"}, // name has '/', shorthand rejected
	}
	for _, c := range cases {
		name, p := SplitLuaName(c.in)
		if name != c.name || p != c.path {
			t.Errorf("SplitLuaName(%q) = (%q, %q), want (%q, %q)", c.in, name, p, c.name, c.path)
		}
	}
}

func TestLoadBareLuaFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blink.lua")
	if err := os.WriteFile(path, []byte("-- c\nprint(1)\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	entries, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "blink" || string(entries[0].Data) != "\nprint(1)\n" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestLoadBareLuaFileWithExplicitName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blink.lua")
	os.WriteFile(path, []byte("print(1)\n"), 0644)

	entries, err := Load("main=" + path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "main" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestLoadCmdManifest(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.lua"), []byte("print(1)\n"), 0644)
	os.WriteFile(filepath.Join(dir, "b.lua"), []byte("print(2)\n"), 0644)

	manifest := filepath.Join(dir, "Loader.cmd")
	os.WriteFile(manifest, []byte("a.lua\n\nbeta=b.lua\n"), 0644)

	entries, err := LoadCmd(manifest)
	if err != nil {
		t.Fatalf("LoadCmd: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if entries[0].Name != "a" || entries[1].Name != "beta" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestLoadCmdManifestSkipsMissingFile(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.lua"), []byte("print(1)\n"), 0644)

	manifest := filepath.Join(dir, "Loader.cmd")
	os.WriteFile(manifest, []byte("missing.lua\na.lua\n"), 0644)

	entries, err := LoadCmd(manifest)
	if err != nil {
		t.Fatalf("LoadCmd: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a" {
		t.Errorf("entries = %+v, want only the readable file", entries)
	}
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip Create: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip Write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip Close: %v", err)
	}
}

func TestLoadZipRootLoader(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "archive.luaz")
	writeZip(t, zipPath, map[string]string{
		"Loader.cmd": "main=a.lua\n",
		"a.lua":      "-- c\nprint(1)\n",
	})

	entries, err := LoadZip(zipPath)
	if err != nil {
		t.Fatalf("LoadZip: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "main" || string(entries[0].Data) != "\nprint(1)\n" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestLoadZipDepthOneLoader(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "archive.zip")
	writeZip(t, zipPath, map[string]string{
		"pkg/Loader.cmd": "a.lua\n",
		"pkg/a.lua":      "print(1)\n",
	})

	entries, err := LoadZip(zipPath)
	if err != nil {
		t.Fatalf("LoadZip: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestLoadZipMultipleDepthOneCandidatesError(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "archive.zip")
	writeZip(t, zipPath, map[string]string{
		"pkg1/Loader.cmd": "a.lua\n",
		"pkg2/Loader.cmd": "a.lua\n",
	})

	if _, err := LoadZip(zipPath); err == nil {
		t.Fatal("LoadZip: expected error for ambiguous Loader.cmd")
	}
}

type fakeSender struct {
	calls []struct {
		verb string
		args [][]byte
	}
}

func (s *fakeSender) Request(verb string, args ...[]byte) ([][]byte, error) {
	s.calls = append(s.calls, struct {
		verb string
		args [][]byte
	}{verb, args})
	return [][]byte{[]byte("tok"), []byte("ret")}, nil
}

func TestSendAllUsesCompileVerb(t *testing.T) {
	s := &fakeSender{}
	entries := []Entry{{Name: "a", Data: []byte("x")}, {Name: "b", Data: []byte("y")}}
	if err := SendAll(s, entries, true); err != nil {
		t.Fatalf("SendAll: %v", err)
	}
	if len(s.calls) != 2 || s.calls[0].verb != "compile" {
		t.Errorf("calls = %+v", s.calls)
	}
}
