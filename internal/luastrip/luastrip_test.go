package luastrip

import (
	"bytes"
	"strings"
	"testing"
)

func TestStripCases(t *testing.T) {
	cases := []struct{ in, want string }{
		{"-- c\nprint(1)\n", "\nprint(1)\n"},
		{"  print(1)   -- hi\n", "print(1)\n"},
		{"a    b\n", "a b\n"},
		{"a = [[multi\nline]]\nprint(2)\n", "a = [[multi\nline]]\nprint(2)\n"},
		{"a = --[[multi\nline]]\nprint(2)\n", "a =\n\nprint(2)\n"},
		{"x = 1 -- short\ny = 2\n", "x = 1\ny = 2\n"},
		{"local s = 'it\\'s -- not a comment'\n", "local s = 'it\\'s -- not a comment'\n"},
		{"--[==[\nlong\n]==]\nafter\n", "\n\n\nafter\n"},
		{"a=1;--no newline at end", "a=1;"},
		{"  \t  \n", "\n"},
		{"print(1,  --[[x]]  2)\n", "print(1, 2)\n"},
		{"print(1,--[[x]]2)\n", "print(1, 2)\n"},
		{"a  --[[short]]  b\n", "a b\n"},
		{"a--[[ ]]b\n", "a b\n"},
		{"a [[lit]] b\n", "a [[lit]] b\n"},
		{"a    [[lit]]    b\n", "a    [[lit]]    b\n"},
		{"a = '--[[not long]]'\n", "a = '--[[not long]]'\n"},
		{"--[=[ ok ]=]\n", " \n"},
		{"x=--y\n", "x=\n"},
	}
	for _, c := range cases {
		got := Strip([]byte(c.in))
		if string(got) != c.want {
			t.Errorf("Strip(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestStripPreservesNewlineCount(t *testing.T) {
	inputs := []string{
		"-- c\nprint(1)\n",
		"a = [[multi\nline]]\nprint(2)\n",
		"--[==[\nlong\n]==]\nafter\n",
		"local function f()\n  return 1 -- one\nend\n",
		"",
		"\n\n\n",
		"no newline at all",
	}
	for _, in := range inputs {
		got := Strip([]byte(in))
		wantN := strings.Count(in, "\n")
		gotN := bytes.Count(got, []byte("\n"))
		if gotN != wantN {
			t.Errorf("Strip(%q) newline count = %d, want %d (output %q)", in, gotN, wantN, got)
		}
	}
}

func TestStripPreservesStringWithDashDash(t *testing.T) {
	in := `x = "-- not a comment"` + "\n"
	want := `x = "-- not a comment"` + "\n"
	if got := string(Strip([]byte(in))); got != want {
		t.Errorf("Strip(%q) = %q, want %q", in, got, want)
	}
}

func TestZipLoaderCommentStrip(t *testing.T) {
	// _examples/original_source/luatt.py's zip loader scenario (spec.md §8
	// end-to-end scenario 4): "-- c\nprint(1)\n" strips to "\nprint(1)\n".
	in := "-- c\nprint(1)\n"
	want := "\nprint(1)\n"
	if got := string(Strip([]byte(in))); got != want {
		t.Errorf("Strip(%q) = %q, want %q", in, got, want)
	}
}
