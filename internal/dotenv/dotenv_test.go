package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# backend credentials\n" +
		"HONEYCATCHER_API_KEY=hc_sk_file\n" +
		"QUOTED=\"hello world\"\n" +
		"SINGLE='one two'\n" +
		"export EXPORTED=ok\n" +
		"EXISTING=from_file\n" +
		"not a pair\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("EXISTING", "already_set")

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("HONEYCATCHER_API_KEY"); got != "hc_sk_file" {
		t.Fatalf("HONEYCATCHER_API_KEY=%q, want %q", got, "hc_sk_file")
	}
	if got := os.Getenv("QUOTED"); got != "hello world" {
		t.Fatalf("QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("SINGLE"); got != "one two" {
		t.Fatalf("SINGLE=%q, want %q", got, "one two")
	}
	if got := os.Getenv("EXPORTED"); got != "ok" {
		t.Fatalf("EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("EXISTING"); got != "already_set" {
		t.Fatalf("EXISTING=%q, want existing value preserved", got)
	}
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw string
		key string
		val string
		ok  bool
	}{
		{"KEY=value", "KEY", "value", true},
		{"  KEY = spaced ", "KEY", "spaced", true},
		{"export KEY=value", "KEY", "value", true},
		{`KEY="quoted"`, "KEY", "quoted", true},
		{"# comment", "", "", false},
		{"", "", "", false},
		{"=novalue", "", "", false},
		{"bare", "", "", false},
	}
	for _, tc := range cases {
		key, val, ok := parseLine(tc.raw)
		if key != tc.key || val != tc.val || ok != tc.ok {
			t.Fatalf("parseLine(%q)=(%q,%q,%v), want (%q,%q,%v)", tc.raw, key, val, ok, tc.key, tc.val, tc.ok)
		}
	}
}
