package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lookup(kvs []string, key string) (string, bool) {
	for _, kv := range kvs {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New()
	e.Isolate()
	e.Apply([]string{"HOME_DIR=/srv", "MODE=prod", "bad", "=nokey"})
	out := e.Merge([]string{"MODE=dev", "DATA=${HOME_DIR}/data"})

	if v, _ := lookup(out, "MODE"); v != "dev" {
		t.Fatalf("per-project value should win, got %q", v)
	}
	if v, _ := lookup(out, "DATA"); v != "/srv/data" {
		t.Fatalf("expected expansion, got %q", v)
	}
	if len(out) != 3 {
		t.Fatalf("malformed entries must be skipped: %v", out)
	}
	for i := 1; i < len(out); i++ {
		if out[i-1] > out[i] {
			t.Fatalf("output not sorted: %v", out)
		}
	}
}

func TestMergeInheritsOS(t *testing.T) {
	t.Setenv("LAUNCHR_ENV_TEST", "inherited")
	e := New()
	out := e.Merge(nil)
	if v, ok := lookup(out, "LAUNCHR_ENV_TEST"); !ok || v != "inherited" {
		t.Fatalf("expected inherited variable, got %q ok=%v", v, ok)
	}
}

func TestWithSetDoesNotMutate(t *testing.T) {
	e := New()
	e.Set("A", "1")
	c := e.WithSet("B", "2")
	if _, ok := e.Var["B"]; ok {
		t.Fatalf("WithSet mutated receiver")
	}
	if c.Var["A"] != "1" || c.Var["B"] != "2" {
		t.Fatalf("unexpected copy: %v", c.Var)
	}
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "app.env")
	content := "# comment\n\nexport TOKEN=abc\nNAME=\"quoted value\"\nSINGLE='x'\nnoequals\n"
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	kvs, err := LoadFile(p)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	want := []string{"TOKEN=abc", "NAME=quoted value", "SINGLE=x"}
	if strings.Join(kvs, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v want %v", kvs, want)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
