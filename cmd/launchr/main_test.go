package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/launchr"
	"github.com/loykin/launchr/internal/auth"
)

const secret = "0123456789abcdef0123"

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, "launchr.toml")
	body := fmt.Sprintf(`
[store]
dsn = "sqlite://%s"

[auth]
enabled = true
jwt_secret = %q
`, filepath.Join(dir, "launchr.db"), secret)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHelpMentionsCommands(t *testing.T) {
	out, err := run(t, "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	for _, want := range []string{"launchr", "serve", "sweep", "token"} {
		if !strings.Contains(out, want) {
			t.Fatalf("help output missing %q: %s", want, out)
		}
	}
}

func TestTokenCommandIssuesVerifiableToken(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())
	out, err := run(t, "--config", cfg, "token", "--subject", "ops", "--role", "admin", "--role", "oncall")
	if err != nil {
		t.Fatalf("token: %v (%s)", err, out)
	}
	tok := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	tokens, err := auth.NewTokens(secret)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	a, err := tokens.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if a.Name != "ops" || strings.Join(a.Roles, ",") != "admin,oncall" {
		t.Fatalf("unexpected actor: %+v", a)
	}
}

func TestTokenRequiresSubject(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())
	if _, err := run(t, "--config", cfg, "token"); err == nil {
		t.Fatalf("expected missing subject error")
	}
}

func TestSweepNothingRunning(t *testing.T) {
	cfg := writeConfig(t, t.TempDir())
	out, err := run(t, "sweep", cfg)
	if err != nil {
		t.Fatalf("sweep: %v (%s)", err, out)
	}
	if !strings.Contains(out, "nothing running") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestLockExcludesSecondInstance(t *testing.T) {
	dir := t.TempDir()
	cfg, err := launchr.LoadConfig(writeConfig(t, dir))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := lockPath(cfg); got != filepath.Join(dir, "launchr.db.lock") {
		t.Fatalf("lock path = %s", got)
	}
	first, err := acquireLock(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer first.Release()

	if _, err := acquireLock(context.Background(), cfg); !errors.Is(err, errLockedElsewhere) {
		t.Fatalf("expected errLockedElsewhere, got %v", err)
	}
	if _, err := run(t, "sweep", "--config", filepath.Join(dir, "launchr.toml")); !errors.Is(err, errLockedElsewhere) {
		t.Fatalf("sweep should refuse while locked, got %v", err)
	}
}

func TestPrintOutcomes(t *testing.T) {
	var buf bytes.Buffer
	err := printOutcomes(&buf, []launchr.Outcome{
		{RequestID: "r1", ProjectRef: "web", Success: true, Terminated: []int{10, 11}},
		{RequestID: "r2", ProjectRef: "api", Err: errors.New("operation not permitted")},
	})
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("expected failure summary, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "r1") || !strings.Contains(out, "[10 11]") || !strings.Contains(out, "failed: operation not permitted") {
		t.Fatalf("unexpected table: %s", out)
	}
}
