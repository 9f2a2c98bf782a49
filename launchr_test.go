package launchr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/launchr/internal/auth"
	"github.com/loykin/launchr/internal/store"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("requires bash for .sh scripts")
	}
}

func writeConfig(t *testing.T, dir, projects string) string {
	t.Helper()
	p := filepath.Join(dir, "launchr.toml")
	body := fmt.Sprintf(`
[store]
dsn = "sqlite://%s"

[launcher]
settle_delay = "100ms"
log_dir = "logs"

[lease]
mode = "lazy"

[metrics]
enabled = true

[[auth.actors]]
name = "ops"
roles = ["admin"]
%s`, filepath.Join(dir, "launchr.db"), projects)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func openApp(t *testing.T, dir, projects string) *App {
	t.Helper()
	c, err := LoadConfig(writeConfig(t, dir, projects))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	reg := prometheus.NewRegistry()
	a, err := Open(context.Background(), c, Options{Registerer: reg, Gatherer: reg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func call(t *testing.T, h http.Handler, method, path, actor string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if actor != "" {
		req.Header.Set(auth.ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAppStartAndShutdownSweep(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "web.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho up\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	a := openApp(t, dir, `
[[projects]]
ref = "web"
script = "web.sh"
`)
	h := a.Handler()

	rec := call(t, h, http.MethodPost, "/api/projects/web/start", "ops")
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	var r Request
	if err := json.Unmarshal(rec.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !r.IsRunning || r.ProcessID == nil {
		t.Fatalf("expected running request, got %+v", r)
	}
	pid := *r.ProcessID
	t.Cleanup(func() {
		if p, err := os.FindProcess(pid); err == nil {
			_ = p.Kill()
		}
	})

	rec = call(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "launchr_workflow_running_projects") {
		t.Fatalf("metrics missing: %d %s", rec.Code, rec.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// the store is closed; reopen it to check the sweep outcome
	b := openApp(t, dir, "")
	got, err := b.store.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusStopped || got.IsRunning {
		t.Fatalf("expected stopped after shutdown sweep, got %s running=%v", got.Status, got.IsRunning)
	}
	if got.Note == nil || !strings.HasPrefix(*got.Note, "shutdown:") {
		t.Fatalf("unexpected note: %v", got.Note)
	}
	if _, err := os.Stat(filepath.Join(dir, "logs", "web.stdout.log")); err != nil {
		t.Fatalf("expected script stdout log: %v", err)
	}
}

func TestAppReloadsCatalog(t *testing.T) {
	dir := t.TempDir()
	a := openApp(t, dir, `
[[projects]]
ref = "one"
script = "/bin/true"
`)
	if n := len(a.Projects()); n != 1 {
		t.Fatalf("projects = %d", n)
	}
	writeConfig(t, dir, `
[[projects]]
ref = "one"
script = "/bin/true"

[[projects]]
ref = "two"
script = "/bin/true"
`)
	deadline := time.Now().Add(5 * time.Second)
	for len(a.Projects()) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("catalog not reloaded: %+v", a.Projects())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAppIgnoresConfigChangesAfterShutdown(t *testing.T) {
	dir := t.TempDir()
	a := openApp(t, dir, `
[[projects]]
ref = "one"
script = "/bin/true"
`)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	c, err := LoadConfig(writeConfig(t, dir, `
[[projects]]
ref = "one"
script = "/bin/true"

[[projects]]
ref = "two"
script = "/bin/true"
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	// the file watcher outlives the app; a late change must be dropped
	a.reload(c)
	time.Sleep(200 * time.Millisecond)
	if n := len(a.Projects()); n != 1 {
		t.Fatalf("catalog changed after shutdown: %+v", a.Projects())
	}
}

func TestOpenRejectsBadStore(t *testing.T) {
	c, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Store.DSN = "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1"
	if _, err := Open(context.Background(), c, Options{}); err == nil {
		t.Fatalf("expected store error")
	}
}
