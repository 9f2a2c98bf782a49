// Package env composes the environment handed to startup scripts.
package env

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers configured variables over a base environment.
type Env struct {
	Var Var // service-wide variables (K->V)
	env Var // cached base, the OS environment unless Isolate was called
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// Isolate drops the inherited base so only configured variables are passed on.
func (e *Env) Isolate() {
	e.env = make(Var)
}

// Set sets a service-wide variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet returns a copy of e with K=V applied.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		c.Var[kk] = vv
	}
	c.Set(k, v)
	return c
}

// Apply sets every "K=V" pair of kvs. Entries without '=' or with an empty key are skipped.
func (e *Env) Apply(kvs []string) {
	for k, v := range parse(kvs) {
		e.Set(k, v)
	}
}

// Merge composes the script environment:
// base (OS or cached), then e.Var, then perProject "K=V" overrides.
// ${VAR} references are expanded once against the composed map.
// The result is sorted by key.
func (e *Env) Merge(perProject []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProject))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range parse(perProject) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// LoadFile reads a .env file of KEY=VALUE lines. Blank lines and lines
// starting with # are ignored; an "export " prefix and surrounding quotes
// are stripped.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		v := unquote(strings.TrimSpace(line[i+1:]))
		out = append(out, k+"="+v)
	}
	return out, sc.Err()
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
