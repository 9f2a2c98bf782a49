// Package project is the catalog of launchable projects.
package project

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loykin/launchr/internal/config"
)

var ErrUnknownProject = errors.New("unknown project")

// Project is one catalog entry. Script is absolute.
type Project struct {
	Ref    string   `json:"ref"`
	Name   string   `json:"name"`
	Script string   `json:"script"`
	Env    []string `json:"-"`
}

// Lookup resolves a project reference.
type Lookup interface {
	Lookup(ref string) (Project, error)
}

// Catalog is a concurrency-safe, replaceable set of projects.
type Catalog struct {
	mu       sync.RWMutex
	projects map[string]Project
}

func NewCatalog(ps ...Project) *Catalog {
	c := &Catalog{}
	c.Replace(ps)
	return c
}

// FromConfig builds the projects of cfg with resolved script paths.
func FromConfig(cfg *config.Config) []Project {
	out := make([]Project, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		name := p.Name
		if name == "" {
			name = p.Ref
		}
		out = append(out, Project{Ref: p.Ref, Name: name, Script: cfg.ScriptPath(p), Env: p.Env})
	}
	return out
}

func (c *Catalog) Lookup(ref string) (Project, error) {
	c.mu.RLock()
	p, ok := c.projects[ref]
	c.mu.RUnlock()
	if !ok {
		return Project{}, fmt.Errorf("%w: %q", ErrUnknownProject, ref)
	}
	return p, nil
}

// List returns every project sorted by ref.
func (c *Catalog) List() []Project {
	c.mu.RLock()
	out := make([]Project, 0, len(c.projects))
	for _, p := range c.projects {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

// Replace swaps the whole catalog. Running processes of removed projects
// are left alone; they are still stopped by lease expiry and the shutdown sweep.
func (c *Catalog) Replace(ps []Project) {
	m := make(map[string]Project, len(ps))
	for _, p := range ps {
		m[p.Ref] = p
	}
	c.mu.Lock()
	c.projects = m
	c.mu.Unlock()
}
