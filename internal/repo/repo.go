// Package repo maps client supplied repository identifiers to directories
// under a configured root.
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Suffix is the conventional repository suffix stripped from identifiers.
const Suffix = ".git"

var ErrNotFound = errors.New("repository not found")

type Resolver struct {
	root string
}

// NewResolver returns a Resolver serving the repositories below root.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("repository root %q: %w", root, err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("repository root %q: %w", root, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("repository root %q: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("repository root %q: not a directory", root)
	}
	return &Resolver{root: abs}, nil
}

// Root is the canonical repository root.
func (r *Resolver) Root() string { return r.root }

// Resolve returns the canonical directory of the repository named by id.
// One trailing Suffix is stripped from id, so "project" and "project.git"
// resolve to the same directory: "<root>/project" when it exists, otherwise
// "<root>/project.git". Directories outside the root, and the root itself,
// are never returned.
func (r *Resolver) Resolve(id string) (string, error) {
	name := strings.TrimSuffix(strings.Trim(id, "/"), Suffix)
	if name == "" {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	base := filepath.Join(r.root, filepath.FromSlash(name))
	for _, candidate := range []string{base, base + Suffix} {
		dir, err := r.canonical(candidate)
		if err == nil {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrNotFound, id)
}

func (r *Resolver) canonical(path string) (string, error) {
	dir, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	if !r.contains(dir) {
		return "", fmt.Errorf("%s: outside repository root", dir)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%s: not a directory", dir)
	}
	return dir, nil
}

func (r *Resolver) contains(dir string) bool {
	rel, err := filepath.Rel(r.root, dir)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
