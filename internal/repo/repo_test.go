package repo

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/fs"
)

func newRoot(t *testing.T) (*fs.Dir, *Resolver) {
	t.Helper()
	root := fs.NewDir(t, "repo-root",
		fs.WithDir("plain"),
		fs.WithDir("bare.git"),
		fs.WithDir("group", fs.WithDir("nested")),
		fs.WithFile("file", "not a repository"),
	)
	_, err := git.PlainInit(root.Join("plain"), true)
	assert.NilError(t, err)
	_, err = git.PlainInit(root.Join("bare.git"), true)
	assert.NilError(t, err)
	r, err := NewResolver(root.Path())
	assert.NilError(t, err)
	return root, r
}

func canonical(t *testing.T, path string) string {
	t.Helper()
	p, err := filepath.EvalSymlinks(path)
	assert.NilError(t, err)
	return p
}

func TestResolveSuffix(t *testing.T) {
	root, r := newRoot(t)

	want := canonical(t, root.Join("plain"))
	for _, id := range []string{"plain", "plain.git", "/plain", "/plain.git"} {
		got, err := r.Resolve(id)
		assert.NilError(t, err, id)
		assert.Equal(t, got, want, id)
	}

	want = canonical(t, root.Join("bare.git"))
	for _, id := range []string{"bare", "bare.git"} {
		got, err := r.Resolve(id)
		assert.NilError(t, err, id)
		assert.Equal(t, got, want, id)
	}
}

func TestResolveNested(t *testing.T) {
	root, r := newRoot(t)
	got, err := r.Resolve("group/nested.git")
	assert.NilError(t, err)
	assert.Equal(t, got, canonical(t, root.Join("group", "nested")))
}

func TestResolveNotFound(t *testing.T) {
	_, r := newRoot(t)
	for _, id := range []string{"", "/", ".git", "missing", "missing.git", "file", "..", "../", "group/../..", "./"} {
		_, err := r.Resolve(id)
		assert.Assert(t, errors.Is(err, ErrNotFound), "%q: %v", id, err)
	}
}

func TestResolveRejectsEscape(t *testing.T) {
	outside := fs.NewDir(t, "outside", fs.WithDir("secret"))
	root, r := newRoot(t)

	_, err := r.Resolve("../" + filepath.Base(outside.Path()) + "/secret")
	assert.Assert(t, errors.Is(err, ErrNotFound))

	assert.NilError(t, os.Symlink(outside.Join("secret"), root.Join("link")))
	_, err = r.Resolve("link")
	assert.Assert(t, errors.Is(err, ErrNotFound))
}

func TestNewResolver(t *testing.T) {
	dir := fs.NewDir(t, "resolver", fs.WithFile("f", ""))
	_, err := NewResolver(dir.Join("f"))
	assert.ErrorContains(t, err, "not a directory")

	_, err = NewResolver(dir.Join("missing"))
	assert.Assert(t, err != nil)

	r, err := NewResolver(dir.Path())
	assert.NilError(t, err)
	assert.Equal(t, r.Root(), canonical(t, dir.Path()))
}
